package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(max int, window time.Duration) (*Limiter, *time.Time) {
	l := New(Config{MaxRequests: max, Window: window})
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiterAdmitsUpToLimit(t *testing.T) {
	l, _ := newTestLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		d := l.Check("client-a")
		require.True(t, d.Allowed, "request %d should be admitted", i+1)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d := l.Check("client-a")
	require.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestLimiterRejectionDoesNotRecord(t *testing.T) {
	l, now := newTestLimiter(1, time.Minute)

	require.True(t, l.Check("client-a").Allowed)
	require.False(t, l.Check("client-a").Allowed)
	require.False(t, l.Check("client-a").Allowed)

	// The single admitted request expires exactly one window after it was
	// made, regardless of how many rejected attempts followed.
	*now = now.Add(time.Minute + time.Second)
	assert.True(t, l.Check("client-a").Allowed)
}

func TestLimiterSlidingWindow(t *testing.T) {
	l, now := newTestLimiter(2, time.Minute)

	require.True(t, l.Check("client-a").Allowed)
	*now = now.Add(30 * time.Second)
	require.True(t, l.Check("client-a").Allowed)

	d := l.Check("client-a")
	require.False(t, d.Allowed)
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	// Past the oldest timestamp's expiry one slot opens up.
	*now = now.Add(31 * time.Second)
	assert.True(t, l.Check("client-a").Allowed)
}

func TestLimiterIdentitiesAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)

	require.True(t, l.Check("client-a").Allowed)
	require.False(t, l.Check("client-a").Allowed)
	assert.True(t, l.Check("client-b").Allowed)
}

func TestLimiterReadHelpers(t *testing.T) {
	l, _ := newTestLimiter(2, time.Minute)

	assert.Equal(t, 2, l.Remaining("client-a"))
	assert.Equal(t, time.Duration(0), l.RetryAfter("client-a"))

	l.Check("client-a")
	l.Check("client-a")
	assert.Equal(t, 0, l.Remaining("client-a"))
	assert.Equal(t, time.Minute, l.RetryAfter("client-a"))

	// Read helpers never record requests.
	assert.Equal(t, 0, l.Remaining("client-a"))
}

func TestLimiterReset(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)

	require.True(t, l.Check("client-a").Allowed)
	require.False(t, l.Check("client-a").Allowed)

	l.Reset("client-a")
	assert.True(t, l.Check("client-a").Allowed)
}

func TestLimiterCleanupEvictsIdleIdentities(t *testing.T) {
	l, now := newTestLimiter(5, time.Minute)

	l.Check("idle")
	*now = now.Add(30 * time.Second)
	l.Check("active")

	*now = now.Add(45 * time.Second)
	evicted := l.Cleanup()
	assert.Equal(t, 1, evicted)

	l.mu.Lock()
	_, idleKept := l.requests["idle"]
	_, activeKept := l.requests["active"]
	l.mu.Unlock()
	assert.False(t, idleKept)
	assert.True(t, activeKept)
}

func TestLimiterConcurrentChecks(t *testing.T) {
	l := New(Config{MaxRequests: 50, Window: time.Minute})

	var wg sync.WaitGroup
	admitted := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admitted <- l.Check("shared").Allowed
		}()
	}
	wg.Wait()
	close(admitted)

	count := 0
	for ok := range admitted {
		if ok {
			count++
		}
	}
	assert.Equal(t, 50, count)
}

func TestPoolsSelection(t *testing.T) {
	pools := NewPools(PoolsConfig{})

	assert.Same(t, pools.ToolInvocation, pools.ForPool(PoolToolInvocation))
	assert.Same(t, pools.ResourceRead, pools.ForPool(PoolResourceRead))
	assert.Same(t, pools.Default, pools.ForPool(PoolDefault))
	assert.Same(t, pools.Default, pools.ForPool("unknown"))
}

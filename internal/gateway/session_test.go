package gateway

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSink records delivered events and close calls.
type fakeSink struct {
	mu     sync.Mutex
	events []string
	closed bool
}

func (f *fakeSink) Send(event string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event+":"+string(data))
	return nil
}

func (f *fakeSink) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSink) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestSessionLazyCreationAndGeneratedID(t *testing.T) {
	m := NewSessionManager()

	session := m.Attach("", "user-1", &fakeSink{})
	require.NotEmpty(t, session.ID)
	assert.Equal(t, 1, m.Count())

	same := m.Attach(session.ID, "user-1", &fakeSink{})
	assert.Equal(t, session.ID, same.ID)
	assert.Equal(t, 1, m.Count(), "reattach must not create a duplicate session")
}

func TestReattachReplacesAndClosesOldSink(t *testing.T) {
	m := NewSessionManager()
	first := &fakeSink{}
	second := &fakeSink{}

	m.Attach("sess-1", "user-1", first)
	m.Attach("sess-1", "user-1", second)

	assert.True(t, first.isClosed())
	assert.False(t, second.isClosed())

	require.True(t, m.Publish("sess-1", "ping", []byte("x")))
	assert.Empty(t, first.events)
	assert.Equal(t, []string{"ping:x"}, second.events)
}

func TestPublishToAbsentSessionDrops(t *testing.T) {
	m := NewSessionManager()
	assert.False(t, m.Publish("nope", "ping", nil))
}

func TestRemoveClosesSink(t *testing.T) {
	m := NewSessionManager()
	sink := &fakeSink{}
	m.Attach("sess-1", "user-1", sink)

	m.Remove("sess-1")
	assert.True(t, sink.isClosed())
	assert.Equal(t, 0, m.Count())
	assert.False(t, m.Publish("sess-1", "ping", nil), "events after removal are dropped")

	m.Remove("sess-1") // no-op
}

func TestDetachOnlyByOwner(t *testing.T) {
	m := NewSessionManager()
	old := &fakeSink{}
	replacement := &fakeSink{}

	m.Attach("sess-1", "user-1", old)
	m.Attach("sess-1", "user-1", replacement)

	// The replaced transport's teardown must not kill the new owner.
	m.Detach("sess-1", old)
	assert.Equal(t, 1, m.Count())
	assert.False(t, replacement.isClosed())

	m.Detach("sess-1", replacement)
	assert.Equal(t, 0, m.Count())
}

func TestShutdownClosesEverything(t *testing.T) {
	m := NewSessionManager()
	a := &fakeSink{}
	b := &fakeSink{}
	m.Attach("sess-a", "user-1", a)
	m.Attach("sess-b", "user-2", b)

	m.Shutdown()
	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	assert.Equal(t, 0, m.Count())
}

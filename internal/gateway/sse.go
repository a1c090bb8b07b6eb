package gateway

import (
	"fmt"
	"net/http"
	"sync"
)

// sseSink writes server-sent events to one HTTP response. It is closed
// either by its session being removed or by a reconnect stealing the
// session; the serving handler watches Done to unblock.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
	closed  bool
}

func newSSESink(w http.ResponseWriter, flusher http.Flusher) *sseSink {
	return &sseSink{w: w, flusher: flusher, done: make(chan struct{})}
}

func (s *sseSink) Send(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sink is closed")
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// Done is closed when the sink is released.
func (s *sseSink) Done() <-chan struct{} {
	return s.done
}

package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// EventSink receives server-to-client events for one session. A sink is
// owned by exactly one transport at a time.
type EventSink interface {
	// Send delivers one named event. It must be safe to call until Close.
	Send(event string, data []byte) error
	// Close releases the sink. Further Sends are undefined.
	Close()
}

// Session is one logical client connection. Only the transport that opened
// or last reattached to the session may write to its sink.
type Session struct {
	ID        string
	Identity  string
	CreatedAt time.Time

	mu   sync.Mutex
	sink EventSink
}

// SessionManager tracks live sessions and their output sinks. Sessions are
// created lazily; reconnecting with the same ID replaces the prior sink
// rather than creating a duplicate.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	now      func() time.Time
}

// NewSessionManager creates an empty session table.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Attach binds a sink to the session, creating the session if needed. A
// previously attached sink is closed: the new transport becomes the single
// owner. An empty sessionID gets a server-generated one.
func (m *SessionManager) Attach(sessionID, identity string, sink EventSink) *Session {
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok {
		session = &Session{ID: sessionID, Identity: identity, CreatedAt: m.now()}
		m.sessions[sessionID] = session
	}
	m.mu.Unlock()

	session.mu.Lock()
	old := session.sink
	session.sink = sink
	session.Identity = identity
	session.mu.Unlock()

	if old != nil {
		old.Close()
		log.Debug().Str("session_id", sessionID).Msg("session sink replaced by reconnect")
	}
	return session
}

// Get returns the session, or nil when absent.
func (m *SessionManager) Get(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID]
}

// Publish sends an event to the session. Events for absent or sink-less
// sessions are dropped, not queued.
func (m *SessionManager) Publish(sessionID, event string, data []byte) bool {
	session := m.Get(sessionID)
	if session == nil {
		return false
	}

	session.mu.Lock()
	sink := session.sink
	session.mu.Unlock()
	if sink == nil {
		return false
	}

	if err := sink.Send(event, data); err != nil {
		log.Debug().Err(err).Str("session_id", sessionID).Msg("event delivery failed")
		return false
	}
	return true
}

// Remove deletes the session and closes its sink. Removing an unknown
// session is a no-op.
func (m *SessionManager) Remove(sessionID string) {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}

	session.mu.Lock()
	sink := session.sink
	session.sink = nil
	session.mu.Unlock()
	if sink != nil {
		sink.Close()
	}
}

// Detach releases the sink only if the given sink still owns the session.
// A transport that was replaced by a reconnect must not tear down the new
// owner's session on its own shutdown path.
func (m *SessionManager) Detach(sessionID string, sink EventSink) {
	session := m.Get(sessionID)
	if session == nil {
		return
	}

	session.mu.Lock()
	owns := session.sink == sink
	if owns {
		session.sink = nil
	}
	session.mu.Unlock()

	if owns {
		m.Remove(sessionID)
	}
}

// Count returns the number of live sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Shutdown removes every session and closes every sink.
func (m *SessionManager) Shutdown() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, session := range sessions {
		session.mu.Lock()
		sink := session.sink
		session.sink = nil
		session.mu.Unlock()
		if sink != nil {
			sink.Close()
		}
	}
	log.Info().Int("sessions", len(sessions)).Msg("session manager shut down")
}

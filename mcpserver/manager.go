// Package mcpserver exposes the bridged upstream account as MCP tools over a
// streamable HTTP transport: POST for JSON-RPC exchanges, GET for a resumable
// server-push stream, DELETE to end the session.
package mcpserver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type authContextKey struct{}

// AuthContext is the authenticated state resolved from the bearer token that
// accompanied a session's requests. Identity may be empty; tools that need one
// fail closed.
type AuthContext struct {
	Token    string
	ClientID string
	Scope    string
	Identity string
}

// ContextWithAuth attaches the auth context for tool handlers.
func ContextWithAuth(ctx context.Context, ac AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, ac)
}

// AuthFromContext returns the auth context stored on ctx, if any.
func AuthFromContext(ctx context.Context) (AuthContext, bool) {
	ac, ok := ctx.Value(authContextKey{}).(AuthContext)
	return ac, ok
}

// ProtocolSession is one MCP session: a stable id handed to the client on
// initialize, the auth context resolved for it, and its push stream state.
type ProtocolSession struct {
	ID        string
	CreatedAt time.Time

	mu         sync.Mutex
	auth       AuthContext
	events     *EventLog
	subscriber chan Event
}

// Auth returns the session's current auth context.
func (s *ProtocolSession) Auth() AuthContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth
}

// SetAuth replaces the session's auth context. Called when a later request
// arrives bearing a fresh token for the same session.
func (s *ProtocolSession) SetAuth(ac AuthContext) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auth = ac
}

// Push records an event and delivers it to the attached stream, if one is
// listening right now. A session with no attached stream still records the
// event; the client picks it up on the next GET via replay.
func (s *ProtocolSession) Push(data []byte) Event {
	ev := s.events.Append(data)

	s.mu.Lock()
	sub := s.subscriber
	s.mu.Unlock()
	if sub != nil {
		select {
		case sub <- ev:
		default:
			// Slow consumer: the event stays in the log for replay.
		}
	}
	return ev
}

// Subscribe attaches a live stream to the session, detaching any previous
// one. Returns the channel live events arrive on.
func (s *ProtocolSession) Subscribe() chan Event {
	ch := make(chan Event, 16)
	s.mu.Lock()
	s.subscriber = ch
	s.mu.Unlock()
	return ch
}

// Unsubscribe detaches ch if it is still the active stream. Dropping the
// stream does not end the session; the event log stays for resumption.
func (s *ProtocolSession) Unsubscribe(ch chan Event) {
	s.mu.Lock()
	if s.subscriber == ch {
		s.subscriber = nil
	}
	s.mu.Unlock()
}

// SessionManager owns the session-id map. Sessions appear on initialize and
// disappear on DELETE; nothing else removes them.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*ProtocolSession
	logger   *slog.Logger
}

// NewSessionManager constructs an empty manager.
func NewSessionManager(logger *slog.Logger) *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*ProtocolSession),
		logger:   logger,
	}
}

// Create registers a new session for the given auth context.
func (m *SessionManager) Create(ac AuthContext) *ProtocolSession {
	sess := &ProtocolSession{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		auth:      ac,
		events:    NewEventLog(),
	}
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.logger.Info("mcp session created", "session_id", sess.ID, "identity", ac.Identity)
	return sess
}

// Get looks up a session by id.
func (m *SessionManager) Get(id string) (*ProtocolSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Close purges the session from the map and detaches its stream. The id is
// unusable afterwards; a client must initialize again.
func (m *SessionManager) Close(id string) bool {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return false
	}

	sess.mu.Lock()
	if sess.subscriber != nil {
		close(sess.subscriber)
		sess.subscriber = nil
	}
	sess.mu.Unlock()

	m.logger.Info("mcp session closed", "session_id", id)
	return true
}

// NotifyIdentity pushes a payload to every session whose auth context is
// bound to the given identity.
func (m *SessionManager) NotifyIdentity(identity string, data []byte) {
	if identity == "" {
		return
	}
	m.mu.RLock()
	var targets []*ProtocolSession
	for _, sess := range m.sessions {
		if sess.Auth().Identity == identity {
			targets = append(targets, sess)
		}
	}
	m.mu.RUnlock()

	for _, sess := range targets {
		sess.Push(data)
	}
}

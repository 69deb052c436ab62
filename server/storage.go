package server

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// InMemoryStore keeps ephemeral state for browser sessions, authorization
// codes, challenge bindings, and access tokens. All maps live for the process
// lifetime; a multi-instance deployment would swap this for a shared store
// behind the same methods.
type InMemoryStore struct {
	mu                sync.RWMutex
	sessions          map[string]Session
	authCodes         map[string]AuthorizationCode
	challengeBindings map[string]string
	accessTokens      map[string]AccessToken
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:          make(map[string]Session),
		authCodes:         make(map[string]AuthorizationCode),
		challengeBindings: make(map[string]string),
		accessTokens:      make(map[string]AccessToken),
	}
}

// NewID generates a random identifier.
func (s *InMemoryStore) NewID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte("fallbackid"))
	}
	return hex.EncodeToString(buf)
}

// NewToken generates an opaque bearer token string. Longer than NewID so a
// leaked ID namespace never overlaps the token namespace.
func (s *InMemoryStore) NewToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return s.NewID() + s.NewID()
	}
	return hex.EncodeToString(buf)
}

// SaveSession stores or replaces a browser session.
func (s *InMemoryStore) SaveSession(sess Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

// GetSession retrieves a browser session by ID.
func (s *InMemoryStore) GetSession(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

// DeleteSession removes a browser session.
func (s *InMemoryStore) DeleteSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// SaveAuthCode persists an authorization code.
func (s *InMemoryStore) SaveAuthCode(code AuthorizationCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCodes[code.Code] = code
}

// ConsumeAuthCode fetches and removes an authorization code. A second call
// with the same code always misses.
func (s *InMemoryStore) ConsumeAuthCode(code string) (AuthorizationCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	auth, ok := s.authCodes[code]
	if !ok {
		return AuthorizationCode{}, false
	}
	delete(s.authCodes, code)
	if !auth.ExpiresAt.IsZero() && time.Now().After(auth.ExpiresAt) {
		return AuthorizationCode{}, false
	}
	return auth, true
}

// BindChallenge maps a PKCE code challenge to an identity, overwriting any
// stale binding for the same challenge value. Two unrelated flows presenting
// an identical challenge silently collide; PKCE permits that, so the last
// writer wins here.
func (s *InMemoryStore) BindChallenge(challenge, identity string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challengeBindings[challenge] = identity
}

// ConsumeChallengeBinding fetches and removes the identity bound to a
// challenge. Consumed exactly once, at code exchange.
func (s *InMemoryStore) ConsumeChallengeBinding(challenge string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.challengeBindings[challenge]
	if !ok {
		return "", false
	}
	delete(s.challengeBindings, challenge)
	return identity, true
}

// SaveAccessToken stores an issued access token.
func (s *InMemoryStore) SaveAccessToken(tok AccessToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessTokens[tok.Token] = tok
}

// GetAccessToken retrieves an access token record.
func (s *InMemoryStore) GetAccessToken(token string) (AccessToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.accessTokens[token]
	return tok, ok
}

// DeleteAccessToken removes an access token record.
func (s *InMemoryStore) DeleteAccessToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accessTokens, token)
}

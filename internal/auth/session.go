package auth

import (
	"fmt"
	"sync"
	"time"

	relay "github.com/modelrelay/relay/internal"
)

// DefaultSessionTTL is how long a login session stays valid.
const DefaultSessionTTL = 24 * time.Hour

// Session is a short-lived login issued in exchange for a credential secret.
// A session may be bound to one model so later invocations can omit it.
type Session struct {
	Token         string
	CredentialID  string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	BoundProvider string
	BoundModel    string
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool { return now.After(s.ExpiresAt) }

// SessionStore holds active sessions in memory. Sessions do not survive a
// restart; callers fall back to their credential secret and log in again.
type SessionStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	byToken map[string]*Session
	now     func() time.Time
}

// NewSessionStore returns a store whose sessions expire after ttl.
// A non-positive ttl falls back to DefaultSessionTTL.
func NewSessionStore(ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{
		ttl:     ttl,
		byToken: make(map[string]*Session),
		now:     time.Now,
	}
}

// Create issues a fresh session for the credential.
func (s *SessionStore) Create(credentialID string) (*Session, error) {
	token, err := relay.NewToken()
	if err != nil {
		return nil, fmt.Errorf("issue session: %w", err)
	}
	now := s.now()
	sess := &Session{
		Token:        token,
		CredentialID: credentialID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
	}
	s.mu.Lock()
	s.byToken[token] = sess
	s.mu.Unlock()
	return sess, nil
}

// Get returns a copy of the session for token. Expired sessions are removed
// on access and reported as missing.
func (s *SessionStore) Get(token string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byToken[token]
	if !ok {
		return Session{}, false
	}
	if sess.Expired(s.now()) {
		delete(s.byToken, token)
		return Session{}, false
	}
	return *sess, true
}

// Delete removes the session for token, reporting whether it existed.
func (s *SessionStore) Delete(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byToken[token]; !ok {
		return false
	}
	delete(s.byToken, token)
	return true
}

// Bind pins the session to provider/model. Unknown or expired tokens are
// not-found.
func (s *SessionStore) Bind(token, provider, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.byToken[token]
	if !ok || sess.Expired(s.now()) {
		return fmt.Errorf("session: %w", relay.ErrNotFound)
	}
	sess.BoundProvider = provider
	sess.BoundModel = model
	return nil
}

// Sweep drops all expired sessions and returns how many were removed.
func (s *SessionStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for token, sess := range s.byToken {
		if sess.Expired(now) {
			delete(s.byToken, token)
			removed++
		}
	}
	return removed
}

// Len returns the number of sessions currently held, expired or not.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byToken)
}

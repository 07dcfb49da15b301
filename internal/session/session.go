// Package session holds the authenticated identity and its token for the
// lifetime of a login.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/omochice/toy-messenger/internal/chat"
)

// Persister stores the token across restarts.
type Persister interface {
	Token(server string) (string, error)
	SaveToken(server, token string) error
	DeleteToken(server string) error
}

// Session is the token and identity of the current login, or empty.
type Session struct {
	mu       sync.RWMutex
	server   string
	persist  Persister
	now      func() time.Time
	token    string
	identity chat.Identity
	known    bool
}

// New creates an empty Session for server. persist may be nil.
func New(server string, persist Persister) *Session {
	return &Session{server: server, persist: persist, now: time.Now}
}

// Restore loads the persisted token. A token that is known to be expired is
// discarded and reported as absent.
func (s *Session) Restore() (string, bool, error) {
	if s.persist == nil {
		return "", false, nil
	}
	token, err := s.persist.Token(s.server)
	if err != nil {
		return "", false, err
	}
	if token == "" {
		return "", false, nil
	}
	if Expired(token, s.now()) {
		if err := s.persist.DeleteToken(s.server); err != nil {
			return "", false, err
		}
		return "", false, nil
	}

	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
	return token, true, nil
}

// Begin records a freshly issued token and persists it.
func (s *Session) Begin(token string) error {
	s.mu.Lock()
	s.token = token
	s.identity = chat.Identity{}
	s.known = false
	s.mu.Unlock()

	if s.persist == nil {
		return nil
	}
	if err := s.persist.SaveToken(s.server, token); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

// SetIdentity records who the token belongs to.
func (s *Session) SetIdentity(id chat.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
	s.known = true
}

// Identity returns the identity, if one has been fetched.
func (s *Session) Identity() (chat.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity, s.known
}

// Token returns the current token, or "".
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Active reports whether a token is held.
func (s *Session) Active() bool {
	return s.Token() != ""
}

// Forget drops the token and identity from memory. The persisted token is
// kept so a later Restore can try it again.
func (s *Session) Forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.identity = chat.Identity{}
	s.known = false
}

// End forgets the token and identity, in memory and on disk.
func (s *Session) End() error {
	s.Forget()
	if s.persist == nil {
		return nil
	}
	return s.persist.DeleteToken(s.server)
}

// Expiry reads the exp claim of a JWT without verifying its signature. ok is
// false for tokens that are not JWTs or carry no exp.
func Expiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	switch exp := claims["exp"].(type) {
	case float64:
		return time.Unix(int64(exp), 0), true
	default:
		return time.Time{}, false
	}
}

// Expired reports whether token carries an exp claim that has passed. Tokens
// the client cannot read are left for the server to judge.
func Expired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := new(jwt.Parser).ParseUnverified(token, claims); err != nil {
		return false
	}
	return !claims.VerifyExpiresAt(now.Unix(), false)
}

package sitelink

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Identity is what the SDK knows about the signed-in user from the session
// token alone.
type Identity struct {
	UserID    string
	Email     string
	Role      string
	ExpiresAt time.Time
}

// Claims is the JWT payload issued by the marketplace API.
type Claims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Session holds the current session credential. It is the only writer of
// the token; the REST client and realtime channel only read it.
type Session struct {
	mu        sync.RWMutex
	token     string
	identity  Identity
	listeners map[string]func(token string)
}

// NewSession creates a session, optionally seeded with a token restored
// from platform storage.
func NewSession(token string) *Session {
	s := &Session{listeners: make(map[string]func(string))}
	if token != "" {
		s.token = token
		s.identity = identityFromToken(token)
	}
	return s
}

// Token returns the current token, or "" when signed out.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Set replaces the token and notifies listeners if it changed.
func (s *Session) Set(token string) {
	s.mu.Lock()
	if token == s.token {
		s.mu.Unlock()
		return
	}
	s.token = token
	s.identity = identityFromToken(token)
	handlers := s.snapshotLocked()
	s.mu.Unlock()

	for _, h := range handlers {
		h(token)
	}
}

// Clear signs the session out.
func (s *Session) Clear() {
	s.Set("")
}

// SetIdentity overrides the identity derived from the token, for backends
// that issue opaque tokens. It is reset by the next Set.
func (s *Session) SetIdentity(id Identity) {
	s.mu.Lock()
	s.identity = id
	handlers := s.snapshotLocked()
	token := s.token
	s.mu.Unlock()

	for _, h := range handlers {
		h(token)
	}
}

// Identity returns the identity of the signed-in user. The zero value means
// no identity is resolved.
func (s *Session) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// UserID returns the signed-in user's id, or "".
func (s *Session) UserID() string {
	return s.Identity().UserID
}

// Expired reports whether the token carries an expiry that has passed.
func (s *Session) Expired(now time.Time) bool {
	id := s.Identity()
	return !id.ExpiresAt.IsZero() && now.After(id.ExpiresAt)
}

// OnChange registers h to be called with the new token whenever the token or
// identity changes. The returned function removes the handler.
func (s *Session) OnChange(h func(token string)) func() {
	id := uuid.NewString()
	s.mu.Lock()
	s.listeners[id] = h
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) snapshotLocked() []func(string) {
	handlers := make([]func(string), 0, len(s.listeners))
	for _, h := range s.listeners {
		handlers = append(handlers, h)
	}
	return handlers
}

// identityFromToken reads the claims without verifying the signature; the
// server is the authority on validity.
func identityFromToken(token string) Identity {
	if token == "" {
		return Identity{}
	}
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Identity{}
	}
	id := Identity{
		UserID: claims.Subject,
		Email:  claims.Email,
		Role:   claims.Role,
	}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id
}

// Package auth supplies the identity and credential attached to chat
// requests. How the credential was obtained is not this package's concern.
package auth

import (
	"errors"
	"strings"
	"sync"
	"time"
)

var ErrUnauthorized = errors.New("unauthorized")

type Session struct {
	Token     string
	UserID    string
	Username  string
	ExpiresAt time.Time
}

// Valid reports whether the session carries a usable credential at now.
func (s Session) Valid(now time.Time) bool {
	if strings.TrimSpace(s.Token) == "" || s.UserID == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Before(s.ExpiresAt)
}

// Provider returns the current session, or ErrUnauthorized when there is
// none.
type Provider interface {
	Session() (Session, error)
}

// Static holds one session that can be replaced or cleared, for example
// after a token refresh or sign-out.
type Static struct {
	mu      sync.RWMutex
	session Session
	now     func() time.Time
}

func NewStatic(s Session) *Static {
	return &Static{session: s, now: time.Now}
}

func (p *Static) Session() (Session, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.session.Valid(p.now()) {
		return Session{}, ErrUnauthorized
	}
	return p.session, nil
}

func (p *Static) Set(s Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = s
}

func (p *Static) Clear() {
	p.Set(Session{})
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func() (Session, error)

func (f ProviderFunc) Session() (Session, error) {
	return f()
}

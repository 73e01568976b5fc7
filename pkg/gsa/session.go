package gsa

import (
	"context"
	"sync"
	"time"

	"github.com/apex/log"
)

// SessionCache holds at most one session for the process
type SessionCache struct {
	mu sync.Mutex
	s  *Session
}

// Get returns the cached session or nil
func (c *SessionCache) Get() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}

// Set replaces the cached session
func (c *SessionCache) Set(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s = s
}

// Clear drops the cached session
func (c *SessionCache) Clear() {
	c.Set(nil)
}

// Invalidate clears the cache only if it still holds s, so a session that a
// concurrent login already replaced survives
func (c *SessionCache) Invalidate(s *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.s != nil && c.s == s {
		c.s = nil
		return true
	}
	return false
}

// Authenticator hands out the cached session, logging in when there is none
type Authenticator struct {
	Client      *Client
	Cache       *SessionCache
	Credentials CredentialPrompt
	TwoFactor   TFAPrompt

	now func() time.Time
}

// NewAuthenticator returns an Authenticator with an empty cache
func NewAuthenticator(client *Client, creds CredentialPrompt, tfa TFAPrompt) *Authenticator {
	return &Authenticator{
		Client:      client,
		Cache:       &SessionCache{},
		Credentials: creds,
		TwoFactor:   tfa,
	}
}

// Session returns a valid session. The login runs outside the cache lock;
// when two callers race, the last one to finish is cached.
func (a *Authenticator) Session(ctx context.Context) (*Session, error) {
	now := time.Now
	if a.now != nil {
		now = a.now
	}
	if s := a.Cache.Get(); s != nil {
		if !s.Expired(now()) {
			return s, nil
		}
		log.Debug("Cached session expired")
		a.Cache.Invalidate(s)
	}

	s, err := a.Client.Login(ctx, a.Credentials, a.TwoFactor)
	if err != nil {
		return nil, err
	}
	a.Cache.Set(s)
	return s, nil
}

// Invalidate forgets s after the server reported it expired
func (a *Authenticator) Invalidate(s *Session) {
	if a.Cache.Invalidate(s) {
		log.Debug("Session invalidated")
	}
}

// Logout forgets the cached session
func (a *Authenticator) Logout() {
	a.Cache.Clear()
}

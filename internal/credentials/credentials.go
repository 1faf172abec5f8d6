// Package credentials adapts the external identity collaborator: something
// that can hand out a short-lived access token for the signed-in user, or
// report that nobody is signed in.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/omnii/replica/internal/replica/syncerr"
)

// Session is a short-lived bearer credential.
type Session struct {
	AccessToken string    `json:"accessToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Valid reports whether the session can be used at now, keeping skew in
// reserve.
func (s *Session) Valid(now time.Time, skew time.Duration) bool {
	if s == nil || s.AccessToken == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || now.Add(skew).Before(s.ExpiresAt)
}

// Source returns the current session. A nil session with a nil error means
// no user is signed in.
type Source interface {
	Session(ctx context.Context) (*Session, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (*Session, error)

func (f SourceFunc) Session(ctx context.Context) (*Session, error) {
	return f(ctx)
}

// Static always returns the same token. An empty token means signed out.
func Static(token string, expiresAt time.Time) Source {
	return SourceFunc(func(context.Context) (*Session, error) {
		if token == "" {
			return nil, nil
		}
		return &Session{AccessToken: token, ExpiresAt: expiresAt}, nil
	})
}

// FileSource reads the session from a JSON file written by the sign-in flow.
// A missing file means signed out.
type FileSource struct {
	Path string
}

func (f FileSource) Session(ctx context.Context) (*Session, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse session file %s: %w", f.Path, err)
	}
	return &s, nil
}

// Save writes s to the session file.
func (f FileSource) Save(s Session) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.Path, data, 0o600)
}

// Clear removes the session file (logout).
func (f FileSource) Clear() error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}

// Cache holds the last session until shortly before it expires. A session
// is never served past its expiry.
type Cache struct {
	source Source
	skew   time.Duration
	now    func() time.Time

	mu      sync.Mutex
	current *Session
}

// NewCache wraps source. skew is how long before expiry a session is
// considered used up; it defaults to one minute.
func NewCache(source Source, skew time.Duration) *Cache {
	if skew <= 0 {
		skew = time.Minute
	}
	return &Cache{source: source, skew: skew, now: time.Now}
}

// Session returns a valid session or an error matching
// syncerr.ErrUnauthenticated.
func (c *Cache) Session(ctx context.Context) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.current.Valid(now, c.skew) {
		s := *c.current
		return &s, nil
	}
	c.current = nil

	s, err := c.source.Session(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch session: %w", err)
	}
	if s == nil {
		return nil, fmt.Errorf("no session: %w", syncerr.ErrUnauthenticated)
	}
	if !s.Valid(now, 0) {
		return nil, fmt.Errorf("session expired at %s: %w", s.ExpiresAt.Format(time.RFC3339), syncerr.ErrUnauthenticated)
	}
	if s.Valid(now, c.skew) {
		c.current = s
	}
	out := *s
	return &out, nil
}

// Invalidate drops the cached session, e.g. on logout or after the remote
// rejected it.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

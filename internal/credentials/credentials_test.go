package credentials

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnii/replica/internal/replica/syncerr"
)

func TestCache_ReusesUntilSkew(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	calls := 0
	src := SourceFunc(func(context.Context) (*Session, error) {
		calls++
		return &Session{AccessToken: "tok", ExpiresAt: now.Add(10 * time.Minute)}, nil
	})

	c := NewCache(src, time.Minute)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		s, err := c.Session(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "tok", s.AccessToken)
	}
	assert.Equal(t, 1, calls)

	now = now.Add(9*time.Minute + time.Second)
	_, err := c.Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "refetched inside the skew window")

	c.Invalidate()
	_, err = c.Session(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestCache_Unauthenticated(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	c := NewCache(Static("", time.Time{}), 0)
	_, err := c.Session(context.Background())
	assert.ErrorIs(t, err, syncerr.ErrUnauthenticated)

	expired := NewCache(Static("tok", now.Add(-time.Second)), 0)
	expired.now = func() time.Time { return now }
	_, err = expired.Session(context.Background())
	assert.ErrorIs(t, err, syncerr.ErrUnauthenticated)

	broken := NewCache(SourceFunc(func(context.Context) (*Session, error) {
		return nil, errors.New("keychain locked")
	}), 0)
	_, err = broken.Session(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, syncerr.ErrUnauthenticated)
}

func TestFileSource(t *testing.T) {
	f := FileSource{Path: filepath.Join(t.TempDir(), "auth", "session.json")}

	s, err := f.Session(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s, "missing file means signed out")

	exp := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, f.Save(Session{AccessToken: "abc", ExpiresAt: exp}))

	s, err = f.Session(context.Background())
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "abc", s.AccessToken)
	assert.True(t, s.ExpiresAt.Equal(exp))

	require.NoError(t, f.Clear())
	require.NoError(t, f.Clear())
	s, err = f.Session(context.Background())
	require.NoError(t, err)
	assert.Nil(t, s)
}

package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/omnii/replica/internal/replica/schema"
	"github.com/omnii/replica/internal/replica/syncerr"
)

const cacheCols = "category, scope_key, payload, fetched_at, expires_at, version, stale"

func scanCacheEntry(s rowScanner) (*schema.CacheEntry, error) {
	var (
		e                schema.CacheEntry
		fetched, expires int64
		stale            int
	)
	if err := s.Scan(&e.Category, &e.ScopeKey, &e.Payload, &fetched, &expires, &e.Version, &stale); err != nil {
		return nil, err
	}
	e.FetchedAt = fromMillis(fetched)
	e.ExpiresAt = fromMillis(expires)
	e.Stale = stale != 0
	return &e, nil
}

// CacheEntry returns the cached result for (category, scopeKey), or an error
// matching syncerr.ErrNotFound.
func (db *DB) CacheEntry(ctx context.Context, category, scopeKey string) (*schema.CacheEntry, error) {
	if db.closed.Load() {
		return nil, syncerr.ErrClosed
	}
	row := db.conn.QueryRowContext(ctx,
		"SELECT "+cacheCols+" FROM cache_entries WHERE category = ? AND scope_key = ?", category, scopeKey)
	e, err := scanCacheEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("cache entry %s/%s: %w", category, scopeKey, syncerr.ErrNotFound)
	}
	if err != nil {
		return nil, classify("read cache entry", err)
	}
	return e, nil
}

// CacheEntries lists cached results, optionally restricted to one category.
func (db *DB) CacheEntries(ctx context.Context, category string) ([]*schema.CacheEntry, error) {
	if db.closed.Load() {
		return nil, syncerr.ErrClosed
	}
	query := "SELECT " + cacheCols + " FROM cache_entries"
	var args []any
	if category != "" {
		query += " WHERE category = ?"
		args = append(args, category)
	}
	query += " ORDER BY category, scope_key"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list cache entries", err)
	}
	defer rows.Close()

	var out []*schema.CacheEntry
	for rows.Next() {
		e, err := scanCacheEntry(rows)
		if err != nil {
			return nil, classify("scan cache entry", err)
		}
		out = append(out, e)
	}
	return out, classify("iterate cache entries", rows.Err())
}

// PutCacheEntry atomically replaces the entry and bumps its version. The
// stored version is written back into e.
func (t *Tx) PutCacheEntry(ctx context.Context, e *schema.CacheEntry) error {
	row := t.q.QueryRowContext(ctx, `
	INSERT INTO cache_entries (category, scope_key, payload, fetched_at, expires_at, version, stale)
	VALUES (?, ?, ?, ?, ?, 1, 0)
	ON CONFLICT(category, scope_key) DO UPDATE SET
		payload = excluded.payload,
		fetched_at = excluded.fetched_at,
		expires_at = excluded.expires_at,
		version = cache_entries.version + 1,
		stale = 0
	RETURNING version
	`, e.Category, e.ScopeKey, e.Payload, toMillis(e.FetchedAt), toMillis(e.ExpiresAt))
	if err := row.Scan(&e.Version); err != nil {
		return classify("write cache entry", err)
	}
	e.Stale = false
	return nil
}

// MarkCacheStale flags entries as stale without removing them, so they can
// still serve as a fallback. An empty scopeKey marks the whole category.
func (t *Tx) MarkCacheStale(ctx context.Context, category, scopeKey string) (int64, error) {
	query := "UPDATE cache_entries SET stale = 1 WHERE category = ?"
	args := []any{category}
	if scopeKey != "" {
		query += " AND scope_key = ?"
		args = append(args, scopeKey)
	}
	res, err := t.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify("invalidate cache entries", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteCacheEntries removes every entry of category, or every entry when
// category is empty.
func (t *Tx) DeleteCacheEntries(ctx context.Context, category string) (int64, error) {
	query := "DELETE FROM cache_entries"
	var args []any
	if category != "" {
		query += " WHERE category = ?"
		args = append(args, category)
	}
	res, err := t.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify("purge cache entries", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Package db provides the embedded local store for the replica.
//
// The store is a single SQLite database (ncruces/go-sqlite3, WAL mode) that
// holds typed replicas of remote entities, events and relationships together
// with the bookkeeping the sync core needs: cached query results, the
// mutation outbox and the sync checkpoint.
//
// Architecture:
//   - Database file: <data-dir>/replica.db
//   - WAL mode: concurrent readers during writes
//   - Writers are serialized per collection; Update takes every collection
//   - Successful commits are pushed to live query subscriptions
//   - Reset bumps a generation counter so that work prepared against the
//     previous identity can never land (see UpdateAt)
//
// Every exported write runs in its own transaction and is durable when the
// call returns.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"go.uber.org/zap"

	"github.com/omnii/replica/internal/replica/schema"
	"github.com/omnii/replica/internal/replica/syncerr"
)

// Options tunes Open.
type Options struct {
	Logger *zap.Logger
	// Now overrides the clock used for outbox timestamps. Tests only.
	Now func() time.Time
	// MaxOpenConns defaults to 8.
	MaxOpenConns int
}

// DB wraps the SQLite connection with the replica schema, writer
// serialization and subscription fan-out.
type DB struct {
	conn   *sql.DB
	path   string
	logger *zap.Logger
	now    func() time.Time

	// resetMu is held shared by every write and exclusively by Reset.
	resetMu sync.RWMutex
	writers map[schema.Collection]*sync.Mutex
	gen     atomic.Uint64

	subMu  sync.Mutex
	subs   map[*Subscription]struct{}
	closed atomic.Bool
}

// Open creates a new database connection at the specified path.
//
// The database is opened in WAL mode. The schema is created if missing.
// The caller MUST call Close() when done.
//
// Example:
//
//	store, err := db.Open(filepath.Join(dataDir, "replica.db"), db.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
func Open(path string, opts Options) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, classify("ping database", err)
	}

	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 8
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	db := &DB{
		conn:    conn,
		path:    path,
		logger:  logger.Named("db"),
		now:     now,
		writers: make(map[schema.Collection]*sync.Mutex, len(schema.Collections)),
		subs:    make(map[*Subscription]struct{}),
	}
	for _, c := range schema.Collections {
		db.writers[c] = &sync.Mutex{}
	}

	if err := db.InitSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// OpenOrRecover opens the store and verifies its integrity. A database that
// cannot be read is deleted and re-created empty; the next sync cycle then
// re-populates it from the remote. recovered reports whether that happened.
func OpenOrRecover(ctx context.Context, path string, opts Options) (db *DB, recovered bool, err error) {
	db, err = Open(path, opts)
	if err == nil {
		err = db.CheckIntegrity(ctx)
		if err == nil {
			return db, false, nil
		}
		_ = db.Close()
	}
	if !errors.Is(err, syncerr.ErrCorruption) {
		return nil, false, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Error("local store unreadable, resetting",
		zap.String("event", "corruption_reset"),
		zap.String("path", path),
		zap.Error(err))

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if rmErr := os.Remove(path + suffix); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, false, fmt.Errorf("failed to remove corrupted database: %w", rmErr)
		}
	}

	db, err = Open(path, opts)
	if err != nil {
		return nil, false, err
	}
	return db, true, nil
}

// CheckIntegrity runs SQLite's quick_check and maps any failure to
// syncerr.ErrCorruption.
func (db *DB) CheckIntegrity(ctx context.Context) error {
	rows, err := db.conn.QueryContext(ctx, "PRAGMA quick_check")
	if err != nil {
		return syncerr.Corruption("quick_check", err)
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return syncerr.Corruption("quick_check", err)
		}
		if line != "ok" {
			problems = append(problems, line)
		}
	}
	if err := rows.Err(); err != nil {
		return syncerr.Corruption("quick_check", err)
	}
	if len(problems) > 0 {
		return syncerr.Corruption("quick_check", errors.New(strings.Join(problems, "; ")))
	}
	return nil
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

// RawDB returns the underlying sql.DB connection.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Generation returns the current store generation. It increases on every
// Reset.
func (db *DB) Generation() uint64 {
	return db.gen.Load()
}

// Close checkpoints the WAL, closes every subscription and the connection.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	db.subMu.Lock()
	for sub := range db.subs {
		sub.closeLocked()
	}
	db.subs = map[*Subscription]struct{}{}
	db.subMu.Unlock()

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		db.logger.Warn("failed to checkpoint WAL", zap.Error(err))
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// InitSchema creates the database schema if it doesn't exist. It is
// idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		properties TEXT,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		start_time INTEGER NOT NULL,
		end_time INTEGER NOT NULL,
		attendees TEXT,  -- JSON array
		location TEXT,
		updated_at INTEGER NOT NULL,
		CHECK (start_time <= end_time)
	);

	-- Endpoints are not foreign keys: edges may arrive before their nodes.
	CREATE TABLE IF NOT EXISTS relationships (
		id TEXT PRIMARY KEY,  -- {from}--{type}--{to}
		from_entity_id TEXT NOT NULL,
		to_entity_id TEXT NOT NULL,
		relationship_type TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cache_entries (
		category TEXT NOT NULL,
		scope_key TEXT NOT NULL,
		payload BLOB NOT NULL,
		fetched_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		stale INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (category, scope_key)
	);

	CREATE TABLE IF NOT EXISTS outbox (
		op_id INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		kind TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload TEXT,
		state TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_type ON entities(entity_type);
	CREATE INDEX IF NOT EXISTS idx_entities_updated ON entities(updated_at);
	CREATE INDEX IF NOT EXISTS idx_events_window ON events(start_time, end_time);
	CREATE INDEX IF NOT EXISTS idx_relationships_from ON relationships(from_entity_id);
	CREATE INDEX IF NOT EXISTS idx_relationships_to ON relationships(to_entity_id);
	CREATE INDEX IF NOT EXISTS idx_outbox_state ON outbox(state, op_id);
	`

	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return classify("initialize schema", err)
	}
	return nil
}

// classify wraps storage errors, promoting SQLite corruption codes to
// syncerr.ErrCorruption.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sqlite3.CORRUPT) || errors.Is(err, sqlite3.NOTADB) {
		return syncerr.Corruption(op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

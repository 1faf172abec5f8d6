package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omnii/replica/internal/replica/schema"
	"github.com/omnii/replica/internal/replica/syncerr"
)

const (
	keyCheckpoint = "checkpoint"
	keyDeviceID   = "device_id"
	keyStoreID    = "store_id"
)

func getState(ctx context.Context, q querier, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, "SELECT value FROM sync_state WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", classify("read sync state "+key, err)
	}
	return value, nil
}

func setState(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO sync_state (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return classify("write sync state "+key, err)
	}
	return nil
}

// Checkpoint returns the last durably applied remote cursor, or "" before
// the first sync.
func (db *DB) Checkpoint(ctx context.Context) (string, error) {
	if db.closed.Load() {
		return "", syncerr.ErrClosed
	}
	return getState(ctx, db.conn, keyCheckpoint)
}

// SetCheckpoint advances the cursor inside the transaction that applied the
// changes it covers.
func (t *Tx) SetCheckpoint(ctx context.Context, checkpoint string) error {
	return setState(ctx, t.q, keyCheckpoint, checkpoint)
}

// Checkpoint reads the cursor inside the transaction.
func (t *Tx) Checkpoint(ctx context.Context) (string, error) {
	return getState(ctx, t.q, keyCheckpoint)
}

// DeviceID returns the persistent id of this replica, creating it on first
// use. It survives Reset so outbox op ids stay unique per device.
func (db *DB) DeviceID(ctx context.Context) (string, error) {
	if db.closed.Load() {
		return "", syncerr.ErrClosed
	}
	_, err := db.conn.ExecContext(ctx,
		"INSERT OR IGNORE INTO sync_state (key, value) VALUES (?, ?)", keyDeviceID, uuid.NewString())
	if err != nil {
		return "", classify("create device id", err)
	}
	return getState(ctx, db.conn, keyDeviceID)
}

// Origin names the source of this store's outbox op ids: the device id and
// an id generated once per database file, joined by "/". A database
// re-created after corruption restarts op id numbering, so a pinned device
// id alone would repeat op ids the remote has already seen.
func (db *DB) Origin(ctx context.Context) (string, error) {
	device, err := db.DeviceID(ctx)
	if err != nil {
		return "", err
	}
	_, err = db.conn.ExecContext(ctx,
		"INSERT OR IGNORE INTO sync_state (key, value) VALUES (?, ?)", keyStoreID, uuid.NewString())
	if err != nil {
		return "", classify("create store id", err)
	}
	store, err := getState(ctx, db.conn, keyStoreID)
	if err != nil {
		return "", err
	}
	return device + "/" + store, nil
}

// SetDeviceID pins the device id, replacing a generated one.
func (db *DB) SetDeviceID(ctx context.Context, id string) error {
	if db.closed.Load() {
		return syncerr.ErrClosed
	}
	if id == "" {
		return syncerr.Schema("sync_state", "deviceId", "must not be empty")
	}
	return setState(ctx, db.conn, keyDeviceID, id)
}

// Reset clears every replicated collection, cached result, outbox record and
// the checkpoint in one transaction, and advances the generation so that
// writes prepared before the reset are rejected. The device and store ids
// are kept.
func (db *DB) Reset(ctx context.Context) error {
	if db.closed.Load() {
		return syncerr.ErrClosed
	}

	db.resetMu.Lock()
	// Bumped before clearing: even a failed reset invalidates in-flight work.
	gen := db.gen.Add(1)

	err := func() error {
		sqlTx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return classify("begin reset", err)
		}
		defer func() { _ = sqlTx.Rollback() }()

		stmts := []string{
			"DELETE FROM entities",
			"DELETE FROM events",
			"DELETE FROM relationships",
			"DELETE FROM cache_entries",
			"DELETE FROM outbox",
			"DELETE FROM sync_state WHERE key NOT IN ('" + keyDeviceID + "', '" + keyStoreID + "')",
		}
		for _, stmt := range stmts {
			if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
				return classify("reset store", err)
			}
		}
		return classify("commit reset", sqlTx.Commit())
	}()
	db.resetMu.Unlock()

	if err != nil {
		return err
	}

	db.logger.Info("local store reset", zap.Uint64("generation", gen))
	all := make(map[schema.Collection]struct{}, len(schema.Collections))
	for _, c := range schema.Collections {
		all[c] = struct{}{}
	}
	db.notify(all)
	return nil
}

package db

import (
	"context"
	"fmt"

	"github.com/omnii/replica/internal/replica/schema"
	"github.com/omnii/replica/internal/replica/syncerr"
)

// Tx is a write transaction handed to Update callbacks. It must not be used
// after the callback returns.
type Tx struct {
	db      *DB
	q       querier
	touched map[schema.Collection]struct{}
}

// Upsert inserts or replaces rec.
func (t *Tx) Upsert(ctx context.Context, rec schema.Record) error {
	if rec == nil {
		return syncerr.Schema("", "", "nil record")
	}
	c := rec.Collection()
	tbl, ok := tableFor(c)
	if !ok {
		return syncerr.Schema(string(c), "", "unknown collection")
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	args, err := tbl.args(rec)
	if err != nil {
		return syncerr.Schema(string(c), "", err.Error())
	}
	if _, err := t.q.ExecContext(ctx, tbl.upsert, args...); err != nil {
		return classify(fmt.Sprintf("upsert %s %s", c, rec.Key()), err)
	}
	t.touched[c] = struct{}{}
	return nil
}

// Delete removes a record. Deleting a missing record is not an error.
func (t *Tx) Delete(ctx context.Context, c schema.Collection, id string) error {
	tbl, ok := tableFor(c)
	if !ok {
		return syncerr.Schema(string(c), "", "unknown collection")
	}
	if id == "" {
		return syncerr.Schema(string(c), "id", "is required")
	}
	if _, err := t.q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", tbl.name), id); err != nil {
		return classify(fmt.Sprintf("delete %s %s", c, id), err)
	}
	t.touched[c] = struct{}{}
	return nil
}

// Apply writes one remote change. Applying the same change twice leaves the
// store in the same state as applying it once.
func (t *Tx) Apply(ctx context.Context, ch schema.Change) error {
	switch ch.Op {
	case schema.OpPut:
		rec, err := schema.DecodeRecord(ch.Collection, ch.ID, ch.Data)
		if err != nil {
			return err
		}
		return t.Upsert(ctx, rec)
	case schema.OpDelete:
		return t.Delete(ctx, ch.Collection, ch.ID)
	default:
		return syncerr.Schema(string(ch.Collection), "type", fmt.Sprintf("unknown change type %q", ch.Op))
	}
}

// Get reads a record inside the transaction.
func (t *Tx) Get(ctx context.Context, c schema.Collection, id string) (schema.Record, error) {
	return getRecord(ctx, t.q, c, id)
}

// Query reads inside the transaction.
func (t *Tx) Query(ctx context.Context, q Query) ([]schema.Record, error) {
	return runQuery(ctx, t.q, q)
}

// Upsert writes rec in its own transaction. rec must belong to c.
func (db *DB) Upsert(ctx context.Context, c schema.Collection, rec schema.Record) error {
	if rec == nil || rec.Collection() != c {
		return syncerr.Schema(string(c), "", "record does not belong to collection")
	}
	return db.write(ctx, nil, []schema.Collection{c}, func(tx *Tx) error {
		return tx.Upsert(ctx, rec)
	})
}

// Delete removes a record in its own transaction.
func (db *DB) Delete(ctx context.Context, c schema.Collection, id string) error {
	if !c.IsValid() {
		return syncerr.Schema(string(c), "", "unknown collection")
	}
	return db.write(ctx, nil, []schema.Collection{c}, func(tx *Tx) error {
		return tx.Delete(ctx, c, id)
	})
}

// Update runs fn in one transaction holding every collection writer. If fn
// returns an error nothing is committed. Subscribers are notified after the
// commit only.
func (db *DB) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return db.write(ctx, nil, schema.Collections, fn)
}

// UpdateAt is Update conditional on the store generation: it fails with
// syncerr.ErrStaleGeneration when Reset ran since gen was read.
func (db *DB) UpdateAt(ctx context.Context, gen uint64, fn func(tx *Tx) error) error {
	return db.write(ctx, &gen, schema.Collections, fn)
}

func (db *DB) write(ctx context.Context, gen *uint64, cols []schema.Collection, fn func(tx *Tx) error) error {
	if db.closed.Load() {
		return syncerr.ErrClosed
	}

	db.resetMu.RLock()
	defer db.resetMu.RUnlock()

	if gen != nil && *gen != db.gen.Load() {
		return syncerr.ErrStaleGeneration
	}

	// cols is always in canonical order, so lock order is consistent.
	for _, c := range cols {
		mu := db.writers[c]
		mu.Lock()
		defer mu.Unlock()
	}

	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin transaction", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	tx := &Tx{db: db, q: sqlTx, touched: make(map[schema.Collection]struct{})}
	if err := fn(tx); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return classify("commit transaction", err)
	}

	db.notify(tx.touched)
	return nil
}

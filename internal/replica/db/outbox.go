package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/omnii/replica/internal/replica/schema"
	"github.com/omnii/replica/internal/replica/syncerr"
)

const outboxCols = "op_id, collection, kind, entity_id, payload, state, attempts, last_error, created_at"

func scanOutbox(s rowScanner) (schema.OutboxRecord, error) {
	var (
		r                  schema.OutboxRecord
		collection, kind   string
		state              string
		payload, lastError sql.NullString
		createdAt          int64
	)
	if err := s.Scan(&r.OpID, &collection, &kind, &r.EntityID, &payload, &state, &r.Attempts, &lastError, &createdAt); err != nil {
		return r, err
	}
	r.Collection = schema.Collection(collection)
	r.Kind = schema.OperationKind(kind)
	r.State = schema.OutboxState(state)
	if payload.Valid {
		r.Payload = json.RawMessage(payload.String)
	}
	r.LastError = lastError.String
	r.CreatedAt = fromMillis(createdAt)
	return r, nil
}

func listOutbox(ctx context.Context, q querier, state schema.OutboxState, limit int) ([]schema.OutboxRecord, error) {
	query := "SELECT " + outboxCols + " FROM outbox"
	var args []any
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, string(state))
	}
	query += " ORDER BY op_id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list outbox", err)
	}
	defer rows.Close()

	var out []schema.OutboxRecord
	for rows.Next() {
		r, err := scanOutbox(rows)
		if err != nil {
			return nil, classify("scan outbox record", err)
		}
		out = append(out, r)
	}
	return out, classify("iterate outbox", rows.Err())
}

// AppendOutbox stores r and assigns its OpID and CreatedAt.
func (t *Tx) AppendOutbox(ctx context.Context, r *schema.OutboxRecord) error {
	r.CreatedAt = t.db.now().UTC()
	r.State = schema.StatePending
	var payload sql.NullString
	if len(r.Payload) > 0 {
		payload = sql.NullString{String: string(r.Payload), Valid: true}
	}
	res, err := t.q.ExecContext(ctx, `
	INSERT INTO outbox (collection, kind, entity_id, payload, state, attempts, created_at)
	VALUES (?, ?, ?, ?, ?, 0, ?)
	`, string(r.Collection), string(r.Kind), r.EntityID, payload, string(r.State), toMillis(r.CreatedAt))
	if err != nil {
		return classify("append outbox record", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return classify("read outbox op id", err)
	}
	r.OpID = id
	return nil
}

// OutboxRecords lists records in op id order. An empty state lists all.
func (t *Tx) OutboxRecords(ctx context.Context, state schema.OutboxState, limit int) ([]schema.OutboxRecord, error) {
	return listOutbox(ctx, t.q, state, limit)
}

// SetOutboxState moves the given records to state and returns how many rows
// changed.
func (t *Tx) SetOutboxState(ctx context.Context, opIDs []int64, from, to schema.OutboxState) (int64, error) {
	if len(opIDs) == 0 {
		return 0, nil
	}
	in, args := inClause(opIDs)
	args = append([]any{string(to), string(from)}, args...)
	res, err := t.q.ExecContext(ctx, "UPDATE outbox SET state = ? WHERE state = ? AND op_id IN "+in, args...)
	if err != nil {
		return 0, classify("update outbox state", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ReleaseOutbox returns uploading records to pending with one more attempt
// counted. Records reaching maxAttempts are parked as failed; maxAttempts <= 0
// never parks.
func (t *Tx) ReleaseOutbox(ctx context.Context, opIDs []int64, lastError string, maxAttempts int) (int64, error) {
	if len(opIDs) == 0 {
		return 0, nil
	}
	in, args := inClause(opIDs)
	args = append([]any{maxAttempts, maxAttempts, lastError}, args...)
	res, err := t.q.ExecContext(ctx, `
	UPDATE outbox SET
		attempts = attempts + 1,
		state = CASE WHEN ? > 0 AND attempts + 1 >= ? THEN 'failed' ELSE 'pending' END,
		last_error = ?
	WHERE state = 'uploading' AND op_id IN `+in, args...)
	if err != nil {
		return 0, classify("release outbox records", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteOutbox removes acknowledged records.
func (t *Tx) DeleteOutbox(ctx context.Context, opIDs []int64) (int64, error) {
	if len(opIDs) == 0 {
		return 0, nil
	}
	in, args := inClause(opIDs)
	res, err := t.q.ExecContext(ctx, "DELETE FROM outbox WHERE op_id IN "+in, args...)
	if err != nil {
		return 0, classify("delete outbox records", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ResetOutboxState moves every record in from to to, resetting attempts when
// reviving failed records.
func (t *Tx) ResetOutboxState(ctx context.Context, from, to schema.OutboxState) (int64, error) {
	query := "UPDATE outbox SET state = ? WHERE state = ?"
	if from == schema.StateFailed {
		query = "UPDATE outbox SET state = ?, attempts = 0 WHERE state = ?"
	}
	res, err := t.q.ExecContext(ctx, query, string(to), string(from))
	if err != nil {
		return 0, classify("reset outbox state", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// OutboxRecords lists records in op id order. An empty state lists all.
func (db *DB) OutboxRecords(ctx context.Context, state schema.OutboxState, limit int) ([]schema.OutboxRecord, error) {
	if db.closed.Load() {
		return nil, syncerr.ErrClosed
	}
	return listOutbox(ctx, db.conn, state, limit)
}

// OutboxCounts returns the number of outbox records per state.
func (db *DB) OutboxCounts(ctx context.Context) (map[schema.OutboxState]int, error) {
	if db.closed.Load() {
		return nil, syncerr.ErrClosed
	}
	rows, err := db.conn.QueryContext(ctx, "SELECT state, COUNT(*) FROM outbox GROUP BY state")
	if err != nil {
		return nil, classify("count outbox", err)
	}
	defer rows.Close()

	counts := map[schema.OutboxState]int{}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, classify("scan outbox count", err)
		}
		counts[schema.OutboxState(state)] = n
	}
	return counts, classify("iterate outbox counts", rows.Err())
}

func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ")", args
}

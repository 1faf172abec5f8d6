package schema

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ChangeOp is the wire operation of a change.
type ChangeOp string

const (
	OpPut    ChangeOp = "PUT"
	OpDelete ChangeOp = "DELETE"
)

// Change is one row-level mutation, either polled from the remote or
// uploaded from the outbox.
type Change struct {
	Collection Collection      `json:"table"`
	Op         ChangeOp        `json:"type"`
	ID         string          `json:"id"`
	OpID       string          `json:"opId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// OperationKind is the kind of a pending local mutation.
type OperationKind string

const (
	KindUpsert OperationKind = "upsert"
	KindDelete OperationKind = "delete"
)

// ChangeOp maps the local kind to its wire operation.
func (k OperationKind) ChangeOp() ChangeOp {
	if k == KindDelete {
		return OpDelete
	}
	return OpPut
}

// OutboxState tracks an outbox record through upload.
type OutboxState string

const (
	StatePending   OutboxState = "pending"
	StateUploading OutboxState = "uploading"
	StateFailed    OutboxState = "failed"
)

// OutboxRecord is a pending local mutation. OpID is strictly increasing in
// enqueue order.
type OutboxRecord struct {
	OpID       int64           `json:"opId"`
	Collection Collection      `json:"collection"`
	Kind       OperationKind   `json:"kind"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	State      OutboxState     `json:"state"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"lastError,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// WireOpID is the idempotency key of the record as seen by the remote:
// {origin}:{opID}. The remote deduplicates on it.
func (r OutboxRecord) WireOpID(origin string) string {
	return origin + ":" + strconv.FormatInt(r.OpID, 10)
}

// ParseWireOpID is the inverse of WireOpID.
func ParseWireOpID(s string) (string, int64, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 {
		return "", 0, fmt.Errorf("invalid op id %q", s)
	}
	seq, err := strconv.ParseInt(s[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid op id %q: %w", s, err)
	}
	return s[:i], seq, nil
}

// Change converts the record into its upload form.
func (r OutboxRecord) Change(origin string) Change {
	c := Change{
		Collection: r.Collection,
		Op:         r.Kind.ChangeOp(),
		ID:         r.EntityID,
		OpID:       r.WireOpID(origin),
	}
	if r.Kind == KindUpsert {
		c.Data = r.Payload
	}
	return c
}

// CacheEntry is a cached query result. An entry is fresh only while the
// current time is strictly before ExpiresAt.
type CacheEntry struct {
	ScopeKey  string    `json:"scopeKey"`
	Category  string    `json:"category"`
	Payload   []byte    `json:"payload"`
	FetchedAt time.Time `json:"fetchedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Version   int64     `json:"version"`
	// Stale is set when the entry was invalidated ahead of expiry.
	Stale bool `json:"stale,omitempty"`
}

// Fresh reports whether the entry may be served without a fetch.
func (e *CacheEntry) Fresh(now time.Time) bool {
	return !e.Stale && now.Before(e.ExpiresAt)
}

// Age returns how long ago the entry was fetched.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

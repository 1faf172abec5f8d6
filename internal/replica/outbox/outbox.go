// Package outbox captures local writes until the remote store acknowledges
// them.
//
// Enqueue applies a mutation to the local store and appends its outbox
// record in the same transaction, so reads reflect the pending write
// immediately. Records move pending -> uploading -> (acknowledged, removed).
// A failed upload returns them to pending; they are never silently dropped.
// Records the remote keeps rejecting are parked as failed after MaxAttempts
// and can be revived with Retry.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/omnii/replica/internal/replica/db"
	"github.com/omnii/replica/internal/replica/metrics"
	"github.com/omnii/replica/internal/replica/schema"
	"github.com/omnii/replica/internal/replica/syncerr"
)

// DefaultMaxAttempts is the number of rejected uploads after which a record
// is parked.
const DefaultMaxAttempts = 10

// Options tunes an Outbox.
type Options struct {
	Logger      *zap.Logger
	Metrics     *metrics.Collector
	MaxAttempts int
	Now         func() time.Time
}

// Outbox is safe for concurrent use.
type Outbox struct {
	store       *db.DB
	logger      *zap.Logger
	metrics     *metrics.Collector
	maxAttempts int
	now         func() time.Time
}

// New creates an outbox over store.
func New(store *db.DB, opts Options) *Outbox {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Outbox{
		store:       store,
		logger:      logger.Named("outbox"),
		metrics:     opts.Metrics,
		maxAttempts: maxAttempts,
		now:         now,
	}
}

// Batch is a set of records taken for upload, grouped by collection. Order
// lists collections by their oldest record; each group is in op id order.
type Batch struct {
	Records []schema.OutboxRecord
	Groups  map[schema.Collection][]schema.OutboxRecord
	Order   []schema.Collection
}

// Len returns the number of records.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Records)
}

// OpIDs returns the op ids of every record.
func (b *Batch) OpIDs() []int64 {
	if b == nil {
		return nil
	}
	ids := make([]int64, len(b.Records))
	for i, r := range b.Records {
		ids[i] = r.OpID
	}
	return ids
}

// Enqueue records a local mutation. For upserts payload is the full record;
// an absent updatedAt is stamped with the current time. entityID may be
// empty for upserts, in which case the record key is used. Malformed input
// fails with a schema violation and leaves the store unchanged.
func (o *Outbox) Enqueue(ctx context.Context, collection schema.Collection, kind schema.OperationKind, entityID string, payload json.RawMessage) (schema.OutboxRecord, error) {
	if !collection.IsValid() {
		return schema.OutboxRecord{}, syncerr.Schema(string(collection), "", "unknown collection")
	}

	rec := schema.OutboxRecord{Collection: collection, Kind: kind, EntityID: entityID}
	var record schema.Record

	switch kind {
	case schema.KindUpsert:
		stamped, err := o.stamp(collection, payload)
		if err != nil {
			return schema.OutboxRecord{}, err
		}
		record, err = schema.DecodeRecord(collection, entityID, stamped)
		if err != nil {
			return schema.OutboxRecord{}, err
		}
		rec.EntityID = record.Key()
		if rec.Payload, err = schema.Encode(record); err != nil {
			return schema.OutboxRecord{}, err
		}
	case schema.KindDelete:
		if entityID == "" {
			return schema.OutboxRecord{}, syncerr.Schema(string(collection), "id", "is required")
		}
		if collection == schema.Relationships {
			if _, _, _, err := schema.ParseRelationshipKey(entityID); err != nil {
				return schema.OutboxRecord{}, err
			}
		}
	default:
		return schema.OutboxRecord{}, syncerr.Schema(string(collection), "kind", fmt.Sprintf("unknown operation kind %q", kind))
	}

	err := o.store.Update(ctx, func(tx *db.Tx) error {
		if record != nil {
			if err := tx.Upsert(ctx, record); err != nil {
				return err
			}
		} else if err := tx.Delete(ctx, collection, rec.EntityID); err != nil {
			return err
		}
		return tx.AppendOutbox(ctx, &rec)
	})
	if err != nil {
		return schema.OutboxRecord{}, err
	}

	o.logger.Debug("enqueued",
		zap.Int64("op_id", rec.OpID),
		zap.String("collection", string(collection)),
		zap.String("kind", string(kind)),
		zap.String("entity_id", rec.EntityID))
	o.refreshDepth(ctx)
	return rec, nil
}

// stamp fills in updatedAt when the payload lacks it.
func (o *Outbox) stamp(collection schema.Collection, payload json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return nil, syncerr.Schema(string(collection), "", "payload must be a JSON object")
	}
	if v, ok := fields["updatedAt"]; ok && string(v) != "null" && string(v) != `""` {
		return payload, nil
	}
	ts, err := json.Marshal(o.now().UTC())
	if err != nil {
		return nil, err
	}
	fields["updatedAt"] = ts
	return json.Marshal(fields)
}

// NextBatch takes up to max of the oldest pending records and marks them
// uploading. It returns an empty batch when nothing is pending.
func (o *Outbox) NextBatch(ctx context.Context, max int) (*Batch, error) {
	batch := &Batch{Groups: map[schema.Collection][]schema.OutboxRecord{}}
	err := o.store.Update(ctx, func(tx *db.Tx) error {
		records, err := tx.OutboxRecords(ctx, schema.StatePending, max)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		ids := make([]int64, len(records))
		for i := range records {
			ids[i] = records[i].OpID
			records[i].State = schema.StateUploading
		}
		if _, err := tx.SetOutboxState(ctx, ids, schema.StatePending, schema.StateUploading); err != nil {
			return err
		}
		batch.Records = records
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, r := range batch.Records {
		if _, ok := batch.Groups[r.Collection]; !ok {
			batch.Order = append(batch.Order, r.Collection)
		}
		batch.Groups[r.Collection] = append(batch.Groups[r.Collection], r)
	}
	return batch, nil
}

// Acknowledge removes the given records. Ids that are no longer present
// are ignored, so acknowledging twice is harmless.
func (o *Outbox) Acknowledge(ctx context.Context, opIDs []int64) (int64, error) {
	var n int64
	err := o.store.Update(ctx, func(tx *db.Tx) error {
		var err error
		n, err = tx.DeleteOutbox(ctx, opIDs)
		return err
	})
	if err != nil {
		return 0, err
	}
	o.refreshDepth(ctx)
	return n, nil
}

// Release returns uploading records to pending after a failed or rejected
// upload, counting an attempt. Records that reach MaxAttempts are parked
// as failed.
func (o *Outbox) Release(ctx context.Context, opIDs []int64, cause error) (int64, error) {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	var n int64
	err := o.store.Update(ctx, func(tx *db.Tx) error {
		var err error
		n, err = tx.ReleaseOutbox(ctx, opIDs, reason, o.maxAttempts)
		return err
	})
	if err != nil {
		return 0, err
	}
	o.refreshDepth(ctx)
	return n, nil
}

// Requeue returns uploading records to pending without counting an attempt.
// It is used when an upload never reached the remote's verdict.
func (o *Outbox) Requeue(ctx context.Context, opIDs []int64) (int64, error) {
	var n int64
	err := o.store.Update(ctx, func(tx *db.Tx) error {
		var err error
		n, err = tx.SetOutboxState(ctx, opIDs, schema.StateUploading, schema.StatePending)
		return err
	})
	if err != nil {
		return 0, err
	}
	o.refreshDepth(ctx)
	return n, nil
}

// RecoverInFlight returns records left uploading by a crash to pending. It
// runs once at start-up, before the first cycle. The remote deduplicates on
// op id, so re-sending an upload that was accepted before the crash is safe.
func (o *Outbox) RecoverInFlight(ctx context.Context) (int64, error) {
	var n int64
	err := o.store.Update(ctx, func(tx *db.Tx) error {
		var err error
		n, err = tx.ResetOutboxState(ctx, schema.StateUploading, schema.StatePending)
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.logger.Info("recovered in-flight outbox records", zap.Int64("count", n))
	}
	o.refreshDepth(ctx)
	return n, nil
}

// Retry revives parked records with a fresh attempt budget.
func (o *Outbox) Retry(ctx context.Context) (int64, error) {
	var n int64
	err := o.store.Update(ctx, func(tx *db.Tx) error {
		var err error
		n, err = tx.ResetOutboxState(ctx, schema.StateFailed, schema.StatePending)
		return err
	})
	if err != nil {
		return 0, err
	}
	o.refreshDepth(ctx)
	return n, nil
}

// Pending returns the number of records not yet acknowledged and not
// parked.
func (o *Outbox) Pending(ctx context.Context) (int, error) {
	counts, err := o.store.OutboxCounts(ctx)
	if err != nil {
		return 0, err
	}
	return counts[schema.StatePending] + counts[schema.StateUploading], nil
}

// Failed lists parked records.
func (o *Outbox) Failed(ctx context.Context) ([]schema.OutboxRecord, error) {
	return o.store.OutboxRecords(ctx, schema.StateFailed, 0)
}

// Records lists every record in op id order.
func (o *Outbox) Records(ctx context.Context) ([]schema.OutboxRecord, error) {
	return o.store.OutboxRecords(ctx, "", 0)
}

func (o *Outbox) refreshDepth(ctx context.Context) {
	if o.metrics == nil {
		return
	}
	counts, err := o.store.OutboxCounts(ctx)
	if err != nil {
		return
	}
	for _, s := range []schema.OutboxState{schema.StatePending, schema.StateUploading, schema.StateFailed} {
		o.metrics.SetOutboxDepth(string(s), counts[s])
	}
}

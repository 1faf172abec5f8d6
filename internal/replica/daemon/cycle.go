package daemon

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/omnii/replica/internal/replica/db"
	"github.com/omnii/replica/internal/replica/schema"
	"github.com/omnii/replica/internal/replica/syncerr"
)

// cycle performs upload, poll and apply once. gen is the store generation
// the cycle started against; the apply step fails with
// syncerr.ErrStaleGeneration if the store was reset since.
func (d *Daemon) cycle(ctx context.Context, gen uint64) (*Report, error) {
	r := &Report{}

	if _, err := d.conn.FetchCredentials(ctx); err != nil {
		return r, err
	}

	// Only a cycle moves records to uploading and cycles never overlap, so
	// anything still uploading was stranded by a crash or an earlier attempt.
	if _, err := d.outbox.RecoverInFlight(ctx); err != nil {
		return r, err
	}
	origin, err := d.store.Origin(ctx)
	if err != nil {
		return r, err
	}

	d.setState(StateUploading)
	if err := d.upload(ctx, origin, r); err != nil {
		return r, err
	}

	d.setState(StatePolling)
	checkpoint, changes, err := d.poll(ctx)
	if err != nil {
		return r, err
	}

	d.setState(StateApplying)
	if err := d.apply(ctx, gen, checkpoint, changes, r); err != nil {
		return r, err
	}
	return r, nil
}

// upload sends batches until the outbox is drained. It stops after a batch
// with rejections; rejected records go back to pending and are retried by
// a later cycle.
func (d *Daemon) upload(ctx context.Context, origin string, r *Report) error {
	for {
		batch, err := d.outbox.NextBatch(ctx, d.config.BatchSize)
		if err != nil {
			return err
		}
		if batch.Len() == 0 {
			return nil
		}

		res, err := d.conn.UploadBatch(ctx, origin, batch)
		if err != nil {
			// No verdict: nothing was acknowledged, the whole batch stays.
			if _, rerr := d.outbox.Requeue(context.WithoutCancel(ctx), batch.OpIDs()); rerr != nil {
				return errors.Join(err, rerr)
			}
			return err
		}

		if _, err := d.outbox.Acknowledge(ctx, res.Accepted); err != nil {
			return err
		}
		r.Uploaded += len(res.Accepted)
		d.config.Metrics.OpsUploadedAdd("accepted", len(res.Accepted))

		if len(res.Rejected) > 0 {
			for _, id := range res.RejectedIDs() {
				reason := res.Rejected[id]
				if _, err := d.outbox.Release(ctx, []int64{id}, fmt.Errorf("rejected by remote: %s", reason)); err != nil {
					return err
				}
				d.logger.Warn("remote rejected outbox record",
					zap.Int64("opId", id),
					zap.String("reason", reason))
			}
			r.Rejected += len(res.Rejected)
			d.config.Metrics.OpsUploadedAdd("rejected", len(res.Rejected))
			return nil
		}
		if batch.Len() < d.config.BatchSize {
			return nil
		}
	}
}

// poll pages through remote changes after the stored checkpoint.
func (d *Daemon) poll(ctx context.Context) (string, []schema.Change, error) {
	cursor, err := d.store.Checkpoint(ctx)
	if err != nil {
		return "", nil, err
	}

	var changes []schema.Change
	for {
		page, err := d.conn.PollChanges(ctx, cursor, d.config.PollLimit)
		if err != nil {
			return "", nil, err
		}
		changes = append(changes, page.Changes...)
		next := page.Timestamp
		if next == "" {
			next = cursor
		}
		if !page.HasMore {
			return next, changes, nil
		}
		if next == cursor && len(page.Changes) == 0 {
			return "", nil, syncerr.Transport("poll changes", fmt.Errorf("remote reported more changes after %q but returned none", cursor))
		}
		cursor = next
	}
}

// apply writes the accumulated changes and the new checkpoint in one
// transaction. Changes that fail validation are skipped so that one bad
// remote record cannot stall sync.
func (d *Daemon) apply(ctx context.Context, gen uint64, checkpoint string, changes []schema.Change, r *Report) error {
	touched := map[schema.Collection]struct{}{}
	applied, invalid := 0, 0
	err := d.store.UpdateAt(ctx, gen, func(tx *db.Tx) error {
		applied, invalid = 0, 0
		for _, ch := range changes {
			if err := tx.Apply(ctx, ch); err != nil {
				if errors.Is(err, syncerr.ErrSchemaViolation) {
					invalid++
					d.logger.Warn("skipping invalid remote change",
						zap.String("collection", string(ch.Collection)),
						zap.String("id", ch.ID),
						zap.Error(err))
					continue
				}
				return err
			}
			applied++
			touched[ch.Collection] = struct{}{}
		}
		return tx.SetCheckpoint(ctx, checkpoint)
	})
	if err != nil {
		return err
	}

	for _, ch := range changes {
		d.config.Metrics.ChangeApplied(string(ch.Collection), string(ch.Op))
	}
	r.Applied = applied
	r.Invalid = invalid
	r.Checkpoint = checkpoint

	if d.cache != nil && len(touched) > 0 {
		cols := make([]schema.Collection, 0, len(touched))
		for _, c := range schema.Collections {
			if _, ok := touched[c]; ok {
				cols = append(cols, c)
			}
		}
		cats, err := d.cache.InvalidateCollections(ctx, cols)
		if err != nil {
			d.logger.Warn("failed to invalidate eager cache categories", zap.Error(err))
		}
		r.Invalidated = cats
	}
	return nil
}

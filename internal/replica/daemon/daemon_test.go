package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnii/replica/internal/credentials"
	"github.com/omnii/replica/internal/replica/cache"
	"github.com/omnii/replica/internal/replica/connector"
	"github.com/omnii/replica/internal/replica/db"
	"github.com/omnii/replica/internal/replica/outbox"
	"github.com/omnii/replica/internal/replica/policy"
	"github.com/omnii/replica/internal/replica/remotesim"
	"github.com/omnii/replica/internal/replica/schema"
	"github.com/omnii/replica/internal/replica/syncerr"
	"github.com/omnii/replica/internal/replica/wire"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	store  *db.DB
	outbox *outbox.Outbox
	cache  *cache.Cache
	sim    *remotesim.Server
	conn   *connector.HTTPConnector
	daemon *Daemon
}

func newHarness(t *testing.T, token string, cfg Config) *harness {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "replica.db"), db.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sim := remotesim.New(remotesim.Options{Token: "tok", PageSize: 2})
	srv := httptest.NewServer(sim.Handler())
	t.Cleanup(srv.Close)

	conn, err := connector.NewHTTP(credentials.NewCache(credentials.Static(token, time.Time{}), 0), connector.Options{
		BaseURL:    srv.URL,
		MaxRetries: -1,
		BaseDelay:  time.Millisecond,
	})
	require.NoError(t, err)

	h := &harness{sim: sim, conn: conn}
	h.attach(t, store, cfg)
	return h
}

// attach points the harness at store with a fresh outbox, cache and daemon.
func (h *harness) attach(t *testing.T, store *db.DB, cfg Config) {
	t.Helper()
	ob := outbox.New(store, outbox.Options{MaxAttempts: 3})
	c := cache.New(store, policy.Default(), cache.Options{})

	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Millisecond
		cfg.MaxBackoff = 5 * time.Millisecond
	}
	d, err := New(store, ob, h.conn, c, cfg)
	require.NoError(t, err)
	t.Cleanup(d.Stop)

	h.store, h.outbox, h.cache, h.daemon = store, ob, c, d
}

func (h *harness) enqueueTask(t *testing.T, id, name string) {
	t.Helper()
	payload := json.RawMessage(`{"id":"` + id + `","entityType":"task","name":"` + name + `","updatedAt":"2026-03-01T09:00:00Z"}`)
	_, err := h.outbox.Enqueue(context.Background(), schema.Entities, schema.KindUpsert, "", payload)
	require.NoError(t, err)
}

func TestRunOnce_RoundTrip(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "tok", Config{})

	h.enqueueTask(t, "local-1", "write report")
	remote, err := h.sim.CreateEntity(schema.EntityContact, "ada", t0)
	require.NoError(t, err)
	require.NoError(t, h.sim.Put(&schema.Event{ID: "ev1", Title: "standup", StartTime: t0, EndTime: t0.Add(15 * time.Minute), UpdatedAt: t0}))

	report, err := h.daemon.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Uploaded)
	assert.Equal(t, 3, report.Applied, "remote echoes the upload plus two remote writes")
	assert.Equal(t, "3", report.Checkpoint)

	_, ok := h.sim.Get(schema.Entities, "local-1")
	assert.True(t, ok)
	got, err := h.store.Get(ctx, schema.Entities, remote.ID)
	require.NoError(t, err)
	assert.Equal(t, "ada", got.(*schema.Entity).Name)
	_, err = h.store.Get(ctx, schema.Events, "ev1")
	require.NoError(t, err)

	cp, err := h.store.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3", cp)

	st := h.daemon.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.False(t, st.Degraded)
	assert.False(t, st.LastSuccess.IsZero())
	assert.Zero(t, st.PendingOps)
	assert.Equal(t, "3", st.Checkpoint)

	h.sim.Delete(schema.Events, "ev1")
	_, err = h.daemon.RunOnce(ctx)
	require.NoError(t, err)
	_, err = h.store.Get(ctx, schema.Events, "ev1")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}

func TestApply_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "tok", Config{})

	data, err := json.Marshal(schema.Entity{ID: "e1", EntityType: schema.EntityTask, Name: "x", UpdatedAt: t0})
	require.NoError(t, err)
	changes := []schema.Change{
		{Collection: schema.Entities, Op: schema.OpPut, ID: "e1", Data: data},
		{Collection: schema.Relationships, Op: schema.OpDelete, ID: schema.RelationshipKey("e1", "knows", "e2")},
	}

	snapshot := func() []schema.Record {
		recs, err := h.store.Query(ctx, db.Query{Collection: schema.Entities})
		require.NoError(t, err)
		return recs
	}

	require.NoError(t, h.daemon.apply(ctx, h.store.Generation(), "7", changes, &Report{}))
	once := snapshot()
	require.NoError(t, h.daemon.apply(ctx, h.store.Generation(), "7", changes, &Report{}))
	assert.Equal(t, once, snapshot())
}

func TestApply_SkipsInvalidRemoteChanges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "tok", Config{})

	good, err := json.Marshal(schema.Entity{ID: "e1", EntityType: schema.EntityTask, Name: "x", UpdatedAt: t0})
	require.NoError(t, err)
	changes := []schema.Change{
		{Collection: schema.Entities, Op: schema.OpPut, ID: "bad", Data: json.RawMessage(`{"id":"bad"}`)},
		{Collection: schema.Collection("widgets"), Op: schema.OpDelete, ID: "w1"},
		{Collection: schema.Entities, Op: schema.OpPut, ID: "e1", Data: good},
	}
	r := &Report{}
	require.NoError(t, h.daemon.apply(ctx, h.store.Generation(), "3", changes, r))
	assert.Equal(t, 1, r.Applied)
	assert.Equal(t, 2, r.Invalid)

	cp, err := h.store.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3", cp)
}

func TestRunOnce_CrashAfterUploadDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "tok", Config{})
	h.enqueueTask(t, "e1", "x")

	// Upload succeeds but the process dies before acknowledging.
	origin, err := h.store.Origin(ctx)
	require.NoError(t, err)
	batch, err := h.outbox.NextBatch(ctx, 10)
	require.NoError(t, err)
	res, err := h.conn.UploadBatch(ctx, origin, batch)
	require.NoError(t, err)
	require.Len(t, res.Accepted, 1)

	_, err = h.daemon.RunOnce(ctx)
	require.NoError(t, err)

	st := h.sim.Stats()
	assert.EqualValues(t, 1, st.Applied)
	assert.EqualValues(t, 1, st.Duplicates)
	assert.Equal(t, 1, h.sim.Count(schema.Entities))

	pending, err := h.outbox.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestRunOnce_DegradedThenRecovers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "tok", Config{MaxRetries: 3})
	h.enqueueTask(t, "e1", "x")

	updates, unsubscribe := h.daemon.Subscribe()
	defer unsubscribe()
	<-updates

	h.sim.FailNext(100, http.StatusServiceUnavailable)
	report, err := h.daemon.RunOnce(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrSyncDegraded)
	assert.ErrorIs(t, err, syncerr.ErrTransport)
	assert.Equal(t, 3, report.Attempts)

	st := h.daemon.Status()
	assert.Equal(t, StateError, st.State)
	assert.True(t, st.Degraded)
	assert.False(t, st.NeedsAuth)
	assert.Equal(t, 1, st.ConsecutiveFailures)
	assert.Equal(t, 1, st.PendingOps, "transport failure keeps the record pending")
	assert.True(t, (<-updates).Degraded)

	recs, err := h.outbox.Records(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, schema.StatePending, recs[0].State)
	assert.Zero(t, recs[0].Attempts, "transport failures do not count against the record")

	h.sim.FailNext(0, 0)
	_, err = h.daemon.RunOnce(ctx)
	require.NoError(t, err)
	st = h.daemon.Status()
	assert.False(t, st.Degraded)
	assert.Zero(t, st.ConsecutiveFailures)
	assert.Equal(t, 1, h.sim.Count(schema.Entities))
}

func TestRunOnce_UnauthenticatedIsNotRetried(t *testing.T) {
	h := newHarness(t, "", Config{MaxRetries: 5})

	report, err := h.daemon.RunOnce(context.Background())
	assert.ErrorIs(t, err, syncerr.ErrUnauthenticated)
	assert.Equal(t, 1, report.Attempts)

	st := h.daemon.Status()
	assert.True(t, st.NeedsAuth)
	assert.False(t, st.Degraded)
	assert.Zero(t, h.sim.Stats().Polls)
}

func TestRunOnce_RejectedRecordsAreParked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "tok", Config{})
	h.sim.RejectWhen(func(schema.Collection, wire.UploadOp) string { return "denied" })
	h.enqueueTask(t, "e1", "x")

	for i := 0; i < 3; i++ {
		report, err := h.daemon.RunOnce(ctx)
		require.NoError(t, err, "a rejection is not a cycle failure")
		assert.Equal(t, 1, report.Rejected)
	}

	st := h.daemon.Status()
	assert.Zero(t, st.PendingOps)
	assert.Equal(t, 1, st.ParkedOps)
}

func TestRunOnce_RejectionLiftedThenAccepted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "tok", Config{})
	h.sim.RejectWhen(func(schema.Collection, wire.UploadOp) string { return "busy" })
	h.enqueueTask(t, "e1", "x")

	report, err := h.daemon.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rejected)

	h.sim.RejectWhen(nil)
	report, err = h.daemon.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Uploaded)
	assert.Zero(t, report.Rejected)
	_, ok := h.sim.Get(schema.Entities, "e1")
	assert.True(t, ok)
	assert.Zero(t, h.daemon.Status().PendingOps)
}

func TestRunOnce_RecreatedStoreDoesNotReuseOpIDs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "tok", Config{})
	path := h.store.Path()

	require.NoError(t, h.store.SetDeviceID(ctx, "pinned"))
	h.enqueueTask(t, "e1", "first")
	_, err := h.daemon.RunOnce(ctx)
	require.NoError(t, err)
	h.daemon.Stop()
	require.NoError(t, h.store.Close())

	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("garbage!"), 1024), 0o600))

	store, recovered, err := db.OpenOrRecover(ctx, path, db.Options{})
	require.NoError(t, err)
	require.True(t, recovered)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.SetDeviceID(ctx, "pinned"))
	h.attach(t, store, Config{})

	h.enqueueTask(t, "e2", "second")
	report, err := h.daemon.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Uploaded)

	_, ok := h.sim.Get(schema.Entities, "e2")
	assert.True(t, ok, "write after recovery must reach the remote")
	assert.Zero(t, h.sim.Stats().Duplicates)
}

func TestRunOnce_SkipsWhileCycleInFlight(t *testing.T) {
	h := newHarness(t, "tok", Config{})
	h.daemon.cycleMu.Lock()
	report, err := h.daemon.RunOnce(context.Background())
	h.daemon.cycleMu.Unlock()
	require.NoError(t, err)
	assert.True(t, report.Skipped)
}

func TestRunOnce_YieldsToResetStartedBeforeCancelPublished(t *testing.T) {
	h := newHarness(t, "tok", Config{})

	// Hold the cycle just before it publishes its cancel func.
	h.daemon.mu.Lock()
	done := make(chan *Report, 1)
	go func() {
		report, err := h.daemon.RunOnce(context.Background())
		assert.NoError(t, err)
		done <- report
	}()
	time.Sleep(50 * time.Millisecond)

	// A Reset arriving now finds no cancel func to call.
	h.daemon.resetting.Add(1)
	h.daemon.mu.Unlock()

	report := <-done
	h.daemon.resetting.Add(-1)
	assert.True(t, report.Skipped)
	assert.Zero(t, h.sim.Stats().Polls)
}

func TestReset_DuringPollLeavesStoreEmpty(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "tok", Config{})

	require.NoError(t, h.store.Upsert(ctx, schema.Entities, &schema.Entity{ID: "old", EntityType: schema.EntityTask, UpdatedAt: t0}))
	for i := 0; i < 5; i++ {
		_, err := h.sim.CreateEntity(schema.EntityConcept, "c", t0)
		require.NoError(t, err)
	}

	updates, unsubscribe := h.daemon.Subscribe()
	defer unsubscribe()

	h.sim.SetLatency(100 * time.Millisecond)
	done := make(chan error, 1)
	go func() {
		_, err := h.daemon.RunOnce(ctx)
		done <- err
	}()

	deadline := time.After(5 * time.Second)
	for polling := false; !polling; {
		select {
		case st := <-updates:
			polling = st.State == StatePolling
		case <-deadline:
			t.Fatal("cycle never reached polling")
		}
	}

	require.NoError(t, h.daemon.Reset(ctx))
	assert.Error(t, <-done)

	recs, err := h.store.Query(ctx, db.Query{Collection: schema.Entities})
	require.NoError(t, err)
	assert.Empty(t, recs)
	cp, err := h.store.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Empty(t, cp)
	assert.Equal(t, StateIdle, h.daemon.Status().State)
}

func TestRunOnce_InvalidatesEagerCategories(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "tok", Config{})

	_, err := h.cache.Get(ctx, policy.Events, "today", func(context.Context) ([]byte, error) {
		return []byte(`[]`), nil
	})
	require.NoError(t, err)
	require.NoError(t, h.sim.Put(&schema.Event{ID: "ev1", Title: "standup", StartTime: t0, EndTime: t0, UpdatedAt: t0}))

	report, err := h.daemon.RunOnce(ctx)
	require.NoError(t, err)
	assert.Contains(t, report.Invalidated, policy.Events)

	entry, err := h.store.CacheEntry(ctx, string(policy.Events), "today")
	require.NoError(t, err)
	assert.True(t, entry.Stale)
}

func TestStartAndTrigger(t *testing.T) {
	h := newHarness(t, "tok", Config{Interval: time.Hour})
	updates, unsubscribe := h.daemon.Subscribe()
	defer unsubscribe()

	require.NoError(t, h.daemon.Start(context.Background()))
	assert.Error(t, h.daemon.Start(context.Background()))

	waitFor := func(cond func(Status) bool) {
		t.Helper()
		deadline := time.After(5 * time.Second)
		for {
			select {
			case st := <-updates:
				if cond(st) {
					return
				}
			case <-deadline:
				t.Fatal("timed out waiting for status")
			}
		}
	}
	waitFor(func(s Status) bool { return !s.LastSuccess.IsZero() && s.State == StateIdle })

	h.enqueueTask(t, "e1", "x")
	h.daemon.Trigger()
	h.daemon.Trigger()
	waitFor(func(s Status) bool { return s.State == StateIdle && s.PendingOps == 0 && s.Checkpoint == "1" })
	assert.Equal(t, 1, h.sim.Count(schema.Entities))

	h.daemon.Stop()
	h.daemon.Stop()
}

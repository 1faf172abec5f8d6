package db

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/omnii/replica/internal/replica/schema"
	"github.com/omnii/replica/internal/replica/syncerr"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "replica.db")
}

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testDBPath(t), Options{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func entity(id, name string) *schema.Entity {
	return &schema.Entity{ID: id, EntityType: schema.EntityTask, Name: name, UpdatedAt: t0}
}

func TestOpen_CreatesTables(t *testing.T) {
	db := setupTestDB(t)

	for _, table := range []string{"entities", "events", "relationships", "cache_entries", "outbox", "sync_state"} {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	if err := db.InitSchema(context.Background()); err != nil {
		t.Errorf("second InitSchema() failed: %v", err)
	}
}

func TestUpsert_InsertAndUpdate(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	if err := db.Upsert(ctx, schema.Entities, entity("e1", "draft")); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	updated := entity("e1", "final")
	updated.Properties = json.RawMessage(`{"priority":1}`)
	if err := db.Upsert(ctx, schema.Entities, updated); err != nil {
		t.Fatalf("Upsert() update failed: %v", err)
	}

	rec, err := db.Get(ctx, schema.Entities, "e1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	got := rec.(*schema.Entity)
	if got.Name != "final" {
		t.Errorf("Name = %q, want %q", got.Name, "final")
	}
	if string(got.Properties) != `{"priority":1}` {
		t.Errorf("Properties = %s", got.Properties)
	}
	if !got.UpdatedAt.Equal(t0) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, t0)
	}
}

func TestUpsert_SchemaViolationLeavesStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	if err := db.Upsert(ctx, schema.Entities, entity("e1", "keep")); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}

	bad := entity("e1", "clobber")
	bad.EntityType = "planet"
	if err := db.Upsert(ctx, schema.Entities, bad); !errors.Is(err, syncerr.ErrSchemaViolation) {
		t.Fatalf("Upsert(invalid) error = %v, want schema violation", err)
	}
	if err := db.Upsert(ctx, schema.Events, entity("e2", "wrong collection")); !errors.Is(err, syncerr.ErrSchemaViolation) {
		t.Fatalf("Upsert(wrong collection) error = %v, want schema violation", err)
	}
	if err := db.Delete(ctx, schema.Collection("widgets"), "e1"); !errors.Is(err, syncerr.ErrSchemaViolation) {
		t.Fatalf("Delete(unknown collection) error = %v, want schema violation", err)
	}

	rec, err := db.Get(ctx, schema.Entities, "e1")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if rec.(*schema.Entity).Name != "keep" {
		t.Errorf("record changed by rejected write")
	}
	if _, err := db.Get(ctx, schema.Events, "e2"); !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("Get(e2) error = %v, want not found", err)
	}
}

func TestDelete_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	if err := db.Upsert(ctx, schema.Entities, entity("e1", "x")); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := db.Delete(ctx, schema.Entities, "e1"); err != nil {
			t.Fatalf("Delete() #%d failed: %v", i, err)
		}
	}
	if _, err := db.Get(ctx, schema.Entities, "e1"); !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want not found", err)
	}
}

func TestQuery_WhereOrderLimit(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	for i, start := range []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour, 48 * time.Hour} {
		ev := &schema.Event{
			ID:        string(rune('a' + i)),
			StartTime: t0.Add(start),
			EndTime:   t0.Add(start + 30*time.Minute),
			UpdatedAt: t0,
		}
		if err := db.Upsert(ctx, schema.Events, ev); err != nil {
			t.Fatalf("Upsert(%s) failed: %v", ev.ID, err)
		}
	}

	got, err := db.Query(ctx, Query{
		Collection: schema.Events,
		Where: []Condition{
			{Field: "startTime", Op: OpGte, Value: t0},
			{Field: "startTime", Op: OpLt, Value: t0.Add(24 * time.Hour).Format(time.RFC3339)},
		},
		OrderBy: "startTime",
		Limit:   2,
	})
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Key() != "b" || got[1].Key() != "c" {
		t.Errorf("order = [%s %s], want [b c]", got[0].Key(), got[1].Key())
	}
}

func TestQuery_RejectsUnknownField(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.Query(context.Background(), Query{
		Collection: schema.Entities,
		Where:      []Condition{{Field: "id; DROP TABLE entities", Op: OpEq, Value: "x"}},
	})
	if !errors.Is(err, syncerr.ErrSchemaViolation) {
		t.Errorf("Query() error = %v, want schema violation", err)
	}
}

func TestQuery_RelationshipPrefix(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	for _, r := range []*schema.Relationship{
		{FromEntityID: "a", ToEntityID: "b", RelationshipType: "blocks", UpdatedAt: t0},
		{FromEntityID: "a", ToEntityID: "c", RelationshipType: "related", UpdatedAt: t0},
		{FromEntityID: "ab", ToEntityID: "c", RelationshipType: "related", UpdatedAt: t0},
	} {
		if err := db.Upsert(ctx, schema.Relationships, r); err != nil {
			t.Fatalf("Upsert(%s) failed: %v", r.Key(), err)
		}
	}

	got, err := db.Query(ctx, Query{
		Collection: schema.Relationships,
		Where:      []Condition{{Field: "id", Op: OpPrefix, Value: "a--"}},
	})
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
}

func TestUpdate_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	boom := errors.New("boom")
	err := db.Update(ctx, func(tx *Tx) error {
		if err := tx.Upsert(ctx, entity("e1", "x")); err != nil {
			return err
		}
		if err := tx.SetCheckpoint(ctx, "42"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update() error = %v, want boom", err)
	}

	if _, err := db.Get(ctx, schema.Entities, "e1"); !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("entity committed despite rollback")
	}
	if cp, _ := db.Checkpoint(ctx); cp != "" {
		t.Errorf("checkpoint = %q, want empty", cp)
	}
}

func TestApply_Idempotent(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	changes := []schema.Change{
		{Collection: schema.Entities, Op: schema.OpPut, ID: "e1", Data: json.RawMessage(`{"id":"e1","entityType":"contact","name":"Ada","updatedAt":"2026-03-01T09:00:00Z"}`)},
		{Collection: schema.Entities, Op: schema.OpPut, ID: "e2", Data: json.RawMessage(`{"id":"e2","entityType":"contact","name":"Bob","updatedAt":"2026-03-01T09:00:00Z"}`)},
		{Collection: schema.Entities, Op: schema.OpDelete, ID: "e2"},
	}
	apply := func() {
		err := db.Update(ctx, func(tx *Tx) error {
			for _, ch := range changes {
				if err := tx.Apply(ctx, ch); err != nil {
					return err
				}
			}
			return tx.SetCheckpoint(ctx, "3")
		})
		if err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}

	apply()
	first, _ := db.Query(ctx, Query{Collection: schema.Entities})
	apply()
	second, _ := db.Query(ctx, Query{Collection: schema.Entities})

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("len first=%d second=%d, want 1", len(first), len(second))
	}
	if string(digest(first)) != string(digest(second)) {
		t.Errorf("store differs after re-applying the same batch")
	}
}

func TestReset_ClearsEverythingButDeviceID(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	device, err := db.DeviceID(ctx)
	if err != nil || device == "" {
		t.Fatalf("DeviceID() = %q, %v", device, err)
	}
	err = db.Update(ctx, func(tx *Tx) error {
		if err := tx.Upsert(ctx, entity("e1", "x")); err != nil {
			return err
		}
		if err := tx.AppendOutbox(ctx, &schema.OutboxRecord{Collection: schema.Entities, Kind: schema.KindUpsert, EntityID: "e1"}); err != nil {
			return err
		}
		if err := tx.PutCacheEntry(ctx, &schema.CacheEntry{Category: "tasks", ScopeKey: "all", Payload: []byte("[]"), FetchedAt: t0, ExpiresAt: t0}); err != nil {
			return err
		}
		return tx.SetCheckpoint(ctx, "7")
	})
	if err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	gen := db.Generation()
	if err := db.Reset(ctx); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}
	if db.Generation() != gen+1 {
		t.Errorf("Generation() = %d, want %d", db.Generation(), gen+1)
	}

	st, err := db.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	for c, n := range st.Records {
		if n != 0 {
			t.Errorf("%s has %d records after reset", c, n)
		}
	}
	if st.CacheEntries != 0 || len(st.Outbox) != 0 || st.Checkpoint != "" {
		t.Errorf("stats after reset = %+v", st)
	}
	if again, _ := db.DeviceID(ctx); again != device {
		t.Errorf("device id changed across reset: %q -> %q", device, again)
	}
}

func TestUpdateAt_RejectsStaleGeneration(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	gen := db.Generation()
	if err := db.Reset(ctx); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}
	err := db.UpdateAt(ctx, gen, func(tx *Tx) error {
		return tx.Upsert(ctx, entity("e1", "from previous identity"))
	})
	if !errors.Is(err, syncerr.ErrStaleGeneration) {
		t.Fatalf("UpdateAt() error = %v, want stale generation", err)
	}
	if _, err := db.Get(ctx, schema.Entities, "e1"); !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("stale write landed")
	}
}

func TestCacheEntry_VersionAndStale(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	put := func(payload string) *schema.CacheEntry {
		e := &schema.CacheEntry{Category: "tasks", ScopeKey: "user1", Payload: []byte(payload), FetchedAt: t0, ExpiresAt: t0.Add(time.Minute)}
		if err := db.Update(ctx, func(tx *Tx) error { return tx.PutCacheEntry(ctx, e) }); err != nil {
			t.Fatalf("PutCacheEntry() failed: %v", err)
		}
		return e
	}
	if v := put("one").Version; v != 1 {
		t.Errorf("first version = %d, want 1", v)
	}
	if v := put("two").Version; v != 2 {
		t.Errorf("second version = %d, want 2", v)
	}

	err := db.Update(ctx, func(tx *Tx) error {
		_, err := tx.MarkCacheStale(ctx, "tasks", "")
		return err
	})
	if err != nil {
		t.Fatalf("MarkCacheStale() failed: %v", err)
	}
	got, err := db.CacheEntry(ctx, "tasks", "user1")
	if err != nil {
		t.Fatalf("CacheEntry() failed: %v", err)
	}
	if !got.Stale || string(got.Payload) != "two" {
		t.Errorf("entry = %+v, want stale with payload two", got)
	}
}

func TestOutbox_ReleaseParksAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	var rec schema.OutboxRecord
	err := db.Update(ctx, func(tx *Tx) error {
		rec = schema.OutboxRecord{Collection: schema.Entities, Kind: schema.KindDelete, EntityID: "e1"}
		return tx.AppendOutbox(ctx, &rec)
	})
	if err != nil {
		t.Fatalf("AppendOutbox() failed: %v", err)
	}

	for attempt := 1; attempt <= 2; attempt++ {
		err := db.Update(ctx, func(tx *Tx) error {
			if _, err := tx.SetOutboxState(ctx, []int64{rec.OpID}, schema.StatePending, schema.StateUploading); err != nil {
				return err
			}
			_, err := tx.ReleaseOutbox(ctx, []int64{rec.OpID}, "rejected", 2)
			return err
		})
		if err != nil {
			t.Fatalf("release #%d failed: %v", attempt, err)
		}
	}

	failed, err := db.OutboxRecords(ctx, schema.StateFailed, 0)
	if err != nil {
		t.Fatalf("OutboxRecords() failed: %v", err)
	}
	if len(failed) != 1 || failed[0].Attempts != 2 || failed[0].LastError != "rejected" {
		t.Errorf("failed records = %+v", failed)
	}
}

func TestSubscribe_PushesCommittedChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db := setupTestDB(t)

	sub, err := db.Subscribe(ctx, Query{
		Collection: schema.Entities,
		Where:      []Condition{{Field: "entityType", Op: OpEq, Value: "task"}},
	})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	if initial := <-sub.Updates(); len(initial) != 0 {
		t.Fatalf("initial result = %d records, want 0", len(initial))
	}

	if err := db.Upsert(ctx, schema.Entities, entity("e1", "x")); err != nil {
		t.Fatalf("Upsert() failed: %v", err)
	}

	select {
	case got := <-sub.Updates():
		if len(got) != 1 || got[0].Key() != "e1" {
			t.Errorf("pushed result = %v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no push after committed write")
	}

	if err := db.Reset(ctx); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}
	select {
	case got := <-sub.Updates():
		if len(got) != 0 {
			t.Errorf("result after reset = %d records, want 0", len(got))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no push after reset")
	}

	cancel()
	for range sub.Updates() {
	}
}

func TestSubscribe_WriteDuringRegistrationIsSeen(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	db := setupTestDB(t)

	testHookSubscribed = func() {
		if err := db.Upsert(ctx, schema.Entities, entity("e1", "x")); err != nil {
			t.Errorf("Upsert() failed: %v", err)
		}
	}
	defer func() { testHookSubscribed = nil }()

	sub, err := db.Subscribe(ctx, Query{Collection: schema.Entities})
	if err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}
	testHookSubscribed = nil

	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-sub.Updates():
			if len(got) == 1 && got[0].Key() == "e1" {
				return
			}
		case <-deadline:
			t.Fatal("write committed during Subscribe never reached the subscriber")
		}
	}
}

func TestOpenOrRecover_CorruptedFile(t *testing.T) {
	path := testDBPath(t)
	garbage := make([]byte, 4096)
	for i := range garbage {
		garbage[i] = 'x'
	}
	if err := os.WriteFile(path, garbage, 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}

	db, recovered, err := OpenOrRecover(context.Background(), path, Options{})
	if err != nil {
		t.Fatalf("OpenOrRecover() failed: %v", err)
	}
	defer db.Close()

	if !recovered {
		t.Error("recovered = false, want true")
	}
	if err := db.Upsert(context.Background(), schema.Entities, entity("e1", "x")); err != nil {
		t.Errorf("recovered store is not writable: %v", err)
	}
}

func TestSetDeviceID_OverridesGenerated(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	if _, err := db.DeviceID(ctx); err != nil {
		t.Fatalf("DeviceID() failed: %v", err)
	}
	if err := db.SetDeviceID(ctx, "laptop-1"); err != nil {
		t.Fatalf("SetDeviceID() failed: %v", err)
	}
	if got, _ := db.DeviceID(ctx); got != "laptop-1" {
		t.Errorf("DeviceID() = %q, want laptop-1", got)
	}
	if err := db.SetDeviceID(ctx, ""); !errors.Is(err, syncerr.ErrSchemaViolation) {
		t.Errorf("SetDeviceID(\"\") = %v, want schema violation", err)
	}
}

func TestOrigin_StablePerFileAndNewAfterRecovery(t *testing.T) {
	ctx := context.Background()
	path := testDBPath(t)

	db, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.SetDeviceID(ctx, "pinned"); err != nil {
		t.Fatalf("SetDeviceID() failed: %v", err)
	}
	first, err := db.Origin(ctx)
	if err != nil {
		t.Fatalf("Origin() failed: %v", err)
	}
	if !strings.HasPrefix(first, "pinned/") {
		t.Errorf("Origin() = %q, want pinned/ prefix", first)
	}
	if err := db.Reset(ctx); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}
	if again, _ := db.Origin(ctx); again != first {
		t.Errorf("Origin() after Reset = %q, want %q", again, first)
	}
	_ = db.Close()

	if err := os.WriteFile(path, []byte(strings.Repeat("x", 4096)), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
	db, recovered, err := OpenOrRecover(ctx, path, Options{})
	if err != nil || !recovered {
		t.Fatalf("OpenOrRecover() = %v, %v", recovered, err)
	}
	defer db.Close()
	if err := db.SetDeviceID(ctx, "pinned"); err != nil {
		t.Fatalf("SetDeviceID() failed: %v", err)
	}
	second, err := db.Origin(ctx)
	if err != nil {
		t.Fatalf("Origin() failed: %v", err)
	}
	if second == first {
		t.Errorf("Origin() after recovery = %q, want a new store id", second)
	}
}

package schema

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnii/replica/internal/replica/syncerr"
)

var ts = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestDecodeRecord_Entity(t *testing.T) {
	data := json.RawMessage(`{"id":"e1","entityType":"task","name":"write report","properties":{"priority":2},"updatedAt":"2026-03-01T09:00:00Z"}`)

	rec, err := DecodeRecord(Entities, "e1", data)
	require.NoError(t, err)

	e, ok := rec.(*Entity)
	require.True(t, ok)
	assert.Equal(t, EntityTask, e.EntityType)
	assert.Equal(t, "write report", e.Name)
	assert.True(t, e.UpdatedAt.Equal(ts))
}

func TestDecodeRecord_Rejects(t *testing.T) {
	tests := []struct {
		name       string
		collection Collection
		id         string
		data       string
	}{
		{"unknown collection", Collection("widgets"), "", `{"id":"x"}`},
		{"empty", Entities, "", ``},
		{"null", Entities, "", `null`},
		{"malformed", Entities, "", `{"id":`},
		{"bad entity type", Entities, "", `{"id":"e1","entityType":"planet","updatedAt":"2026-03-01T09:00:00Z"}`},
		{"missing updatedAt", Entities, "", `{"id":"e1","entityType":"task"}`},
		{"properties not object", Entities, "", `{"id":"e1","entityType":"task","properties":[1],"updatedAt":"2026-03-01T09:00:00Z"}`},
		{"id mismatch", Entities, "e2", `{"id":"e1","entityType":"task","updatedAt":"2026-03-01T09:00:00Z"}`},
		{"event backwards", Events, "", `{"id":"ev","startTime":"2026-03-01T10:00:00Z","endTime":"2026-03-01T09:00:00Z","updatedAt":"2026-03-01T09:00:00Z"}`},
		{"event bad email", Events, "", `{"id":"ev","startTime":"2026-03-01T09:00:00Z","endTime":"2026-03-01T10:00:00Z","attendees":[{"email":"nope"}],"updatedAt":"2026-03-01T09:00:00Z"}`},
		{"relationship separator", Relationships, "", `{"fromEntityId":"a--b","toEntityId":"c","relationshipType":"knows","updatedAt":"2026-03-01T09:00:00Z"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRecord(tt.collection, tt.id, json.RawMessage(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, syncerr.ErrSchemaViolation)
		})
	}
}

func TestEvent_ZeroLengthAllowed(t *testing.T) {
	ev := &Event{ID: "ev", StartTime: ts, EndTime: ts, UpdatedAt: ts}
	assert.NoError(t, ev.Validate())
}

func TestEvent_Overlaps(t *testing.T) {
	ev := &Event{ID: "ev", StartTime: ts, EndTime: ts.Add(time.Hour)}
	assert.True(t, ev.Overlaps(ts.Add(-time.Hour), ts.Add(time.Minute)))
	assert.False(t, ev.Overlaps(ts.Add(2*time.Hour), ts.Add(3*time.Hour)))
	assert.False(t, ev.Overlaps(ts.Add(-time.Hour), ts))
}

func TestRelationshipKey_RoundTrip(t *testing.T) {
	r := &Relationship{FromEntityID: "a", RelationshipType: "blocks", ToEntityID: "b", UpdatedAt: ts}
	require.NoError(t, r.Validate())
	assert.Equal(t, "a--blocks--b", r.Key())

	from, typ, to, err := ParseRelationshipKey(r.Key())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "blocks", "b"}, []string{from, typ, to})

	_, _, _, err = ParseRelationshipKey("a--b")
	assert.ErrorIs(t, err, syncerr.ErrSchemaViolation)
	_, _, _, err = ParseRelationshipKey("a----b")
	assert.ErrorIs(t, err, syncerr.ErrSchemaViolation)
}

func TestOutboxRecord_Change(t *testing.T) {
	up := OutboxRecord{OpID: 7, Collection: Entities, Kind: KindUpsert, EntityID: "e1", Payload: json.RawMessage(`{"id":"e1"}`)}
	c := up.Change("dev-1")
	assert.Equal(t, OpPut, c.Op)
	assert.Equal(t, "dev-1:7", c.OpID)
	assert.JSONEq(t, `{"id":"e1"}`, string(c.Data))

	del := OutboxRecord{OpID: 8, Collection: Entities, Kind: KindDelete, EntityID: "e1", Payload: json.RawMessage(`{"id":"e1"}`)}
	assert.Nil(t, del.Change("dev-1").Data)

	device, seq, err := ParseWireOpID("dev:with:colons:42")
	require.NoError(t, err)
	assert.Equal(t, "dev:with:colons", device)
	assert.EqualValues(t, 42, seq)

	_, _, err = ParseWireOpID("nocolon")
	assert.Error(t, err)
}

func TestCacheEntry_Fresh(t *testing.T) {
	e := &CacheEntry{FetchedAt: ts, ExpiresAt: ts.Add(30 * time.Minute)}
	assert.True(t, e.Fresh(ts.Add(29*time.Minute)))
	assert.False(t, e.Fresh(ts.Add(30*time.Minute)), "expiry boundary is exclusive")
	e.Stale = true
	assert.False(t, e.Fresh(ts))
}

package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omnii/replica/internal/replica/daemon"
	"github.com/omnii/replica/internal/replica/db"
	"github.com/omnii/replica/internal/replica/metrics"
	"github.com/omnii/replica/internal/replica/schema"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeStatus struct {
	mu       sync.Mutex
	st       daemon.Status
	subs     map[chan daemon.Status]struct{}
	triggers int
}

func newFakeStatus() *fakeStatus {
	return &fakeStatus{st: daemon.Status{State: daemon.StateIdle}, subs: map[chan daemon.Status]struct{}{}}
}

func (f *fakeStatus) Status() daemon.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st
}

func (f *fakeStatus) Subscribe() (<-chan daemon.Status, func()) {
	ch := make(chan daemon.Status, 1)
	f.mu.Lock()
	f.subs[ch] = struct{}{}
	ch <- f.st
	f.mu.Unlock()
	return ch, func() {
		f.mu.Lock()
		delete(f.subs, ch)
		f.mu.Unlock()
	}
}

func (f *fakeStatus) Trigger() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers++
}

func (f *fakeStatus) set(st daemon.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.st = st
	for ch := range f.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}

func startServer(t *testing.T, status StatusSource) (*Server, *db.DB, string) {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "replica.db"), db.Options{})
	require.NoError(t, err)

	srv := NewServer(store, status, &Config{Port: 0, Metrics: metrics.New()})
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		_ = srv.Stop()
		_ = store.Close()
	})

	_, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	return srv, store, "127.0.0.1:" + port
}

func dial(t *testing.T, addr, rawQuery string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws?"+rawQuery, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// readUntil returns the next message of the given type, skipping others.
func readUntil(t *testing.T, conn *websocket.Conn, typ MessageType) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var msg Message
		require.NoError(t, wsjson.Read(ctx, conn, &msg))
		if msg.Type == typ {
			return msg
		}
	}
}

type resultPayload struct {
	Collection string            `json:"collection"`
	Count      int               `json:"count"`
	Records    []json.RawMessage `json:"records"`
}

func decodeResult(t *testing.T, msg Message) resultPayload {
	t.Helper()
	var p resultPayload
	require.NoError(t, json.Unmarshal(msg.Data, &p))
	return p
}

func TestWebSocket_StreamsQueryResults(t *testing.T) {
	srv, store, addr := startServer(t, nil)
	ctx := context.Background()

	conn := dial(t, addr, "collection=entities&entityType=eq:task&order=name")

	initial := decodeResult(t, readUntil(t, conn, MessageTypeQueryResult))
	assert.Equal(t, "entities", initial.Collection)
	assert.Zero(t, initial.Count)

	require.NoError(t, store.Upsert(ctx, schema.Entities, &schema.Entity{
		ID: "c1", EntityType: schema.EntityContact, Name: "ada", UpdatedAt: t0,
	}))
	require.NoError(t, store.Upsert(ctx, schema.Entities, &schema.Entity{
		ID: "t1", EntityType: schema.EntityTask, Name: "write report", UpdatedAt: t0,
	}))

	next := decodeResult(t, readUntil(t, conn, MessageTypeQueryResult))
	require.Equal(t, 1, next.Count, "only tasks match")
	var e schema.Entity
	require.NoError(t, json.Unmarshal(next.Records[0], &e))
	assert.Equal(t, "t1", e.ID)

	assert.Eventually(t, func() bool { return srv.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestWebSocket_ForwardsSyncStatus(t *testing.T) {
	status := newFakeStatus()
	_, _, addr := startServer(t, status)

	conn := dial(t, addr, "collection=events")

	var st daemon.Status
	require.NoError(t, json.Unmarshal(readUntil(t, conn, MessageTypeSyncStatus).Data, &st))
	assert.Equal(t, daemon.StateIdle, st.State)

	status.set(daemon.Status{State: daemon.StateError, Degraded: true, LastError: "remote unavailable"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		var msg Message
		require.NoError(t, wsjson.Read(ctx, conn, &msg))
		if msg.Type != MessageTypeSyncStatus {
			continue
		}
		require.NoError(t, json.Unmarshal(msg.Data, &st))
		if st.Degraded {
			break
		}
	}
	assert.Equal(t, "remote unavailable", st.LastError)
}

func TestWebSocket_RejectsBadQueries(t *testing.T) {
	_, _, addr := startServer(t, nil)

	for _, q := range []string{
		"",
		"collection=widgets",
		"collection=entities&secret=eq:x",
		"collection=entities&limit=-1",
	} {
		resp, err := http.Get("http://" + addr + "/ws?" + q)
		require.NoError(t, err, q)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}
}

func TestHTTPEndpoints(t *testing.T) {
	status := newFakeStatus()
	_, store, addr := startServer(t, status)
	require.NoError(t, store.Upsert(context.Background(), schema.Entities, &schema.Entity{
		ID: "t1", EntityType: schema.EntityTask, Name: "n", UpdatedAt: t0,
	}))

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	_ = resp.Body.Close()
	assert.Equal(t, "ok", health["status"])

	resp, err = http.Get("http://" + addr + "/status")
	require.NoError(t, err)
	var body struct {
		Store db.Stats      `json:"store"`
		Sync  daemon.Status `json:"sync"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	_ = resp.Body.Close()
	assert.Equal(t, 1, body.Store.Records[schema.Entities])
	assert.Equal(t, daemon.StateIdle, body.Sync.State)

	resp, err = http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "go_goroutines")

	resp, err = http.Post("http://"+addr+"/sync", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	status.mu.Lock()
	assert.Equal(t, 1, status.triggers)
	status.mu.Unlock()
}

func TestSync_WithoutDaemon(t *testing.T) {
	_, _, addr := startServer(t, nil)
	resp, err := http.Post("http://"+addr+"/sync", "application/json", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestParseQuery(t *testing.T) {
	values, err := url.ParseQuery("collection=events&startTime=gte:2026-03-01T00:00:00Z&title=standup&order=startTime&desc=true&limit=5")
	require.NoError(t, err)

	q, err := ParseQuery(values)
	require.NoError(t, err)
	assert.Equal(t, schema.Events, q.Collection)
	assert.Equal(t, "startTime", q.OrderBy)
	assert.True(t, q.Desc)
	assert.Equal(t, 5, q.Limit)
	assert.Equal(t, []db.Condition{
		{Field: "startTime", Op: db.OpGte, Value: "2026-03-01T00:00:00Z"},
		{Field: "title", Op: db.OpEq, Value: "standup"},
	}, q.Where)

	_, err = ParseQuery(url.Values{"collection": {"events"}, "desc": {"maybe"}})
	assert.Error(t, err)
}

func TestParseCondition_TimeWithoutOperator(t *testing.T) {
	c := ParseCondition("startTime", "2026-03-01T09:00:00Z")
	assert.Equal(t, db.OpEq, c.Op)
	assert.Equal(t, "2026-03-01T09:00:00Z", c.Value)
}

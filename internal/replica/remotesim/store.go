package remotesim

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/omnii/replica/internal/replica/schema"
)

func (s *Server) appendLocked(ch schema.Change) {
	s.seq++
	s.log = append(s.log, logEntry{seq: s.seq, change: ch})
}

func (s *Server) putLocked(rec schema.Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		// Records are plain structs; marshaling cannot fail.
		panic(err)
	}
	c := rec.Collection()
	s.records[c][rec.Key()] = rec
	s.appendLocked(schema.Change{Collection: c, Op: schema.OpPut, ID: rec.Key(), Data: data})
}

func (s *Server) deleteLocked(c schema.Collection, id string) {
	delete(s.records[c], id)
	s.appendLocked(schema.Change{Collection: c, Op: schema.OpDelete, ID: id})
}

// Put writes a record on the remote side, as another device would.
func (s *Server) Put(rec schema.Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(rec)
	return nil
}

// CreateEntity stores a new entity with a server-assigned id.
func (s *Server) CreateEntity(typ schema.EntityType, name string, now time.Time) (*schema.Entity, error) {
	e := &schema.Entity{ID: uuid.NewString(), EntityType: typ, Name: name, UpdatedAt: now.UTC()}
	if err := s.Put(e); err != nil {
		return nil, err
	}
	return e, nil
}

// Delete removes a record on the remote side.
func (s *Server) Delete(c schema.Collection, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(c, id)
}

// Get returns the remote copy of a record.
func (s *Server) Get(c schema.Collection, id string) (schema.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[c][id]
	return rec, ok
}

// Count returns the number of records in a remote collection.
func (s *Server) Count(c schema.Collection) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[c])
}

// Cursor returns the latest change log sequence.
func (s *Server) Cursor() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// FailNext makes the next n protocol requests fail with status.
func (s *Server) FailNext(n int, status int) {
	s.failStatus.Store(int32(status))
	s.failCount.Store(int32(n))
}

// SetLatency delays every protocol request by d.
func (s *Server) SetLatency(d time.Duration) {
	s.latency.Store(int64(d))
}

// RejectWhen installs a rejection rule for uploads. nil removes it.
func (s *Server) RejectWhen(fn RejectFunc) {
	s.mu.Lock()
	s.reject = fn
	s.mu.Unlock()
}

// OnQuery replaces the default /v1/query handler. nil restores it.
func (s *Server) OnQuery(fn QueryFunc) {
	s.mu.Lock()
	s.query = fn
	s.mu.Unlock()
}

// Stats counts protocol traffic.
type Stats struct {
	Uploads    int64 `json:"uploads"`
	Applied    int64 `json:"applied"`
	Duplicates int64 `json:"duplicates"`
	Polls      int64 `json:"polls"`
	Queries    int64 `json:"queries"`
	Cursor     int64 `json:"cursor"`
}

func (s *Server) Stats() Stats {
	return Stats{
		Uploads:    s.uploads.Load(),
		Applied:    s.applied.Load(),
		Duplicates: s.duplicates.Load(),
		Polls:      s.polls.Load(),
		Queries:    s.queries.Load(),
		Cursor:     s.Cursor(),
	}
}

// SawIdempotencyKey reports whether an upload carried key.
func (s *Server) SawIdempotencyKey(key string) bool {
	_, ok := s.lastIdemKeys.Load(key)
	return ok
}

// Unavailable is a QueryFunc error that answers 503.
var Unavailable = &HTTPError{Status: http.StatusServiceUnavailable, Message: "graph query engine unavailable"}

// Package remotesim is an in-memory stand-in for the remote graph store. It
// implements the ingestion, change-poll and query endpoints of the sync
// protocol and is used by tests, the load test and `replica remote-sim`.
//
// The store keeps a monotonic change log; the poll cursor is the log
// sequence. Uploads are deduplicated on opId, so re-sending an accepted
// record is a no-op that returns the original verdict.
package remotesim

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/omnii/replica/internal/replica/schema"
	"github.com/omnii/replica/internal/replica/wire"
)

// Options configures a Server.
type Options struct {
	// Token is the accepted bearer token. Empty disables authentication.
	Token string
	// PageSize caps changes per poll response. Default 100.
	PageSize int
	Logger   *zap.Logger
}

// QueryFunc answers /v1/query.
type QueryFunc func(category string, scope json.RawMessage) (json.RawMessage, error)

// RejectFunc returns a non-empty reason to reject an uploaded record.
type RejectFunc func(table schema.Collection, op wire.UploadOp) string

type logEntry struct {
	seq    int64
	change schema.Change
}

// Server is safe for concurrent use.
type Server struct {
	token    string
	pageSize int
	logger   *zap.Logger

	mu      sync.Mutex
	records map[schema.Collection]map[string]schema.Record
	log     []logEntry
	seq     int64
	seen    map[string]wire.OpResult
	reject  RejectFunc
	query   QueryFunc

	failCount  atomic.Int32
	failStatus atomic.Int32
	latency    atomic.Int64

	uploads      atomic.Int64
	applied      atomic.Int64
	duplicates   atomic.Int64
	polls        atomic.Int64
	queries      atomic.Int64
	lastIdemKeys sync.Map
}

// New creates an empty remote store.
func New(opts Options) *Server {
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		token:    opts.Token,
		pageSize: pageSize,
		logger:   logger.Named("remotesim"),
		records:  make(map[schema.Collection]map[string]schema.Record),
		seen:     make(map[string]wire.OpResult),
	}
	for _, c := range schema.Collections {
		s.records[c] = make(map[string]schema.Record)
	}
	return s
}

// Handler returns the HTTP API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.logRequests)

	r.Get(wire.PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.injectFaults)
		r.Use(s.authenticate)
		r.Post(wire.PathChanges, s.handleUpload)
		r.Get(wire.PathChanges, s.handlePoll)
		r.Post(wire.PathQuery, s.handleQuery)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("requestID", chimiddleware.GetReqID(r.Context())))
	})
}

func (s *Server) injectFaults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d := time.Duration(s.latency.Load()); d > 0 {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
				return
			}
		}
		for {
			n := s.failCount.Load()
			if n <= 0 {
				break
			}
			if s.failCount.CompareAndSwap(n, n-1) {
				status := int(s.failStatus.Load())
				writeError(w, status, "injected", http.StatusText(status))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token != "" {
			got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if got != s.token {
				writeError(w, http.StatusUnauthorized, "unauthenticated", "invalid or missing bearer token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req wire.UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "malformed upload body: "+err.Error())
		return
	}
	s.uploads.Add(1)
	if key := r.Header.Get(wire.HeaderIdempotencyKey); key != "" {
		s.lastIdemKeys.Store(key, struct{}{})
	}

	tables := make([]string, 0, len(req.Changes))
	for t := range req.Changes {
		tables = append(tables, string(t))
	}
	sort.Strings(tables)

	s.mu.Lock()
	defer s.mu.Unlock()

	resp := wire.UploadResponse{Results: []wire.OpResult{}}
	for _, t := range tables {
		table := schema.Collection(t)
		for _, op := range req.Changes[table] {
			resp.Results = append(resp.Results, s.ingestLocked(table, op))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) ingestLocked(table schema.Collection, op wire.UploadOp) wire.OpResult {
	if _, _, err := schema.ParseWireOpID(op.OpID); err != nil {
		return wire.OpResult{OpID: op.OpID, Status: wire.StatusRejected, Reason: err.Error()}
	}
	if prev, ok := s.seen[op.OpID]; ok {
		s.duplicates.Add(1)
		return prev
	}

	res := s.applyUploadLocked(table, op)
	res.OpID = op.OpID
	// A rejected op may be re-sent once the cause is gone.
	if res.Status == wire.StatusAccepted {
		s.seen[op.OpID] = res
	}
	return res
}

func (s *Server) applyUploadLocked(table schema.Collection, op wire.UploadOp) wire.OpResult {
	if !table.IsValid() {
		return wire.OpResult{Status: wire.StatusRejected, Reason: "unknown table " + string(table)}
	}
	if s.reject != nil {
		if reason := s.reject(table, op); reason != "" {
			return wire.OpResult{Status: wire.StatusRejected, Reason: reason}
		}
	}

	switch op.Type {
	case schema.OpPut:
		rec, err := schema.DecodeRecord(table, op.ID, op.Data)
		if err != nil {
			return wire.OpResult{Status: wire.StatusRejected, Reason: err.Error()}
		}
		if cur, ok := s.records[table][rec.Key()]; ok && cur.Updated().After(rec.Updated()) {
			return wire.OpResult{Status: wire.StatusRejected, Reason: "stale write: remote record is newer"}
		}
		s.putLocked(rec)
	case schema.OpDelete:
		if op.ID == "" {
			return wire.OpResult{Status: wire.StatusRejected, Reason: "missing id"}
		}
		s.deleteLocked(table, op.ID)
	default:
		return wire.OpResult{Status: wire.StatusRejected, Reason: "unknown change type " + string(op.Type)}
	}
	s.applied.Add(1)
	return wire.OpResult{Status: wire.StatusAccepted}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.polls.Add(1)

	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "bad_cursor", "since must be a cursor returned by a previous poll")
			return
		}
		since = v
	}
	limit := s.pageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v < limit {
			limit = v
		}
	}

	s.mu.Lock()
	start := sort.Search(len(s.log), func(i int) bool { return s.log[i].seq > since })
	end := start + limit
	if end > len(s.log) {
		end = len(s.log)
	}
	resp := wire.PollResponse{
		Changes:   make([]schema.Change, 0, end-start),
		Timestamp: strconv.FormatInt(since, 10),
		HasMore:   end < len(s.log),
	}
	for _, e := range s.log[start:end] {
		resp.Changes = append(resp.Changes, e.change)
		resp.Timestamp = strconv.FormatInt(e.seq, 10)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	s.queries.Add(1)
	var req wire.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Category == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "category is required")
		return
	}

	s.mu.Lock()
	fn := s.query
	s.mu.Unlock()
	if fn == nil {
		fn = s.defaultQuery
	}

	data, err := fn(req.Category, req.Scope)
	if err != nil {
		var herr *HTTPError
		if errors.As(err, &herr) {
			writeError(w, herr.Status, "query_failed", herr.Message)
			return
		}
		writeError(w, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, wire.QueryResponse{Data: data})
}

// defaultQuery lists every record of the collection backing category.
// Entity categories (tasks, contacts, concepts) filter by entity type. An
// events scope with RFC 3339 "from" and "to" keeps the overlapping events.
func (s *Server) defaultQuery(category string, scope json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []schema.Record
	switch category {
	case string(schema.Events):
		from, to, ok, err := parseWindow(scope)
		if err != nil {
			return nil, &HTTPError{Status: http.StatusBadRequest, Message: err.Error()}
		}
		var keep func(schema.Record) bool
		if ok {
			keep = func(r schema.Record) bool {
				e, isEvent := r.(*schema.Event)
				return isEvent && e.Overlaps(from, to)
			}
		}
		out = sortedRecords(s.records[schema.Events], keep)
	case string(schema.Relationships):
		out = sortedRecords(s.records[schema.Relationships], nil)
	default:
		typ := schema.EntityType(strings.TrimSuffix(category, "s"))
		out = sortedRecords(s.records[schema.Entities], func(r schema.Record) bool {
			e, ok := r.(*schema.Entity)
			return ok && e.EntityType == typ
		})
	}
	if out == nil {
		out = []schema.Record{}
	}
	return json.Marshal(out)
}

// parseWindow reads {"from": ..., "to": ...} from a query scope. ok is false
// when the scope carries no window.
func parseWindow(scope json.RawMessage) (from, to time.Time, ok bool, err error) {
	if len(scope) == 0 {
		return from, to, false, nil
	}
	var w struct {
		From string `json:"from"`
		To   string `json:"to"`
	}
	if json.Unmarshal(scope, &w) != nil || (w.From == "" && w.To == "") {
		return from, to, false, nil
	}
	if from, err = time.Parse(time.RFC3339, w.From); err != nil {
		return from, to, false, fmt.Errorf("invalid window start %q", w.From)
	}
	if to, err = time.Parse(time.RFC3339, w.To); err != nil {
		return from, to, false, fmt.Errorf("invalid window end %q", w.To)
	}
	return from, to, true, nil
}

func sortedRecords(m map[string]schema.Record, keep func(schema.Record) bool) []schema.Record {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var out []schema.Record
	for _, k := range keys {
		if keep == nil || keep(m[k]) {
			out = append(out, m[k])
		}
	}
	return out
}

// HTTPError lets a QueryFunc choose the response status.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string { return e.Message }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, wire.ErrorBody{Code: code, Message: message})
}

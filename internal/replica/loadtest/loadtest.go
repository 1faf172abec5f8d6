// Package loadtest drives concurrent cache-first reads against a simulated
// remote with configurable latency.
//
// It measures read latency and how well concurrent misses on the same
// (category, scope) collapse into a single remote request. The harness
// runs entirely in-process: a local store in a temp directory, an HTTP
// connector, and a remotesim server behind httptest.
package loadtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/omnii/replica/internal/credentials"
	"github.com/omnii/replica/internal/replica/cache"
	"github.com/omnii/replica/internal/replica/connector"
	"github.com/omnii/replica/internal/replica/db"
	"github.com/omnii/replica/internal/replica/metrics"
	"github.com/omnii/replica/internal/replica/policy"
	"github.com/omnii/replica/internal/replica/remotesim"
	"github.com/omnii/replica/internal/replica/schema"
)

const token = "loadtest"

// Config describes one load test.
type Config struct {
	// Clients is the number of concurrent readers. Default 50.
	Clients int
	// ReadsPerClient is the number of reads each client performs. Default 20.
	ReadsPerClient int
	// Scopes is the number of distinct scope keys per category. Default 4.
	Scopes int
	// Entities seeds the remote. Default 300.
	Entities int
	// RemoteLatency is added to every remote request. Default 20ms;
	// negative disables it.
	RemoteLatency time.Duration
	// Policies defaults to policy.Default().
	Policies *policy.Table
	// Seed makes category and scope choices reproducible.
	Seed int64

	Logger *zap.Logger
}

func (c *Config) fill() {
	if c.Clients <= 0 {
		c.Clients = 50
	}
	if c.ReadsPerClient <= 0 {
		c.ReadsPerClient = 20
	}
	if c.Scopes <= 0 {
		c.Scopes = 4
	}
	if c.Entities <= 0 {
		c.Entities = 300
	}
	if c.RemoteLatency < 0 {
		c.RemoteLatency = 0
	} else if c.RemoteLatency == 0 {
		c.RemoteLatency = 20 * time.Millisecond
	}
	if c.Policies == nil {
		c.Policies = policy.Default()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// LatencyStats captures read latency percentiles.
type LatencyStats struct {
	Min   time.Duration
	Max   time.Duration
	Mean  time.Duration
	P50   time.Duration // Median
	P95   time.Duration
	P99   time.Duration
	Count int
}

// Result summarizes a run.
type Result struct {
	Reads   int
	Errors  int
	Sources map[cache.Source]int
	// RemoteQueries is the number of /v1/query requests the remote served.
	RemoteQueries int64
	// Coalesced counts reads that received a fetched payload without
	// issuing their own remote request.
	Coalesced int
	Latency   LatencyStats
	Elapsed   time.Duration
}

// Harness owns the store, cache and simulated remote of a load test.
type Harness struct {
	Store   *db.DB
	Cache   *cache.Cache
	Remote  *remotesim.Server
	Conn    *connector.HTTPConnector
	Metrics *metrics.Collector

	config Config
	server *httptest.Server
}

// NewHarness creates a harness with its store under dir and seeds the
// remote with config.Entities entities.
func NewHarness(dir string, config Config) (*Harness, error) {
	config.fill()

	store, err := db.Open(filepath.Join(dir, "loadtest.db"), db.Options{Logger: config.Logger})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Readers and the cache writer share the pool.
	store.RawDB().SetMaxOpenConns(config.Clients + 4)
	store.RawDB().SetMaxIdleConns(config.Clients + 4)

	remote := remotesim.New(remotesim.Options{Token: token, Logger: config.Logger})
	now := time.Now().UTC()
	for i, typ := range generateTypes(config.Entities) {
		if _, err := remote.CreateEntity(typ, fmt.Sprintf("%s %d", typ, i), now); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to seed remote: %w", err)
		}
	}
	remote.SetLatency(config.RemoteLatency)
	server := httptest.NewServer(remote.Handler())

	conn, err := connector.NewHTTP(credentials.NewCache(credentials.Static(token, time.Time{}), 0), connector.Options{
		BaseURL: server.URL,
		Logger:  config.Logger,
	})
	if err != nil {
		server.Close()
		_ = store.Close()
		return nil, err
	}

	m := metrics.New()
	return &Harness{
		Store:   store,
		Cache:   cache.New(store, config.Policies, cache.Options{Logger: config.Logger, Metrics: m}),
		Remote:  remote,
		Conn:    conn,
		Metrics: m,
		config:  config,
		server:  server,
	}, nil
}

// Close stops the remote and closes the store.
func (h *Harness) Close() error {
	h.Cache.Wait()
	h.server.Close()
	return h.Store.Close()
}

// Run performs the configured reads concurrently. Individual read errors
// are counted, not returned; Run fails only when ctx ends.
func (h *Harness) Run(ctx context.Context) (*Result, error) {
	categories := make([]policy.Category, 0)
	for _, p := range h.config.Policies.Policies() {
		categories = append(categories, p.Category)
	}
	if len(categories) == 0 {
		return nil, fmt.Errorf("policy table has no categories")
	}

	before := h.Remote.Stats().Queries

	var (
		mu        sync.Mutex
		durations []time.Duration
		sources   = map[cache.Source]int{}
		errs      int
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < h.config.Clients; i++ {
		rng := rand.New(rand.NewSource(h.config.Seed + int64(i)))
		g.Go(func() error {
			local := make([]time.Duration, 0, h.config.ReadsPerClient)
			localSources := map[cache.Source]int{}
			localErrs := 0

			for j := 0; j < h.config.ReadsPerClient; j++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				cat := categories[rng.Intn(len(categories))]
				scope := map[string]int{"page": rng.Intn(h.config.Scopes)}

				t := time.Now()
				res, err := h.Cache.Get(gctx, cat, cache.ScopeKey(cat, scope), func(ctx context.Context) ([]byte, error) {
					return h.Conn.Query(ctx, string(cat), scope)
				})
				local = append(local, time.Since(t))
				if err != nil {
					localErrs++
					continue
				}
				localSources[res.Source]++
			}

			mu.Lock()
			durations = append(durations, local...)
			for s, n := range localSources {
				sources[s] += n
			}
			errs += localErrs
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	h.Cache.Wait()

	r := &Result{
		Reads:         len(durations),
		Errors:        errs,
		Sources:       sources,
		RemoteQueries: h.Remote.Stats().Queries - before,
		Latency:       computeLatencyStats(durations),
		Elapsed:       time.Since(start),
	}
	if extra := int64(sources[cache.SourceFetched]) - r.RemoteQueries; extra > 0 {
		r.Coalesced = int(extra)
	}
	return r, nil
}

// generateTypes cycles entity types over the categories the default
// policy table serves from entities.
func generateTypes(count int) []schema.EntityType {
	types := []schema.EntityType{schema.EntityTask, schema.EntityContact, schema.EntityConcept}
	out := make([]schema.EntityType, count)
	for i := range out {
		out[i] = types[i%len(types)]
	}
	return out
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Mean:  sum / time.Duration(len(sorted)),
		P50:   sorted[len(sorted)*50/100],
		P95:   sorted[len(sorted)*95/100],
		P99:   sorted[len(sorted)*99/100],
		Count: len(sorted),
	}
}

// Print writes a human-readable report.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "Reads:          %d (%d errors) in %v\n", r.Reads, r.Errors, r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Sources:        hit=%d fetched=%d stale=%d\n",
		r.Sources[cache.SourceHit], r.Sources[cache.SourceFetched], r.Sources[cache.SourceStale])
	fmt.Fprintf(w, "Remote queries: %d (coalesced %d)\n", r.RemoteQueries, r.Coalesced)
	fmt.Fprintf(w, "Latency:\n")
	fmt.Fprintf(w, "  Min:          %v\n", r.Latency.Min)
	fmt.Fprintf(w, "  P50 (Median): %v\n", r.Latency.P50)
	fmt.Fprintf(w, "  Mean:         %v\n", r.Latency.Mean)
	fmt.Fprintf(w, "  P95:          %v\n", r.Latency.P95)
	fmt.Fprintf(w, "  P99:          %v\n", r.Latency.P99)
	fmt.Fprintf(w, "  Max:          %v\n", r.Latency.Max)
}

// JSON returns the result as indented JSON, for machine consumption.
func (r *Result) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}

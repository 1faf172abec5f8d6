// Package cache implements the cache-first query layer.
//
// Get serves a cached result for (category, scope key) while it is fresh and
// otherwise calls the caller-supplied fetcher. Concurrent misses for the same
// key share one fetcher invocation. When a fetch fails and an older entry
// exists, the older entry is returned flagged as stale instead of the error.
//
// Example:
//
//	c := cache.New(store, policy.Default(), cache.Options{Logger: logger})
//	res, err := c.Get(ctx, policy.Tasks, cache.ScopeKey("user1"), func(ctx context.Context) ([]byte, error) {
//	    return remote.Query(ctx, "tasks", "user1")
//	})
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/omnii/replica/internal/replica/db"
	"github.com/omnii/replica/internal/replica/metrics"
	"github.com/omnii/replica/internal/replica/policy"
	"github.com/omnii/replica/internal/replica/schema"
	"github.com/omnii/replica/internal/replica/syncerr"
)

// Fetcher performs the remote lookup on a miss. It receives a context bound
// by Options.FetchTimeout that is independent of any single caller.
type Fetcher func(ctx context.Context) ([]byte, error)

// Source tells where a result came from.
type Source string

const (
	SourceHit     Source = "hit"
	SourceFetched Source = "fetched"
	SourceStale   Source = "stale"
)

// Result is a cache-first read.
type Result struct {
	Payload   []byte
	FetchedAt time.Time
	ExpiresAt time.Time
	Version   int64
	Source    Source
	// Stale is set when the payload is past its freshness window or was
	// invalidated.
	Stale bool
	// Err is the fetch failure a stale result stands in for, if any.
	Err error
}

// Options tunes a Cache.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Collector
	Now     func() time.Time
	// FetchTimeout bounds every fetcher call. Default 30s.
	FetchTimeout time.Duration
	// RefreshAhead is the trailing fraction of the TTL in which a smart
	// entry is refreshed in the background on read. Default 0.2.
	RefreshAhead float64
}

// Cache is safe for concurrent use.
type Cache struct {
	store    *db.DB
	policies atomic.Pointer[policy.Table]
	group    singleflight.Group
	logger   *zap.Logger
	metrics  *metrics.Collector
	now      func() time.Time

	fetchTimeout time.Duration
	refreshAhead float64

	refreshes sync.WaitGroup
}

// New creates a cache over store governed by table.
func New(store *db.DB, table *policy.Table, opts Options) *Cache {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ahead := opts.RefreshAhead
	if ahead <= 0 || ahead >= 1 {
		ahead = 0.2
	}

	c := &Cache{
		store:        store,
		logger:       logger.Named("cache"),
		metrics:      opts.Metrics,
		now:          now,
		fetchTimeout: timeout,
		refreshAhead: ahead,
	}
	c.policies.Store(table)
	return c
}

// SetPolicies swaps the policy table. The table must already be validated.
func (c *Cache) SetPolicies(t *policy.Table) {
	c.policies.Store(t)
	c.logger.Info("cache policy table replaced", zap.Int("categories", len(t.Policies())))
}

// Policies returns the active table.
func (c *Cache) Policies() *policy.Table {
	return c.policies.Load()
}

// Get returns the payload for (category, scopeKey), fetching it on a miss.
func (c *Cache) Get(ctx context.Context, category policy.Category, scopeKey string, fetch Fetcher) (*Result, error) {
	p, err := c.policies.Load().Lookup(category)
	if err != nil {
		return nil, err
	}

	gen := c.store.Generation()
	entry, err := c.store.CacheEntry(ctx, string(category), scopeKey)
	if err != nil && !errors.Is(err, syncerr.ErrNotFound) {
		return nil, err
	}

	now := c.now()
	if entry != nil && entry.Fresh(now) {
		if p.Strategy == policy.Smart && c.inRefreshWindow(entry, now, p.TTL) {
			c.refreshAsync(p, scopeKey, fetch, gen)
		}
		c.metrics.CacheRequest(string(category), string(SourceHit))
		return resultFrom(entry, SourceHit, false, nil), nil
	}

	if entry != nil && p.Strategy == policy.Background && p.TTL > 0 {
		c.refreshAsync(p, scopeKey, fetch, gen)
		c.metrics.CacheRequest(string(category), string(SourceStale))
		return resultFrom(entry, SourceStale, true, nil), nil
	}

	res, err := c.fetch(ctx, p, scopeKey, fetch, gen)
	if err == nil {
		c.metrics.CacheRequest(string(category), string(SourceFetched))
		return res, nil
	}

	if entry != nil && !errors.Is(err, syncerr.ErrStaleGeneration) && !syncerr.IsFatal(err) && !errors.Is(ctx.Err(), context.Canceled) {
		c.logger.Warn("fetch failed, serving stale entry",
			zap.String("category", string(category)),
			zap.String("scope", scopeKey),
			zap.Duration("age", entry.Age(now)),
			zap.Error(err))
		c.metrics.CacheRequest(string(category), string(SourceStale))
		return resultFrom(entry, SourceStale, true, err), nil
	}
	c.metrics.CacheRequest(string(category), "error")
	return nil, err
}

func (c *Cache) inRefreshWindow(e *schema.CacheEntry, now time.Time, ttl time.Duration) bool {
	window := time.Duration(float64(ttl) * c.refreshAhead)
	return e.ExpiresAt.Sub(now) <= window
}

// fetch runs fetcher once per (generation, category, scope) no matter how
// many callers ask concurrently. A caller whose ctx ends stops waiting; the
// shared fetch keeps running for the others.
func (c *Cache) fetch(ctx context.Context, p policy.Policy, scopeKey string, fetch Fetcher, gen uint64) (*Result, error) {
	key := fmt.Sprintf("%d\x00%s\x00%s", gen, p.Category, scopeKey)

	ch := c.group.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
		defer cancel()

		start := time.Now()
		payload, err := fetch(fctx)
		c.metrics.CacheFetch(string(p.Category), time.Since(start), false)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, syncerr.Transport("fetch "+string(p.Category), err)
			}
			return nil, err
		}

		now := c.now()
		entry := &schema.CacheEntry{
			Category:  string(p.Category),
			ScopeKey:  scopeKey,
			Payload:   payload,
			FetchedAt: now,
			ExpiresAt: now.Add(p.TTL),
		}
		err = c.store.UpdateAt(fctx, gen, func(tx *db.Tx) error {
			return tx.PutCacheEntry(fctx, entry)
		})
		switch {
		case err == nil:
		case errors.Is(err, syncerr.ErrStaleGeneration), syncerr.IsFatal(err):
			return nil, err
		default:
			// The payload is still good; only caching it failed.
			c.logger.Warn("failed to store cache entry",
				zap.String("category", string(p.Category)), zap.String("scope", scopeKey), zap.Error(err))
		}
		return resultFrom(entry, SourceFetched, false, nil), nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		if r.Shared {
			c.metrics.CacheFetch(string(p.Category), 0, true)
		}
		res := *r.Val.(*Result)
		return &res, nil
	case <-ctx.Done():
		// A caller deadline is a slow remote as far as the caller can tell.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, syncerr.Transport("fetch "+string(p.Category), ctx.Err())
		}
		return nil, ctx.Err()
	}
}

func (c *Cache) refreshAsync(p policy.Policy, scopeKey string, fetch Fetcher, gen uint64) {
	c.refreshes.Add(1)
	go func() {
		defer c.refreshes.Done()
		if _, err := c.fetch(context.Background(), p, scopeKey, fetch, gen); err != nil {
			c.logger.Debug("background refresh failed",
				zap.String("category", string(p.Category)), zap.String("scope", scopeKey), zap.Error(err))
		}
	}()
}

// Wait blocks until background refreshes started so far have finished.
func (c *Cache) Wait() {
	c.refreshes.Wait()
}

// Invalidate marks entries stale; they are refetched on the next read but
// still serve as a fallback. An empty scopeKey invalidates the category.
func (c *Cache) Invalidate(ctx context.Context, category policy.Category, scopeKey string) (int64, error) {
	var n int64
	err := c.store.Update(ctx, func(tx *db.Tx) error {
		var err error
		n, err = tx.MarkCacheStale(ctx, string(category), scopeKey)
		return err
	})
	return n, err
}

// Purge deletes the entries of category, or every entry when category is
// empty.
func (c *Cache) Purge(ctx context.Context, category policy.Category) (int64, error) {
	var n int64
	err := c.store.Update(ctx, func(tx *db.Tx) error {
		var err error
		n, err = tx.DeleteCacheEntries(ctx, string(category))
		return err
	})
	return n, err
}

// InvalidateCollections marks every eager category linked to one of the
// collections stale. The reconciliation loop calls it after applying remote
// changes.
func (c *Cache) InvalidateCollections(ctx context.Context, collections []schema.Collection) ([]policy.Category, error) {
	table := c.policies.Load()
	seen := map[policy.Category]bool{}
	var categories []policy.Category
	for _, col := range collections {
		for _, cat := range table.Linked(col, policy.Eager) {
			if !seen[cat] {
				seen[cat] = true
				categories = append(categories, cat)
			}
		}
	}
	if len(categories) == 0 {
		return nil, nil
	}

	err := c.store.Update(ctx, func(tx *db.Tx) error {
		for _, cat := range categories {
			if _, err := tx.MarkCacheStale(ctx, string(cat), ""); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return categories, nil
}

func resultFrom(e *schema.CacheEntry, src Source, stale bool, err error) *Result {
	return &Result{
		Payload:   e.Payload,
		FetchedAt: e.FetchedAt,
		ExpiresAt: e.ExpiresAt,
		Version:   e.Version,
		Source:    src,
		Stale:     stale,
		Err:       err,
	}
}

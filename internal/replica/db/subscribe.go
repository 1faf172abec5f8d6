package db

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/omnii/replica/internal/replica/schema"
	"github.com/omnii/replica/internal/replica/syncerr"
)

// Subscription is a live query. Updates delivers the initial result set and
// then the new result set whenever a committed write changes it. Bursts of
// writes are coalesced: a slow reader only ever sees the latest result.
type Subscription struct {
	db     *DB
	query  Query
	ch     chan []schema.Record
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
	digest []byte
}

// Subscribe registers a live query. The subscription ends when ctx is
// cancelled, Close is called or the store is closed; Updates is closed then.
func (db *DB) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	if db.closed.Load() {
		return nil, syncerr.ErrClosed
	}
	if _, _, _, err := q.build(); err != nil {
		return nil, err
	}

	sub := &Subscription{
		db:     db,
		query:  q,
		ch:     make(chan []schema.Record, 1),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	// Registered before the initial read: a write committed in between
	// signals the subscription instead of being missed.
	db.subMu.Lock()
	db.subs[sub] = struct{}{}
	db.subMu.Unlock()
	if testHookSubscribed != nil {
		testHookSubscribed()
	}

	initial, err := db.Query(ctx, q)
	if err != nil {
		sub.Close()
		return nil, err
	}
	sub.digest = digest(initial)
	sub.ch <- initial

	go sub.run(ctx)
	return sub, nil
}

// testHookSubscribed runs between registering a subscription and its
// initial read.
var testHookSubscribed func()

// Updates returns the result channel.
func (s *Subscription) Updates() <-chan []schema.Record {
	return s.ch
}

// Query returns the subscribed query.
func (s *Subscription) Query() Query {
	return s.query
}

// Close ends the subscription.
func (s *Subscription) Close() {
	s.db.subMu.Lock()
	delete(s.db.subs, s)
	s.closeLocked()
	s.db.subMu.Unlock()
}

func (s *Subscription) closeLocked() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.ch)
	defer s.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.signal:
		}

		results, err := s.db.Query(ctx, s.query)
		if err != nil {
			if ctx.Err() == nil && !s.db.closed.Load() {
				s.db.logger.Warn("subscription refresh failed",
					zap.String("collection", string(s.query.Collection)), zap.Error(err))
			}
			continue
		}

		d := digest(results)
		if bytes.Equal(d, s.digest) {
			continue
		}
		s.digest = d

		// Replace an undelivered result with the newer one.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- results:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// notify wakes every subscription whose collection was written.
func (db *DB) notify(touched map[schema.Collection]struct{}) {
	if len(touched) == 0 {
		return
	}
	db.subMu.Lock()
	defer db.subMu.Unlock()
	for sub := range db.subs {
		if _, ok := touched[sub.query.Collection]; !ok {
			continue
		}
		select {
		case sub.signal <- struct{}{}:
		default:
		}
	}
}

func digest(records []schema.Record) []byte {
	data, err := json.Marshal(records)
	if err != nil {
		return nil
	}
	sum := sha256.Sum256(data)
	return sum[:]
}

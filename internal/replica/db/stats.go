package db

import (
	"context"
	"os"

	"github.com/omnii/replica/internal/replica/schema"
	"github.com/omnii/replica/internal/replica/syncerr"
)

// Stats summarizes the store contents.
type Stats struct {
	Path         string                     `json:"path"`
	SizeBytes    int64                      `json:"sizeBytes"`
	Generation   uint64                     `json:"generation"`
	Records      map[schema.Collection]int  `json:"records"`
	Outbox       map[schema.OutboxState]int `json:"outbox"`
	CacheEntries int                        `json:"cacheEntries"`
	Checkpoint   string                     `json:"checkpoint"`
}

// Stats returns record counts, outbox depth per state and cache size.
func (db *DB) Stats(ctx context.Context) (*Stats, error) {
	if db.closed.Load() {
		return nil, syncerr.ErrClosed
	}

	st := &Stats{
		Path:       db.path,
		Generation: db.Generation(),
		Records:    make(map[schema.Collection]int, len(schema.Collections)),
	}
	if info, err := os.Stat(db.path); err == nil {
		st.SizeBytes = info.Size()
	}

	for _, c := range schema.Collections {
		t, _ := tableFor(c)
		var n int
		if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.name).Scan(&n); err != nil {
			return nil, classify("count "+t.name, err)
		}
		st.Records[c] = n
	}

	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_entries").Scan(&st.CacheEntries); err != nil {
		return nil, classify("count cache entries", err)
	}

	outbox, err := db.OutboxCounts(ctx)
	if err != nil {
		return nil, err
	}
	st.Outbox = outbox

	cp, err := db.Checkpoint(ctx)
	if err != nil {
		return nil, err
	}
	st.Checkpoint = cp
	return st, nil
}

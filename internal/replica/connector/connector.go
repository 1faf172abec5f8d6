// Package connector talks to the remote graph store on behalf of the
// reconciliation loop.
package connector

import (
	"context"
	"slices"

	"github.com/omnii/replica/internal/credentials"
	"github.com/omnii/replica/internal/replica/outbox"
	"github.com/omnii/replica/internal/replica/wire"
)

// Connector is the remote side of a sync cycle.
//
// Every method returns an error classifiable with the syncerr sentinels:
// ErrUnauthenticated when no valid session exists or the remote refused the
// session, ErrTransport for network failures and retryable statuses. Other
// non-2xx answers come back as *syncerr.HTTPError.
type Connector interface {
	// FetchCredentials returns the current session without contacting the
	// remote store.
	//
	// Returns an error matching syncerr.ErrUnauthenticated when nobody is
	// signed in.
	FetchCredentials(ctx context.Context) (*credentials.Session, error)

	// UploadBatch sends the records of batch, grouped by collection, and
	// returns the remote verdict per op id.
	//
	// origin is the store's db.Origin. The remote deduplicates on
	// {origin}:{opID}, so sending the same
	// batch twice is harmless. A record the remote answered nothing for is
	// reported as rejected.
	//
	// Example:
	//
	//	res, err := conn.UploadBatch(ctx, origin, batch)
	//	if err != nil {
	//	    return ob.Requeue(ctx, batch.OpIDs())
	//	}
	//	ob.Acknowledge(ctx, res.Accepted)
	UploadBatch(ctx context.Context, origin string, batch *outbox.Batch) (UploadResult, error)

	// PollChanges returns the remote changes after cursor since, at most
	// limit of them. An empty cursor starts from the beginning.
	PollChanges(ctx context.Context, since string, limit int) (*wire.PollResponse, error)

	// Invalidate drops any cached credentials (logout).
	Invalidate()
}

// UploadResult splits a batch by verdict.
type UploadResult struct {
	Accepted []int64
	// Rejected maps op id to the remote's reason.
	Rejected map[int64]string
}

// RejectedIDs returns the rejected op ids in ascending order.
func (r UploadResult) RejectedIDs() []int64 {
	ids := make([]int64, 0, len(r.Rejected))
	for id := range r.Rejected {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

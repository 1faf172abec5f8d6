// Package wire defines the JSON bodies exchanged with the remote store.
//
// Ingestion (POST /v1/changes, header Idempotency-Key):
//
//	{"changes": {"entities": [{"type": "PUT", "id": "e1", "opId": "dev:7", "data": {...}}]}}
//
// answered with one result per record:
//
//	{"results": [{"opId": "dev:7", "status": "accepted"}]}
//
// Change poll (GET /v1/changes?since=<cursor>&limit=<n>):
//
//	{"changes": [{"table": "entities", "type": "PUT", "id": "e1", "data": {...}}], "timestamp": "42", "hasMore": false}
package wire

import (
	"encoding/json"

	"github.com/omnii/replica/internal/replica/schema"
)

const (
	PathChanges = "/v1/changes"
	PathQuery   = "/v1/query"
	PathHealth  = "/health"

	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderDeviceID       = "X-Device-ID"
)

// UploadOp is one outbox record on the wire.
type UploadOp struct {
	Type schema.ChangeOp `json:"type"`
	ID   string          `json:"id"`
	OpID string          `json:"opId"`
	Data json.RawMessage `json:"data,omitempty"`
}

// UploadRequest groups records by table.
type UploadRequest struct {
	Changes map[schema.Collection][]UploadOp `json:"changes"`
}

// OpStatus is the remote verdict on one record.
type OpStatus string

const (
	StatusAccepted OpStatus = "accepted"
	StatusRejected OpStatus = "rejected"
)

type OpResult struct {
	OpID   string   `json:"opId"`
	Status OpStatus `json:"status"`
	Reason string   `json:"reason,omitempty"`
}

type UploadResponse struct {
	Results []OpResult `json:"results"`
}

// PollResponse is one page of remote changes. Timestamp is the cursor to
// send as since on the next poll.
type PollResponse struct {
	Changes   []schema.Change `json:"changes"`
	Timestamp string          `json:"timestamp"`
	HasMore   bool            `json:"hasMore"`
}

// QueryRequest asks the remote graph for the records of a category scope.
type QueryRequest struct {
	Category string          `json:"category"`
	Scope    json.RawMessage `json:"scope,omitempty"`
}

// QueryResponse carries the opaque query result.
type QueryResponse struct {
	Data json.RawMessage `json:"data"`
}

// ErrorBody is the JSON error envelope of non-2xx responses.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

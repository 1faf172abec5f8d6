// Package syncerr defines the error taxonomy shared by the replica packages.
//
// Every error produced by the store, cache, outbox, connector and
// reconciliation loop can be classified with errors.Is against one of the
// sentinels below:
//
//	if errors.Is(err, syncerr.ErrUnauthenticated) {
//	    // prompt the user to sign in again
//	}
package syncerr

import (
	"errors"
	"fmt"
)

var (
	// ErrSchemaViolation is returned when a local write targets an unknown
	// collection or carries a malformed record. The store is left unchanged.
	ErrSchemaViolation = errors.New("schema violation")

	// ErrUnauthenticated is returned when no valid session exists. It is
	// never retried internally.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrTransport is returned for network failures, timeouts and
	// retryable remote statuses. Outbox records stay pending.
	ErrTransport = errors.New("transport failure")

	// ErrSyncDegraded marks a reconciliation loop that exhausted its retry
	// budget. It is reported through status, not returned to readers.
	ErrSyncDegraded = errors.New("sync degraded")

	// ErrCorruption is returned when the local database cannot be read.
	ErrCorruption = errors.New("local store corrupted")

	// ErrStaleGeneration is returned when a write was prepared against a
	// store that has been reset since.
	ErrStaleGeneration = errors.New("store was reset")

	// ErrClosed is returned by operations on a closed component.
	ErrClosed = errors.New("closed")

	// ErrUnknownCategory is returned for a data category with no policy.
	ErrUnknownCategory = errors.New("unknown data category")

	// ErrInvalidPolicy is returned when a cache policy table fails
	// validation at load time.
	ErrInvalidPolicy = errors.New("invalid cache policy")

	// ErrNotFound is returned when a record lookup finds nothing.
	ErrNotFound = errors.New("not found")
)

// SchemaError describes a rejected record.
type SchemaError struct {
	Collection string
	Field      string
	Reason     string
}

func (e *SchemaError) Error() string {
	switch {
	case e.Field != "" && e.Collection != "":
		return fmt.Sprintf("schema violation in %s.%s: %s", e.Collection, e.Field, e.Reason)
	case e.Collection != "":
		return fmt.Sprintf("schema violation in %s: %s", e.Collection, e.Reason)
	default:
		return fmt.Sprintf("schema violation: %s", e.Reason)
	}
}

func (e *SchemaError) Is(target error) bool {
	return target == ErrSchemaViolation
}

// Schema builds a SchemaError.
func Schema(collection, field, reason string) error {
	return &SchemaError{Collection: collection, Field: field, Reason: reason}
}

// HTTPError is a non-2xx response from the remote store.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

// Is maps auth statuses to ErrUnauthenticated and retryable statuses to
// ErrTransport.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrUnauthenticated:
		return e.StatusCode == 401 || e.StatusCode == 403
	case ErrTransport:
		return e.StatusCode == 408 || e.StatusCode == 429 || e.StatusCode >= 500
	}
	return false
}

// Transport wraps err so that it classifies as ErrTransport.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransport) {
		return err
	}
	return &wrapped{kind: ErrTransport, op: op, cause: err}
}

// Corruption wraps err so that it classifies as ErrCorruption.
func Corruption(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCorruption) {
		return err
	}
	return &wrapped{kind: ErrCorruption, op: op, cause: err}
}

type wrapped struct {
	kind  error
	op    string
	cause error
}

func (w *wrapped) Error() string {
	return fmt.Sprintf("%s: %v: %v", w.op, w.kind, w.cause)
}

func (w *wrapped) Unwrap() []error {
	return []error{w.kind, w.cause}
}

// IsRetryable returns true if the error is transient and the operation may
// succeed on a later attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthenticated) {
		return false
	}
	return errors.Is(err, ErrTransport)
}

// IsFatal returns true for errors that indicate a programming or
// storage-integrity bug and must propagate to the caller.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrSchemaViolation) || errors.Is(err, ErrCorruption)
}

// IsAuth returns true if the user must re-authenticate.
func IsAuth(err error) bool {
	return err != nil && errors.Is(err, ErrUnauthenticated)
}

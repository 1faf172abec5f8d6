// Package schema provides the replicated data model: entities, events and
// relationships mirrored from the remote graph, plus the bookkeeping types
// (cache entries, outbox records, changes) the local store persists.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/omnii/replica/internal/replica/syncerr"
)

// Collection names a replicated table.
type Collection string

const (
	Entities      Collection = "entities"
	Events        Collection = "events"
	Relationships Collection = "relationships"
)

// Collections lists every replicated collection in canonical order.
var Collections = []Collection{Entities, Events, Relationships}

// IsValid reports whether c is a known collection.
func (c Collection) IsValid() bool {
	switch c {
	case Entities, Events, Relationships:
		return true
	}
	return false
}

// Record is a row of a replicated collection.
type Record interface {
	Collection() Collection
	// Key is the primary key of the record within its collection.
	Key() string
	Validate() error
	Updated() time.Time
	SetUpdated(t time.Time)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validateStruct runs tag validation and converts the first failure into a
// SchemaError for collection c.
func validateStruct(c Collection, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return syncerr.Schema(string(c), fe.Field(), fmt.Sprintf("failed %q check", fe.Tag()))
	}
	return syncerr.Schema(string(c), "", err.Error())
}

// DecodeRecord parses data as a record of collection c. When id is non-empty
// it must match the decoded record's key.
func DecodeRecord(c Collection, id string, data json.RawMessage) (Record, error) {
	var rec Record
	switch c {
	case Entities:
		rec = &Entity{}
	case Events:
		rec = &Event{}
	case Relationships:
		rec = &Relationship{}
	default:
		return nil, syncerr.Schema(string(c), "", "unknown collection")
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, syncerr.Schema(string(c), "", "missing record data")
	}
	if err := json.Unmarshal(trimmed, rec); err != nil {
		return nil, syncerr.Schema(string(c), "", fmt.Sprintf("malformed record: %v", err))
	}
	if id != "" && rec.Key() != id {
		return nil, syncerr.Schema(string(c), "id", fmt.Sprintf("record key %q does not match id %q", rec.Key(), id))
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

// Encode marshals a record for storage in the outbox or on the wire.
func Encode(rec Record) (json.RawMessage, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s %s: %w", rec.Collection(), rec.Key(), err)
	}
	return data, nil
}

func requireTime(c Collection, field string, t time.Time) error {
	if t.IsZero() {
		return syncerr.Schema(string(c), field, "is required")
	}
	return nil
}

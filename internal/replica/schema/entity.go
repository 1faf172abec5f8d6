package schema

import (
	"encoding/json"
	"time"

	"github.com/omnii/replica/internal/replica/syncerr"
)

// EntityType classifies a graph node.
type EntityType string

const (
	EntityTask    EntityType = "task"
	EntityContact EntityType = "contact"
	EntityConcept EntityType = "concept"
	EntityEvent   EntityType = "event"
	EntityGeneric EntityType = "generic"
)

// Entity is a replica of a remote graph node. Local copies are never
// authoritative; the remote UpdatedAt wins on conflict.
type Entity struct {
	ID         string          `json:"id" validate:"required,max=256"`
	EntityType EntityType      `json:"entityType" validate:"required,oneof=task contact concept event generic"`
	Name       string          `json:"name" validate:"max=1000"`
	Properties json.RawMessage `json:"properties,omitempty"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

func (e *Entity) Collection() Collection { return Entities }
func (e *Entity) Key() string            { return e.ID }
func (e *Entity) Updated() time.Time     { return e.UpdatedAt }
func (e *Entity) SetUpdated(t time.Time) { e.UpdatedAt = t }

// Validate checks field constraints. Properties, when present, must be a
// JSON object; its schema is category specific and not inspected further.
func (e *Entity) Validate() error {
	if err := validateStruct(Entities, e); err != nil {
		return err
	}
	if len(e.Properties) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(e.Properties, &obj); err != nil {
			return syncerr.Schema(string(Entities), "properties", "must be a JSON object")
		}
	}
	return requireTime(Entities, "updatedAt", e.UpdatedAt)
}

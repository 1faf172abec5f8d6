package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/omnii/replica/internal/replica/syncerr"
)

const keySeparator = "--"

// Relationship is a directed edge replica. Its key follows the convention
// {from}--{type}--{to}. Endpoints may reference entities that have not been
// synced yet; dangling edges are tolerated during partial sync.
type Relationship struct {
	FromEntityID     string    `json:"fromEntityId" validate:"required,max=256"`
	ToEntityID       string    `json:"toEntityId" validate:"required,max=256"`
	RelationshipType string    `json:"relationshipType" validate:"required,max=50"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

func (r *Relationship) Collection() Collection { return Relationships }
func (r *Relationship) Updated() time.Time     { return r.UpdatedAt }
func (r *Relationship) SetUpdated(t time.Time) { r.UpdatedAt = t }

// Key returns {from}--{type}--{to}.
func (r *Relationship) Key() string {
	return RelationshipKey(r.FromEntityID, r.RelationshipType, r.ToEntityID)
}

// Validate checks field constraints. No component may contain the key
// separator.
func (r *Relationship) Validate() error {
	if err := validateStruct(Relationships, r); err != nil {
		return err
	}
	for field, v := range map[string]string{
		"fromEntityId":     r.FromEntityID,
		"toEntityId":       r.ToEntityID,
		"relationshipType": r.RelationshipType,
	} {
		if strings.Contains(v, keySeparator) {
			return syncerr.Schema(string(Relationships), field, fmt.Sprintf("must not contain %q", keySeparator))
		}
	}
	return requireTime(Relationships, "updatedAt", r.UpdatedAt)
}

// RelationshipKey builds the key of an edge.
func RelationshipKey(from, typ, to string) string {
	return from + keySeparator + typ + keySeparator + to
}

// ParseRelationshipKey splits a key into (from, type, to).
func ParseRelationshipKey(key string) (string, string, string, error) {
	parts := strings.Split(key, keySeparator)
	if len(parts) != 3 {
		return "", "", "", syncerr.Schema(string(Relationships), "id",
			fmt.Sprintf("invalid key format: expected {from}--{type}--{to}, got %s", key))
	}
	if parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", syncerr.Schema(string(Relationships), "id", "from, type, and to cannot be empty")
	}
	return parts[0], parts[1], parts[2], nil
}

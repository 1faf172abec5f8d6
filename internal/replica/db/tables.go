package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/omnii/replica/internal/replica/schema"
)

// fieldKind decides how condition values are bound.
type fieldKind int

const (
	kindText fieldKind = iota
	kindTime
)

type column struct {
	name string
	kind fieldKind
}

// table maps a collection onto its SQL table. columns is the query
// whitelist, keyed by the record's JSON field name.
type table struct {
	name       string
	columns    map[string]column
	selectCols string
	upsert     string
	args       func(schema.Record) ([]any, error)
	scan       func(rowScanner) (schema.Record, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

var tables = map[schema.Collection]*table{
	schema.Entities: {
		name: "entities",
		columns: map[string]column{
			"id":         {"id", kindText},
			"entityType": {"entity_type", kindText},
			"name":       {"name", kindText},
			"updatedAt":  {"updated_at", kindTime},
		},
		selectCols: "id, entity_type, name, properties, updated_at",
		upsert: `
		INSERT INTO entities (id, entity_type, name, properties, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entity_type = excluded.entity_type,
			name = excluded.name,
			properties = excluded.properties,
			updated_at = excluded.updated_at
		`,
		args: func(r schema.Record) ([]any, error) {
			e := r.(*schema.Entity)
			var props sql.NullString
			if len(e.Properties) > 0 {
				props = sql.NullString{String: string(e.Properties), Valid: true}
			}
			return []any{e.ID, string(e.EntityType), e.Name, props, toMillis(e.UpdatedAt)}, nil
		},
		scan: func(s rowScanner) (schema.Record, error) {
			var (
				e         schema.Entity
				typ       string
				props     sql.NullString
				updatedAt int64
			)
			if err := s.Scan(&e.ID, &typ, &e.Name, &props, &updatedAt); err != nil {
				return nil, err
			}
			e.EntityType = schema.EntityType(typ)
			if props.Valid {
				e.Properties = json.RawMessage(props.String)
			}
			e.UpdatedAt = fromMillis(updatedAt)
			return &e, nil
		},
	},
	schema.Events: {
		name: "events",
		columns: map[string]column{
			"id":        {"id", kindText},
			"title":     {"title", kindText},
			"startTime": {"start_time", kindTime},
			"endTime":   {"end_time", kindTime},
			"location":  {"location", kindText},
			"updatedAt": {"updated_at", kindTime},
		},
		selectCols: "id, title, start_time, end_time, attendees, location, updated_at",
		upsert: `
		INSERT INTO events (id, title, start_time, end_time, attendees, location, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			attendees = excluded.attendees,
			location = excluded.location,
			updated_at = excluded.updated_at
		`,
		args: func(r schema.Record) ([]any, error) {
			e := r.(*schema.Event)
			attendees, err := json.Marshal(e.Attendees)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal attendees: %w", err)
			}
			var location sql.NullString
			if e.Location != nil {
				location = sql.NullString{String: *e.Location, Valid: true}
			}
			return []any{e.ID, e.Title, toMillis(e.StartTime), toMillis(e.EndTime),
				string(attendees), location, toMillis(e.UpdatedAt)}, nil
		},
		scan: func(s rowScanner) (schema.Record, error) {
			var (
				e                     schema.Event
				start, end, updatedAt int64
				attendees, location   sql.NullString
			)
			if err := s.Scan(&e.ID, &e.Title, &start, &end, &attendees, &location, &updatedAt); err != nil {
				return nil, err
			}
			e.StartTime = fromMillis(start)
			e.EndTime = fromMillis(end)
			e.UpdatedAt = fromMillis(updatedAt)
			if attendees.Valid && attendees.String != "" && attendees.String != "null" {
				if err := json.Unmarshal([]byte(attendees.String), &e.Attendees); err != nil {
					return nil, fmt.Errorf("failed to parse attendees of %s: %w", e.ID, err)
				}
			}
			if location.Valid {
				loc := location.String
				e.Location = &loc
			}
			return &e, nil
		},
	},
	schema.Relationships: {
		name: "relationships",
		columns: map[string]column{
			"id":               {"id", kindText},
			"fromEntityId":     {"from_entity_id", kindText},
			"toEntityId":       {"to_entity_id", kindText},
			"relationshipType": {"relationship_type", kindText},
			"updatedAt":        {"updated_at", kindTime},
		},
		selectCols: "from_entity_id, to_entity_id, relationship_type, updated_at",
		upsert: `
		INSERT INTO relationships (id, from_entity_id, to_entity_id, relationship_type, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			updated_at = excluded.updated_at
		`,
		args: func(r schema.Record) ([]any, error) {
			rel := r.(*schema.Relationship)
			return []any{rel.Key(), rel.FromEntityID, rel.ToEntityID, rel.RelationshipType, toMillis(rel.UpdatedAt)}, nil
		},
		scan: func(s rowScanner) (schema.Record, error) {
			var (
				r         schema.Relationship
				updatedAt int64
			)
			if err := s.Scan(&r.FromEntityID, &r.ToEntityID, &r.RelationshipType, &updatedAt); err != nil {
				return nil, err
			}
			r.UpdatedAt = fromMillis(updatedAt)
			return &r, nil
		},
	},
}

func tableFor(c schema.Collection) (*table, bool) {
	t, ok := tables[c]
	return t, ok
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

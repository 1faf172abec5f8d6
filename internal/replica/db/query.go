package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/omnii/replica/internal/replica/schema"
	"github.com/omnii/replica/internal/replica/syncerr"
)

// Op is a comparison operator of a Condition.
type Op string

const (
	OpEq     Op = "eq"
	OpNe     Op = "ne"
	OpLt     Op = "lt"
	OpLte    Op = "lte"
	OpGt     Op = "gt"
	OpGte    Op = "gte"
	OpPrefix Op = "prefix"
)

var opSQL = map[Op]string{
	OpEq:  "=",
	OpNe:  "!=",
	OpLt:  "<",
	OpLte: "<=",
	OpGt:  ">",
	OpGte: ">=",
}

// Condition is one predicate term. Field is the record's JSON field name;
// only whitelisted fields are queryable. Conditions are ANDed.
type Condition struct {
	Field string `json:"field"`
	Op    Op     `json:"op"`
	Value any    `json:"value"`
}

// Query selects records from one collection.
type Query struct {
	Collection schema.Collection `json:"collection"`
	Where      []Condition       `json:"where,omitempty"`
	OrderBy    string            `json:"orderBy,omitempty"`
	Desc       bool              `json:"desc,omitempty"`
	Limit      int               `json:"limit,omitempty"`
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// build renders q as SQL. Unknown collections and fields are schema
// violations.
func (q Query) build() (*table, string, []any, error) {
	t, ok := tableFor(q.Collection)
	if !ok {
		return nil, "", nil, syncerr.Schema(string(q.Collection), "", "unknown collection")
	}

	var (
		sb   strings.Builder
		args []any
	)
	fmt.Fprintf(&sb, "SELECT %s FROM %s", t.selectCols, t.name)

	for i, cond := range q.Where {
		col, ok := t.columns[cond.Field]
		if !ok {
			return nil, "", nil, syncerr.Schema(string(q.Collection), cond.Field, "field is not queryable")
		}
		if i == 0 {
			sb.WriteString(" WHERE ")
		} else {
			sb.WriteString(" AND ")
		}

		value, err := bindValue(col, cond.Value)
		if err != nil {
			return nil, "", nil, syncerr.Schema(string(q.Collection), cond.Field, err.Error())
		}

		switch cond.Op {
		case OpPrefix:
			s, ok := value.(string)
			if !ok || col.kind != kindText {
				return nil, "", nil, syncerr.Schema(string(q.Collection), cond.Field, "prefix requires a text field")
			}
			fmt.Fprintf(&sb, "substr(%s, 1, ?) = ?", col.name)
			args = append(args, len(s), s)
		default:
			sqlOp, ok := opSQL[cond.Op]
			if !ok {
				return nil, "", nil, syncerr.Schema(string(q.Collection), cond.Field, fmt.Sprintf("unknown operator %q", cond.Op))
			}
			fmt.Fprintf(&sb, "%s %s ?", col.name, sqlOp)
			args = append(args, value)
		}
	}

	orderCol := "id"
	if q.OrderBy != "" {
		col, ok := t.columns[q.OrderBy]
		if !ok {
			return nil, "", nil, syncerr.Schema(string(q.Collection), q.OrderBy, "field is not sortable")
		}
		orderCol = col.name
	}
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	// id breaks ties so that result order is deterministic.
	fmt.Fprintf(&sb, " ORDER BY %s %s", orderCol, dir)
	if orderCol != "id" {
		sb.WriteString(", id ASC")
	}

	if q.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}
	return t, sb.String(), args, nil
}

func bindValue(col column, v any) (any, error) {
	if col.kind == kindTime {
		switch tv := v.(type) {
		case time.Time:
			return toMillis(tv), nil
		case string:
			parsed, err := time.Parse(time.RFC3339, tv)
			if err != nil {
				return nil, fmt.Errorf("expected RFC3339 time: %w", err)
			}
			return toMillis(parsed), nil
		case int64:
			return tv, nil
		case int:
			return int64(tv), nil
		case float64:
			return int64(tv), nil
		default:
			return nil, fmt.Errorf("unsupported time value %T", v)
		}
	}
	switch tv := v.(type) {
	case string:
		return tv, nil
	case fmt.Stringer:
		return tv.String(), nil
	case nil:
		return nil, errors.New("value is required")
	default:
		return fmt.Sprint(tv), nil
	}
}

func runQuery(ctx context.Context, qr querier, q Query) ([]schema.Record, error) {
	t, stmt, args, err := q.build()
	if err != nil {
		return nil, err
	}

	rows, err := qr.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, classify("query "+t.name, err)
	}
	defer rows.Close()

	var out []schema.Record
	for rows.Next() {
		rec, err := t.scan(rows)
		if err != nil {
			return nil, classify("scan "+t.name, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate "+t.name, err)
	}
	return out, nil
}

func getRecord(ctx context.Context, qr querier, c schema.Collection, id string) (schema.Record, error) {
	t, ok := tableFor(c)
	if !ok {
		return nil, syncerr.Schema(string(c), "", "unknown collection")
	}
	row := qr.QueryRowContext(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", t.selectCols, t.name), id)
	rec, err := t.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", c, id, syncerr.ErrNotFound)
	}
	if err != nil {
		return nil, classify("get "+string(c), err)
	}
	return rec, nil
}

// Query runs q against the latest committed state.
func (db *DB) Query(ctx context.Context, q Query) ([]schema.Record, error) {
	if db.closed.Load() {
		return nil, syncerr.ErrClosed
	}
	return runQuery(ctx, db.conn, q)
}

// Get returns one record by key, or an error matching syncerr.ErrNotFound.
func (db *DB) Get(ctx context.Context, c schema.Collection, id string) (schema.Record, error) {
	if db.closed.Load() {
		return nil, syncerr.ErrClosed
	}
	return getRecord(ctx, db.conn, c, id)
}

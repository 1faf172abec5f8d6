package dashboard

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/omnii/replica/internal/replica/db"
	"github.com/omnii/replica/internal/replica/schema"
)

// reserved query parameters; every other parameter is a condition.
const (
	paramCollection = "collection"
	paramOrder      = "order"
	paramDesc       = "desc"
	paramLimit      = "limit"
)

// ParseQuery builds a store query from URL parameters:
//
//	collection=entities&entityType=eq:task&name=prefix:Al&order=name&desc=true&limit=20
//
// A condition value without an operator prefix compares for equality.
// Conditions are sorted by field so that equal URLs build equal queries.
func ParseQuery(values url.Values) (db.Query, error) {
	q := db.Query{Collection: schema.Collection(values.Get(paramCollection))}
	if q.Collection == "" {
		return q, fmt.Errorf("missing %q parameter", paramCollection)
	}
	if !q.Collection.IsValid() {
		return q, fmt.Errorf("unknown collection %q", q.Collection)
	}

	q.OrderBy = values.Get(paramOrder)
	if v := values.Get(paramDesc); v != "" {
		desc, err := strconv.ParseBool(v)
		if err != nil {
			return q, fmt.Errorf("invalid %q parameter: %w", paramDesc, err)
		}
		q.Desc = desc
	}
	if v := values.Get(paramLimit); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return q, fmt.Errorf("invalid %q parameter %q", paramLimit, v)
		}
		q.Limit = n
	}

	fields := make([]string, 0, len(values))
	for field := range values {
		switch field {
		case paramCollection, paramOrder, paramDesc, paramLimit:
			continue
		}
		fields = append(fields, field)
	}
	sort.Strings(fields)

	for _, field := range fields {
		for _, raw := range values[field] {
			q.Where = append(q.Where, ParseCondition(field, raw))
		}
	}
	return q, nil
}

// ParseCondition splits "op:value" into a condition on field. Unknown
// operators are left for the store to reject.
func ParseCondition(field, raw string) db.Condition {
	op, value, ok := strings.Cut(raw, ":")
	if !ok || !isOp(op) {
		return db.Condition{Field: field, Op: db.OpEq, Value: raw}
	}
	return db.Condition{Field: field, Op: db.Op(op), Value: value}
}

func isOp(s string) bool {
	switch db.Op(s) {
	case db.OpEq, db.OpNe, db.OpLt, db.OpLte, db.OpGt, db.OpGte, db.OpPrefix:
		return true
	}
	return false
}

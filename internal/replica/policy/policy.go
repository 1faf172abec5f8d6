// Package policy holds the cache policy table: for every data category, how
// long cached results stay fresh and how they are refreshed.
//
// The table is validated once when it is loaded. Categories with a higher
// write volatility must have strictly shorter TTLs than every category of a
// lower volatility, so a tuned table can never invert the freshness order.
package policy

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/omnii/replica/internal/replica/schema"
	"github.com/omnii/replica/internal/replica/syncerr"
)

// Category names a class of replicated data.
type Category string

const (
	Events        Category = "events"
	Tasks         Category = "tasks"
	Relationships Category = "relationships"
	Contacts      Category = "contacts"
	Concepts      Category = "concepts"
)

// Strategy decides how entries of a category are refreshed.
type Strategy string

const (
	// Eager entries are invalidated as soon as sync applies remote changes
	// to one of the policy's collections.
	Eager Strategy = "eager"
	// Smart entries are refreshed in the background when read during the
	// last part of their TTL.
	Smart Strategy = "smart"
	// Lazy entries are refreshed only when read after expiry.
	Lazy Strategy = "lazy"
	// Background entries are served stale after expiry while a refresh runs.
	Background Strategy = "background"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case Eager, Smart, Lazy, Background:
		return true
	}
	return false
}

// Volatility ranks how often a category changes remotely.
type Volatility string

const (
	High   Volatility = "high"
	Medium Volatility = "medium"
	Low    Volatility = "low"
)

// rank orders volatilities: higher rank means more volatile.
func (v Volatility) rank() int {
	switch v {
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	}
	return 0
}

// Policy is the freshness rule of one category.
type Policy struct {
	Category   Category      `json:"category"`
	TTL        time.Duration `json:"ttl"`
	Strategy   Strategy      `json:"strategy"`
	Volatility Volatility    `json:"volatility"`
	// Collections links the category to replicated collections. Eager
	// entries are invalidated when sync writes to any of them.
	Collections []schema.Collection `json:"collections,omitempty"`
}

// Table is an immutable, validated set of policies.
type Table struct {
	policies map[Category]Policy
}

// New validates policies and builds a Table.
func New(policies ...Policy) (*Table, error) {
	t := &Table{policies: make(map[Category]Policy, len(policies))}
	for _, p := range policies {
		if p.Category == "" {
			return nil, fmt.Errorf("%w: empty category name", syncerr.ErrInvalidPolicy)
		}
		if _, dup := t.policies[p.Category]; dup {
			return nil, fmt.Errorf("%w: duplicate category %q", syncerr.ErrInvalidPolicy, p.Category)
		}
		t.policies[p.Category] = p
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Default returns the built-in table.
func Default() *Table {
	t, err := New(
		Policy{Category: Events, TTL: 5 * time.Minute, Strategy: Eager, Volatility: High,
			Collections: []schema.Collection{schema.Events}},
		Policy{Category: Tasks, TTL: 30 * time.Minute, Strategy: Smart, Volatility: Medium,
			Collections: []schema.Collection{schema.Entities}},
		Policy{Category: Relationships, TTL: 30 * time.Minute, Strategy: Smart, Volatility: Medium,
			Collections: []schema.Collection{schema.Relationships}},
		Policy{Category: Contacts, TTL: 24 * time.Hour, Strategy: Lazy, Volatility: Low,
			Collections: []schema.Collection{schema.Entities}},
		Policy{Category: Concepts, TTL: 24 * time.Hour, Strategy: Background, Volatility: Low,
			Collections: []schema.Collection{schema.Entities}},
	)
	if err != nil {
		panic(fmt.Sprintf("default cache policy table is invalid: %v", err))
	}
	return t
}

// Validate checks every policy and the volatility ordering.
func (t *Table) Validate() error {
	for _, p := range t.policies {
		if p.TTL < 0 {
			return fmt.Errorf("%w: %s has negative ttl %s", syncerr.ErrInvalidPolicy, p.Category, p.TTL)
		}
		if !p.Strategy.Valid() {
			return fmt.Errorf("%w: %s has unknown strategy %q", syncerr.ErrInvalidPolicy, p.Category, p.Strategy)
		}
		if p.Volatility.rank() == 0 {
			return fmt.Errorf("%w: %s has unknown volatility %q", syncerr.ErrInvalidPolicy, p.Category, p.Volatility)
		}
		for _, c := range p.Collections {
			if !c.IsValid() {
				return fmt.Errorf("%w: %s links unknown collection %q", syncerr.ErrInvalidPolicy, p.Category, c)
			}
		}
	}

	for _, hi := range t.policies {
		for _, lo := range t.policies {
			if hi.Volatility.rank() > lo.Volatility.rank() && hi.TTL >= lo.TTL {
				return fmt.Errorf("%w: %s (%s volatility) ttl %s must be shorter than %s (%s volatility) ttl %s",
					syncerr.ErrInvalidPolicy, hi.Category, hi.Volatility, hi.TTL, lo.Category, lo.Volatility, lo.TTL)
			}
		}
	}
	return nil
}

// Lookup returns the policy of category.
func (t *Table) Lookup(category Category) (Policy, error) {
	p, ok := t.policies[category]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", syncerr.ErrUnknownCategory, category)
	}
	return p, nil
}

// TTL returns the freshness window of category.
func (t *Table) TTL(category Category) (time.Duration, error) {
	p, err := t.Lookup(category)
	return p.TTL, err
}

// Policies returns every policy ordered from most to least volatile, then
// by name.
func (t *Table) Policies() []Policy {
	out := make([]Policy, 0, len(t.policies))
	for _, p := range t.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Volatility.rank(), out[j].Volatility.rank()
		if ri != rj {
			return ri > rj
		}
		return out[i].Category < out[j].Category
	})
	return out
}

// Linked returns the categories whose policies reference collection c and
// use strategy s.
func (t *Table) Linked(c schema.Collection, s Strategy) []Category {
	var out []Category
	for _, p := range t.Policies() {
		if p.Strategy != s {
			continue
		}
		for _, pc := range p.Collections {
			if pc == c {
				out = append(out, p.Category)
				break
			}
		}
	}
	return out
}

func (t *Table) String() string {
	var sb strings.Builder
	for _, p := range t.Policies() {
		fmt.Fprintf(&sb, "%s\t%s\t%s\t%s\n", p.Category, p.Volatility, p.TTL, p.Strategy)
	}
	return sb.String()
}

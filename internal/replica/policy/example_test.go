package policy_test

import (
	"fmt"

	"github.com/omnii/replica/internal/replica/policy"
)

func ExampleDefault() {
	for _, p := range policy.Default().Policies() {
		fmt.Println(p.Category, p.TTL, p.Strategy)
	}
	// Output:
	// events 5m0s eager
	// relationships 30m0s smart
	// tasks 30m0s smart
	// concepts 24h0m0s background
	// contacts 24h0m0s lazy
}

func ExampleParse() {
	table, err := policy.Parse([]byte(`
categories:
  - category: events
    ttl: 1m
    strategy: eager
    volatility: high
    collections: [events]
  - category: contacts
    ttl: 12h
    strategy: lazy
    volatility: low
`), policy.FormatYAML)
	if err != nil {
		fmt.Println(err)
		return
	}
	ttl, _ := table.TTL(policy.Events)
	fmt.Println(ttl)
	// Output: 1m0s
}

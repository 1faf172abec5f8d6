package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/omnii/replica/internal/replica/schema"
	"github.com/omnii/replica/internal/replica/syncerr"
)

// Format is a policy file encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// fileTable is the on-disk form of a Table. TTLs are Go duration strings
// ("5m", "24h").
//
//	categories:
//	  - category: events
//	    volatility: high
//	    ttl: 5m
//	    strategy: eager
//	    collections: [events]
type fileTable struct {
	Categories []filePolicy `yaml:"categories" toml:"categories"`
}

type filePolicy struct {
	Category    string   `yaml:"category" toml:"category"`
	TTL         string   `yaml:"ttl" toml:"ttl"`
	Strategy    string   `yaml:"strategy" toml:"strategy"`
	Volatility  string   `yaml:"volatility" toml:"volatility"`
	Collections []string `yaml:"collections" toml:"collections"`
}

// FormatFor picks the encoding from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%w: unsupported policy file extension %q", syncerr.ErrInvalidPolicy, filepath.Ext(path))
	}
}

// Load reads and validates a policy file. An invalid file never yields a
// table.
func Load(path string) (*Table, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	t, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// Parse decodes and validates a policy table.
func Parse(data []byte, format Format) (*Table, error) {
	var ft fileTable
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &ft); err != nil {
			return nil, fmt.Errorf("%w: %v", syncerr.ErrInvalidPolicy, err)
		}
	case FormatTOML:
		if _, err := toml.Decode(string(data), &ft); err != nil {
			return nil, fmt.Errorf("%w: %v", syncerr.ErrInvalidPolicy, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown format %q", syncerr.ErrInvalidPolicy, format)
	}

	if len(ft.Categories) == 0 {
		return nil, fmt.Errorf("%w: no categories defined", syncerr.ErrInvalidPolicy)
	}

	policies := make([]Policy, 0, len(ft.Categories))
	for _, fp := range ft.Categories {
		ttl, err := time.ParseDuration(fp.TTL)
		if err != nil {
			return nil, fmt.Errorf("%w: %s has invalid ttl %q", syncerr.ErrInvalidPolicy, fp.Category, fp.TTL)
		}
		p := Policy{
			Category:   Category(fp.Category),
			TTL:        ttl,
			Strategy:   Strategy(strings.ToLower(fp.Strategy)),
			Volatility: Volatility(strings.ToLower(fp.Volatility)),
		}
		for _, c := range fp.Collections {
			p.Collections = append(p.Collections, schema.Collection(c))
		}
		policies = append(policies, p)
	}
	return New(policies...)
}

// Encode renders t in the file format, for `replica policy dump`.
func Encode(t *Table, format Format) ([]byte, error) {
	var ft fileTable
	for _, p := range t.Policies() {
		fp := filePolicy{
			Category:   string(p.Category),
			TTL:        p.TTL.String(),
			Strategy:   string(p.Strategy),
			Volatility: string(p.Volatility),
		}
		for _, c := range p.Collections {
			fp.Collections = append(fp.Collections, string(c))
		}
		ft.Categories = append(ft.Categories, fp)
	}

	switch format {
	case FormatYAML:
		return yaml.Marshal(ft)
	case FormatTOML:
		var sb strings.Builder
		if err := toml.NewEncoder(&sb).Encode(ft); err != nil {
			return nil, err
		}
		return []byte(sb.String()), nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

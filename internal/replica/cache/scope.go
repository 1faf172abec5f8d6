package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/omnii/replica/internal/replica/policy"
)

// ScopeKey hashes structured scope parameters into a stable key. Map keys
// are marshaled in sorted order, so equal scopes always hash equally.
func ScopeKey(parts ...any) string {
	data, err := json.Marshal(parts)
	if err != nil {
		data = []byte(fmt.Sprint(parts...))
	}
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// GetJSON is Get for JSON-encoded payloads.
func GetJSON[T any](ctx context.Context, c *Cache, category policy.Category, scopeKey string, fetch func(ctx context.Context) (T, error)) (T, *Result, error) {
	var zero T
	res, err := c.Get(ctx, category, scopeKey, func(ctx context.Context) ([]byte, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return zero, nil, err
	}

	var out T
	if err := json.Unmarshal(res.Payload, &out); err != nil {
		return zero, res, fmt.Errorf("failed to decode cached %s payload: %w", category, err)
	}
	return out, res, nil
}

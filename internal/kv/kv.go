// Package kv is the shared string key/value store behind sticky routing,
// async job metadata, and API key revocation tokens.
// It supports both in-memory (single instance) and Redis (distributed) backends.
//
// Key namespaces and their TTLs:
//
//	sticky:{team}:{endpoint}:{model}  5 minutes
//	job:{id}                          14 days
//	job:billed:{id}                   30 days
//	revocation:{keyId}                no expiry
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const (
	StickyTTL    = 5 * time.Minute
	JobTTL       = 14 * 24 * time.Hour
	JobBilledTTL = 30 * 24 * time.Hour
)

func StickyKey(team, endpoint, model string) string {
	return "sticky:" + team + ":" + endpoint + ":" + model
}

func JobKey(id string) string       { return "job:" + id }
func JobBilledKey(id string) string { return "job:billed:" + id }
func RevocationKey(keyID string) string {
	return "revocation:" + keyID
}

// Store is a string-valued cache. A zero ttl means no expiry. Get reports a
// miss with ok=false and a nil error.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// PutIfAbsent stores value only when key is missing and reports whether it did.
	PutIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// GetJSON decodes the value at key into v.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// PutJSON stores v encoded as JSON.
func PutJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Put(ctx, key, string(data), ttl)
}

type ctxKey struct{}

// WithStore attaches s to ctx.
func WithStore(ctx context.Context, s Store) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the store attached to ctx, or nil.
func FromContext(ctx context.Context) Store {
	s, _ := ctx.Value(ctxKey{}).(Store)
	return s
}

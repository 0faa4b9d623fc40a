// Package state persists typed, JSON-encoded state objects in the shared
// key-value store with optional TTL. Each Manager is bound to one schema;
// keys live under the owning service's prefix and cross-service mutation is
// forbidden by convention.
//
// There are no cross-key transactions: callers that need atomic multi-key
// updates must serialize them through a single writer.
package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nooble4/fabric/names"
	"github.com/nooble4/fabric/redispool"
)

// ErrDecode is wrapped when a stored value does not match the manager's
// schema, typically after a schema change without a key migration.
var ErrDecode = errors.New("state decode error")

// Manager stores instances of T under schema-scoped keys.
type Manager[T any] struct {
	pool    *redispool.Pool
	namer   names.Namer
	service string
	schema  string
}

// New constructs a manager for schema instances owned by the given service.
// schemaName becomes a key segment and must be stable across versions.
func New[T any](pool *redispool.Pool, namer names.Namer, service, schemaName string) *Manager[T] {
	if namer.IsZero() {
		namer = names.New("", "")
	}
	return &Manager[T]{pool: pool, namer: namer, service: service, schema: schemaName}
}

// Load fetches and decodes the value stored under key. Returns (nil, nil)
// when the key is absent and an error wrapping ErrDecode when the stored
// bytes do not match the schema.
func (m *Manager[T]) Load(ctx context.Context, key string) (*T, error) {
	client, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := client.Get(ctx, m.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load state %q: %w", key, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var v T
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: key %q schema %q: %v", ErrDecode, key, m.schema, err)
	}
	return &v, nil
}

// Save serializes and stores the value under key. ttl of zero stores without
// expiry. Saving a nil value is an error; use Delete instead.
func (m *Manager[T]) Save(ctx context.Context, key string, v *T, ttl time.Duration) error {
	if v == nil {
		return errors.New("cannot save nil state, use Delete")
	}
	client, err := m.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode state %q: %w", key, err)
	}
	if err := client.Set(ctx, m.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("save state %q: %w", key, err)
	}
	return nil
}

// Delete removes the value stored under key. Returns true when the key
// existed.
func (m *Manager[T]) Delete(ctx context.Context, key string) (bool, error) {
	client, err := m.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	n, err := client.Del(ctx, m.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("delete state %q: %w", key, err)
	}
	return n > 0, nil
}

// Touch refreshes the TTL of an existing key without rewriting the value,
// e.g. to keep an execution context alive across interactions. Returns true
// when the key existed.
func (m *Manager[T]) Touch(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	client, err := m.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	ok, err := client.Expire(ctx, m.key(key), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("touch state %q: %w", key, err)
	}
	return ok, nil
}

func (m *Manager[T]) key(key string) string {
	return m.namer.StateKey(m.service, m.schema, key)
}

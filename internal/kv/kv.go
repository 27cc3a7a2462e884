// Package kv provides the key-value store adapter used by the rate limiter
// and the optional KV idempotency recorder. The interface is shaped after the
// small subset of Redis commands the callers need; two backends are provided,
// an in-process map and a single-file BoltDB database.
package kv

import (
	"context"
	"time"
)

// Store is the narrow key-value contract. Implementations must make Incr and
// SetNX atomic per key: the limiter's check-and-consume correctness depends
// on it.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes key=value. A ttl of zero means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes key=value only if the key is absent. Returns true if the
	// write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Incr atomically increments the integer value at key, creating it at 1
	// if absent, and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Expire sets the remaining lifetime of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining lifetime of key. ok is false when the key
	// does not exist or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)

	// Del removes the given keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error
}

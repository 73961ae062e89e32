package storage

import "context"

// KV is the durable string key/value store the session persists into.
// Multi operations apply to all keys or fail as a whole.
type KV interface {
	// Get returns the value and whether the key was present
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores a single value
	Set(ctx context.Context, key, value string) error

	// MultiGet returns the present keys only
	MultiGet(ctx context.Context, keys ...string) (map[string]string, error)

	// MultiSet stores all pairs
	MultiSet(ctx context.Context, pairs map[string]string) error

	// MultiRemove deletes the keys, absent keys are ignored
	MultiRemove(ctx context.Context, keys ...string) error
}

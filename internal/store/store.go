// Package store provides the generic key-value persistence capability
// the engine depends on. Everything durable — session snapshots, request
// history, memories — goes through Store; nothing else in the core
// touches files directly.
package store

import "context"

// Store is a namespaced key-value capability. Values are opaque bytes;
// callers own serialization. Implementations must be safe for concurrent
// use.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes value under key, replacing any existing value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all keys with the given prefix, ordered by insertion
	// time (oldest first).
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases underlying resources.
	Close() error
}

// Package storage provides pluggable backends for the runtime's persisted
// state and the Runtime adapter that maps that state onto them.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when a key does not exist.
var ErrNotFound = errors.New("storage: key not found")

// Store is the pluggable backend interface for storage operations.
//
// Keys are short strings ("flows", "credentials", "settings"). Values are
// opaque bytes; the Runtime adapter stores JSON.
//
// All Store implementations must be safe for concurrent use from multiple
// goroutines.
type Store interface {
	// Put stores data at key, overwriting any previous value.
	Put(ctx context.Context, key string, data []byte) error

	// Get retrieves data for key. Returns ErrNotFound (possibly wrapped)
	// if the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// List returns all keys with the given prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

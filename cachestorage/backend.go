// Package cachestorage implements named, enumerable stores of HTTP responses.
//
// A Storage holds any number of caches, each identified by a name. The agent
// writes one cache per generation and deletes the others when a new
// generation takes over. Entries are keyed by request (method, URL and the
// request headers nominated by the response's Vary field).
package cachestorage

import (
	"context"
	"errors"
)

var (
	ErrStoreNotFound    = errors.New("cache store not found")
	ErrMethodNotAllowed = errors.New("only GET requests can be cached")
	ErrPartialContent   = errors.New("partial responses cannot be cached")
)

// Entry is a raw key-value pair inside a store.
type Entry struct {
	Key   string
	Value []byte
}

// Backend is the persistence layer of a Storage.
// It knows nothing about HTTP: it stores byte values under string keys,
// grouped in named stores.
//
// Implementations must be safe for concurrent use!
type Backend interface {
	// Stores returns the names of all existing stores, sorted.
	Stores(ctx context.Context) ([]string, error)
	// CreateStore creates the named store if it does not exist yet.
	CreateStore(ctx context.Context, name string) error
	// HasStore reports whether the named store exists.
	HasStore(ctx context.Context, name string) (bool, error)
	// DeleteStore removes the store and all its entries.
	// It reports whether the store existed.
	DeleteStore(ctx context.Context, name string) (bool, error)
	// Scan returns all entries of the store whose key starts with prefix.
	// It returns ErrStoreNotFound if the store does not exist.
	Scan(ctx context.Context, store, prefix string) ([]Entry, error)
	// Put writes all entries in one atomic batch, replacing existing keys.
	// The store is created if it does not exist.
	Put(ctx context.Context, store string, entries ...Entry) error
	// Delete removes a single key and reports whether it existed.
	Delete(ctx context.Context, store, key string) (bool, error)
	// Close releases resources.
	Close() error
}

// prefixUpperBound returns the smallest string greater than every string with the given prefix,
// or "" if there is no such bound.
func prefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}

package cachestorage

import (
	"context"
	"net/http"
	"time"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
)

// Doer performs HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Storage is the set of named caches owned by the host.
type Storage struct {
	backend Backend
	keyer   cachekey.CacheKeyer
	now     func() time.Time
}

func NewStorage(backend Backend) *Storage {
	return &Storage{
		backend: backend,
		now:     time.Now,
	}
}

// Open returns the named cache, creating its store if it does not exist.
func (s *Storage) Open(ctx context.Context, name string) (*Cache, error) {
	if err := s.backend.CreateStore(ctx, name); err != nil {
		return nil, err
	}
	return s.Cache(name), nil
}

// Cache returns a handle to the named cache without creating it.
// Lookups on a cache whose store does not exist miss; writes create the store.
func (s *Storage) Cache(name string) *Cache {
	return &Cache{
		name:    name,
		backend: s.backend,
		keyer:   s.keyer,
		now:     s.now,
	}
}

// Has reports whether the named cache exists.
func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	return s.backend.HasStore(ctx, name)
}

// Delete removes the named cache and all its entries.
// It reports whether the cache existed.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	return s.backend.DeleteStore(ctx, name)
}

// Keys returns the names of all caches, sorted.
func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	return s.backend.Stores(ctx)
}

// Match looks the request up in every cache, in name order,
// and returns the first matching response. It returns nil on a miss.
func (s *Storage) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	names, err := s.Keys(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		res, err := s.Cache(name).Match(ctx, req)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, nil
}

func (s *Storage) Close() error {
	return s.backend.Close()
}

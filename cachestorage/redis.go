package cachestorage

import (
	"context"
	"errors"
	"sort"
	"strings"

	goredis "github.com/redis/go-redis/v9"
)

var ErrNilClient = errors.New("redis backend: nil client")

const scanCount = 100

// RedisBackend keeps the store names in a set and every store in its own hash.
// It lets several agent processes share one cache storage.
type RedisBackend struct {
	rdb         goredis.UniversalClient
	ns          string
	closeClient bool
}

var _ Backend = (*RedisBackend)(nil)

type RedisConfig struct {
	Client goredis.UniversalClient
	// Namespace prefixes all keys written by the backend.
	Namespace   string
	CloseClient bool // set true only if this backend exclusively owns the client
}

func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "offline-cache"
	}
	return &RedisBackend{rdb: cfg.Client, ns: ns, closeClient: cfg.CloseClient}, nil
}

func (p *RedisBackend) storesKey() string { return p.ns + ":stores" }
func (p *RedisBackend) storeKey(name string) string { return p.ns + ":store:" + name }

func (p *RedisBackend) Stores(ctx context.Context) ([]string, error) {
	names, err := p.rdb.SMembers(ctx, p.storesKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (p *RedisBackend) CreateStore(ctx context.Context, name string) error {
	return p.rdb.SAdd(ctx, p.storesKey(), name).Err()
}

func (p *RedisBackend) HasStore(ctx context.Context, name string) (bool, error) {
	return p.rdb.SIsMember(ctx, p.storesKey(), name).Result()
}

func (p *RedisBackend) DeleteStore(ctx context.Context, name string) (bool, error) {
	var removed *goredis.IntCmd
	_, err := p.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		removed = pipe.SRem(ctx, p.storesKey(), name)
		pipe.Del(ctx, p.storeKey(name))
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (p *RedisBackend) Scan(ctx context.Context, store, prefix string) ([]Entry, error) {
	if ok, err := p.HasStore(ctx, store); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrStoreNotFound
	}
	entries := make([]Entry, 0)
	seen := make(map[string]struct{})
	match := escapeGlob(prefix) + "*"
	var cursor uint64
	for {
		kvs, next, err := p.rdb.HScan(ctx, p.storeKey(store), cursor, match, scanCount).Result()
		if err != nil {
			return nil, err
		}
		entries = appendHashEntries(entries, seen, kvs)
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// appendHashEntries appends the alternating fields and values of a HSCAN reply to entries.
// HSCAN may return a field more than once while the hash is rehashed, so fields in seen are skipped.
func appendHashEntries(entries []Entry, seen map[string]struct{}, kvs []string) []Entry {
	for i := 0; i+1 < len(kvs); i += 2 {
		if _, ok := seen[kvs[i]]; ok {
			continue
		}
		seen[kvs[i]] = struct{}{}
		entries = append(entries, Entry{Key: kvs[i], Value: []byte(kvs[i+1])})
	}
	return entries
}

func (p *RedisBackend) Put(ctx context.Context, store string, entries ...Entry) error {
	_, err := p.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.SAdd(ctx, p.storesKey(), store)
		if len(entries) == 0 {
			return nil
		}
		values := make([]any, 0, len(entries)*2)
		for _, e := range entries {
			values = append(values, e.Key, e.Value)
		}
		pipe.HSet(ctx, p.storeKey(store), values...)
		return nil
	})
	return err
}

func (p *RedisBackend) Delete(ctx context.Context, store, key string) (bool, error) {
	if ok, err := p.HasStore(ctx, store); err != nil {
		return false, err
	} else if !ok {
		return false, ErrStoreNotFound
	}
	n, err := p.rdb.HDel(ctx, p.storeKey(store), key).Result()
	return n > 0, err
}

// Close releases the underlying redis client only when this backend owns it.
func (p *RedisBackend) Close() error {
	if p.closeClient {
		if err := p.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// escapeGlob quotes the characters HSCAN MATCH treats as patterns.
func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}

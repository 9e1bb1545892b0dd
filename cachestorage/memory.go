package cachestorage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type MemoryBackend struct {
	mutex  *sync.RWMutex
	stores map[string]map[string][]byte
}

var _ Backend = MemoryBackend{}

func NewMemoryBackend() MemoryBackend {
	return MemoryBackend{
		mutex:  &sync.RWMutex{},
		stores: make(map[string]map[string][]byte),
	}
}

func (m MemoryBackend) Stores(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m MemoryBackend) CreateStore(_ context.Context, name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.stores[name]; !ok {
		m.stores[name] = make(map[string][]byte)
	}
	return nil
}

func (m MemoryBackend) HasStore(_ context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.stores[name]
	return ok, nil
}

func (m MemoryBackend) DeleteStore(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	_, ok := m.stores[name]
	delete(m.stores, name)
	return ok, nil
}

func (m MemoryBackend) Scan(_ context.Context, store, prefix string) ([]Entry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	db, ok := m.stores[store]
	if !ok {
		return nil, ErrStoreNotFound
	}
	entries := make([]Entry, 0)
	for key, val := range db {
		if strings.HasPrefix(key, prefix) {
			entries = append(entries, Entry{Key: key, Value: val})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (m MemoryBackend) Put(_ context.Context, store string, entries ...Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	db, ok := m.stores[store]
	if !ok {
		db = make(map[string][]byte)
		m.stores[store] = db
	}
	for _, e := range entries {
		db[e.Key] = e.Value
	}
	return nil
}

func (m MemoryBackend) Delete(_ context.Context, store, key string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	db, ok := m.stores[store]
	if !ok {
		return false, ErrStoreNotFound
	}
	_, ok = db[key]
	delete(db, key)
	return ok, nil
}

func (m MemoryBackend) Close() error {
	return nil
}

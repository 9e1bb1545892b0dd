package cachestorage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteBackend struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

var _ Backend = SQLiteBackend{}

// NewSQLiteBackend opens the cache storage with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteBackend(filename string) (SQLiteBackend, error) {
	inMemory := filename == ""
	if inMemory {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteBackend{}, fmt.Errorf("open sqlite %s: %w", filename, err)
	}
	if inMemory {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS stores (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			store TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB,
			PRIMARY KEY (store, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteBackend{}, fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return SQLiteBackend{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteBackend) Stores(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM stores ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteBackend) CreateStore(ctx context.Context, name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)", name, time.Now().Unix())
	return err
}

func (s SQLiteBackend) HasStore(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM stores WHERE name = ?", name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s SQLiteBackend) DeleteStore(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE store = ?", name); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM stores WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

func (s SQLiteBackend) Scan(ctx context.Context, store, prefix string) ([]Entry, error) {
	if ok, err := s.HasStore(ctx, store); err != nil {
		return nil, err
	} else if !ok {
		return nil, ErrStoreNotFound
	}
	var (
		rows *sql.Rows
		err  error
	)
	if upper := prefixUpperBound(prefix); upper != "" {
		rows, err = s.db.QueryContext(ctx,
			"SELECT key, value FROM entries WHERE store = ? AND key >= ? AND key < ? ORDER BY key",
			store, prefix, upper)
	} else {
		rows, err = s.db.QueryContext(ctx,
			"SELECT key, value FROM entries WHERE store = ? AND key >= ? ORDER BY key",
			store, prefix)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := make([]Entry, 0)
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(&entry.Key, &entry.Value); err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s SQLiteBackend) Put(ctx context.Context, store string, entries ...Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)", store, time.Now().Unix()); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO entries (store, key, value) VALUES (?, ?, ?)",
			store, e.Key, e.Value); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s SQLiteBackend) Delete(ctx context.Context, store, key string) (bool, error) {
	if ok, err := s.HasStore(ctx, store); err != nil {
		return false, err
	} else if !ok {
		return false, ErrStoreNotFound
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE store = ? AND key = ?", store, key)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (s SQLiteBackend) Close() error {
	return s.db.Close()
}

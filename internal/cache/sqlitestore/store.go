// Package sqlitestore provides a SQLite-backed cache storage implementation.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"offlinegate/internal/cache"
)

//go:embed schema.sql
var schemaSQL string

// Store persists named caches in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite cache store and applies the embedded schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schemaSQL); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Open returns the named cache, creating it if absent.
func (s *Store) Open(ctx context.Context, name string) (cache.Cache, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("cache name is required")
	}
	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO caches (name, seq, created_at)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM caches), ?)`,
		name,
		toMillis(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("open cache %s: %w", name, err)
	}
	return &Cache{store: s, name: name}, nil
}

// Has reports whether the named cache exists.
func (s *Store) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.sqlDB.QueryRowContext(ctx, `SELECT 1 FROM caches WHERE name = ?`, name).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("lookup cache %s: %w", name, err)
	}
	return true, nil
}

// Delete removes the named cache; its entries go with it.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM caches WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	return n > 0, nil
}

// Keys returns cache names in creation order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT name FROM caches ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list caches: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan cache name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate caches: %w", err)
	}
	return names, nil
}

// Cache is one named cache inside a Store.
type Cache struct {
	store *Store
	name  string
}

// Name returns the cache name.
func (c *Cache) Name() string {
	return c.name
}

// Match returns the stored entry for key.
func (c *Cache) Match(ctx context.Context, key string) (*cache.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	row := c.store.sqlDB.QueryRowContext(
		ctx,
		`SELECT status, header, body, stored_at, pinned
		   FROM entries
		  WHERE cache_name = ? AND key = ?`,
		c.name,
		key,
	)

	var (
		status   int
		header   string
		body     []byte
		storedAt int64
		pinned   bool
	)
	if err := row.Scan(&status, &header, &body, &storedAt, &pinned); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("match %s: %w", key, err)
	}

	h := http.Header{}
	if err := json.Unmarshal([]byte(header), &h); err != nil {
		return nil, false, fmt.Errorf("decode header for %s: %w", key, err)
	}
	if body == nil {
		body = []byte{}
	}
	return &cache.Entry{
		Status:   status,
		Header:   h,
		Body:     body,
		StoredAt: fromMillis(storedAt),
		Pinned:   pinned,
	}, true, nil
}

// Put stores entry under key, replacing any previous value.
func (c *Cache) Put(ctx context.Context, key string, entry *cache.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if entry == nil {
		return fmt.Errorf("nil entry for key %s", key)
	}

	header, err := json.Marshal(entry.Header)
	if err != nil {
		return fmt.Errorf("encode header for %s: %w", key, err)
	}
	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now()
	}
	body := entry.Body
	if body == nil {
		body = []byte{}
	}

	_, err = c.store.sqlDB.ExecContext(
		ctx,
		`INSERT INTO entries (cache_name, key, status, header, body, stored_at, pinned)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (cache_name, key) DO UPDATE SET
		   status = excluded.status,
		   header = excluded.header,
		   body = excluded.body,
		   stored_at = excluded.stored_at,
		   pinned = MAX(entries.pinned, excluded.pinned)`,
		c.name,
		key,
		entry.Status,
		string(header),
		body,
		toMillis(storedAt),
		entry.Pinned,
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (c *Cache) Delete(ctx context.Context, key string) (bool, error) {
	res, err := c.store.sqlDB.ExecContext(ctx, `DELETE FROM entries WHERE cache_name = ? AND key = ?`, c.name, key)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	return n > 0, nil
}

// Keys returns stored keys in key order.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.store.sqlDB.QueryContext(ctx, `SELECT key FROM entries WHERE cache_name = ? ORDER BY key ASC`, c.name)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

var (
	_ cache.Storage = (*Store)(nil)
	_ cache.Cache   = (*Cache)(nil)
)

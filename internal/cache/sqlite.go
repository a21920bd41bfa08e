package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kimhsiao/offlinegate/internal/models"
)

// SQLiteStorage keeps namespaces in the cache_names and cache_entries tables.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage returns a Storage over a migrated database.
func NewSQLiteStorage(db *sql.DB) *SQLiteStorage {
	return &SQLiteStorage{db: db}
}

// Open implements Storage.
func (s *SQLiteStorage) Open(ctx context.Context, name string) (Cache, error) {
	if name == "" {
		return nil, fmt.Errorf("cache name cannot be empty")
	}
	if err := ensureName(ctx, s.db, name); err != nil {
		return nil, err
	}
	return &sqliteCache{db: s.db, name: name}, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func ensureName(ctx context.Context, db execer, name string) error {
	_, err := db.ExecContext(ctx,
		"INSERT OR IGNORE INTO cache_names (name, created_at) VALUES (?, ?)",
		name, time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create cache %q: %w", name, err)
	}
	return nil
}

// Has implements Storage.
func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cache_names WHERE name = ?", name).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to look up cache %q: %w", name, err)
	}
	return n > 0, nil
}

// Keys implements Storage.
func (s *SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM cache_names ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list caches: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Delete implements Storage.
func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM cache_entries WHERE cache_name = ?", name); err != nil {
		return false, fmt.Errorf("failed to delete entries of %q: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM cache_names WHERE name = ?", name)
	if err != nil {
		return false, fmt.Errorf("failed to delete cache %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

type sqliteCache struct {
	db   *sql.DB
	name string
}

func (c *sqliteCache) Name() string { return c.name }

func (c *sqliteCache) Match(ctx context.Context, key string) (*Response, bool, error) {
	var e models.CacheEntry
	err := c.db.QueryRowContext(ctx,
		`SELECT cache_name, request_key, status, header, body, stored_at
		 FROM cache_entries WHERE cache_name = ? AND request_key = ?`,
		c.name, key,
	).Scan(&e.CacheName, &e.RequestKey, &e.Status, &e.Header, &e.Body, &e.StoredAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	resp, err := fromEntry(&e)
	if err != nil {
		return nil, false, err
	}
	return resp, true, nil
}

func (c *sqliteCache) Put(ctx context.Context, key string, resp *Response) error {
	e, err := toEntry(c.name, key, resp)
	if err != nil {
		return err
	}
	if err := ensureName(ctx, c.db, c.name); err != nil {
		return err
	}
	return putEntry(ctx, c.db, e)
}

func (c *sqliteCache) PutAll(ctx context.Context, entries []Entry) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureName(ctx, tx, c.name); err != nil {
		return err
	}
	for _, entry := range entries {
		e, err := toEntry(c.name, entry.Key, entry.Response)
		if err != nil {
			return err
		}
		if err := putEntry(ctx, tx, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func putEntry(ctx context.Context, db execer, e *models.CacheEntry) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (cache_name, request_key, status, header, body, stored_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.CacheName, e.RequestKey, e.Status, e.Header, e.Body, e.StoredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to write cache entry %q: %w", e.RequestKey, err)
	}
	return nil
}

func (c *sqliteCache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT request_key FROM cache_entries WHERE cache_name = ? ORDER BY request_key", c.name)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func toEntry(cacheName, key string, resp *Response) (*models.CacheEntry, error) {
	header, err := json.Marshal(resp.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode headers: %w", err)
	}
	stored := resp.StoredAt
	if stored.IsZero() {
		stored = time.Now()
	}
	body := resp.Body
	if body == nil {
		body = []byte{}
	}
	return &models.CacheEntry{
		CacheName:  cacheName,
		RequestKey: key,
		Status:     resp.Status,
		Header:     string(header),
		Body:       body,
		StoredAt:   stored.Unix(),
	}, nil
}

func fromEntry(e *models.CacheEntry) (*Response, error) {
	header := http.Header{}
	if e.Header != "" && e.Header != "null" {
		if err := json.Unmarshal([]byte(e.Header), &header); err != nil {
			return nil, fmt.Errorf("corrupt headers for %q: %w", e.RequestKey, err)
		}
	}
	return &Response{
		Status:   e.Status,
		Header:   header,
		Body:     e.Body,
		StoredAt: time.Unix(e.StoredAt, 0),
	}, nil
}

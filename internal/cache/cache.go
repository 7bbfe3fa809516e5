// Package cache is a small sqlite-backed TTL cache shared across CLI
// invocations. Stale entries remain readable within a caller-supplied budget.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

const lockTimeout = 5 * time.Second

type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

type Result struct {
	Hit      bool
	Value    []byte
	Age      time.Duration
	Stale    bool
	TooStale bool
}

// Usable reports whether the entry may be served under the stale budget.
func (r Result) Usable() bool {
	return r.Hit && !r.TooStale
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}

	queries := []string{
		"PRAGMA busy_timeout=5000;",
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"CREATE TABLE IF NOT EXISTS cache_entries (key TEXT PRIMARY KEY, value BLOB NOT NULL, created_at_ms INTEGER NOT NULL, ttl_ms INTEGER NOT NULL);",
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init cache schema: %w", err)
		}
	}

	store := &Store{db: db, lock: flock.New(lockPath)}
	_ = store.Prune(context.Background())
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Prune deletes entries whose TTL has fully expired.
func (s *Store) Prune(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	nowMS := time.Now().UTC().UnixMilli()
	if _, err := s.db.ExecContext(ctx, "DELETE FROM cache_entries WHERE created_at_ms + ttl_ms < ?", nowMS); err != nil {
		return fmt.Errorf("prune cache: %w", err)
	}
	return nil
}

// Get reads key. A negative maxStale means stale entries never become too
// stale.
func (s *Store) Get(ctx context.Context, key string, maxStale time.Duration) (Result, error) {
	var value []byte
	var createdMS, ttlMS int64
	err := s.db.QueryRowContext(ctx, "SELECT value, created_at_ms, ttl_ms FROM cache_entries WHERE key = ?", key).Scan(&value, &createdMS, &ttlMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Result{}, nil
		}
		return Result{}, fmt.Errorf("cache read: %w", err)
	}

	age := time.Since(time.UnixMilli(createdMS))
	if age < 0 {
		age = 0
	}
	ttl := time.Duration(ttlMS) * time.Millisecond
	stale := age > ttl
	return Result{
		Hit:      true,
		Value:    value,
		Age:      age,
		Stale:    stale,
		TooStale: stale && maxStale >= 0 && age > ttl+maxStale,
	}, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock cache: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock cache: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	ttlMS := ttl.Milliseconds()
	if ttlMS <= 0 {
		ttlMS = 1
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, created_at_ms, ttl_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value,
			created_at_ms=excluded.created_at_ms,
			ttl_ms=excluded.ttl_ms
	`, key, value, time.Now().UTC().UnixMilli(), ttlMS)
	if err != nil {
		return fmt.Errorf("cache write: %w", err)
	}
	return nil
}

// GetJSON decodes a usable entry into out. The returned Result reports
// whether out was populated.
func (s *Store) GetJSON(ctx context.Context, key string, maxStale time.Duration, out any) (Result, error) {
	res, err := s.Get(ctx, key, maxStale)
	if err != nil || !res.Usable() {
		return res, err
	}
	if err := json.Unmarshal(res.Value, out); err != nil {
		return Result{}, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	return res, nil
}

func (s *Store) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", key, err)
	}
	return s.Set(ctx, key, buf, ttl)
}

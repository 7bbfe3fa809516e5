// Package store persists function calls and queued transactions in sqlite so
// separate CLI invocations share one approval queue.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	clierr "github.com/ggonzalez94/web3chat/internal/errors"
	"github.com/ggonzalez94/web3chat/internal/funccall"
	"github.com/ggonzalez94/web3chat/internal/txqueue"
)

const lockTimeout = 5 * time.Second

type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

func Open(path, lockPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create store lock directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store sqlite: %w", err)
	}

	queries := []string{
		"PRAGMA busy_timeout=5000;",
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS function_calls (
			call_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		"CREATE INDEX IF NOT EXISTS idx_function_calls_status ON function_calls(status, created_at);",
		`CREATE TABLE IF NOT EXISTS transactions (
			tx_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init store schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) SaveCall(ctx context.Context, fc funccall.FunctionCall) error {
	if strings.TrimSpace(fc.ID) == "" {
		return fmt.Errorf("save function call: missing id")
	}
	payload, err := json.Marshal(fc)
	if err != nil {
		return fmt.Errorf("marshal function call: %w", err)
	}
	created, updated := unixMillis(fc.CreatedAt), unixMillis(fc.UpdatedAt)
	return s.withLock(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO function_calls (call_id, name, status, created_at, updated_at, payload)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(call_id) DO UPDATE SET
				status=excluded.status,
				updated_at=excluded.updated_at,
				payload=excluded.payload
		`, fc.ID, fc.Name, string(fc.Status), created, updated, payload)
		if err != nil {
			return fmt.Errorf("save function call: %w", err)
		}
		return nil
	})
}

func (s *Store) GetCall(ctx context.Context, callID string) (funccall.FunctionCall, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, "SELECT payload FROM function_calls WHERE call_id = ?", callID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return funccall.FunctionCall{}, clierr.New(clierr.CodeNotFound, fmt.Sprintf("function call not found: %s", callID))
		}
		return funccall.FunctionCall{}, fmt.Errorf("read function call: %w", err)
	}
	var fc funccall.FunctionCall
	if err := json.Unmarshal(payload, &fc); err != nil {
		return funccall.FunctionCall{}, fmt.Errorf("decode function call: %w", err)
	}
	return fc, nil
}

// ListCalls returns the newest limit calls in creation order. An empty status
// lists all.
func (s *Store) ListCalls(ctx context.Context, status string, limit int) ([]funccall.FunctionCall, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if strings.TrimSpace(status) == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT payload FROM (
				SELECT payload, created_at, call_id FROM function_calls
				ORDER BY created_at DESC, call_id DESC LIMIT ?
			) ORDER BY created_at ASC, call_id ASC`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT payload FROM (
				SELECT payload, created_at, call_id FROM function_calls WHERE status = ?
				ORDER BY created_at DESC, call_id DESC LIMIT ?
			) ORDER BY created_at ASC, call_id ASC`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list function calls: %w", err)
	}
	return scanCalls(rows)
}

// RestorableCalls returns every pending or approved call plus the newest
// limit settled ones, in creation order.
func (s *Store) RestorableCalls(ctx context.Context, limit int) ([]funccall.FunctionCall, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM function_calls
		WHERE status IN (?, ?)
		   OR call_id IN (
			SELECT call_id FROM function_calls
			ORDER BY created_at DESC, call_id DESC LIMIT ?
		)
		ORDER BY created_at ASC, call_id ASC`,
		string(funccall.StatusPending), string(funccall.StatusApproved), limit)
	if err != nil {
		return nil, fmt.Errorf("list restorable function calls: %w", err)
	}
	return scanCalls(rows)
}

func scanCalls(rows *sql.Rows) ([]funccall.FunctionCall, error) {
	defer rows.Close()
	calls := make([]funccall.FunctionCall, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan function call row: %w", err)
		}
		var fc funccall.FunctionCall
		if err := json.Unmarshal(payload, &fc); err != nil {
			return nil, fmt.Errorf("decode function call row: %w", err)
		}
		calls = append(calls, fc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate function call rows: %w", err)
	}
	return calls, nil
}

func (s *Store) SaveTransaction(ctx context.Context, tx txqueue.Transaction) error {
	if strings.TrimSpace(tx.ID) == "" {
		return fmt.Errorf("save transaction: missing id")
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}
	return s.withLock(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO transactions (tx_id, status, created_at, payload)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(tx_id) DO UPDATE SET
				status=excluded.status,
				payload=excluded.payload
		`, tx.ID, string(tx.Status), unixMillis(tx.Timestamp), payload)
		if err != nil {
			return fmt.Errorf("save transaction: %w", err)
		}
		return nil
	})
}

func (s *Store) RemoveTransaction(ctx context.Context, txID string) error {
	return s.withLock(ctx, func() error {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM transactions WHERE tx_id = ?", txID); err != nil {
			return fmt.Errorf("remove transaction: %w", err)
		}
		return nil
	})
}

func (s *Store) ListTransactions(ctx context.Context) ([]txqueue.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT payload FROM transactions ORDER BY created_at ASC, tx_id ASC")
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	txs := make([]txqueue.Transaction, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan transaction row: %w", err)
		}
		var tx txqueue.Transaction
		if err := json.Unmarshal(payload, &tx); err != nil {
			return nil, fmt.Errorf("decode transaction row: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transaction rows: %w", err)
	}
	return txs, nil
}

func (s *Store) withLock(ctx context.Context, fn func() error) error {
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 25*time.Millisecond)
	if err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock store: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()
	return fn()
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UTC().UnixMilli()
	}
	return t.UTC().UnixMilli()
}

// Observer writes controller and queue mutations through to a Store.
// Write failures are logged and never block the state machine.
type Observer struct {
	Store  *Store
	Logger *slog.Logger
}

func (o *Observer) CallSaved(fc funccall.FunctionCall) {
	if err := o.Store.SaveCall(context.Background(), fc); err != nil {
		o.logger().Warn("persist function call failed", "id", fc.ID, "error", err)
	}
}

func (o *Observer) TransactionSaved(tx txqueue.Transaction) {
	if err := o.Store.SaveTransaction(context.Background(), tx); err != nil {
		o.logger().Warn("persist transaction failed", "id", tx.ID, "error", err)
	}
}

func (o *Observer) TransactionRemoved(txID string) {
	if err := o.Store.RemoveTransaction(context.Background(), txID); err != nil {
		o.logger().Warn("remove persisted transaction failed", "id", txID, "error", err)
	}
}

func (o *Observer) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

var (
	_ funccall.Observer = (*Observer)(nil)
	_ txqueue.Observer  = (*Observer)(nil)
)

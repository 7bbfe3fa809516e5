// Package txqueue tracks on-chain transactions through a single-flight
// execution queue.
package txqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggonzalez94/web3chat/internal/explorer"
	"github.com/ggonzalez94/web3chat/internal/id"
	"github.com/ggonzalez94/web3chat/internal/notify"
	"github.com/ggonzalez94/web3chat/internal/tracer"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

const DefaultExpiry = 30 * time.Second

// Action performs the transaction and returns its hash.
type Action func(ctx context.Context) (string, error)

type Transaction struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Hash        string    `json:"hash,omitempty"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	Value       string    `json:"value,omitempty"`
	ChainID     int64     `json:"chain_id,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	ExplorerURL string    `json:"explorer_url,omitempty"`
	Execute     Action    `json:"-"`
}

// Patch is a merge-patch for Update; nil fields are left untouched.
type Patch struct {
	Status      *Status
	Description *string
	Hash        *string
	From        *string
	To          *string
	Value       *string
	ChainID     *int64
	Error       *string
}

// Observer receives every stored mutation synchronously, in order.
type Observer interface {
	TransactionSaved(Transaction)
	TransactionRemoved(id string)
}

type Config struct {
	Expiry   time.Duration
	Notifier notify.Notifier
	Observer Observer
	Logger   *slog.Logger
}

type Queue struct {
	mu       sync.Mutex
	items    []*Transaction
	timers   map[string]*time.Timer
	busy     bool
	expiry   time.Duration
	notifier notify.Notifier
	observer Observer
	logger   *slog.Logger
	changed  chan struct{}
}

func New(cfg Config) *Queue {
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Queue{
		timers:   map[string]*time.Timer{},
		expiry:   cfg.Expiry,
		notifier: cfg.Notifier,
		observer: cfg.Observer,
		logger:   cfg.Logger,
		changed:  make(chan struct{}, 1),
	}
}

// AddToQueue appends tx as pending and returns its id.
func (q *Queue) AddToQueue(tx Transaction) string {
	tx.ID = id.New("tx")
	tx.Status = StatusPending
	tx.Error = ""
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}
	q.decorate(&tx)

	q.mu.Lock()
	q.items = append(q.items, &tx)
	q.save(tx)
	q.mu.Unlock()

	q.publish(notify.KindTransactionQueued, notify.LevelInfo, "Transaction Queued", tx.Description, tx.ID)
	q.signal()
	return tx.ID
}

// AddTransaction records an already completed transaction as success and
// schedules its removal.
func (q *Queue) AddTransaction(tx Transaction) string {
	tx.ID = id.New("tx")
	tx.Status = StatusSuccess
	tx.Execute = nil
	if tx.Type == "" {
		tx.Type = "transaction"
	}
	if tx.Description == "" {
		tx.Description = "Transaction " + shortHash(tx.Hash)
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}
	q.decorate(&tx)

	q.mu.Lock()
	q.items = append(q.items, &tx)
	q.save(tx)
	q.scheduleExpiry(tx.ID, q.expiry)
	q.mu.Unlock()

	q.publish(notify.KindTransactionSuccess, notify.LevelSuccess, "Transaction Added", tx.Description, tx.ID)
	q.signal()
	return tx.ID
}

// Remove deletes id regardless of status. Unknown ids are ignored.
func (q *Queue) Remove(txID string) bool {
	q.mu.Lock()
	removed := q.removeLocked(txID)
	q.mu.Unlock()
	if removed {
		q.signal()
	}
	return removed
}

// Update merges patch into id. Status changes that would leave a terminal
// state, return to pending, or create a second processing entry are dropped.
func (q *Queue) Update(txID string, patch Patch) (Transaction, bool) {
	q.mu.Lock()
	tx := q.findLocked(txID)
	if tx == nil {
		q.mu.Unlock()
		return Transaction{}, false
	}
	before := tx.Status
	if patch.Status != nil && q.allowedLocked(tx, *patch.Status) {
		tx.Status = *patch.Status
	}
	if patch.Description != nil {
		tx.Description = *patch.Description
	}
	if patch.Hash != nil {
		tx.Hash = *patch.Hash
	}
	if patch.From != nil {
		tx.From = *patch.From
	}
	if patch.To != nil {
		tx.To = *patch.To
	}
	if patch.Value != nil {
		tx.Value = *patch.Value
	}
	if patch.ChainID != nil {
		tx.ChainID = *patch.ChainID
	}
	if patch.Error != nil {
		tx.Error = *patch.Error
	}
	q.decorate(tx)
	if before != StatusSuccess && tx.Status == StatusSuccess {
		q.scheduleExpiry(tx.ID, q.expiry)
	}
	snapshot := *tx
	q.save(snapshot)
	q.mu.Unlock()

	if before != snapshot.Status {
		q.publishTerminal(snapshot)
	}
	q.signal()
	return snapshot, true
}

// Clear empties the queue unconditionally.
func (q *Queue) Clear() {
	q.mu.Lock()
	ids := make([]string, 0, len(q.items))
	for _, tx := range q.items {
		ids = append(ids, tx.ID)
	}
	for _, txID := range ids {
		q.removeLocked(txID)
	}
	q.mu.Unlock()
	q.signal()
}

// ExecuteNext runs the first pending transaction in insertion order. It is a
// no-op returning false while another execution is in flight or when nothing
// is pending.
func (q *Queue) ExecuteNext(ctx context.Context) bool {
	q.mu.Lock()
	if q.busy || q.processingLocked() != nil {
		q.mu.Unlock()
		return false
	}
	var next *Transaction
	for _, tx := range q.items {
		if tx.Status == StatusPending {
			next = tx
			break
		}
	}
	if next == nil {
		q.mu.Unlock()
		return false
	}
	return q.runLocked(ctx, next)
}

// ExecuteID runs a specific pending transaction under the same single-flight
// rule as ExecuteNext.
func (q *Queue) ExecuteID(ctx context.Context, txID string) bool {
	q.mu.Lock()
	tx := q.findLocked(txID)
	if tx == nil || tx.Status != StatusPending || q.busy || q.processingLocked() != nil {
		q.mu.Unlock()
		return false
	}
	return q.runLocked(ctx, tx)
}

// runLocked is entered with q.mu held and releases it.
func (q *Queue) runLocked(ctx context.Context, tx *Transaction) bool {
	q.busy = true
	tx.Status = StatusProcessing
	txID := tx.ID
	action := tx.Execute
	q.save(*tx)
	q.mu.Unlock()
	q.signal()

	defer func() {
		q.mu.Lock()
		q.busy = false
		q.mu.Unlock()
		q.signal()
	}()

	ctx, span := tracer.StartSpan(ctx, "txqueue.execute", tracer.String("tx.id", txID))
	hash, err := runAction(ctx, action)
	tracer.End(span, err)

	q.mu.Lock()
	current := q.findLocked(txID)
	if current == nil {
		q.mu.Unlock()
		q.logger.Info("transaction removed while processing", "id", txID)
		return true
	}
	if current.Status != StatusProcessing {
		status := current.Status
		q.mu.Unlock()
		q.logger.Info("transaction settled while processing", "id", txID, "status", status)
		return true
	}
	if err != nil {
		current.Status = StatusFailed
		current.Error = err.Error()
		if current.Error == "" {
			current.Error = "Transaction failed"
		}
	} else {
		current.Status = StatusSuccess
		if hash != "" {
			current.Hash = hash
		}
		q.scheduleExpiry(current.ID, q.expiry)
	}
	q.decorate(current)
	snapshot := *current
	q.save(snapshot)
	q.mu.Unlock()

	if err != nil {
		q.logger.Warn("transaction failed", "id", txID, "error", err)
	} else {
		q.logger.Info("transaction succeeded", "id", txID, "hash", snapshot.Hash)
	}
	q.publishTerminal(snapshot)
	return true
}

func runAction(ctx context.Context, action Action) (hash string, err error) {
	if action == nil {
		return "", nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transaction action panicked: %v", r)
		}
	}()
	return action(ctx)
}

// List returns a snapshot in insertion order.
func (q *Queue) List() []Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Transaction, 0, len(q.items))
	for _, tx := range q.items {
		out = append(out, *tx)
	}
	return out
}

func (q *Queue) Get(txID string) (Transaction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if tx := q.findLocked(txID); tx != nil {
		return *tx, true
	}
	return Transaction{}, false
}

// Processing returns the in-flight transaction, if any.
func (q *Queue) Processing() (Transaction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if tx := q.processingLocked(); tx != nil {
		return *tx, true
	}
	return Transaction{}, false
}

// HasPending reports whether any entry waits for execution.
func (q *Queue) HasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, tx := range q.items {
		if tx.Status == StatusPending {
			return true
		}
	}
	return false
}

// Changed is signalled after every mutation. Signals coalesce.
func (q *Queue) Changed() <-chan struct{} {
	return q.changed
}

// Restore rehydrates persisted entries. Entries that were processing when the
// previous process stopped are marked failed; success entries past their
// expiry are dropped and the rest keep their remaining lifetime.
func (q *Queue) Restore(txs []Transaction) {
	now := time.Now().UTC()
	q.mu.Lock()
	for i := range txs {
		tx := txs[i]
		if tx.ID == "" || q.findLocked(tx.ID) != nil {
			continue
		}
		switch tx.Status {
		case StatusProcessing:
			tx.Status = StatusFailed
			tx.Error = "interrupted before completion"
			q.items = append(q.items, &tx)
			q.save(tx)
		case StatusSuccess:
			remaining := q.expiry - now.Sub(tx.Timestamp)
			if remaining <= 0 {
				if q.observer != nil {
					q.observer.TransactionRemoved(tx.ID)
				}
				continue
			}
			q.items = append(q.items, &tx)
			q.scheduleExpiry(tx.ID, remaining)
		default:
			q.items = append(q.items, &tx)
		}
	}
	q.mu.Unlock()
	q.signal()
}

// Close stops pending expiry timers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for txID, timer := range q.timers {
		timer.Stop()
		delete(q.timers, txID)
	}
}

func (q *Queue) allowedLocked(tx *Transaction, next Status) bool {
	if next == tx.Status {
		return false
	}
	switch tx.Status {
	case StatusPending:
		if next == StatusProcessing {
			return !q.busy && q.processingLocked() == nil
		}
		return next.Terminal()
	case StatusProcessing:
		return next.Terminal()
	default:
		return false
	}
}

func (q *Queue) scheduleExpiry(txID string, after time.Duration) {
	if timer, ok := q.timers[txID]; ok {
		timer.Stop()
	}
	q.timers[txID] = time.AfterFunc(after, func() {
		q.mu.Lock()
		tx := q.findLocked(txID)
		removed := false
		if tx != nil && tx.Status == StatusSuccess {
			removed = q.removeLocked(txID)
		}
		q.mu.Unlock()
		if removed {
			q.logger.Debug("expired transaction removed", "id", txID)
			q.signal()
		}
	})
}

func (q *Queue) removeLocked(txID string) bool {
	for i, tx := range q.items {
		if tx.ID != txID {
			continue
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		if timer, ok := q.timers[txID]; ok {
			timer.Stop()
			delete(q.timers, txID)
		}
		if q.observer != nil {
			q.observer.TransactionRemoved(txID)
		}
		return true
	}
	return false
}

func (q *Queue) findLocked(txID string) *Transaction {
	for _, tx := range q.items {
		if tx.ID == txID {
			return tx
		}
	}
	return nil
}

func (q *Queue) processingLocked() *Transaction {
	for _, tx := range q.items {
		if tx.Status == StatusProcessing {
			return tx
		}
	}
	return nil
}

func (q *Queue) decorate(tx *Transaction) {
	if tx.Hash != "" {
		tx.ExplorerURL = explorer.TxURL(tx.ChainID, tx.Hash)
	}
}

func (q *Queue) save(tx Transaction) {
	if q.observer != nil {
		q.observer.TransactionSaved(tx)
	}
}

func (q *Queue) signal() {
	select {
	case q.changed <- struct{}{}:
	default:
	}
}

func (q *Queue) publishTerminal(tx Transaction) {
	switch tx.Status {
	case StatusSuccess:
		q.publish(notify.KindTransactionSuccess, notify.LevelSuccess, "Transaction Successful", tx.Description, tx.ID)
	case StatusFailed:
		msg := tx.Error
		if msg == "" {
			msg = "Failed to execute transaction"
		}
		q.publish(notify.KindTransactionFailed, notify.LevelError, "Transaction Failed", msg, tx.ID)
	}
}

func (q *Queue) publish(kind notify.Kind, level notify.Level, title, message, subject string) {
	q.notifier.Publish(notify.Notification{
		Kind:    kind,
		Level:   level,
		Title:   title,
		Message: message,
		Subject: subject,
	})
}

func shortHash(hash string) string {
	if len(hash) <= 10 {
		return hash
	}
	return hash[:6] + "..." + hash[len(hash)-4:]
}

// Package notify is a best-effort, in-process notification channel for
// user-facing state changes.
package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Kind string

const (
	KindTransactionQueued  Kind = "transaction.queued"
	KindTransactionSuccess Kind = "transaction.success"
	KindTransactionFailed  Kind = "transaction.failed"
	KindCallPending        Kind = "call.pending"
	KindCallExecuted       Kind = "call.executed"
	KindCallRejected       Kind = "call.rejected"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

type Notification struct {
	Kind    Kind      `json:"kind"`
	Level   Level     `json:"level"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Subject string    `json:"subject,omitempty"`
	Time    time.Time `json:"time"`
}

type Handler func(Notification)

// Notifier is what state owners publish to.
type Notifier interface {
	Publish(Notification)
}

type subscription struct {
	id      uint64
	kind    Kind
	handler Handler
}

// Bus runs each handler on its own goroutine; a panicking handler is
// recovered and logged, and Publish never blocks on a handler.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed atomic.Bool
}

func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

func (b *Bus) Publish(n Notification) {
	if b == nil || b.closed.Load() {
		return
	}
	if n.Time.IsZero() {
		n.Time = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.kind != "" && sub.kind != n.Kind {
			continue
		}
		b.dispatch(n, sub)
	}
}

func (b *Bus) dispatch(n Notification, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("notification handler panicked", "kind", string(n.Kind), "panic", r)
			}
		}()
		sub.handler(n)
	}()
}

// Subscribe registers handler for kind; an empty kind receives everything.
// The returned func unsubscribes.
func (b *Bus) Subscribe(kind Kind, handler Handler) func() {
	id := b.nextID.Add(1)
	b.mu.Lock()
	b.subs = append(b.subs, subscription{id: id, kind: kind, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Wait blocks until every dispatched handler has returned.
func (b *Bus) Wait() { b.wg.Wait() }

// Close stops accepting notifications and drains in-flight handlers.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Publish(Notification) {}

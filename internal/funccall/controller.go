// Package funccall owns the lifecycle of function calls proposed by the
// assistant: approval, serialized execution, interpretation and the
// transactions they produce.
package funccall

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggonzalez94/web3chat/internal/capability"
	"github.com/ggonzalez94/web3chat/internal/completion"
	clierr "github.com/ggonzalez94/web3chat/internal/errors"
	"github.com/ggonzalez94/web3chat/internal/id"
	"github.com/ggonzalez94/web3chat/internal/notify"
	"github.com/ggonzalez94/web3chat/internal/policy"
	"github.com/ggonzalez94/web3chat/internal/tracer"
	"github.com/ggonzalez94/web3chat/internal/txqueue"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExecuted Status = "executed"
)

func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusExecuted
}

func ParseStatus(v string) (Status, error) {
	switch s := Status(v); s {
	case StatusPending, StatusApproved, StatusRejected, StatusExecuted:
		return s, nil
	default:
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown function call status %q", v))
	}
}

const DefaultExecTimeout = 2 * time.Minute

type FunctionCall struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Arguments      map[string]any `json:"arguments"`
	Status         Status         `json:"status"`
	Result         map[string]any `json:"result,omitempty"`
	Interpretation string         `json:"interpretation,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Executor runs a capability against a chain.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

type Interpreter interface {
	Interpret(ctx context.Context, name string, args, result map[string]any) string
}

// Recorder receives transactions produced by executed calls.
type Recorder interface {
	AddTransaction(tx txqueue.Transaction) string
}

// Observer receives every stored call snapshot synchronously.
type Observer interface {
	CallSaved(FunctionCall)
}

type Config struct {
	Registry       *capability.Registry
	Executor       Executor
	Interpreter    Interpreter
	Queue          Recorder
	Observer       Observer
	Notifier       notify.Notifier
	OnMessage      func(completion.Message)
	AllowFunctions []string
	Wallet         string
	ChainID        int64
	ExecTimeout    time.Duration
	Logger         *slog.Logger
}

type Controller struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	calls    []*FunctionCall
	resuming map[string]struct{}

	// held for the whole execution of a state-changing call
	execMu sync.Mutex
}

func New(cfg Config) *Controller {
	if cfg.Registry == nil {
		cfg.Registry = capability.Default()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = DefaultExecTimeout
	}
	return &Controller{cfg: cfg, logger: cfg.Logger, resuming: make(map[string]struct{})}
}

// Submit records call as pending. Read-only calls are approved and executed
// before Submit returns, so the returned record is already terminal.
func (c *Controller) Submit(ctx context.Context, call completion.Call) FunctionCall {
	now := time.Now().UTC()
	fc := &FunctionCall{
		ID:        id.New("fc"),
		Name:      call.Name,
		Arguments: copyMap(call.Arguments),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if fc.Arguments == nil {
		fc.Arguments = map[string]any{}
	}

	c.mu.Lock()
	c.calls = append(c.calls, fc)
	snapshot := c.saveLocked(fc)
	c.mu.Unlock()
	c.logger.Info("function call submitted", "id", snapshot.ID, "name", snapshot.Name)

	if c.cfg.Registry.IsReadOnly(snapshot.Name) {
		updated, err := c.SetStatus(ctx, snapshot.ID, StatusApproved)
		if err != nil {
			return snapshot
		}
		return updated
	}

	c.post(completion.Assistant(fmt.Sprintf("Action required: approve %s (%s) to continue.", snapshot.Name, snapshot.ID)))
	c.cfg.Notifier.Publish(notify.Notification{
		Kind:    notify.KindCallPending,
		Level:   notify.LevelInfo,
		Title:   "Approval required",
		Message: fmt.Sprintf("%s is waiting for approval", snapshot.Name),
		Subject: snapshot.ID,
	})
	return snapshot
}

// SetStatus requests a transition. Only pending -> approved and
// pending -> rejected are accepted from callers; anything else returns the
// current record unchanged. Approval executes the call before returning.
func (c *Controller) SetStatus(ctx context.Context, callID string, status Status) (FunctionCall, error) {
	c.mu.Lock()
	fc := c.findLocked(callID)
	if fc == nil {
		c.mu.Unlock()
		return FunctionCall{}, clierr.New(clierr.CodeNotFound, fmt.Sprintf("function call %s not found", callID))
	}
	if fc.Status != StatusPending || (status != StatusApproved && status != StatusRejected) {
		snapshot := snapshotOf(fc)
		c.mu.Unlock()
		c.logger.Debug("ignored function call transition", "id", callID, "from", string(snapshot.Status), "to", string(status))
		return snapshot, nil
	}
	fc.Status = status
	snapshot := c.saveLocked(fc)
	c.mu.Unlock()

	if status == StatusRejected {
		c.logger.Info("function call rejected", "id", callID)
		c.publishRejected(snapshot, "rejected by user")
		return snapshot, nil
	}
	return c.execute(ctx, snapshot), nil
}

func (c *Controller) Approve(ctx context.Context, callID string) (FunctionCall, error) {
	return c.SetStatus(ctx, callID, StatusApproved)
}

func (c *Controller) Reject(ctx context.Context, callID string) (FunctionCall, error) {
	return c.SetStatus(ctx, callID, StatusRejected)
}

func (c *Controller) Get(callID string) (FunctionCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fc := c.findLocked(callID); fc != nil {
		return snapshotOf(fc), true
	}
	return FunctionCall{}, false
}

// List returns snapshots in submission order.
func (c *Controller) List() []FunctionCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]FunctionCall, 0, len(c.calls))
	for _, fc := range c.calls {
		out = append(out, snapshotOf(fc))
	}
	return out
}

// Restore loads calls persisted by an earlier process. Known ids are skipped.
func (c *Controller) Restore(calls []FunctionCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range calls {
		if call.ID == "" || c.findLocked(call.ID) != nil {
			continue
		}
		restored := snapshotOf(&call)
		c.calls = append(c.calls, &restored)
	}
}

// Resume executes restored calls that were approved but never finished. A call
// already claimed by a concurrent Resume is skipped.
func (c *Controller) Resume(ctx context.Context) int {
	c.mu.Lock()
	var stuck []string
	for _, fc := range c.calls {
		if _, claimed := c.resuming[fc.ID]; fc.Status == StatusApproved && !claimed {
			c.resuming[fc.ID] = struct{}{}
			stuck = append(stuck, fc.ID)
		}
	}
	c.mu.Unlock()

	resumed := 0
	for _, callID := range stuck {
		if c.resumeOne(ctx, callID) {
			resumed++
		}
	}
	return resumed
}

func (c *Controller) resumeOne(ctx context.Context, callID string) bool {
	defer func() {
		c.mu.Lock()
		delete(c.resuming, callID)
		c.mu.Unlock()
	}()
	c.mu.Lock()
	current := c.findLocked(callID)
	if current == nil || current.Status != StatusApproved {
		c.mu.Unlock()
		return false
	}
	fc := snapshotOf(current)
	c.mu.Unlock()

	c.logger.Info("resuming approved function call", "id", fc.ID, "name", fc.Name)
	c.execute(ctx, fc)
	return true
}

func (c *Controller) execute(ctx context.Context, fc FunctionCall) FunctionCall {
	if !c.cfg.Registry.IsReadOnly(fc.Name) {
		c.execMu.Lock()
		defer c.execMu.Unlock()
	}

	ctx, span := tracer.StartSpan(ctx, "funccall.execute", tracer.String("function.name", fc.Name), tracer.String("function.id", fc.ID))
	result, err := c.invoke(ctx, fc)
	tracer.End(span, err)

	if err != nil {
		return c.fail(fc, err)
	}
	return c.succeed(ctx, fc, result)
}

func (c *Controller) invoke(ctx context.Context, fc FunctionCall) (result map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("function %s panicked: %v", fc.Name, r)
		}
	}()
	if err := policy.CheckFunctionAllowed(c.cfg.AllowFunctions, fc.Name); err != nil {
		return nil, err
	}
	args, err := c.cfg.Registry.Prepare(fc.Name, fc.Arguments)
	if err != nil {
		return nil, err
	}
	if c.cfg.Executor == nil {
		return nil, clierr.New(clierr.CodeUnavailable, "no chain client configured")
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ExecTimeout)
	defer cancel()
	result, err = c.cfg.Executor.Execute(ctx, fc.Name, args)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("function %s returned no result", fc.Name)
	}
	return result, nil
}

func (c *Controller) fail(fc FunctionCall, err error) FunctionCall {
	msg := err.Error()
	if msg == "" {
		msg = "Unknown error"
	}
	c.logger.Warn("function call failed", "id", fc.ID, "name", fc.Name, "error", msg)

	snapshot, ok := c.finish(fc.ID, StatusRejected, map[string]any{"error": msg})
	if !ok {
		return fc
	}
	c.post(completion.Assistant("I encountered an error while processing your request: " + msg))
	c.publishRejected(snapshot, msg)
	return snapshot
}

func (c *Controller) succeed(ctx context.Context, fc FunctionCall, result map[string]any) FunctionCall {
	snapshot, ok := c.finish(fc.ID, StatusExecuted, result)
	if !ok {
		return fc
	}
	c.logger.Info("function call executed", "id", fc.ID, "name", fc.Name)

	interpretation := ""
	if c.cfg.Interpreter != nil {
		interpretation = c.cfg.Interpreter.Interpret(ctx, snapshot.Name, copyMap(snapshot.Arguments), copyMap(snapshot.Result))
	}
	if interpretation != "" {
		c.mu.Lock()
		if current := c.findLocked(fc.ID); current != nil {
			current.Interpretation = interpretation
			snapshot = c.saveLocked(current)
		}
		c.mu.Unlock()
		c.post(completion.Assistant(interpretation))
	}
	c.post(functionMessage(snapshot))

	if hash, _ := result["txHash"].(string); hash != "" && c.cfg.Queue != nil {
		c.cfg.Queue.AddTransaction(c.derivedTransaction(snapshot, hash))
	}
	c.cfg.Notifier.Publish(notify.Notification{
		Kind:    notify.KindCallExecuted,
		Level:   notify.LevelSuccess,
		Title:   "Function executed",
		Message: fmt.Sprintf("%s completed", snapshot.Name),
		Subject: snapshot.ID,
	})
	return snapshot
}

// finish moves an approved call to its terminal status.
func (c *Controller) finish(callID string, status Status, result map[string]any) (FunctionCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fc := c.findLocked(callID)
	if fc == nil || fc.Status != StatusApproved {
		return FunctionCall{}, false
	}
	fc.Status = status
	fc.Result = copyMap(result)
	return c.saveLocked(fc), true
}

func (c *Controller) derivedTransaction(fc FunctionCall, hash string) txqueue.Transaction {
	chain := id.ChainByID(c.cfg.ChainID)
	amount := stringArg(fc.Arguments, "amount")
	unit := "tokens"
	if id.IsNative(stringArg(fc.Arguments, "token_address")) {
		unit = chain.NativeSymbol
	}
	value := amount
	if value == "" {
		value = "0"
	}
	return txqueue.Transaction{
		Type:        fc.Name,
		Description: fmt.Sprintf("%s - %s %s", fc.Name, amount, unit),
		Hash:        hash,
		From:        c.cfg.Wallet,
		To:          stringArg(fc.Arguments, "to_address"),
		Value:       value,
		ChainID:     c.cfg.ChainID,
	}
}

func (c *Controller) publishRejected(fc FunctionCall, reason string) {
	c.cfg.Notifier.Publish(notify.Notification{
		Kind:    notify.KindCallRejected,
		Level:   notify.LevelError,
		Title:   "Function rejected",
		Message: fmt.Sprintf("%s: %s", fc.Name, reason),
		Subject: fc.ID,
	})
}

func (c *Controller) post(msg completion.Message) {
	if c.cfg.OnMessage != nil {
		c.cfg.OnMessage(msg)
	}
}

func (c *Controller) saveLocked(fc *FunctionCall) FunctionCall {
	fc.UpdatedAt = time.Now().UTC()
	snapshot := snapshotOf(fc)
	if c.cfg.Observer != nil {
		c.cfg.Observer.CallSaved(snapshot)
	}
	return snapshot
}

func (c *Controller) findLocked(callID string) *FunctionCall {
	for _, fc := range c.calls {
		if fc.ID == callID {
			return fc
		}
	}
	return nil
}

func functionMessage(fc FunctionCall) completion.Message {
	payload, _ := json.MarshalIndent(map[string]any{
		"function_name": fc.Name,
		"arguments":     fc.Arguments,
		"result":        fc.Result,
		"timestamp":     fc.UpdatedAt.Format(time.RFC3339),
	}, "", "  ")
	return completion.Message{Role: completion.RoleFunction, Name: fc.Name, Content: string(payload)}
}

func snapshotOf(fc *FunctionCall) FunctionCall {
	out := *fc
	out.Arguments = copyMap(fc.Arguments)
	out.Result = copyMap(fc.Result)
	return out
}

func stringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = copyValue(t[i])
		}
		return out
	default:
		return v
	}
}

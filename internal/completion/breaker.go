package completion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	clierr "github.com/ggonzalez94/web3chat/internal/errors"
)

type BreakerConfig struct {
	MaxFailures uint32
	Timeout     time.Duration
	Interval    time.Duration
}

func (c BreakerConfig) settings(name string, logger *slog.Logger) gobreaker.Settings {
	maxFailures := c.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	interval := c.Interval
	if interval == 0 {
		interval = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return gobreaker.Settings{
		Name:        "llm:" + name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
}

// BreakerProvider fails fast once its inner provider keeps failing.
type BreakerProvider struct {
	inner   Provider
	breaker *gobreaker.CircuitBreaker[string]
}

func NewBreakerProvider(inner Provider, cfg BreakerConfig, logger *slog.Logger) *BreakerProvider {
	return &BreakerProvider{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[string](cfg.settings(inner.Name(), logger)),
	}
}

func (p *BreakerProvider) Name() string { return p.inner.Name() }

func (p *BreakerProvider) State() gobreaker.State { return p.breaker.State() }

func (p *BreakerProvider) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	out, err := p.breaker.Execute(func() (string, error) {
		return p.inner.Complete(ctx, messages, opts)
	})
	return out, breakerError(p.inner.Name(), err)
}

// BreakerToolCaller is the ToolCaller counterpart of BreakerProvider.
type BreakerToolCaller struct {
	inner   ToolCaller
	breaker *gobreaker.CircuitBreaker[ToolResponse]
}

func NewBreakerToolCaller(inner ToolCaller, cfg BreakerConfig, logger *slog.Logger) *BreakerToolCaller {
	return &BreakerToolCaller{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker[ToolResponse](cfg.settings(inner.Name()+":tools", logger)),
	}
}

func (p *BreakerToolCaller) Name() string { return p.inner.Name() }

func (p *BreakerToolCaller) State() gobreaker.State { return p.breaker.State() }

func (p *BreakerToolCaller) CompleteWithTools(ctx context.Context, messages []Message, tools []Tool, opts Options) (ToolResponse, error) {
	out, err := p.breaker.Execute(func() (ToolResponse, error) {
		return p.inner.CompleteWithTools(ctx, messages, tools, opts)
	})
	return out, breakerError(p.inner.Name(), err)
}

func breakerError(name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("provider %q circuit open", name), err)
	}
	return err
}

var (
	_ Provider   = (*Gemini)(nil)
	_ ToolCaller = (*Gemini)(nil)
	_ Provider   = (*OpenAI)(nil)
	_ ToolCaller = (*OpenAI)(nil)
	_ Provider   = (*Sensay)(nil)
	_ ToolCaller = (*Replicate)(nil)
	_ Provider   = (*BreakerProvider)(nil)
	_ ToolCaller = (*BreakerToolCaller)(nil)
)

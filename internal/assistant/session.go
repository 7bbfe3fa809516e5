// Package assistant runs chat turns: it resolves intent, submits function
// calls to the controller and collects every message produced on the way.
package assistant

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"github.com/ggonzalez94/web3chat/internal/completion"
	"github.com/ggonzalez94/web3chat/internal/funccall"
	"github.com/ggonzalez94/web3chat/internal/intent"
	"github.com/ggonzalez94/web3chat/internal/txqueue"
)

const DefaultHistory = 20

// Resolver is satisfied by *intent.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, conversation []completion.Message, userInput string) intent.Resolution
}

type Config struct {
	Resolver Resolver
	// Calls configures the controller owned by the session; its OnMessage is
	// replaced by the session.
	Calls funccall.Config
	Queue *txqueue.Queue
	// History bounds how many prior user/assistant messages are sent to the
	// resolver.
	History int
	Logger  *slog.Logger
}

// Turn is everything one user action produced.
type Turn struct {
	Input     string                 `json:"input,omitempty"`
	Messages  []completion.Message   `json:"messages"`
	Call      *funccall.FunctionCall `json:"call,omitempty"`
	Discarded int                    `json:"discarded,omitempty"`
	Failed    bool                   `json:"failed,omitempty"`
}

type Session struct {
	resolver Resolver
	calls    *funccall.Controller
	queue    *txqueue.Queue
	history  int
	logger   *slog.Logger

	mu       sync.Mutex
	messages []completion.Message
}

func New(cfg Config) *Session {
	if cfg.History <= 0 {
		cfg.History = DefaultHistory
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Session{
		resolver: cfg.Resolver,
		queue:    cfg.Queue,
		history:  cfg.History,
		logger:   cfg.Logger,
	}
	callsCfg := cfg.Calls
	callsCfg.OnMessage = func(m completion.Message) { s.post(m) }
	if callsCfg.Queue == nil && cfg.Queue != nil {
		callsCfg.Queue = cfg.Queue
	}
	if callsCfg.Logger == nil {
		callsCfg.Logger = cfg.Logger
	}
	s.calls = funccall.New(callsCfg)
	return s
}

func (s *Session) Calls() *funccall.Controller { return s.calls }

func (s *Session) Queue() *txqueue.Queue { return s.queue }

// Send runs one user turn. It never fails: provider and chain errors end up
// as assistant messages.
func (s *Session) Send(ctx context.Context, input string) Turn {
	history := s.recent()
	start := s.post(completion.User(input))

	res := s.resolver.Resolve(ctx, history, input)
	turn := Turn{Input: input, Discarded: res.Discarded, Failed: res.Failed}
	if res.Acknowledgement != "" {
		s.post(completion.Assistant(res.Acknowledgement))
	}
	if res.Reply != "" {
		s.post(completion.Assistant(res.Reply))
	}
	if res.Call != nil {
		fc := s.calls.Submit(ctx, *res.Call)
		turn.Call = &fc
	}
	turn.Messages = s.since(start + 1)
	return turn
}

// Approve approves a pending call and returns the messages its execution
// produced.
func (s *Session) Approve(ctx context.Context, callID string) (Turn, error) {
	return s.decide(ctx, callID, funccall.StatusApproved)
}

func (s *Session) Reject(ctx context.Context, callID string) (Turn, error) {
	return s.decide(ctx, callID, funccall.StatusRejected)
}

func (s *Session) decide(ctx context.Context, callID string, status funccall.Status) (Turn, error) {
	start := s.length()
	fc, err := s.calls.SetStatus(ctx, callID, status)
	if err != nil {
		return Turn{}, err
	}
	return Turn{Messages: s.since(start), Call: &fc}, nil
}

// Messages returns the full conversation.
func (s *Session) Messages() []completion.Message {
	return s.since(0)
}

// post appends msg and returns its index.
func (s *Session) post(msg completion.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return len(s.messages) - 1
}

func (s *Session) length() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *Session) since(idx int) []completion.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx >= len(s.messages) {
		return []completion.Message{}
	}
	out := make([]completion.Message, len(s.messages)-idx)
	copy(out, s.messages[idx:])
	return out
}

// recent returns the last user and assistant messages; function results stay
// out of the resolver's context.
func (s *Session) recent() []completion.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]completion.Message, 0, s.history)
	for i := len(s.messages) - 1; i >= 0 && len(out) < s.history; i-- {
		if m := s.messages[i]; m.Role == completion.RoleUser || m.Role == completion.RoleAssistant {
			out = append(out, m)
		}
	}
	slices.Reverse(out)
	return out
}

package assistant

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ggonzalez94/web3chat/internal/capability"
	"github.com/ggonzalez94/web3chat/internal/chain"
	"github.com/ggonzalez94/web3chat/internal/completion"
	"github.com/ggonzalez94/web3chat/internal/funccall"
	"github.com/ggonzalez94/web3chat/internal/intent"
	"github.com/ggonzalez94/web3chat/internal/interpret"
	"github.com/ggonzalez94/web3chat/internal/logger"
	"github.com/ggonzalez94/web3chat/internal/txqueue"
)

type scriptedProvider struct {
	reply string
	err   error
	seen  [][]completion.Message
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(_ context.Context, msgs []completion.Message, _ completion.Options) (string, error) {
	p.seen = append(p.seen, msgs)
	return p.reply, p.err
}

type scriptedTools struct {
	calls []completion.Call
}

func (s *scriptedTools) Name() string { return "tools" }

func (s *scriptedTools) CompleteWithTools(context.Context, []completion.Message, []completion.Tool, completion.Options) (completion.ToolResponse, error) {
	return completion.ToolResponse{Calls: s.calls}, nil
}

func newSession(t *testing.T, detect *scriptedProvider, tools *scriptedTools) *Session {
	t.Helper()
	log := logger.Discard()
	queue := txqueue.New(txqueue.Config{Expiry: time.Hour, Logger: log})
	t.Cleanup(queue.Close)
	resolver := intent.New(intent.Config{Detect: detect, Tools: tools, Timeout: time.Second, Logger: log})
	return New(Config{
		Resolver: resolver,
		Queue:    queue,
		Calls: funccall.Config{
			Registry:    capability.Default(),
			Executor:    chain.NewSimulated(chain.SimulatedConfig{Seed: 1}),
			Interpreter: interpret.New(&scriptedProvider{err: errors.New("down")}, completion.DefaultOptions(), time.Second, log),
			Wallet:      "0x000000000000000000000000000000000000bEEF",
			ChainID:     56,
		},
		Logger: log,
	})
}

func TestSendWithoutSentinelRepliesVerbatim(t *testing.T) {
	detect := &scriptedProvider{reply: "Ethereum is a smart contract platform."}
	s := newSession(t, detect, &scriptedTools{})
	turn := s.Send(context.Background(), "Tell me about Ethereum")
	if turn.Call != nil {
		t.Fatalf("expected no function call, got %+v", turn.Call)
	}
	if len(turn.Messages) != 1 || turn.Messages[0].Content != "Ethereum is a smart contract platform." {
		t.Fatalf("unexpected messages: %+v", turn.Messages)
	}
	if got := len(s.Calls().List()); got != 0 {
		t.Fatalf("expected no calls recorded, got %d", got)
	}
}

func TestSendReadOnlyCallIsInterpreted(t *testing.T) {
	detect := &scriptedProvider{reply: "Let me check your balance. " + intent.Sentinel}
	tools := &scriptedTools{calls: []completion.Call{{
		Name:      capability.GetTokenBalance,
		Arguments: map[string]any{"token_address": "native", "wallet_address": "0xabc"},
	}}}
	s := newSession(t, detect, tools)
	turn := s.Send(context.Background(), "What's my BNB balance?")
	if turn.Call == nil || turn.Call.Status != funccall.StatusExecuted {
		t.Fatalf("expected executed call, got %+v", turn.Call)
	}
	if turn.Call.Result["balance"] != "42.38" {
		t.Fatalf("unexpected result: %+v", turn.Call.Result)
	}
	var texts []string
	for _, m := range turn.Messages {
		if m.Role == completion.RoleAssistant {
			texts = append(texts, m.Content)
		}
	}
	if len(texts) < 2 || texts[0] != "Let me check your balance." || !strings.Contains(strings.Join(texts, "\n"), "42.38") {
		t.Fatalf("unexpected assistant messages: %v", texts)
	}
}

func TestApproveSendQueuesTransaction(t *testing.T) {
	detect := &scriptedProvider{reply: "Preparing the transfer. " + intent.Sentinel}
	tools := &scriptedTools{calls: []completion.Call{{
		Name:      capability.SendToken,
		Arguments: map[string]any{"token_address": "native", "to_address": "0x000000000000000000000000000000000000dEaD", "amount": "0.1"},
	}}}
	s := newSession(t, detect, tools)
	turn := s.Send(context.Background(), "send 0.1 BNB to 0xdead")
	if turn.Call == nil || turn.Call.Status != funccall.StatusPending {
		t.Fatalf("expected pending call, got %+v", turn.Call)
	}

	approved, err := s.Approve(context.Background(), turn.Call.ID)
	if err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if approved.Call.Status != funccall.StatusExecuted {
		t.Fatalf("expected executed, got %s", approved.Call.Status)
	}
	if len(approved.Messages) == 0 {
		t.Fatal("expected execution to produce messages")
	}
	txs := s.Queue().List()
	if len(txs) != 1 || txs[0].Status != txqueue.StatusSuccess || txs[0].Description != "send_token - 0.1 BNB" {
		t.Fatalf("unexpected queue: %+v", txs)
	}
}

func TestRejectNeverExecutes(t *testing.T) {
	detect := &scriptedProvider{reply: intent.Sentinel}
	tools := &scriptedTools{calls: []completion.Call{{
		Name:      capability.SendToken,
		Arguments: map[string]any{"token_address": "native", "to_address": "0xdef", "amount": "0.1"},
	}}}
	s := newSession(t, detect, tools)
	turn := s.Send(context.Background(), "send 0.1 BNB to 0xdef")
	rejected, err := s.Reject(context.Background(), turn.Call.ID)
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if rejected.Call.Status != funccall.StatusRejected || rejected.Call.Result != nil {
		t.Fatalf("unexpected rejected call: %+v", rejected.Call)
	}
	if len(s.Queue().List()) != 0 {
		t.Fatal("rejected call must not queue a transaction")
	}
}

func TestProviderFailureUsesFallback(t *testing.T) {
	detect := &scriptedProvider{err: errors.New("timeout")}
	s := newSession(t, detect, &scriptedTools{})
	turn := s.Send(context.Background(), "hi")
	if !turn.Failed || len(turn.Messages) != 1 || turn.Messages[0].Content != intent.Fallback {
		t.Fatalf("unexpected turn: %+v", turn)
	}
}

func TestHistoryExcludesFunctionMessages(t *testing.T) {
	detect := &scriptedProvider{reply: "Checking. " + intent.Sentinel}
	tools := &scriptedTools{calls: []completion.Call{{Name: capability.GetGasPrice, Arguments: map[string]any{"chain": "bsc"}}}}
	s := newSession(t, detect, tools)
	s.Send(context.Background(), "gas on bsc?")
	s.Send(context.Background(), "and again?")

	second := detect.seen[1]
	for _, m := range second {
		if m.Role == completion.RoleFunction {
			t.Fatalf("function message leaked into resolver context: %+v", m)
		}
	}
	var sawFunction bool
	for _, m := range s.Messages() {
		if m.Role == completion.RoleFunction {
			sawFunction = true
		}
	}
	if !sawFunction {
		t.Fatal("expected the conversation to keep the function result message")
	}
}

func TestApproveUnknownCall(t *testing.T) {
	s := newSession(t, &scriptedProvider{}, &scriptedTools{})
	if _, err := s.Approve(context.Background(), "fc_missing"); err == nil {
		t.Fatal("expected error for unknown call")
	}
}

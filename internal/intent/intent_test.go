package intent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ggonzalez94/web3chat/internal/completion"
	"github.com/ggonzalez94/web3chat/internal/logger"
)

type fakeProvider struct {
	name  string
	reply string
	err   error
	block bool
	seen  [][]completion.Message
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, msgs []completion.Message, _ completion.Options) (string, error) {
	f.seen = append(f.seen, msgs)
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.reply, f.err
}

type fakeTools struct {
	resp  completion.ToolResponse
	err   error
	calls int
	tools []completion.Tool
	msgs  []completion.Message
}

func (f *fakeTools) Name() string { return "fake-tools" }

func (f *fakeTools) CompleteWithTools(_ context.Context, msgs []completion.Message, tools []completion.Tool, _ completion.Options) (completion.ToolResponse, error) {
	f.calls++
	f.tools = tools
	f.msgs = msgs
	return f.resp, f.err
}

func newResolver(detect completion.Provider, reply completion.Provider, tools completion.ToolCaller) *Resolver {
	return New(Config{Detect: detect, Reply: reply, Tools: tools, Logger: logger.Discard(), Timeout: time.Second})
}

func TestResolveWithoutSentinelUsesDetectionTextVerbatim(t *testing.T) {
	detect := &fakeProvider{name: "detect", reply: "Ethereum is a smart contract platform."}
	tools := &fakeTools{}
	res := newResolver(detect, nil, tools).Resolve(context.Background(), nil, "Tell me about Ethereum")

	if res.Call != nil {
		t.Fatalf("expected no call, got %+v", res.Call)
	}
	if res.Reply != "Ethereum is a smart contract platform." {
		t.Fatalf("expected verbatim reply, got %q", res.Reply)
	}
	if tools.calls != 0 {
		t.Fatal("stage 2 must be skipped without the sentinel")
	}
	msgs := detect.seen[0]
	if msgs[0].Role != completion.RoleSystem || !strings.Contains(msgs[0].Content, Sentinel) {
		t.Fatalf("expected detection system prompt first, got %+v", msgs[0])
	}
	if last := msgs[len(msgs)-1]; last.Role != completion.RoleUser || last.Content != "Tell me about Ethereum" {
		t.Fatalf("expected user input last, got %+v", last)
	}
}

func TestResolveUsesFirstCallAndCountsDiscarded(t *testing.T) {
	detect := &fakeProvider{name: "detect", reply: "Let me check your BNB balance for you. " + Sentinel}
	tools := &fakeTools{resp: completion.ToolResponse{Calls: []completion.Call{
		{Name: "get_token_balance", Arguments: map[string]any{"token_address": "native", "wallet_address": "0xabc"}},
		{Name: "get_token_price", Arguments: map[string]any{"token_symbol": "BNB"}},
	}}}
	res := newResolver(detect, nil, tools).Resolve(context.Background(), []completion.Message{completion.User("hi"), completion.Assistant("hello")}, "What's my BNB balance?")

	if res.Call == nil || res.Call.Name != "get_token_balance" {
		t.Fatalf("expected first call to win, got %+v", res.Call)
	}
	if res.Discarded != 1 {
		t.Fatalf("expected one discarded call, got %d", res.Discarded)
	}
	if res.Acknowledgement != "Let me check your BNB balance for you." {
		t.Fatalf("unexpected acknowledgement: %q", res.Acknowledgement)
	}
	if len(tools.tools) != 8 {
		t.Fatalf("expected full registry as tools, got %d", len(tools.tools))
	}
	if len(tools.msgs) != 2 || tools.msgs[1].Content != "What's my BNB balance?" {
		t.Fatalf("stage 2 must only see system prompt and query, got %+v", tools.msgs)
	}
}

func TestResolveFreeTextFromStageTwo(t *testing.T) {
	detect := &fakeProvider{name: "detect", reply: Sentinel}
	tools := &fakeTools{resp: completion.ToolResponse{Text: "Which token do you mean?"}}
	res := newResolver(detect, nil, tools).Resolve(context.Background(), nil, "balance")
	if res.Call != nil || res.Reply != "Which token do you mean?" {
		t.Fatalf("unexpected resolution: %+v", res)
	}
}

func TestResolveUnknownFunctionIsDiscarded(t *testing.T) {
	detect := &fakeProvider{name: "detect", reply: "ok " + Sentinel}
	tools := &fakeTools{resp: completion.ToolResponse{Calls: []completion.Call{{Name: "deploy_contract"}}}}
	res := newResolver(detect, nil, tools).Resolve(context.Background(), nil, "deploy")
	if res.Call != nil {
		t.Fatalf("expected unknown call to be dropped, got %+v", res.Call)
	}
	if res.Reply != Fallback || res.Discarded != 1 {
		t.Fatalf("unexpected resolution: %+v", res)
	}
}

func TestResolveFailuresProduceFallback(t *testing.T) {
	detect := &fakeProvider{name: "detect", err: errors.New("network down")}
	res := newResolver(detect, nil, &fakeTools{}).Resolve(context.Background(), nil, "hi")
	if res.Reply != Fallback || !res.Failed || res.Call != nil {
		t.Fatalf("expected fallback on detection failure, got %+v", res)
	}

	detect = &fakeProvider{name: "detect", reply: Sentinel}
	res = newResolver(detect, nil, &fakeTools{err: errors.New("boom")}).Resolve(context.Background(), nil, "hi")
	if res.Reply != Fallback || res.Call != nil {
		t.Fatalf("expected fallback on resolution failure, got %+v", res)
	}
}

func TestResolveTimeoutProducesFallback(t *testing.T) {
	detect := &fakeProvider{name: "detect", block: true}
	r := New(Config{Detect: detect, Tools: &fakeTools{}, Logger: logger.Discard(), Timeout: 20 * time.Millisecond})
	start := time.Now()
	res := r.Resolve(context.Background(), nil, "hi")
	if res.Reply != Fallback {
		t.Fatalf("expected fallback on timeout, got %+v", res)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("timeout was not enforced")
	}
}

func TestResolveReplyProviderAnswersPlainTurns(t *testing.T) {
	detect := &fakeProvider{name: "gemini", reply: "detection text"}
	reply := &fakeProvider{name: "sensay", reply: "Staking locks tokens to secure the network."}
	res := newResolver(detect, reply, &fakeTools{}).Resolve(context.Background(), nil, "what is staking")
	if res.Reply != "Staking locks tokens to secure the network." {
		t.Fatalf("expected reply provider answer, got %q", res.Reply)
	}

	reply.err = errors.New("sensay down")
	reply.reply = ""
	res = newResolver(detect, reply, &fakeTools{}).Resolve(context.Background(), nil, "what is staking")
	if res.Reply != Fallback {
		t.Fatalf("expected fallback when reply provider fails, got %q", res.Reply)
	}
}

package completion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"

	clierr "github.com/ggonzalez94/web3chat/internal/errors"
	"github.com/ggonzalez94/web3chat/internal/httpx"
	"github.com/ggonzalez94/web3chat/internal/logger"
)

var gasTool = Tool{
	Name:        "get_gas_price",
	Description: "Get the current gas price in Gwei",
	Parameters: map[string]any{
		"type":       "object",
		"properties": map[string]any{"chain": map[string]any{"type": "string"}},
		"required":   []string{"chain"},
	},
}

func TestGeminiCompleteMapsRoles(t *testing.T) {
	var captured geminiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/v1beta/models/gemini-2.0-flash:generateContent") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "k" {
			t.Errorf("expected api key in query, got %q", r.URL.RawQuery)
		}
		_ = json.NewDecoder(r.Body).Decode(&captured)
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"Gas is low."}]}}]}`))
	}))
	defer srv.Close()

	g := NewGemini(httpx.New(2*time.Second, 0), srv.URL, "k", "")
	reply, err := g.Complete(context.Background(), []Message{
		System("be helpful"),
		User("hi"),
		Assistant("hello"),
		User("gas?"),
	}, Options{})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if reply != "Gas is low." {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if captured.SystemInstruction == nil || captured.SystemInstruction.Parts[0].Text != "be helpful" {
		t.Fatalf("expected system instruction, got %+v", captured.SystemInstruction)
	}
	if len(captured.Contents) != 3 || captured.Contents[1].Role != "model" {
		t.Fatalf("unexpected contents: %+v", captured.Contents)
	}
	if captured.GenerationConfig == nil || captured.GenerationConfig.MaxOutputTokens != 2000 {
		t.Fatalf("expected default generation config, got %+v", captured.GenerationConfig)
	}
}

func TestGeminiToolCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req geminiRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.Tools) != 1 || req.Tools[0].FunctionDeclarations[0].Name != "get_gas_price" {
			t.Errorf("expected function declarations, got %+v", req.Tools)
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"functionCall":{"name":"get_gas_price","args":{"chain":"ethereum"}}}]}}]}`))
	}))
	defer srv.Close()

	g := NewGemini(httpx.New(2*time.Second, 0), srv.URL, "k", "gemini-2.0-flash")
	resp, err := g.CompleteWithTools(context.Background(), []Message{User("gas on ethereum")}, []Tool{gasTool}, DefaultOptions())
	if err != nil {
		t.Fatalf("CompleteWithTools failed: %v", err)
	}
	if len(resp.Calls) != 1 || resp.Calls[0].Arguments["chain"] != "ethereum" {
		t.Fatalf("unexpected calls: %+v", resp.Calls)
	}
}

func TestGeminiMissingKey(t *testing.T) {
	g := NewGemini(httpx.New(time.Second, 0), "http://127.0.0.1:1", "", "")
	_, err := g.Complete(context.Background(), []Message{User("hi")}, Options{})
	if clierr.CodeOf(err) != clierr.CodeAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestOpenAIToolCalls(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("unexpected auth header: %q", r.Header.Get("Authorization"))
		}
		buf, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(buf, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gemini-2.0-flash",
			"choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"",
				"tool_calls":[
					{"id":"c1","type":"function","function":{"name":"get_gas_price","arguments":"{\"chain\":\"ethereum\"}"}},
					{"id":"c2","type":"function","function":{"name":"get_token_price","arguments":"{\"token_symbol\":\"ETH\"}"}}
				]}}]
		}`))
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: srv.URL, Model: "gemini-2.0-flash"})
	resp, err := p.CompleteWithTools(context.Background(), []Message{System("sys"), User("gas?")}, []Tool{gasTool}, DefaultOptions())
	if err != nil {
		t.Fatalf("CompleteWithTools failed: %v", err)
	}
	if len(resp.Calls) != 2 || resp.Calls[0].Name != "get_gas_price" || resp.Calls[0].Arguments["chain"] != "ethereum" {
		t.Fatalf("unexpected calls: %+v", resp.Calls)
	}
	if body["tool_choice"] != "auto" {
		t.Fatalf("expected tool_choice auto, got %v", body["tool_choice"])
	}
	if msgs, _ := body["messages"].([]any); len(msgs) != 2 {
		t.Fatalf("expected two messages, got %v", body["messages"])
	}
}

func TestOpenAIAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	p := NewOpenAI(OpenAIConfig{APIKey: "bad", BaseURL: srv.URL})
	_, err := p.Complete(context.Background(), []Message{User("hi")}, Options{})
	if clierr.CodeOf(err) != clierr.CodeAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
}

func TestSensayDiscoversReplicaAndSendsLastUser(t *testing.T) {
	var chatBody sensayChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-ORGANIZATION-SECRET") != "secret" || r.Header.Get("X-API-Version") != "2025-03-25" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/replicas":
			_, _ = w.Write([]byte(`{"items":[{"uuid":"r-0","slug":"other"},{"uuid":"r-1","slug":"axioschat_v2"}]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/v1/replicas/r-1/chat/completions":
			_ = json.NewDecoder(r.Body).Decode(&chatBody)
			_, _ = w.Write([]byte(`{"success":true,"content":"Staking locks tokens."}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	s := NewSensay(httpx.New(2*time.Second, 0), SensayConfig{BaseURL: srv.URL, APIKey: "secret"})
	reply, err := s.Complete(context.Background(), []Message{User("first"), Assistant("ok"), User("what is staking?")}, Options{})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if reply != "Staking locks tokens." {
		t.Fatalf("unexpected reply: %q", reply)
	}
	if chatBody.Content != "what is staking?" || chatBody.Source != "web" {
		t.Fatalf("unexpected chat body: %+v", chatBody)
	}
}

func TestReplicateParsesCallsAndText(t *testing.T) {
	var input replicateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&input)
		if strings.Contains(input.Input.Query, "price") {
			_, _ = w.Write([]byte(`{"id":"p1","status":"succeeded","output":[{"type":"function","function":{"name":"get_token_price","arguments":{"token_symbol":"BTC"}}}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"p2","status":"succeeded","output":"I can only help with web3."}`))
	}))
	defer srv.Close()

	r := NewReplicate(httpx.New(2*time.Second, 0), ReplicateConfig{Endpoint: srv.URL, APIToken: "tok", Version: "v1"})
	resp, err := r.CompleteWithTools(context.Background(), []Message{User("btc price")}, []Tool{gasTool}, Options{})
	if err != nil {
		t.Fatalf("CompleteWithTools failed: %v", err)
	}
	if len(resp.Calls) != 1 || resp.Calls[0].Arguments["token_symbol"] != "BTC" {
		t.Fatalf("unexpected calls: %+v", resp.Calls)
	}
	if input.Input.MaxNewTokens != 3000 || !strings.Contains(input.Input.Tools, "get_gas_price") {
		t.Fatalf("unexpected input: %+v", input.Input)
	}

	resp, err = r.CompleteWithTools(context.Background(), []Message{User("weather")}, nil, Options{})
	if err != nil {
		t.Fatalf("CompleteWithTools failed: %v", err)
	}
	if resp.Text != "I can only help with web3." || len(resp.Calls) != 0 {
		t.Fatalf("unexpected text response: %+v", resp)
	}
}

type failingProvider struct{ calls int32 }

func (f *failingProvider) Name() string { return "flaky" }

func (f *failingProvider) Complete(context.Context, []Message, Options) (string, error) {
	atomic.AddInt32(&f.calls, 1)
	return "", errors.New("boom")
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &failingProvider{}
	p := NewBreakerProvider(inner, BreakerConfig{MaxFailures: 2, Timeout: time.Minute}, logger.Discard())
	for i := 0; i < 2; i++ {
		if _, err := p.Complete(context.Background(), nil, Options{}); err == nil {
			t.Fatal("expected inner failure")
		}
	}
	if p.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", p.State())
	}
	_, err := p.Complete(context.Background(), nil, Options{})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open-state error, got %v", err)
	}
	if clierr.CodeOf(err) != clierr.CodeUnavailable {
		t.Fatalf("expected unavailable code, got %v", clierr.CodeOf(err))
	}
	if atomic.LoadInt32(&inner.calls) != 2 {
		t.Fatalf("expected open circuit to skip inner provider, calls=%d", inner.calls)
	}
}

func TestLastUser(t *testing.T) {
	if got := LastUser([]Message{User("a"), Assistant("b"), User("c"), Assistant("d")}); got != "c" {
		t.Fatalf("unexpected last user message: %q", got)
	}
	if LastUser(nil) != "" {
		t.Fatal("expected empty string for no messages")
	}
}

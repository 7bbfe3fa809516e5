// Package completion defines the chat-completion surface the assistant talks
// to, and the concrete LLM providers behind it.
package completion

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
)

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

func System(content string) Message    { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message      { return Message{Role: RoleUser, Content: content} }
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

type Options struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens"`
}

func DefaultOptions() Options {
	return Options{Temperature: 0.7, TopP: 0.9, MaxTokens: 2000}
}

// withDefaults fills zero fields so providers never send an empty budget.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Temperature <= 0 {
		o.Temperature = d.Temperature
	}
	if o.TopP <= 0 {
		o.TopP = d.TopP
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = d.MaxTokens
	}
	return o
}

// Provider returns plain assistant text for a conversation.
type Provider interface {
	Name() string
	Complete(ctx context.Context, messages []Message, opts Options) (string, error)
}

// Tool is a function declaration offered to a ToolCaller.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Call is a structured function invocation produced by the model.
type Call struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type ToolResponse struct {
	Text  string `json:"text,omitempty"`
	Calls []Call `json:"calls,omitempty"`
}

// ToolCaller resolves a request into zero or more structured calls.
type ToolCaller interface {
	Name() string
	CompleteWithTools(ctx context.Context, messages []Message, tools []Tool, opts Options) (ToolResponse, error)
}

// LastUser returns the content of the most recent user message.
func LastUser(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i].Content
		}
	}
	return ""
}

func trimBaseURL(base, fallback string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return fallback
	}
	return base
}

// decodeArguments parses the JSON argument string many providers emit.
func decodeArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("decode function arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

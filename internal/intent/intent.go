// Package intent decides whether a user turn needs a chain function and,
// when it does, which one and with what arguments.
package intent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/ggonzalez94/web3chat/internal/capability"
	"github.com/ggonzalez94/web3chat/internal/completion"
	"github.com/ggonzalez94/web3chat/internal/tracer"
)

// Sentinel is appended by the detection model when a function is needed.
const Sentinel = "[FUNCTION_NEEDED]"

// Fallback is the reply used whenever a provider call fails.
const Fallback = "I'm having trouble connecting to my knowledge sources right now. Let me try a different approach to help you."

const detectionPrompt = `You are a specialized Web3 assistant with deep knowledge of blockchain, cryptocurrencies, DeFi, NFTs, and smart contracts.

Your ONLY job is to determine if the user's request requires calling a blockchain function.

If the user asks for information that requires accessing blockchain data (like balances, prices, gas) or wants to perform an on-chain action, respond with:
1. A brief message indicating you need to check that information
2. Include the tag ` + Sentinel + ` at the end of your message

Available functions:
- get_token_balance - For checking token balances
- get_token_price - For checking token prices
- get_gas_price - For checking gas prices
- send_token - For sending tokens
- swap_tokens - For swapping tokens
- add_liquidity - For adding liquidity
- explain_transaction - For explaining a transaction
- estimate_gas - For estimating the gas cost of a transaction

Example:
User: "What's my BNB balance?"
You: "Let me check your BNB balance for you. ` + Sentinel + `"

User: "Tell me about Ethereum"
You: "Ethereum is a decentralized blockchain platform that enables the creation of smart contracts and decentralized applications (dApps)..."

DO NOT try to execute functions yourself. DO NOT include any specific function names in your response.
DO NOT make up any blockchain data. ONLY identify if a function call is needed.`

var errNoProvider = errors.New("no detection provider configured")

const resolutionPrompt = "You are a helpful Web3 assistant that can execute functions to help users with blockchain tasks."

// Resolution is the outcome of one user turn.
type Resolution struct {
	// Acknowledgement is the detection text with the sentinel removed. It is
	// only set when a function was needed.
	Acknowledgement string           `json:"acknowledgement,omitempty"`
	Reply           string           `json:"reply,omitempty"`
	Call            *completion.Call `json:"call,omitempty"`
	Discarded       int              `json:"discarded,omitempty"`
	Failed          bool             `json:"failed,omitempty"`
}

type Config struct {
	Detect   completion.Provider
	Reply    completion.Provider
	Tools    completion.ToolCaller
	Registry *capability.Registry
	Options  completion.Options
	Timeout  time.Duration
	Logger   *slog.Logger
}

type Resolver struct {
	detect   completion.Provider
	reply    completion.Provider
	tools    completion.ToolCaller
	registry *capability.Registry
	opts     completion.Options
	timeout  time.Duration
	logger   *slog.Logger
}

func New(cfg Config) *Resolver {
	if cfg.Registry == nil {
		cfg.Registry = capability.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Options == (completion.Options{}) {
		cfg.Options = completion.DefaultOptions()
	}
	return &Resolver{
		detect:   cfg.Detect,
		reply:    cfg.Reply,
		tools:    cfg.Tools,
		registry: cfg.Registry,
		opts:     cfg.Options,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
}

// Tools converts the registry into tool declarations.
func Tools(reg *capability.Registry) []completion.Tool {
	caps := reg.List()
	out := make([]completion.Tool, 0, len(caps))
	for _, c := range caps {
		out = append(out, completion.Tool{Name: c.Name, Description: c.Description, Parameters: c.JSONSchema()})
	}
	return out
}

// Resolve never returns an error; provider failures become the fallback reply.
func (r *Resolver) Resolve(ctx context.Context, conversation []completion.Message, userInput string) Resolution {
	ctx, span := tracer.StartSpan(ctx, "intent.resolve")
	var spanErr error
	defer func() { tracer.End(span, spanErr) }()

	detected, err := r.detectNeed(ctx, conversation, userInput)
	if err != nil {
		spanErr = err
		r.logger.Warn("function detection failed", "provider", providerName(r.detect), "error", err)
		return Resolution{Reply: Fallback, Failed: true}
	}

	if !strings.Contains(detected, Sentinel) {
		if r.reply == nil {
			return Resolution{Reply: detected}
		}
		answer, err := r.answer(ctx, conversation, userInput)
		if err != nil {
			spanErr = err
			r.logger.Warn("reply provider failed", "provider", r.reply.Name(), "error", err)
			return Resolution{Reply: Fallback, Failed: true}
		}
		return Resolution{Reply: answer}
	}

	res := Resolution{Acknowledgement: strings.TrimSpace(strings.Replace(detected, Sentinel, "", 1))}
	if r.tools == nil {
		r.logger.Warn("function needed but no tool resolver configured")
		res.Reply = Fallback
		res.Failed = true
		return res
	}

	resp, err := r.resolveCall(ctx, userInput)
	if err != nil {
		spanErr = err
		r.logger.Warn("function resolution failed", "provider", r.tools.Name(), "error", err)
		res.Reply = Fallback
		res.Failed = true
		return res
	}

	if len(resp.Calls) == 0 {
		res.Reply = nonEmpty(resp.Text)
		return res
	}

	first := resp.Calls[0]
	res.Discarded = len(resp.Calls) - 1
	if res.Discarded > 0 {
		names := make([]string, 0, res.Discarded)
		for _, c := range resp.Calls[1:] {
			names = append(names, c.Name)
		}
		r.logger.Info("discarding extra function calls", "used", first.Name, "discarded", names)
	}
	if _, ok := r.registry.Lookup(first.Name); !ok {
		r.logger.Warn("model nominated unknown function", "name", first.Name)
		res.Discarded++
		res.Reply = nonEmpty(resp.Text)
		return res
	}
	if first.Arguments == nil {
		first.Arguments = map[string]any{}
	}
	res.Call = &first
	return res
}

func (r *Resolver) detectNeed(ctx context.Context, conversation []completion.Message, userInput string) (string, error) {
	if r.detect == nil {
		return "", errNoProvider
	}
	msgs := make([]completion.Message, 0, len(conversation)+2)
	msgs = append(msgs, completion.System(detectionPrompt))
	msgs = append(msgs, conversation...)
	msgs = append(msgs, completion.User(userInput))

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.detect.Complete(ctx, msgs, r.opts)
}

func (r *Resolver) answer(ctx context.Context, conversation []completion.Message, userInput string) (string, error) {
	msgs := make([]completion.Message, 0, len(conversation)+1)
	msgs = append(msgs, conversation...)
	msgs = append(msgs, completion.User(userInput))

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.reply.Complete(ctx, msgs, r.opts)
}

func (r *Resolver) resolveCall(ctx context.Context, userInput string) (completion.ToolResponse, error) {
	msgs := []completion.Message{
		completion.System(resolutionPrompt),
		completion.User(userInput),
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.tools.CompleteWithTools(ctx, msgs, Tools(r.registry), r.opts)
}

func nonEmpty(text string) string {
	if strings.TrimSpace(text) == "" {
		return Fallback
	}
	return text
}

func providerName(p completion.Provider) string {
	if p == nil {
		return ""
	}
	return p.Name()
}

// Package interpret turns raw function results into a user-facing explanation.
package interpret

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ggonzalez94/web3chat/internal/capability"
	"github.com/ggonzalez94/web3chat/internal/completion"
	"github.com/ggonzalez94/web3chat/internal/tracer"
)

const systemPrompt = "You are a specialized Web3 assistant. Do not mention that this data is simulated or mock. Present the information as if it were retrieved from a real blockchain."

// invalidMarker appears in provider replies that carry no usable answer.
const invalidMarker = "No valid response from"

type Interpreter struct {
	provider completion.Provider
	opts     completion.Options
	timeout  time.Duration
	logger   *slog.Logger
	native   string
}

func New(provider completion.Provider, opts completion.Options, timeout time.Duration, logger *slog.Logger) *Interpreter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts == (completion.Options{}) {
		opts = completion.DefaultOptions()
	}
	return &Interpreter{provider: provider, opts: opts, timeout: timeout, logger: logger}
}

// WithNativeSymbol sets the symbol templates use for the chain's native token.
func (i *Interpreter) WithNativeSymbol(symbol string) *Interpreter {
	i.native = strings.TrimSpace(symbol)
	return i
}

// Interpret always returns a non-empty explanation.
func (i *Interpreter) Interpret(ctx context.Context, name string, args, result map[string]any) string {
	if i == nil {
		return Fallback("", name, args, result)
	}
	if i.provider == nil {
		return Fallback(i.native, name, args, result)
	}
	ctx, span := tracer.StartSpan(ctx, "interpret", tracer.String("function", name))
	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	reply, err := i.provider.Complete(ctx, Messages(name, args, result), i.opts)
	tracer.End(span, err)
	if err != nil {
		i.logger.Warn("interpretation failed, using template", "function", name, "provider", i.provider.Name(), "error", err)
		return Fallback(i.native, name, args, result)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" || strings.Contains(reply, invalidMarker) {
		i.logger.Warn("interpretation returned no usable text, using template", "function", name)
		return Fallback(i.native, name, args, result)
	}
	return reply
}

// Messages builds the two-message interpretation prompt. No conversation
// history is included.
func Messages(name string, args, result map[string]any) []completion.Message {
	user := fmt.Sprintf("Function %q executed with arguments %s.\n\nResult: %s\n\nPlease explain this result to the user in plain language. Do not restate the raw JSON. Be concise.",
		name, compactJSON(args), compactJSON(result))
	return []completion.Message{
		completion.System(systemPrompt),
		completion.User(user),
	}
}

// Fallback renders the deterministic template for name. native names the
// chain's native token; an empty value renders a generic unit.
func Fallback(native, name string, args, result map[string]any) string {
	switch name {
	case capability.GetTokenBalance:
		token := firstNonEmpty(str(result["token"]), "token")
		unit := firstNonEmpty(str(result["token"]), "tokens")
		if isNative(args["token_address"]) {
			unit = firstNonEmpty(str(result["token"]), native, "native tokens")
		}
		return fmt.Sprintf("Your %s balance is %s %s.", token, str(result["balance"]), unit)
	case capability.GetTokenPrice:
		return fmt.Sprintf("The current price of %s is %s %s.", str(args["token_symbol"]), str(result["price"]), firstNonEmpty(str(result["currency"]), "USD"))
	case capability.SendToken:
		return fmt.Sprintf("Transaction sent! %s %s have been sent to %s. Transaction hash: %s",
			str(args["amount"]), unitFor(native, args["token_address"]), str(args["to_address"]), str(result["txHash"]))
	case capability.SwapTokens:
		return fmt.Sprintf("Swap completed! You received %s %s for %s %s. Transaction hash: %s",
			str(result["amountOut"]), str(args["token_out"]), str(args["amount_in"]), str(args["token_in"]), str(result["txHash"]))
	case capability.AddLiquidity:
		return fmt.Sprintf("Liquidity added! You deposited %s %s and %s %s and received %s LP tokens. Transaction hash: %s",
			str(args["amount_a"]), str(args["token_a"]), str(args["amount_b"]), str(args["token_b"]), str(result["lpTokens"]), str(result["txHash"]))
	case capability.GetGasPrice:
		return fmt.Sprintf("The current gas price is %s %s.", str(result["price"]), firstNonEmpty(str(result["unit"]), "Gwei"))
	case capability.ExplainTransaction:
		return fmt.Sprintf("Transaction %s is a %s from %s to %s with value %s. Status: %s.",
			str(args["transaction_hash"]), firstNonEmpty(str(result["type"]), "transaction"),
			str(result["from"]), str(result["to"]), firstNonEmpty(str(result["value"]), "0"), firstNonEmpty(str(result["status"]), "unknown"))
	case capability.EstimateGas:
		return fmt.Sprintf("This transaction needs about %s gas at %s Gwei, costing roughly %s in native tokens.",
			str(result["gas"]), str(result["gasPrice"]), str(result["totalCost"]))
	default:
		pretty, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			pretty = []byte(fmt.Sprintf("%v", result))
		}
		return fmt.Sprintf("Function %s executed successfully: %s", name, pretty)
	}
}

func unitFor(native string, tokenAddress any) string {
	if isNative(tokenAddress) {
		return firstNonEmpty(native, "native tokens")
	}
	return "tokens"
}

func isNative(v any) bool {
	return strings.EqualFold(strings.TrimSpace(str(v)), "native")
}

func str(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func compactJSON(v any) string {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(buf)
}

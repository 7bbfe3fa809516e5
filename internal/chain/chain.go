// Package chain executes capabilities against a blockchain backend.
package chain

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ggonzalez94/web3chat/internal/capability"
	clierr "github.com/ggonzalez94/web3chat/internal/errors"
)

const (
	BackendSimulated = "simulated"
	BackendEVM       = "evm"
)

// Client runs one capability and returns its result payload. Failures are
// always returned as errors, never as empty results.
type Client interface {
	Name() string
	Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error)
}

type handler func(ctx context.Context, args map[string]any) (map[string]any, error)

func dispatch(ctx context.Context, handlers map[string]handler, name string, args map[string]any) (map[string]any, error) {
	h, ok := handlers[name]
	if !ok {
		return nil, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("function %s is not implemented", name))
	}
	if err := ctx.Err(); err != nil {
		return nil, clierr.Wrap(clierr.CodeTimeout, "execution cancelled", err)
	}
	return h(ctx, args)
}

func checkHandlers(handlers map[string]handler) {
	for _, c := range capability.Defaults() {
		if _, ok := handlers[c.Name]; !ok {
			panic("chain: missing handler for " + c.Name)
		}
	}
}

// Gas price fallbacks in Gwei when the RPC cannot be asked.
var defaultGasGwei = map[int64]float64{
	1:       30,
	10:      0.001,
	56:      5,
	137:     100,
	8453:    0.001,
	42161:   0.1,
	43114:   25,
	7777777: 0.001,
}

func DefaultGasGwei(chainID int64) (float64, bool) {
	v, ok := defaultGasGwei[chainID]
	return v, ok
}

func stringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func requireString(args map[string]any, key string) (string, error) {
	v := stringArg(args, key)
	if v == "" {
		return "", clierr.New(clierr.CodeInvalidArguments, fmt.Sprintf("%s is required", key))
	}
	return v, nil
}

func positiveAmount(args map[string]any, key string) (float64, error) {
	raw, err := requireString(args, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil || n <= 0 {
		return 0, clierr.New(clierr.CodeInvalidArguments, fmt.Sprintf("%s must be a positive number, got %q", key, raw))
	}
	return n, nil
}

func slippageArg(args map[string]any, fallback float64) (float64, error) {
	raw := strings.TrimSuffix(stringArg(args, "slippage"), "%")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil || n < 0 || n >= 100 {
		return 0, clierr.New(clierr.CodeInvalidArguments, fmt.Sprintf("slippage must be a percentage between 0 and 100, got %q", raw))
	}
	return n, nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }

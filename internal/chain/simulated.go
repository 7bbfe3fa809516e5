package chain

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ggonzalez94/web3chat/internal/capability"
	clierr "github.com/ggonzalez94/web3chat/internal/errors"
	"github.com/ggonzalez94/web3chat/internal/explorer"
	"github.com/ggonzalez94/web3chat/internal/id"
)

var simulatedPrices = map[string]float64{
	"BTC":   65432.78,
	"ETH":   3456.89,
	"BNB":   567.23,
	"SOL":   145.67,
	"AVAX":  34.56,
	"MATIC": 0.89,
	"DOT":   7.65,
	"ADA":   0.45,
	"XRP":   0.56,
}

var simulatedGas = map[string]float64{
	"ethereum":  25,
	"binance":   5,
	"polygon":   80,
	"avalanche": 30,
	"solana":    0.001,
	"arbitrum":  0.1,
	"optimism":  0.05,
}

var gasAliases = map[string]string{
	"eth":     "ethereum",
	"mainnet": "ethereum",
	"bsc":     "binance",
	"bnb":     "binance",
	"matic":   "polygon",
	"avax":    "avalanche",
	"sol":     "solana",
	"arb":     "arbitrum",
	"op":      "optimism",
}

const simulatedNativeBalance = 42.38

// Balances keyed by lower-case BSC token address.
var simulatedBalances = map[string]float64{
	"0xbb4cdb9cbd36b01bd1cbaebf2de08d9173bc095c": 156.78,
	"0x55d398326f99059ff775485246999027b3197955": 1250.45,
	"0x8ac76a51cc950d9822d68b83fe1ad97b32cd580d": 980.23,
	"0x2170ed0880ac9a755fd29b2688956bd959f933f8": 5.67,
}

type SimulatedConfig struct {
	ChainID int64
	Seed    uint64
	// Delay emulates network latency per call.
	Delay time.Duration
}

// Simulated is a deterministic in-memory chain. It never touches the network.
type Simulated struct {
	chain    id.Chain
	delay    time.Duration
	mu       sync.Mutex
	rng      *rand.Rand
	handlers map[string]handler
}

func NewSimulated(cfg SimulatedConfig) *Simulated {
	if cfg.ChainID == 0 {
		cfg.ChainID = 56
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}
	s := &Simulated{
		chain: id.ChainByID(cfg.ChainID),
		delay: cfg.Delay,
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	s.handlers = map[string]handler{
		capability.GetTokenBalance:    s.tokenBalance,
		capability.GetTokenPrice:      s.tokenPrice,
		capability.GetGasPrice:        s.gasPrice,
		capability.SendToken:          s.sendToken,
		capability.SwapTokens:         s.swapTokens,
		capability.AddLiquidity:       s.addLiquidity,
		capability.ExplainTransaction: s.explainTransaction,
		capability.EstimateGas:        s.estimateGas,
	}
	checkHandlers(s.handlers)
	return s
}

func (s *Simulated) Name() string { return BackendSimulated }

func (s *Simulated) Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, clierr.Wrap(clierr.CodeTimeout, "execution cancelled", ctx.Err())
		case <-timer.C:
		}
	}
	return dispatch(ctx, s.handlers, name, args)
}

func (s *Simulated) tokenBalance(_ context.Context, args map[string]any) (map[string]any, error) {
	token, err := requireString(args, "token_address")
	if err != nil {
		return nil, err
	}
	wallet := stringArg(args, "wallet_address")

	balance := 0.0
	symbol := "TOKEN"
	switch {
	case id.IsNative(token):
		token = "native"
		balance = simulatedNativeBalance
		symbol = s.chain.NativeSymbol
	case id.IsAddress(token):
		balance = simulatedBalances[strings.ToLower(token)]
		if t, ok := id.LookupByAddress(s.chain.ChainID, token); ok {
			symbol = t.Symbol
		}
	default:
		return nil, clierr.New(clierr.CodeInvalidArguments, fmt.Sprintf("invalid token address %q", token))
	}
	return map[string]any{
		"balance":        strconv.FormatFloat(balance, 'f', -1, 64),
		"token":          symbol,
		"wallet_address": wallet,
		"token_address":  token,
		"timestamp":      nowMillis(),
	}, nil
}

func (s *Simulated) tokenPrice(_ context.Context, args map[string]any) (map[string]any, error) {
	symbol, err := requireString(args, "token_symbol")
	if err != nil {
		return nil, err
	}
	symbol = strings.ToUpper(symbol)
	price, ok := simulatedPrices[symbol]
	if !ok {
		return nil, clierr.New(clierr.CodeNotFound, fmt.Sprintf("no price available for %s", symbol))
	}
	return map[string]any{"price": price, "currency": "USD", "timestamp": nowMillis()}, nil
}

func (s *Simulated) gasPrice(_ context.Context, args map[string]any) (map[string]any, error) {
	chain, err := requireString(args, "chain")
	if err != nil {
		return nil, err
	}
	chain = strings.ToLower(chain)
	if alias, ok := gasAliases[chain]; ok {
		chain = alias
	}
	price, ok := simulatedGas[chain]
	if !ok {
		return nil, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported chain %q", chain))
	}
	return map[string]any{"price": price, "unit": "Gwei", "timestamp": nowMillis()}, nil
}

func (s *Simulated) sendToken(_ context.Context, args map[string]any) (map[string]any, error) {
	if _, err := requireString(args, "token_address"); err != nil {
		return nil, err
	}
	if _, err := requireString(args, "to_address"); err != nil {
		return nil, err
	}
	if _, err := positiveAmount(args, "amount"); err != nil {
		return nil, err
	}
	return map[string]any{"txHash": s.txHash(), "status": "pending", "timestamp": nowMillis()}, nil
}

func (s *Simulated) swapTokens(_ context.Context, args map[string]any) (map[string]any, error) {
	for _, key := range []string{"token_in", "token_out"} {
		if _, err := requireString(args, key); err != nil {
			return nil, err
		}
	}
	amountIn, err := positiveAmount(args, "amount_in")
	if err != nil {
		return nil, err
	}
	if _, err := slippageArg(args, 0.5); err != nil {
		return nil, err
	}
	s.mu.Lock()
	rate := 0.9 + s.rng.Float64()*0.2
	s.mu.Unlock()
	return map[string]any{
		"txHash":    s.txHash(),
		"amountOut": strconv.FormatFloat(amountIn*rate, 'f', 6, 64),
		"status":    "pending",
		"timestamp": nowMillis(),
	}, nil
}

func (s *Simulated) addLiquidity(_ context.Context, args map[string]any) (map[string]any, error) {
	for _, key := range []string{"token_a", "token_b"} {
		if _, err := requireString(args, key); err != nil {
			return nil, err
		}
	}
	amountA, err := positiveAmount(args, "amount_a")
	if err != nil {
		return nil, err
	}
	if _, err := positiveAmount(args, "amount_b"); err != nil {
		return nil, err
	}
	s.mu.Lock()
	share := s.rng.Float64()
	s.mu.Unlock()
	return map[string]any{
		"txHash":    s.txHash(),
		"lpTokens":  strconv.FormatFloat(amountA*share, 'f', 6, 64),
		"status":    "pending",
		"timestamp": nowMillis(),
	}, nil
}

// explainTransaction derives every field from the hash so repeated lookups
// agree.
func (s *Simulated) explainTransaction(_ context.Context, args map[string]any) (map[string]any, error) {
	hash, err := requireString(args, "transaction_hash")
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(hash, "0x") {
		return nil, clierr.New(clierr.CodeInvalidArguments, fmt.Sprintf("invalid transaction hash %q", hash))
	}
	chainID := s.chain.ChainID
	if raw := stringArg(args, "chain_id"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 {
			return nil, clierr.New(clierr.CodeInvalidArguments, fmt.Sprintf("invalid chain_id %q", raw))
		}
		chainID = n
	}
	chain := id.ChainByID(chainID)

	sum := sha256.Sum256([]byte(strings.ToLower(hash)))
	local := rand.New(rand.NewPCG(binary.BigEndian.Uint64(sum[:8]), binary.BigEndian.Uint64(sum[8:16])))
	kind := "Transfer"
	if local.Float64() > 0.5 {
		kind = "Contract Interaction"
	}
	status := "Success"
	if local.Float64() <= 0.2 {
		status = "Failed"
	}
	return map[string]any{
		"type":         kind,
		"from":         common.BytesToAddress(sum[12:32]).Hex(),
		"to":           common.BytesToAddress(sum[0:20]).Hex(),
		"value":        fmt.Sprintf("%.4f %s", local.Float64()*10, chain.NativeSymbol),
		"status":       status,
		"block":        30_000_000 + local.Int64N(5_000_000),
		"gas_used":     21_000 + local.Int64N(200_000),
		"explorer_url": explorer.TxURL(chainID, hash),
		"timestamp":    nowMillis() - local.Int64N(1_000_000),
	}, nil
}

func (s *Simulated) estimateGas(_ context.Context, args map[string]any) (map[string]any, error) {
	for _, key := range []string{"from_address", "to_address"} {
		if _, err := requireString(args, key); err != nil {
			return nil, err
		}
	}
	data := strings.TrimPrefix(stringArg(args, "data"), "0x")
	gas := int64(21_000)
	if data != "" {
		gas += 16*int64(len(data)/2) + 25_000
	}
	gwei, ok := DefaultGasGwei(s.chain.ChainID)
	if !ok {
		gwei = 1
	}
	cost := float64(gas) * gwei / 1e9
	return map[string]any{
		"gas":       gas,
		"gasPrice":  gwei,
		"totalCost": fmt.Sprintf("%.6f %s", cost, s.chain.NativeSymbol),
		"timestamp": nowMillis(),
	}, nil
}

func (s *Simulated) txHash() string {
	var buf [32]byte
	s.mu.Lock()
	for i := 0; i < len(buf); i += 8 {
		binary.BigEndian.PutUint64(buf[i:], s.rng.Uint64())
	}
	s.mu.Unlock()
	return common.BytesToHash(buf[:]).Hex()
}

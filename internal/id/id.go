package id

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	clierr "github.com/ggonzalez94/web3chat/internal/errors"
)

// NativeSentinel is the pseudo-address many routers use for the native coin.
const NativeSentinel = "0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE"

var (
	evmAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	txHashPattern     = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a sortable unique identifier such as "fc_01J...".
func New(prefix string) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	u := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	if prefix == "" {
		return u.String()
	}
	return prefix + "_" + u.String()
}

type Chain struct {
	Name         string `json:"name"`
	Slug         string `json:"slug"`
	ChainID      int64  `json:"chain_id"`
	NativeSymbol string `json:"native_symbol"`
}

type Token struct {
	Symbol   string `json:"symbol"`
	Address  string `json:"address"`
	Decimals int    `json:"decimals"`
}

var chainBySlug = map[string]Chain{
	"ethereum":  {Name: "Ethereum", Slug: "ethereum", ChainID: 1, NativeSymbol: "ETH"},
	"mainnet":   {Name: "Ethereum", Slug: "ethereum", ChainID: 1, NativeSymbol: "ETH"},
	"eth":       {Name: "Ethereum", Slug: "ethereum", ChainID: 1, NativeSymbol: "ETH"},
	"binance":   {Name: "BNB Smart Chain", Slug: "binance", ChainID: 56, NativeSymbol: "BNB"},
	"bsc":       {Name: "BNB Smart Chain", Slug: "binance", ChainID: 56, NativeSymbol: "BNB"},
	"bnb":       {Name: "BNB Smart Chain", Slug: "binance", ChainID: 56, NativeSymbol: "BNB"},
	"polygon":   {Name: "Polygon", Slug: "polygon", ChainID: 137, NativeSymbol: "MATIC"},
	"matic":     {Name: "Polygon", Slug: "polygon", ChainID: 137, NativeSymbol: "MATIC"},
	"arbitrum":  {Name: "Arbitrum", Slug: "arbitrum", ChainID: 42161, NativeSymbol: "ETH"},
	"optimism":  {Name: "Optimism", Slug: "optimism", ChainID: 10, NativeSymbol: "ETH"},
	"base":      {Name: "Base", Slug: "base", ChainID: 8453, NativeSymbol: "ETH"},
	"zora":      {Name: "Zora", Slug: "zora", ChainID: 7777777, NativeSymbol: "ETH"},
	"avalanche": {Name: "Avalanche", Slug: "avalanche", ChainID: 43114, NativeSymbol: "AVAX"},
	"avax":      {Name: "Avalanche", Slug: "avalanche", ChainID: 43114, NativeSymbol: "AVAX"},
	"sepolia":   {Name: "Sepolia", Slug: "sepolia", ChainID: 11155111, NativeSymbol: "ETH"},
}

var chainByID = map[int64]Chain{
	1:        chainBySlug["ethereum"],
	10:       chainBySlug["optimism"],
	56:       chainBySlug["binance"],
	137:      chainBySlug["polygon"],
	8453:     chainBySlug["base"],
	42161:    chainBySlug["arbitrum"],
	43114:    chainBySlug["avalanche"],
	7777777:  chainBySlug["zora"],
	11155111: chainBySlug["sepolia"],
}

// Small registry for symbol resolution on the chains the assistant trades on.
var tokenRegistry = map[int64][]Token{
	1: {
		{Symbol: "USDC", Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
		{Symbol: "USDT", Address: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
		{Symbol: "DAI", Address: "0x6B175474E89094C44Da98b954EedeAC495271d0F", Decimals: 18},
		{Symbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18},
	},
	56: {
		{Symbol: "WBNB", Address: "0xbb4CdB9CBd36B01bD1cBaEBF2De08d9173bc095c", Decimals: 18},
		{Symbol: "USDT", Address: "0x55d398326f99059fF775485246999027B3197955", Decimals: 18},
		{Symbol: "USDC", Address: "0x8AC76a51cc950d9822D68b83fE1Ad97B32Cd580d", Decimals: 18},
		{Symbol: "ETH", Address: "0x2170Ed0880ac9A755fd29B2688956BD959F933F8", Decimals: 18},
	},
	137: {
		{Symbol: "WMATIC", Address: "0x0d500B1d8E8eF31E21C99d1Db9A6444d3ADf1270", Decimals: 18},
		{Symbol: "USDC", Address: "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", Decimals: 6},
		{Symbol: "USDT", Address: "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", Decimals: 6},
		{Symbol: "WETH", Address: "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619", Decimals: 18},
	},
	42161: {
		{Symbol: "USDC", Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Decimals: 6},
		{Symbol: "USDT", Address: "0xFd086bC7CD5C481DCC9C85ebe478A1C0b69FCbb9", Decimals: 6},
		{Symbol: "WETH", Address: "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1", Decimals: 18},
	},
	10: {
		{Symbol: "USDC", Address: "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", Decimals: 6},
		{Symbol: "USDT", Address: "0x94b008aA00579c1307B0EF2c499aD98a8ce58e58", Decimals: 6},
		{Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
	},
	8453: {
		{Symbol: "USDC", Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6},
		{Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
	},
	43114: {
		{Symbol: "WAVAX", Address: "0xB31f66AA3C1e785363F0875A1B74E27b85FD66c7", Decimals: 18},
		{Symbol: "USDC", Address: "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", Decimals: 6},
		{Symbol: "USDT", Address: "0x9702230A8Ea53601f5cD2dc00fDBc13d4dF4A8c7", Decimals: 6},
	},
	11155111: {
		{Symbol: "WETH", Address: "0x7b79995e5f793A07Bc00c21412e50Ecae098E7f9", Decimals: 18},
	},
}

// ParseChain accepts a slug, an alias, a decimal chain id or an eip155:<id>
// reference.
func ParseChain(input string) (Chain, error) {
	raw := strings.ToLower(strings.TrimSpace(input))
	if raw == "" {
		return Chain{}, clierr.New(clierr.CodeUsage, "chain is required")
	}
	if chain, ok := chainBySlug[raw]; ok {
		return chain, nil
	}
	raw = strings.TrimPrefix(raw, "eip155:")
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
		return ChainByID(n), nil
	}
	return Chain{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported chain input: %s", input))
}

// ChainByID returns the known chain or a generic EVM entry.
func ChainByID(chainID int64) Chain {
	if chain, ok := chainByID[chainID]; ok {
		return chain
	}
	return Chain{Name: fmt.Sprintf("EVM-%d", chainID), Slug: fmt.Sprintf("evm-%d", chainID), ChainID: chainID, NativeSymbol: "ETH"}
}

func IsAddress(v string) bool {
	return evmAddressPattern.MatchString(strings.TrimSpace(v))
}

func IsTxHash(v string) bool {
	return txHashPattern.MatchString(strings.TrimSpace(v))
}

// IsNative reports whether v names the chain's native coin.
func IsNative(v string) bool {
	v = strings.TrimSpace(v)
	return strings.EqualFold(v, "native") || strings.EqualFold(v, NativeSentinel)
}

// ParseToken resolves a symbol or address on chain. Native inputs resolve to
// the chain's native coin with an empty address.
func ParseToken(input string, chain Chain) (Token, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Token{}, clierr.New(clierr.CodeUsage, "token is required")
	}
	if IsNative(raw) || strings.EqualFold(raw, chain.NativeSymbol) {
		return Token{Symbol: chain.NativeSymbol, Decimals: 18}, nil
	}
	if IsAddress(raw) {
		if t, ok := LookupByAddress(chain.ChainID, raw); ok {
			return t, nil
		}
		return Token{Address: raw}, nil
	}
	if t, ok := KnownToken(chain.ChainID, raw); ok {
		return t, nil
	}
	return Token{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("symbol %s not found in registry for chain %d", input, chain.ChainID))
}

func KnownToken(chainID int64, symbol string) (Token, bool) {
	for _, t := range tokenRegistry[chainID] {
		if strings.EqualFold(t.Symbol, strings.TrimSpace(symbol)) {
			return t, true
		}
	}
	return Token{}, false
}

func LookupByAddress(chainID int64, address string) (Token, bool) {
	for _, t := range tokenRegistry[chainID] {
		if strings.EqualFold(t.Address, strings.TrimSpace(address)) {
			return t, true
		}
	}
	return Token{}, false
}

// Package prices resolves USD token prices from the DefiLlama coins API.
package prices

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ggonzalez94/web3chat/internal/cache"
	clierr "github.com/ggonzalez94/web3chat/internal/errors"
	"github.com/ggonzalez94/web3chat/internal/httpx"
)

const defaultCoinsBase = "https://coins.llama.fi"

type Quote struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	Currency   string    `json:"currency"`
	Confidence float64   `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source"`
}

type Source interface {
	Price(ctx context.Context, symbol string) (Quote, error)
}

var coingeckoIDs = map[string]string{
	"BTC":   "bitcoin",
	"ETH":   "ethereum",
	"BNB":   "binancecoin",
	"SOL":   "solana",
	"AVAX":  "avalanche-2",
	"MATIC": "matic-network",
	"POL":   "matic-network",
	"DOT":   "polkadot",
	"ADA":   "cardano",
	"XRP":   "ripple",
	"USDT":  "tether",
	"USDC":  "usd-coin",
	"DAI":   "dai",
	"WBNB":  "wbnb",
	"WETH":  "weth",
	"ARB":   "arbitrum",
	"OP":    "optimism",
	"LINK":  "chainlink",
	"UNI":   "uniswap",
	"CAKE":  "pancakeswap-token",
}

// CoinKey maps a ticker to a DefiLlama coin key.
func CoinKey(symbol string) (string, bool) {
	id, ok := coingeckoIDs[strings.ToUpper(strings.TrimSpace(symbol))]
	if !ok {
		return "", false
	}
	return "coingecko:" + id, true
}

type DefiLlama struct {
	http *httpx.Client
	base string
}

func NewDefiLlama(client *httpx.Client, base string) *DefiLlama {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		base = defaultCoinsBase
	}
	return &DefiLlama{http: client, base: base}
}

type coinsResp struct {
	Coins map[string]struct {
		Price      float64 `json:"price"`
		Symbol     string  `json:"symbol"`
		Timestamp  int64   `json:"timestamp"`
		Confidence float64 `json:"confidence"`
	} `json:"coins"`
}

func (d *DefiLlama) Price(ctx context.Context, symbol string) (Quote, error) {
	key, ok := CoinKey(symbol)
	if !ok {
		return Quote{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no price feed for token %s", symbol))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.base+"/prices/current/"+key, nil)
	if err != nil {
		return Quote{}, clierr.Wrap(clierr.CodeInternal, "build price request", err)
	}
	var resp coinsResp
	if _, err := d.http.DoJSON(ctx, req, &resp); err != nil {
		return Quote{}, err
	}
	coin, ok := resp.Coins[key]
	if !ok || coin.Price <= 0 {
		return Quote{}, clierr.New(clierr.CodeNotFound, fmt.Sprintf("price for %s not returned by defillama", symbol))
	}
	return Quote{
		Symbol:     strings.ToUpper(strings.TrimSpace(symbol)),
		Price:      coin.Price,
		Currency:   "USD",
		Confidence: coin.Confidence,
		Timestamp:  time.Unix(coin.Timestamp, 0).UTC(),
		Source:     "defillama",
	}, nil
}

// Cached serves quotes from the sqlite cache, refreshing from the wrapped
// source when entries expire. Stale entries within MaxStale are served when
// the source fails.
type Cached struct {
	Source   Source
	Store    *cache.Store
	TTL      time.Duration
	MaxStale time.Duration
	Logger   *slog.Logger
}

func (c *Cached) Price(ctx context.Context, symbol string) (Quote, error) {
	if c.Store == nil {
		return c.Source.Price(ctx, symbol)
	}
	key := "price:" + strings.ToUpper(strings.TrimSpace(symbol))
	var cached Quote
	res, err := c.Store.GetJSON(ctx, key, c.MaxStale, &cached)
	if err != nil {
		c.logger().Debug("price cache read failed", "key", key, "error", err)
	}
	if res.Hit && !res.Stale {
		return cached, nil
	}

	quote, err := c.Source.Price(ctx, symbol)
	if err != nil {
		if res.Usable() {
			c.logger().Warn("serving stale price", "symbol", symbol, "age", res.Age, "error", err)
			return cached, nil
		}
		return Quote{}, err
	}
	ttl := c.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := c.Store.SetJSON(ctx, key, quote, ttl); err != nil {
		c.logger().Debug("price cache write failed", "key", key, "error", err)
	}
	return quote, nil
}

func (c *Cached) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

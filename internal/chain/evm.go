package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/ggonzalez94/web3chat/internal/cache"
	"github.com/ggonzalez94/web3chat/internal/capability"
	clierr "github.com/ggonzalez94/web3chat/internal/errors"
	"github.com/ggonzalez94/web3chat/internal/explorer"
	"github.com/ggonzalez94/web3chat/internal/id"
	"github.com/ggonzalez94/web3chat/internal/prices"
	"github.com/ggonzalez94/web3chat/internal/registry"
	"github.com/ggonzalez94/web3chat/internal/signer"
	"github.com/ggonzalez94/web3chat/internal/tracer"
)

// Backend is the subset of ethclient.Client the EVM client uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
}

var (
	erc20ABI    = mustABI(registry.ERC20ABI)
	v2RouterABI = mustABI(registry.UniswapV2RouterABI)

	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
)

const (
	gasCacheTTL     = 15 * time.Second
	swapDeadline    = 20 * time.Minute
	defaultSlippage = 0.5
)

type EVMConfig struct {
	RPCURL  string
	ChainID int64
	// Wallet is used for reads when no signer is configured.
	Wallet         string
	Signer         signer.Signer
	Prices         prices.Source
	Cache          *cache.Store
	RouterAddress  string
	GasMultiplier  float64
	PollInterval   time.Duration
	ReceiptTimeout time.Duration
	Backend        Backend
	Logger         *slog.Logger
}

type EVM struct {
	cfg      EVMConfig
	chain    id.Chain
	logger   *slog.Logger
	handlers map[string]handler

	mu      sync.Mutex
	backend Backend
	closer  func()
}

func NewEVM(cfg EVMConfig) (*EVM, error) {
	if cfg.ChainID == 0 {
		cfg.ChainID = 56
	}
	if cfg.Backend == nil {
		rpcURL, err := registry.ResolveRPCURL(cfg.RPCURL, cfg.ChainID)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
		}
		cfg.RPCURL = rpcURL
	}
	if cfg.GasMultiplier <= 1 {
		cfg.GasMultiplier = 1.2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	e := &EVM{cfg: cfg, chain: id.ChainByID(cfg.ChainID), logger: cfg.Logger, backend: cfg.Backend}
	e.handlers = map[string]handler{
		capability.GetTokenBalance:    e.tokenBalance,
		capability.GetTokenPrice:      e.tokenPrice,
		capability.GetGasPrice:        e.gasPrice,
		capability.SendToken:          e.sendToken,
		capability.SwapTokens:         e.swapTokens,
		capability.AddLiquidity:       e.addLiquidity,
		capability.ExplainTransaction: e.explainTransaction,
		capability.EstimateGas:        e.estimateGas,
	}
	checkHandlers(e.handlers)
	return e, nil
}

func (e *EVM) Name() string { return BackendEVM }

func (e *EVM) Execute(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	ctx, span := tracer.StartSpan(ctx, "chain.evm."+name, tracer.Int("chain.id", int(e.cfg.ChainID)))
	out, err := dispatch(ctx, e.handlers, name, args)
	tracer.End(span, err)
	return out, err
}

func (e *EVM) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closer != nil {
		e.closer()
		e.closer = nil
		e.backend = nil
	}
}

func (e *EVM) client(ctx context.Context) (Backend, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend != nil {
		return e.backend, nil
	}
	c, err := ethclient.DialContext(ctx, e.cfg.RPCURL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	e.backend = c
	e.closer = c.Close
	return c, nil
}

func (e *EVM) tokenBalance(ctx context.Context, args map[string]any) (map[string]any, error) {
	token, err := requireString(args, "token_address")
	if err != nil {
		return nil, err
	}
	wallet := stringArg(args, "wallet_address")
	if wallet == "" {
		wallet = e.walletAddress()
	}
	if !id.IsAddress(wallet) {
		return nil, clierr.New(clierr.CodeInvalidArguments, fmt.Sprintf("invalid wallet address %q", wallet))
	}
	client, err := e.client(ctx)
	if err != nil {
		return nil, err
	}
	owner := common.HexToAddress(wallet)

	if id.IsNative(token) || strings.EqualFold(token, e.chain.NativeSymbol) {
		bal, err := client.BalanceAt(ctx, owner, nil)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUnavailable, "fetch native balance", err)
		}
		return map[string]any{
			"balance":        id.FormatUnits(bal, 18),
			"token":          e.chain.NativeSymbol,
			"wallet_address": wallet,
			"token_address":  "native",
			"timestamp":      nowMillis(),
		}, nil
	}

	tok, err := e.resolveToken(ctx, token)
	if err != nil {
		return nil, err
	}
	var bal *big.Int
	if err := e.call(ctx, client, erc20ABI, common.HexToAddress(tok.Address), &bal, "balanceOf", owner); err != nil {
		return nil, err
	}
	return map[string]any{
		"balance":        id.FormatUnits(bal, tok.Decimals),
		"token":          tok.Symbol,
		"wallet_address": wallet,
		"token_address":  tok.Address,
		"timestamp":      nowMillis(),
	}, nil
}

func (e *EVM) tokenPrice(ctx context.Context, args map[string]any) (map[string]any, error) {
	symbol, err := requireString(args, "token_symbol")
	if err != nil {
		return nil, err
	}
	if e.cfg.Prices == nil {
		return nil, clierr.New(clierr.CodeUnavailable, "no price source configured")
	}
	q, err := e.cfg.Prices.Price(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"price":     q.Price,
		"currency":  q.Currency,
		"source":    q.Source,
		"timestamp": q.Timestamp.UnixMilli(),
	}, nil
}

type gasQuote struct {
	Gwei   float64 `json:"gwei"`
	Source string  `json:"source"`
}

func (e *EVM) gasPrice(ctx context.Context, args map[string]any) (map[string]any, error) {
	raw, err := requireString(args, "chain")
	if err != nil {
		return nil, err
	}
	target, err := id.ParseChain(raw)
	if err != nil {
		return nil, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("unsupported chain %q", raw))
	}

	key := fmt.Sprintf("gas:%d", target.ChainID)
	var q gasQuote
	if e.cfg.Cache != nil {
		if res, err := e.cfg.Cache.GetJSON(ctx, key, 0, &q); err == nil && res.Hit && !res.Stale {
			return gasResult(q), nil
		}
	}

	q, err = e.liveGas(ctx, target.ChainID)
	if err != nil {
		fallback, ok := DefaultGasGwei(target.ChainID)
		if !ok {
			return nil, err
		}
		e.logger.Debug("using default gas price", "chain_id", target.ChainID, "error", err)
		q = gasQuote{Gwei: fallback, Source: "default"}
	}
	if e.cfg.Cache != nil {
		_ = e.cfg.Cache.SetJSON(ctx, key, q, gasCacheTTL)
	}
	return gasResult(q), nil
}

func (e *EVM) liveGas(ctx context.Context, chainID int64) (gasQuote, error) {
	if chainID != e.cfg.ChainID {
		return gasQuote{}, fmt.Errorf("rpc is configured for chain %d", e.cfg.ChainID)
	}
	client, err := e.client(ctx)
	if err != nil {
		return gasQuote{}, err
	}
	wei, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return gasQuote{}, clierr.Wrap(clierr.CodeUnavailable, "suggest gas price", err)
	}
	return gasQuote{Gwei: weiToGwei(wei), Source: "rpc"}, nil
}

func gasResult(q gasQuote) map[string]any {
	return map[string]any{"price": q.Gwei, "unit": "Gwei", "source": q.Source, "timestamp": nowMillis()}
}

func (e *EVM) sendToken(ctx context.Context, args map[string]any) (map[string]any, error) {
	token, err := requireString(args, "token_address")
	if err != nil {
		return nil, err
	}
	to, err := requireString(args, "to_address")
	if err != nil {
		return nil, err
	}
	if !id.IsAddress(to) {
		return nil, clierr.New(clierr.CodeInvalidArguments, fmt.Sprintf("invalid recipient address %q", to))
	}
	amount, err := requireString(args, "amount")
	if err != nil {
		return nil, err
	}

	recipient := common.HexToAddress(to)
	if id.IsNative(token) || strings.EqualFold(token, e.chain.NativeSymbol) {
		value, err := id.ParseUnits(amount, 18)
		if err != nil {
			return nil, err
		}
		receipt, hash, err := e.transact(ctx, recipient, value, nil)
		return txResult(hash, receipt, err)
	}

	tok, err := e.resolveToken(ctx, token)
	if err != nil {
		return nil, err
	}
	value, err := id.ParseUnits(amount, tok.Decimals)
	if err != nil {
		return nil, err
	}
	data, err := erc20ABI.Pack("transfer", recipient, value)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack transfer calldata", err)
	}
	receipt, hash, err := e.transact(ctx, common.HexToAddress(tok.Address), big.NewInt(0), data)
	return txResult(hash, receipt, err)
}

func (e *EVM) swapTokens(ctx context.Context, args map[string]any) (map[string]any, error) {
	inRaw, err := requireString(args, "token_in")
	if err != nil {
		return nil, err
	}
	outRaw, err := requireString(args, "token_out")
	if err != nil {
		return nil, err
	}
	amountRaw, err := requireString(args, "amount_in")
	if err != nil {
		return nil, err
	}
	slippage, err := slippageArg(args, defaultSlippage)
	if err != nil {
		return nil, err
	}
	client, err := e.client(ctx)
	if err != nil {
		return nil, err
	}
	router, weth, err := e.router(ctx, client)
	if err != nil {
		return nil, err
	}
	tokenIn, nativeIn, err := e.swapLeg(ctx, inRaw, weth)
	if err != nil {
		return nil, err
	}
	tokenOut, nativeOut, err := e.swapLeg(ctx, outRaw, weth)
	if err != nil {
		return nil, err
	}
	if nativeIn && nativeOut {
		return nil, clierr.New(clierr.CodeInvalidArguments, "token_in and token_out must differ")
	}
	amountIn, err := id.ParseUnits(amountRaw, tokenIn.Decimals)
	if err != nil {
		return nil, err
	}
	path := []common.Address{common.HexToAddress(tokenIn.Address), common.HexToAddress(tokenOut.Address)}

	var amounts []*big.Int
	if err := e.call(ctx, client, v2RouterABI, router, &amounts, "getAmountsOut", amountIn, path); err != nil {
		return nil, err
	}
	if len(amounts) < 2 || amounts[len(amounts)-1].Sign() == 0 {
		return nil, clierr.New(clierr.CodeUnavailable, "router returned no quote for this pair")
	}
	quoted := amounts[len(amounts)-1]
	minOut := id.ApplySlippage(quoted, slippage)
	recipient := e.sender()
	deadline := big.NewInt(time.Now().Add(swapDeadline).Unix())

	var data []byte
	value := big.NewInt(0)
	switch {
	case nativeIn:
		value = amountIn
		data, err = v2RouterABI.Pack("swapExactETHForTokens", minOut, path, recipient, deadline)
	case nativeOut:
		if err := e.ensureAllowance(ctx, client, path[0], router, amountIn); err != nil {
			return nil, err
		}
		data, err = v2RouterABI.Pack("swapExactTokensForETH", amountIn, minOut, path, recipient, deadline)
	default:
		if err := e.ensureAllowance(ctx, client, path[0], router, amountIn); err != nil {
			return nil, err
		}
		data, err = v2RouterABI.Pack("swapExactTokensForTokens", amountIn, minOut, path, recipient, deadline)
	}
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack swap calldata", err)
	}
	receipt, hash, err := e.transact(ctx, router, value, data)
	out, err := txResult(hash, receipt, err)
	if err != nil {
		return nil, err
	}
	out["amountOut"] = id.FormatUnits(quoted, tokenOut.Decimals)
	out["minAmountOut"] = id.FormatUnits(minOut, tokenOut.Decimals)
	return out, nil
}

func (e *EVM) addLiquidity(ctx context.Context, args map[string]any) (map[string]any, error) {
	aRaw, err := requireString(args, "token_a")
	if err != nil {
		return nil, err
	}
	bRaw, err := requireString(args, "token_b")
	if err != nil {
		return nil, err
	}
	amountARaw, err := requireString(args, "amount_a")
	if err != nil {
		return nil, err
	}
	amountBRaw, err := requireString(args, "amount_b")
	if err != nil {
		return nil, err
	}
	client, err := e.client(ctx)
	if err != nil {
		return nil, err
	}
	router, weth, err := e.router(ctx, client)
	if err != nil {
		return nil, err
	}
	tokenA, nativeA, err := e.swapLeg(ctx, aRaw, weth)
	if err != nil {
		return nil, err
	}
	tokenB, nativeB, err := e.swapLeg(ctx, bRaw, weth)
	if err != nil {
		return nil, err
	}
	if nativeA && nativeB {
		return nil, clierr.New(clierr.CodeInvalidArguments, "token_a and token_b must differ")
	}
	amountA, err := id.ParseUnits(amountARaw, tokenA.Decimals)
	if err != nil {
		return nil, err
	}
	amountB, err := id.ParseUnits(amountBRaw, tokenB.Decimals)
	if err != nil {
		return nil, err
	}
	recipient := e.sender()
	deadline := big.NewInt(time.Now().Add(swapDeadline).Unix())
	minA := id.ApplySlippage(amountA, defaultSlippage)
	minB := id.ApplySlippage(amountB, defaultSlippage)

	var data []byte
	value := big.NewInt(0)
	if nativeA || nativeB {
		token, tokenAmount, tokenMin, ethAmount, ethMin := tokenB, amountB, minB, amountA, minA
		if nativeB {
			token, tokenAmount, tokenMin, ethAmount, ethMin = tokenA, amountA, minA, amountB, minB
		}
		tokenAddr := common.HexToAddress(token.Address)
		if err := e.ensureAllowance(ctx, client, tokenAddr, router, tokenAmount); err != nil {
			return nil, err
		}
		value = ethAmount
		data, err = v2RouterABI.Pack("addLiquidityETH", tokenAddr, tokenAmount, tokenMin, ethMin, recipient, deadline)
	} else {
		addrA, addrB := common.HexToAddress(tokenA.Address), common.HexToAddress(tokenB.Address)
		if err := e.ensureAllowance(ctx, client, addrA, router, amountA); err != nil {
			return nil, err
		}
		if err := e.ensureAllowance(ctx, client, addrB, router, amountB); err != nil {
			return nil, err
		}
		data, err = v2RouterABI.Pack("addLiquidity", addrA, addrB, amountA, amountB, minA, minB, recipient, deadline)
	}
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "pack liquidity calldata", err)
	}
	receipt, hash, err := e.transact(ctx, router, value, data)
	out, err := txResult(hash, receipt, err)
	if err != nil {
		return nil, err
	}
	out["lpTokens"] = id.FormatUnits(mintedTo(receipt, recipient), 18)
	return out, nil
}

func (e *EVM) explainTransaction(ctx context.Context, args map[string]any) (map[string]any, error) {
	raw, err := requireString(args, "transaction_hash")
	if err != nil {
		return nil, err
	}
	if !id.IsTxHash(raw) {
		return nil, clierr.New(clierr.CodeInvalidArguments, fmt.Sprintf("invalid transaction hash %q", raw))
	}
	if chainRaw := stringArg(args, "chain_id"); chainRaw != "" {
		n, err := strconv.ParseInt(chainRaw, 10, 64)
		if err != nil {
			return nil, clierr.New(clierr.CodeInvalidArguments, fmt.Sprintf("invalid chain_id %q", chainRaw))
		}
		if n != e.cfg.ChainID {
			return nil, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("rpc is configured for chain %d, not %d", e.cfg.ChainID, n))
		}
	}
	client, err := e.client(ctx)
	if err != nil {
		return nil, err
	}
	hash := common.HexToHash(raw)
	tx, pending, err := client.TransactionByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, clierr.New(clierr.CodeNotFound, fmt.Sprintf("transaction %s not found", raw))
		}
		return nil, clierr.Wrap(clierr.CodeUnavailable, "fetch transaction", err)
	}

	kind := "Contract Interaction"
	to := ""
	switch {
	case tx.To() == nil:
		kind = "Contract Creation"
	case len(tx.Data()) == 0:
		kind = "Transfer"
	}
	if tx.To() != nil {
		to = tx.To().Hex()
	}
	from := ""
	if sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx); err == nil {
		from = sender.Hex()
	}
	out := map[string]any{
		"type":         kind,
		"from":         from,
		"to":           to,
		"value":        id.FormatUnits(tx.Value(), 18) + " " + e.chain.NativeSymbol,
		"status":       "Pending",
		"block":        int64(0),
		"gas_used":     int64(0),
		"explorer_url": explorer.TxURL(e.cfg.ChainID, raw),
	}
	if pending {
		return out, nil
	}
	receipt, err := client.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "fetch receipt", err)
	}
	out["status"] = "Failed"
	if receipt.Status == types.ReceiptStatusSuccessful {
		out["status"] = "Success"
	}
	if receipt.BlockNumber != nil {
		out["block"] = receipt.BlockNumber.Int64()
	}
	out["gas_used"] = int64(receipt.GasUsed)
	return out, nil
}

func (e *EVM) estimateGas(ctx context.Context, args map[string]any) (map[string]any, error) {
	from, err := requireString(args, "from_address")
	if err != nil {
		return nil, err
	}
	to, err := requireString(args, "to_address")
	if err != nil {
		return nil, err
	}
	if !id.IsAddress(from) || !id.IsAddress(to) {
		return nil, clierr.New(clierr.CodeInvalidArguments, "from_address and to_address must be 0x addresses")
	}
	data, err := decodeHex(stringArg(args, "data"))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInvalidArguments, "decode data", err)
	}
	value := big.NewInt(0)
	if raw := stringArg(args, "value"); raw != "" {
		value, err = id.ParseUnits(raw, 18)
		if err != nil {
			return nil, err
		}
	}
	client, err := e.client(ctx)
	if err != nil {
		return nil, err
	}
	target := common.HexToAddress(to)
	gas, err := client.EstimateGas(ctx, ethereum.CallMsg{From: common.HexToAddress(from), To: &target, Value: value, Data: data})
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "estimate gas", err)
	}
	price, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "suggest gas price", err)
	}
	total := new(big.Int).Mul(new(big.Int).SetUint64(gas), price)
	return map[string]any{
		"gas":       int64(gas),
		"gasPrice":  weiToGwei(price),
		"totalCost": id.FormatUnits(total, 18) + " " + e.chain.NativeSymbol,
		"timestamp": nowMillis(),
	}, nil
}

// transact signs and broadcasts an EIP-1559 transaction, then polls for its
// receipt. A nil receipt with a hash means the receipt did not arrive before
// the timeout.
func (e *EVM) transact(ctx context.Context, to common.Address, value *big.Int, data []byte) (*types.Receipt, string, error) {
	if e.cfg.Signer == nil {
		return nil, "", clierr.New(clierr.CodeSigner, "no signer configured; set WEB3CHAT_PRIVATE_KEY or a keystore")
	}
	client, err := e.client(ctx)
	if err != nil {
		return nil, "", err
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, "", clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	if chainID.Int64() != e.cfg.ChainID {
		return nil, "", clierr.New(clierr.CodeUsage, fmt.Sprintf("rpc chain mismatch: expected %d, got %d", e.cfg.ChainID, chainID.Int64()))
	}
	from := e.cfg.Signer.Address()
	msg := ethereum.CallMsg{From: from, To: &to, Value: value, Data: data}
	gasLimit, err := client.EstimateGas(ctx, msg)
	if err != nil {
		return nil, "", clierr.Wrap(clierr.CodeUnavailable, "estimate gas", err)
	}
	gasLimit = gasLimit * uint64(math.Round(e.cfg.GasMultiplier*100)) / 100

	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		tipCap = big.NewInt(2_000_000_000)
	}
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, "", clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tipCap)

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, "", clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      data,
	})
	signed, err := e.cfg.Signer.SignTx(chainID, tx)
	if err != nil {
		return nil, "", clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return nil, "", clierr.Wrap(clierr.CodeUnavailable, "broadcast transaction", err)
	}
	hash := signed.Hash().Hex()
	e.logger.Info("transaction broadcast", "hash", hash, "to", to.Hex(), "nonce", nonce)

	receipt, err := e.waitReceipt(ctx, client, signed.Hash())
	if err != nil {
		return nil, hash, err
	}
	if receipt == nil {
		e.logger.Warn("receipt not available before timeout", "hash", hash)
	}
	return receipt, hash, nil
}

func (e *EVM) waitReceipt(ctx context.Context, client Backend, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("transaction %s reverted on-chain", hash.Hex()))
			}
			return receipt, nil
		}
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, clierr.Wrap(clierr.CodeTimeout, "execution cancelled while waiting for receipt", ctx.Err())
			}
			return nil, nil
		case <-ticker.C:
		}
	}
}

func txResult(hash string, receipt *types.Receipt, err error) (map[string]any, error) {
	if err != nil {
		return nil, err
	}
	status := "pending"
	out := map[string]any{"txHash": hash, "timestamp": nowMillis()}
	if receipt != nil {
		status = "success"
		if receipt.BlockNumber != nil {
			out["block"] = receipt.BlockNumber.Int64()
		}
		out["gas_used"] = int64(receipt.GasUsed)
	}
	out["status"] = status
	return out, nil
}

func (e *EVM) router(ctx context.Context, client Backend) (common.Address, common.Address, error) {
	addr := strings.TrimSpace(e.cfg.RouterAddress)
	if addr == "" {
		var ok bool
		if addr, ok = registry.V2Router(e.cfg.ChainID); !ok {
			return common.Address{}, common.Address{}, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no dex router configured for chain %d", e.cfg.ChainID))
		}
	}
	router := common.HexToAddress(addr)
	var weth common.Address
	if err := e.call(ctx, client, v2RouterABI, router, &weth, "WETH"); err != nil {
		return common.Address{}, common.Address{}, err
	}
	return router, weth, nil
}

// swapLeg resolves a swap or liquidity token; the native coin maps to the
// router's wrapped token.
func (e *EVM) swapLeg(ctx context.Context, raw string, weth common.Address) (id.Token, bool, error) {
	if id.IsNative(raw) || strings.EqualFold(raw, e.chain.NativeSymbol) {
		return id.Token{Symbol: e.chain.NativeSymbol, Address: weth.Hex(), Decimals: 18}, true, nil
	}
	tok, err := e.resolveToken(ctx, raw)
	return tok, false, err
}

// resolveToken fills in decimals and symbol on-chain for unknown addresses.
func (e *EVM) resolveToken(ctx context.Context, raw string) (id.Token, error) {
	tok, err := id.ParseToken(raw, e.chain)
	if err != nil {
		return id.Token{}, clierr.Wrap(clierr.CodeInvalidArguments, "resolve token", err)
	}
	if tok.Address == "" || tok.Decimals > 0 {
		return tok, nil
	}
	client, err := e.client(ctx)
	if err != nil {
		return id.Token{}, err
	}
	addr := common.HexToAddress(tok.Address)
	var decimals uint8
	if err := e.call(ctx, client, erc20ABI, addr, &decimals, "decimals"); err != nil {
		return id.Token{}, err
	}
	tok.Decimals = int(decimals)
	var symbol string
	if err := e.call(ctx, client, erc20ABI, addr, &symbol, "symbol"); err == nil {
		tok.Symbol = symbol
	}
	if tok.Symbol == "" {
		tok.Symbol = "TOKEN"
	}
	return tok, nil
}

func (e *EVM) ensureAllowance(ctx context.Context, client Backend, token, spender common.Address, amount *big.Int) error {
	var allowance *big.Int
	if err := e.call(ctx, client, erc20ABI, token, &allowance, "allowance", e.sender(), spender); err != nil {
		return err
	}
	if allowance != nil && allowance.Cmp(amount) >= 0 {
		return nil
	}
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "pack approve calldata", err)
	}
	receipt, hash, err := e.transact(ctx, token, big.NewInt(0), data)
	if err != nil {
		return err
	}
	if receipt == nil {
		return clierr.New(clierr.CodeTimeout, fmt.Sprintf("approval %s not confirmed in time", hash))
	}
	return nil
}

// call runs a read-only contract method and decodes its single output into out.
func (e *EVM) call(ctx context.Context, client Backend, parsed abi.ABI, contract common.Address, out any, method string, args ...any) error {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "pack "+method, err)
	}
	raw, err := client.CallContract(ctx, ethereum.CallMsg{From: e.sender(), To: &contract, Data: data}, nil)
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "call "+method, err)
	}
	values, err := parsed.Unpack(method, raw)
	if err != nil || len(values) == 0 {
		return clierr.Wrap(clierr.CodeUnavailable, "decode "+method, err)
	}
	switch dst := out.(type) {
	case **big.Int:
		v, ok := values[0].(*big.Int)
		if !ok {
			return clierr.New(clierr.CodeUnavailable, "unexpected "+method+" output")
		}
		*dst = v
	case *[]*big.Int:
		v, ok := values[0].([]*big.Int)
		if !ok {
			return clierr.New(clierr.CodeUnavailable, "unexpected "+method+" output")
		}
		*dst = v
	case *uint8:
		v, ok := values[0].(uint8)
		if !ok {
			return clierr.New(clierr.CodeUnavailable, "unexpected "+method+" output")
		}
		*dst = v
	case *string:
		v, ok := values[0].(string)
		if !ok {
			return clierr.New(clierr.CodeUnavailable, "unexpected "+method+" output")
		}
		*dst = v
	case *common.Address:
		v, ok := values[0].(common.Address)
		if !ok {
			return clierr.New(clierr.CodeUnavailable, "unexpected "+method+" output")
		}
		*dst = v
	default:
		return clierr.New(clierr.CodeInternal, fmt.Sprintf("unsupported output type %T", out))
	}
	return nil
}

func (e *EVM) sender() common.Address {
	if e.cfg.Signer != nil {
		return e.cfg.Signer.Address()
	}
	return common.HexToAddress(e.cfg.Wallet)
}

func (e *EVM) walletAddress() string {
	if e.cfg.Signer != nil {
		return e.cfg.Signer.Address().Hex()
	}
	return e.cfg.Wallet
}

// mintedTo sums ERC-20 Transfer events minted to owner in receipt.
func mintedTo(receipt *types.Receipt, owner common.Address) *big.Int {
	total := new(big.Int)
	if receipt == nil {
		return total
	}
	zero := common.Hash{}
	ownerTopic := common.BytesToHash(owner.Bytes())
	for _, lg := range receipt.Logs {
		if len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		if lg.Topics[1] != zero || lg.Topics[2] != ownerTopic {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(lg.Data))
	}
	return total
}

func weiToGwei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9)).Float64()
	return math.Round(f*1e6) / 1e6
}

func decodeHex(v string) ([]byte, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(v), "0x")
	if clean == "" {
		return nil, nil
	}
	if len(clean)%2 != 0 {
		clean = "0" + clean
	}
	buf, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return buf, nil
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

var _ Client = (*EVM)(nil)
var _ Client = (*Simulated)(nil)

package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ggonzalez94/web3chat/internal/capability"
	clierr "github.com/ggonzalez94/web3chat/internal/errors"
	"github.com/ggonzalez94/web3chat/internal/logger"
	"github.com/ggonzalez94/web3chat/internal/signer"
)

type fakeBackend struct {
	mu         sync.Mutex
	chainID    int64
	native     *big.Int
	tokenBal   *big.Int
	gasPrice   *big.Int
	gasErr     error
	noReceipts bool
	sent       []*types.Transaction
	calls      []string
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(f.chainID), nil }

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.native, nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method, err := erc20ABI.MethodById(msg.Data[:4])
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, method.Name)
	f.mu.Unlock()
	switch method.Name {
	case "balanceOf", "allowance":
		return method.Outputs.Pack(f.tokenBal)
	case "decimals":
		return method.Outputs.Pack(uint8(6))
	case "symbol":
		return method.Outputs.Pack("FAKE")
	}
	return nil, errors.New("unexpected call " + method.Name)
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 21000, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	if f.gasErr != nil {
		return nil, f.gasErr
	}
	return f.gasPrice, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(3_000_000_000)}, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if f.noReceipts {
		return nil, ethereum.NotFound
	}
	if _, ok := f.find(hash); !ok {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(123), GasUsed: 21000, TxHash: hash}, nil
}

func (f *fakeBackend) TransactionByHash(_ context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	tx, ok := f.find(hash)
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, false, nil
}

func (f *fakeBackend) find(hash common.Hash) (*types.Transaction, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			return tx, true
		}
	}
	return nil, false
}

func newTestEVM(t *testing.T, backend *fakeBackend, withSigner bool) (*EVM, *signer.Local) {
	t.Helper()
	cfg := EVMConfig{
		ChainID:        56,
		Wallet:         "0x000000000000000000000000000000000000bEEF",
		Backend:        backend,
		PollInterval:   5 * time.Millisecond,
		ReceiptTimeout: 50 * time.Millisecond,
		Logger:         logger.Discard(),
	}
	var local *signer.Local
	if withSigner {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		local, err = signer.FromKey(key)
		if err != nil {
			t.Fatalf("signer: %v", err)
		}
		cfg.Signer = local
	}
	e, err := NewEVM(cfg)
	if err != nil {
		t.Fatalf("new evm: %v", err)
	}
	return e, local
}

func TestEVMNativeAndTokenBalance(t *testing.T) {
	backend := &fakeBackend{chainID: 56, native: big.NewInt(1_500_000_000_000_000_000), tokenBal: big.NewInt(2_500_000)}
	e, _ := newTestEVM(t, backend, false)

	out, err := e.Execute(context.Background(), capability.GetTokenBalance, map[string]any{"token_address": "native"})
	if err != nil {
		t.Fatalf("native balance: %v", err)
	}
	if out["balance"] != "1.5" || out["token"] != "BNB" {
		t.Fatalf("unexpected native balance: %+v", out)
	}

	out, err = e.Execute(context.Background(), capability.GetTokenBalance, map[string]any{"token_address": "0x00000000000000000000000000000000000abcde"})
	if err != nil {
		t.Fatalf("token balance: %v", err)
	}
	if out["balance"] != "2.5" || out["token"] != "FAKE" {
		t.Fatalf("unexpected token balance: %+v", out)
	}
}

func TestEVMGasPriceFallsBackToDefault(t *testing.T) {
	backend := &fakeBackend{chainID: 56, gasPrice: big.NewInt(3_000_000_000)}
	e, _ := newTestEVM(t, backend, false)
	out, err := e.Execute(context.Background(), capability.GetGasPrice, map[string]any{"chain": "bsc"})
	if err != nil {
		t.Fatalf("gas price: %v", err)
	}
	if out["price"] != 3.0 || out["source"] != "rpc" {
		t.Fatalf("unexpected live gas: %+v", out)
	}

	backend.gasErr = errors.New("rpc down")
	out, err = e.Execute(context.Background(), capability.GetGasPrice, map[string]any{"chain": "bsc"})
	if err != nil {
		t.Fatalf("gas price fallback: %v", err)
	}
	if out["price"] != 5.0 || out["source"] != "default" {
		t.Fatalf("unexpected fallback gas: %+v", out)
	}

	if _, err := e.Execute(context.Background(), capability.GetGasPrice, map[string]any{"chain": "fantom"}); clierr.CodeOf(err) != clierr.CodeUnsupported {
		t.Fatalf("expected unsupported chain, got %v", err)
	}
}

func TestEVMSendNativeAndExplain(t *testing.T) {
	backend := &fakeBackend{chainID: 56}
	e, local := newTestEVM(t, backend, true)

	out, err := e.Execute(context.Background(), capability.SendToken, map[string]any{
		"token_address": "native",
		"to_address":    "0x000000000000000000000000000000000000dEaD",
		"amount":        "0.1",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if out["status"] != "success" || out["block"] != int64(123) {
		t.Fatalf("unexpected send result: %+v", out)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.Value().Cmp(big.NewInt(100_000_000_000_000_000)) != 0 || tx.Gas() != 25200 {
		t.Fatalf("unexpected tx: value=%s gas=%d", tx.Value(), tx.Gas())
	}
	if tx.GasFeeCap().Cmp(big.NewInt(7_000_000_000)) != 0 {
		t.Fatalf("unexpected fee cap %s", tx.GasFeeCap())
	}

	explained, err := e.Execute(context.Background(), capability.ExplainTransaction, map[string]any{
		"transaction_hash": out["txHash"], "chain_id": "56",
	})
	if err != nil {
		t.Fatalf("explain: %v", err)
	}
	if explained["from"] != local.Address().Hex() || explained["type"] != "Transfer" || explained["status"] != "Success" {
		t.Fatalf("unexpected explanation: %+v", explained)
	}
	if explained["value"] != "0.1 BNB" {
		t.Fatalf("unexpected value: %v", explained["value"])
	}
}

func TestEVMSendWithoutReceiptIsPending(t *testing.T) {
	backend := &fakeBackend{chainID: 56, noReceipts: true}
	e, _ := newTestEVM(t, backend, true)
	out, err := e.Execute(context.Background(), capability.SendToken, map[string]any{
		"token_address": "BNB",
		"to_address":    "0x000000000000000000000000000000000000dEaD",
		"amount":        "1",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if out["status"] != "pending" || out["txHash"] == "" {
		t.Fatalf("expected pending result, got %+v", out)
	}
}

func TestEVMStateChangingRequiresSigner(t *testing.T) {
	e, _ := newTestEVM(t, &fakeBackend{chainID: 56}, false)
	_, err := e.Execute(context.Background(), capability.SendToken, map[string]any{
		"token_address": "native",
		"to_address":    "0x000000000000000000000000000000000000dEaD",
		"amount":        "1",
	})
	if clierr.CodeOf(err) != clierr.CodeSigner {
		t.Fatalf("expected signer error, got %v", err)
	}
}

func TestEVMChainMismatch(t *testing.T) {
	e, _ := newTestEVM(t, &fakeBackend{chainID: 1}, true)
	_, err := e.Execute(context.Background(), capability.SendToken, map[string]any{
		"token_address": "native",
		"to_address":    "0x000000000000000000000000000000000000dEaD",
		"amount":        "1",
	})
	if clierr.CodeOf(err) != clierr.CodeUsage {
		t.Fatalf("expected usage error on chain mismatch, got %v", err)
	}
}

func TestEVMExplainUnknownHash(t *testing.T) {
	e, _ := newTestEVM(t, &fakeBackend{chainID: 56}, false)
	_, err := e.Execute(context.Background(), capability.ExplainTransaction, map[string]any{
		"transaction_hash": "0x" + strings.Repeat("ab", 32),
	})
	if clierr.CodeOf(err) != clierr.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMintedToSumsMintTransfers(t *testing.T) {
	owner := common.HexToAddress("0x000000000000000000000000000000000000bEEF")
	amount := common.LeftPadBytes(big.NewInt(1_000_000_000_000_000_000).Bytes(), 32)
	receipt := &types.Receipt{Logs: []*types.Log{
		{Topics: []common.Hash{transferTopic, {}, common.BytesToHash(owner.Bytes())}, Data: amount},
		{Topics: []common.Hash{transferTopic, common.BytesToHash(owner.Bytes()), {}}, Data: amount},
	}}
	if got := mintedTo(receipt, owner); got.Cmp(big.NewInt(1_000_000_000_000_000_000)) != 0 {
		t.Fatalf("unexpected minted amount %s", got)
	}
}

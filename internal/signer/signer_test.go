package signer

import (
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const testPrivateKey = "59c6995e998f97a5a0044976f0945388cf9b7e5e5f4f9d2d9d8f1f5b7f6d11d1"

func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	for _, k := range []string{EnvPrivateKey, EnvPrivateKeyFile, EnvKeystorePath, EnvKeystorePassword, EnvKeystorePasswordFile} {
		t.Setenv(k, "")
	}
}

func TestFromEnvHexSignsTransactions(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrivateKey, "0x"+testPrivateKey)
	s, err := FromEnv(SourceEnv)
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if s.Address() == (common.Address{}) {
		t.Fatal("expected non-zero signer address")
	}
	to := common.HexToAddress("0x0000000000000000000000000000000000000001")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(56),
		To:        &to,
		Value:     big.NewInt(0),
		Gas:       21_000,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
	})
	signed, err := s.SignTx(big.NewInt(56), tx)
	if err != nil {
		t.Fatalf("SignTx failed: %v", err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(56)), signed)
	if err != nil || from != s.Address() {
		t.Fatalf("unexpected sender %s err=%v", from.Hex(), err)
	}
}

func TestFromEnvDefaultKeyFile(t *testing.T) {
	clearEnv(t)
	cfgDir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", cfgDir)
	if err := os.MkdirAll(filepath.Join(cfgDir, "web3chat"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cfgDir, "web3chat", "key.hex"), []byte(testPrivateKey+"\n"), 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	if _, err := FromEnv(SourceAuto); err != nil {
		t.Fatalf("expected default key file to load: %v", err)
	}
}

func TestSourceRestrictsLookup(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvPrivateKey, testPrivateKey)
	if _, err := FromEnv(SourceKeystore); !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected missing key for keystore source, got %v", err)
	}
	if _, err := FromEnv("ledger"); err == nil {
		t.Fatal("expected unsupported source error")
	}
}

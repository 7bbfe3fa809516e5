package registry

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

func TestV2Router(t *testing.T) {
	for _, chainID := range []int64{1, 56, 137, 8453, 42161, 11155111} {
		if addr, ok := V2Router(chainID); !ok || addr == "" {
			t.Fatalf("expected router for chain %d", chainID)
		}
	}
	if _, ok := V2Router(7777777); ok {
		t.Fatal("did not expect a router for zora")
	}
}

func TestABIConstantsParse(t *testing.T) {
	for _, raw := range []string{ERC20ABI, UniswapV2RouterABI} {
		parsed, err := abi.JSON(strings.NewReader(raw))
		if err != nil {
			t.Fatalf("failed to parse abi json: %v", err)
		}
		if len(parsed.Methods) == 0 {
			t.Fatal("expected abi methods")
		}
	}
}

func TestDefaultRPCURL(t *testing.T) {
	if rpc, ok := DefaultRPCURL(56); !ok || rpc == "" {
		t.Fatalf("expected bsc rpc default, got ok=%v rpc=%q", ok, rpc)
	}
	if rpc, ok := DefaultRPCURL(11155111); !ok || rpc == "" {
		t.Fatalf("expected sepolia rpc default, got ok=%v rpc=%q", ok, rpc)
	}
	if _, ok := DefaultRPCURL(999999); ok {
		t.Fatal("did not expect rpc default for unsupported chain")
	}
}

func TestResolveRPCURL(t *testing.T) {
	override, err := ResolveRPCURL(" https://rpc.example.test ", 1)
	if err != nil {
		t.Fatalf("resolve with override: %v", err)
	}
	if override != "https://rpc.example.test" {
		t.Fatalf("unexpected override value: %q", override)
	}
	if defaultRPC, err := ResolveRPCURL("", 1); err != nil || defaultRPC == "" {
		t.Fatalf("expected default rpc, got %q err=%v", defaultRPC, err)
	}
	if _, err := ResolveRPCURL("", 999999); err == nil {
		t.Fatal("expected missing chain default rpc error")
	}
}

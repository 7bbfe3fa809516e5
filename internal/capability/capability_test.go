package capability

import (
	"errors"
	"testing"
)

func TestIsReadOnlyAllowList(t *testing.T) {
	for _, name := range []string{GetTokenBalance, GetTokenPrice, GetGasPrice, ExplainTransaction, EstimateGas} {
		if !IsReadOnly(name) {
			t.Fatalf("expected %s to be read-only", name)
		}
	}
	for _, name := range []string{SendToken, SwapTokens, AddLiquidity, "deploy_contract", ""} {
		if IsReadOnly(name) {
			t.Fatalf("expected %s to require approval", name)
		}
	}
}

func TestDefaultRegistryOrderAndFlags(t *testing.T) {
	reg := Default()
	list := reg.List()
	if len(list) != 8 {
		t.Fatalf("expected 8 capabilities, got %d", len(list))
	}
	if list[0].Name != GetTokenPrice || list[len(list)-1].Name != EstimateGas {
		t.Fatalf("unexpected order: first=%s last=%s", list[0].Name, list[len(list)-1].Name)
	}
	for _, c := range list {
		if c.ReadOnly != IsReadOnly(c.Name) {
			t.Fatalf("read-only flag mismatch for %s", c.Name)
		}
	}
	if _, ok := reg.Lookup("nope"); ok {
		t.Fatal("expected lookup miss for unknown capability")
	}
}

func TestJSONSchemaRequired(t *testing.T) {
	c, ok := Default().Lookup(SwapTokens)
	if !ok {
		t.Fatal("swap_tokens missing")
	}
	schema := c.JSONSchema()
	required, _ := schema["required"].([]string)
	if len(required) != 3 {
		t.Fatalf("expected 3 required params, got %v", required)
	}
	props, _ := schema["properties"].(map[string]any)
	if _, ok := props["slippage"]; !ok {
		t.Fatalf("expected optional slippage property, got %v", props)
	}
}

func TestPrepareCoercesNumbers(t *testing.T) {
	args, err := Default().Prepare(SendToken, map[string]any{
		"token_address": "native",
		"to_address":    "0xdef",
		"amount":        0.1,
	})
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if args["amount"] != "0.1" {
		t.Fatalf("expected amount coerced to string, got %#v", args["amount"])
	}
}

func TestPrepareMissingRequired(t *testing.T) {
	_, err := Default().Prepare(GetTokenBalance, map[string]any{"token_address": "native"})
	var invalid *InvalidArgumentsError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidArgumentsError, got %v", err)
	}
	if invalid.Function != GetTokenBalance || len(invalid.Problems) == 0 {
		t.Fatalf("unexpected error detail: %+v", invalid)
	}
}

func TestPrepareUnknownFunction(t *testing.T) {
	_, err := Default().Prepare("deploy_contract", map[string]any{})
	var invalid *InvalidArgumentsError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidArgumentsError, got %v", err)
	}
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	c := Capability{Name: "a", Parameters: map[string]Parameter{}}
	if _, err := NewRegistry(c, c); err == nil {
		t.Fatal("expected duplicate error")
	}
}

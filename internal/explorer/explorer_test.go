package explorer

import "testing"

func TestTxURL(t *testing.T) {
	if got := TxURL(56, "0xabc"); got != "https://bscscan.com/tx/0xabc" {
		t.Fatalf("unexpected bsc url: %s", got)
	}
	if got := TxURL(999, "0xabc"); got != "https://etherscan.io/tx/0xabc" {
		t.Fatalf("unexpected default url: %s", got)
	}
	if got := TxURL(1, " "); got != "" {
		t.Fatalf("expected empty url for empty hash, got %s", got)
	}
}

func TestAddressURL(t *testing.T) {
	if got := AddressURL(7777777, "0xdef"); got != "https://explorer.zora.energy/address/0xdef" {
		t.Fatalf("unexpected zora url: %s", got)
	}
	if Known(12345) || !Known(11155111) {
		t.Fatal("unexpected known-chain result")
	}
}

// Package explorer builds block-explorer links for supported chains.
package explorer

import (
	"fmt"
	"strings"
)

const defaultBase = "https://etherscan.io"

var bases = map[int64]string{
	1:        "https://etherscan.io",
	10:       "https://optimistic.etherscan.io",
	56:       "https://bscscan.com",
	137:      "https://polygonscan.com",
	8453:     "https://basescan.org",
	42161:    "https://arbiscan.io",
	43114:    "https://snowtrace.io",
	7777777:  "https://explorer.zora.energy",
	11155111: "https://sepolia.etherscan.io",
}

// Base returns the explorer root for chainID, falling back to Etherscan.
func Base(chainID int64) string {
	if base, ok := bases[chainID]; ok {
		return base
	}
	return defaultBase
}

func TxURL(chainID int64, hash string) string {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return ""
	}
	return fmt.Sprintf("%s/tx/%s", Base(chainID), hash)
}

func AddressURL(chainID int64, address string) string {
	address = strings.TrimSpace(address)
	if address == "" {
		return ""
	}
	return fmt.Sprintf("%s/address/%s", Base(chainID), address)
}

// Known reports whether chainID has a dedicated explorer.
func Known(chainID int64) bool {
	_, ok := bases[chainID]
	return ok
}

package id

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	clierr "github.com/ggonzalez94/web3chat/internal/errors"
)

var decimalPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]+)?$`)

// ParseUnits converts a decimal amount like "1.5" into base units.
func ParseUnits(decimal string, decimals int) (*big.Int, error) {
	decimal = strings.TrimSpace(decimal)
	if decimal == "" {
		return nil, clierr.New(clierr.CodeUsage, "amount is required")
	}
	if decimals < 0 {
		return nil, clierr.New(clierr.CodeUsage, "decimals must be >= 0")
	}
	if strings.HasPrefix(decimal, ".") {
		decimal = "0" + decimal
	}
	if !decimalPattern.MatchString(decimal) {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("amount %q must be in decimal form like 1.23", decimal))
	}

	parts := strings.SplitN(decimal, ".", 2)
	intPart := parts[0]
	fracPart := ""
	if len(parts) == 2 {
		fracPart = strings.TrimRight(parts[1], "0")
	}
	if len(fracPart) > decimals {
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("decimal precision exceeds token decimals (%d)", decimals))
	}
	combined := strings.TrimLeft(intPart+fracPart+strings.Repeat("0", decimals-len(fracPart)), "0")
	if combined == "" {
		return new(big.Int), nil
	}
	n, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, clierr.New(clierr.CodeUsage, "invalid decimal amount")
	}
	return n, nil
}

// FormatUnits renders base units as a trimmed decimal string.
func FormatUnits(baseUnits *big.Int, decimals int) string {
	if baseUnits == nil {
		return "0"
	}
	neg := baseUnits.Sign() < 0
	s := new(big.Int).Abs(baseUnits).String()
	if decimals > 0 {
		if len(s) <= decimals {
			s = strings.Repeat("0", decimals-len(s)+1) + s
		}
		intPart := s[:len(s)-decimals]
		fracPart := strings.TrimRight(s[len(s)-decimals:], "0")
		s = intPart
		if fracPart != "" {
			s += "." + fracPart
		}
	}
	if neg {
		return "-" + s
	}
	return s
}

// ApplySlippage returns amount reduced by percent, e.g. 0.5 for 0.5%.
func ApplySlippage(amount *big.Int, percent float64) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	if percent <= 0 {
		return new(big.Int).Set(amount)
	}
	if percent >= 100 {
		return new(big.Int)
	}
	bps := big.NewInt(int64(10000 - percent*100))
	out := new(big.Int).Mul(amount, bps)
	return out.Div(out, big.NewInt(10000))
}

// Package tokens provides WCT amount arithmetic.
//
// WCT uses 9 decimal places on the ledger. Reward plans are expressed in
// whole tokens; transfers are submitted in base units (1 WCT = 10^9 units).
package tokens

import (
	"math/big"
	"strings"
)

// Decimals is the default base-unit exponent of the WCT token.
const Decimals = 9

// Symbol is the ticker used in logs and API responses.
const Symbol = "WCT"

// ToBaseUnits converts a whole-token amount to base units using the given
// decimals.
func ToBaseUnits(whole int64, decimals int) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Int).Mul(big.NewInt(whole), scale)
}

// Parse converts a decimal string (e.g. "12.5") to base units. Returns
// (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional digits beyond decimals are truncated
func Parse(s string, decimals int) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	if whole == "" {
		whole = "0"
	}
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	for len(frac) < decimals {
		frac += "0"
	}
	frac = frac[:decimals]

	result, ok := new(big.Int).SetString(whole+frac, 10)
	return result, ok
}

// Format converts base units to a decimal string with exactly decimals
// fractional digits (e.g. "12.500000000").
func Format(amount *big.Int, decimals int) string {
	if amount == nil {
		amount = big.NewInt(0)
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	point := len(s) - decimals
	out := s[:point]
	if decimals > 0 {
		out += "." + s[point:]
	}
	if neg {
		out = "-" + out
	}
	return out
}

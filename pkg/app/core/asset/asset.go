// Package asset defines asset identifiers and amount helpers shared by the
// ledger, order registry and exchange engine.
package asset

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Native is the reserved identifier for the chain's base currency.
// Any other address identifies a fungible-token contract.
var Native = common.Address{}

// IsNative reports whether id denotes the native currency
func IsNative(id common.Address) bool {
	return id == Native
}

// Label returns a short human-readable name for logs
func Label(id common.Address) string {
	if IsNative(id) {
		return "native"
	}
	return id.Hex()
}

// Zero returns a fresh zero amount
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// Clone copies an amount, treating nil as zero
func Clone(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

// ParseAmount parses a decimal or 0x-prefixed hex amount
func ParseAmount(s string) (*uint256.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := uint256.FromHex(s)
		if err != nil {
			return nil, fmt.Errorf("invalid hex amount %q: %w", s, err)
		}
		return v, nil
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

// ParseID parses an asset identifier. "native", "eth" and "" map to Native.
func ParseID(s string) (common.Address, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "native", "eth", "ether":
		return Native, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid asset address: %s", s)
	}
	return common.HexToAddress(s), nil
}

// Units scales a whole number of units to base units using 18 decimals,
// e.g. Units(1) == 1e18. Fractions are expressed in tenths via Tenths.
func Units(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), exp18)
}

// Tenths returns n/10 of a unit in base units (Tenths(9) == 0.9e18)
func Tenths(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), exp17)
}

var (
	exp17 = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(17))
	exp18 = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(18))
)

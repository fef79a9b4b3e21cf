package core

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ParseUnits converts a human-unit decimal string into atomic units at the
// given decimals. "100" at 6 decimals becomes 100000000. Values with more
// fractional digits than the token carries are rejected rather than silently
// truncated.
func ParseUnits(amount string, decimals uint8) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q: %v", ErrValidation, amount, err)
	}
	shifted := d.Shift(int32(decimals))
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("%w: amount %q has more than %d decimals", ErrValidation, amount, decimals)
	}
	return shifted.BigInt(), nil
}

// FormatUnits converts atomic units back into a human-unit decimal string.
func FormatUnits(amount *big.Int, decimals uint8) string {
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}

// AddShares adds an atomic share delta to a holding's decimal share string at
// the vault's share decimals. The arithmetic is integer-exact: both sides are
// widened to atomic units, added as uint256, and reformatted.
func AddShares(existing string, delta *big.Int, decimals uint8) (string, error) {
	if existing == "" {
		existing = "0"
	}
	cur, err := ParseUnits(existing, decimals)
	if err != nil {
		return "", err
	}
	a, overflow := uint256.FromBig(cur)
	if overflow {
		return "", fmt.Errorf("%w: share balance %q out of range", ErrValidation, existing)
	}
	b, overflow := uint256.FromBig(delta)
	if overflow {
		return "", fmt.Errorf("%w: share delta out of range", ErrValidation)
	}
	sum := new(uint256.Int).Add(a, b)
	if sum.Lt(a) {
		return "", fmt.Errorf("%w: share addition overflow", ErrValidation)
	}
	return FormatUnits(sum.ToBig(), decimals), nil
}

// SubShares subtracts an atomic share delta from a holding's share string,
// failing if the result would go negative.
func SubShares(existing string, delta *big.Int, decimals uint8) (string, error) {
	cur, err := ParseUnits(existing, decimals)
	if err != nil {
		return "", err
	}
	if cur.Cmp(delta) < 0 {
		return "", fmt.Errorf("%w: share balance %q below withdrawal", ErrValidation, existing)
	}
	return FormatUnits(new(big.Int).Sub(cur, delta), decimals), nil
}

// WeiToEth renders a wei amount as a decimal ETH string.
func WeiToEth(wei *big.Int) string {
	return decimal.NewFromBigInt(wei, -18).String()
}

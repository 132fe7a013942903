// Package fees computes the settlement split for a released milestone.
//
// The platform fee is a fixed rate configured process-wide. Splitting is
// exact: fee is rounded up to the smallest currency unit and the net is the
// remainder, so net + fee == amount always holds with no rounding leakage.
package fees

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/gigpact/escrow/internal/money"
)

var (
	ErrInvalidRate   = errors.New("fees: rate must be between 0 and 1")
	ErrInvalidAmount = errors.New("fees: invalid amount")
)

// rateScale is the fixed-point denominator for fee rates (basis points
// of basis points — supports rates like "0.1025").
const rateScale = 10_000

// Settlement is the split of a released amount.
type Settlement struct {
	Net string `json:"net"` // freelancer payout
	Fee string `json:"fee"` // platform fee
}

// Calculator computes settlements at a fixed rate.
type Calculator struct {
	rateNum int64 // rate numerator over rateScale
	rate    string
}

// NewCalculator parses a decimal rate string (e.g. "0.10") into a
// fixed-point calculator. Rates finer than 1/10000 are rejected.
func NewCalculator(rate string) (*Calculator, error) {
	num, err := parseRate(rate)
	if err != nil {
		return nil, err
	}
	return &Calculator{rateNum: num, rate: rate}, nil
}

// Rate returns the configured rate string.
func (c *Calculator) Rate() string {
	return c.rate
}

// Compute splits amount into net payout and platform fee.
// fee = ceil(amount * rate); net = amount - fee. The ceiling keeps the
// identity net + fee == amount exact and absorbs any remainder into the
// fee deterministically.
func (c *Calculator) Compute(amount string) (Settlement, error) {
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return Settlement{}, ErrInvalidAmount
	}

	// fee = ceil(amt * rateNum / rateScale)
	prod := new(big.Int).Mul(amt, big.NewInt(c.rateNum))
	fee, rem := new(big.Int).QuoRem(prod, big.NewInt(rateScale), new(big.Int))
	if rem.Sign() > 0 {
		fee.Add(fee, big.NewInt(1))
	}

	net := new(big.Int).Sub(amt, fee)
	if net.Sign() < 0 {
		// rate of exactly 1.0 on a tiny amount can round the fee up past
		// the amount; clamp so the hold is never exceeded
		fee.Set(amt)
		net.SetInt64(0)
	}

	return Settlement{
		Net: money.Format(net),
		Fee: money.Format(fee),
	}, nil
}

func parseRate(rate string) (int64, error) {
	s := strings.TrimSpace(rate)
	if s == "" || strings.HasPrefix(s, "-") {
		return 0, ErrInvalidRate
	}
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return 0, ErrInvalidRate
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	for len(frac) < 4 {
		frac += "0"
	}
	if len(frac) > 4 && strings.Trim(frac[4:], "0") != "" {
		return 0, fmt.Errorf("%w: more than 4 decimal places", ErrInvalidRate)
	}
	frac = frac[:4]

	num, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return 0, ErrInvalidRate
	}
	if num.Sign() < 0 || num.Cmp(big.NewInt(rateScale)) > 0 {
		return 0, ErrInvalidRate
	}
	return num.Int64(), nil
}

// Package pricing implements the hybrid bonding curve that prices a
// creator's keys as a function of outstanding supply:
//
//	P(S) = 0.05 + 0.0003·S + 0.0000012·S^1.6
//
// All monetary values use shopspring/decimal — never float64 for money.
// The fractional power S^0.6 is computed with integer math (a binary-search
// cube root over big.Int, mirroring the on-ledger program) so the off-chain
// and on-ledger prices never diverge by platform-dependent rounding.
package pricing

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

var (
	// ErrSupplyOverflow is returned when a supply exceeds MaxSupply.
	// Pricing past the cap fails loudly rather than wrapping.
	ErrSupplyOverflow = errors.New("pricing: supply exceeds maximum")

	// ErrNegativeSupply is returned for supply < 0, which has no price.
	ErrNegativeSupply = errors.New("pricing: supply must be non-negative")
)

var (
	// BasePrice is the floor price at supply = 0, in native units per key.
	BasePrice = decimal.NewFromFloat(0.05)

	linearCoef = decimal.NewFromFloat(0.0003)
	expCoef    = decimal.NewFromFloat(0.0000012)

	// millikeyScale060 is 1000^0.6, the rescale factor between the
	// millikey integer domain of pow06 and whole-key supply.
	millikeyScale060 = decimal.RequireFromString("63.09573444801933")

	// MaxSupply caps a curve at 100M keys. Price and integration inputs
	// beyond this are rejected.
	MaxSupply = decimal.NewFromInt(100_000_000)
)

const (
	// PriceScale is the number of decimal places for prices and costs
	// (lamport precision).
	PriceScale int32 = 9

	// KeyScale is the number of decimal places for key quantities.
	KeyScale int32 = 3

	// maxIntegrationSteps bounds the trapezoidal integration.
	maxIntegrationSteps = 4000
)

// Price returns the spot price at the given supply.
// Deterministic and monotonic non-decreasing in supply.
func Price(supply decimal.Decimal) (decimal.Decimal, error) {
	if supply.IsNegative() {
		return decimal.Decimal{}, ErrNegativeSupply
	}
	if supply.GreaterThan(MaxSupply) {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrSupplyOverflow, supply)
	}

	linear := linearCoef.Mul(supply)
	exponential := expCoef.Mul(supply).Mul(pow06(supply))

	return BasePrice.Add(linear).Add(exponential).Round(PriceScale), nil
}

// pow06 approximates supply^0.6 deterministically.
//
// The supply is scaled to an integer millikey count n, then
// n^0.6 ≈ cbrt(n²)·0.9 (the same approximation the ledger program uses),
// and the result is rescaled by 1000^0.6.
func pow06(supply decimal.Decimal) decimal.Decimal {
	n := supply.Shift(3).Truncate(0).BigInt()
	if n.Sign() <= 0 {
		return decimal.Zero
	}

	n2 := new(big.Int).Mul(n, n)
	root := integerCbrt(n2)

	return decimal.NewFromBigInt(root, 0).
		Mul(decimal.NewFromFloat(0.9)).
		Div(millikeyScale060).
		Round(PriceScale)
}

// integerCbrt returns floor(∛n) for n ≥ 0 by binary search.
func integerCbrt(n *big.Int) *big.Int {
	if n.Sign() <= 0 {
		return big.NewInt(0)
	}

	low := big.NewInt(1)
	// ∛n has at most ⌈bits/3⌉+1 bits.
	high := new(big.Int).Lsh(big.NewInt(1), uint(n.BitLen()/3)+1)
	result := big.NewInt(0)

	mid, cube := new(big.Int), new(big.Int)
	for low.Cmp(high) <= 0 {
		mid.Add(low, high)
		mid.Rsh(mid, 1)

		cube.Mul(mid, mid)
		cube.Mul(cube, mid)

		switch cube.Cmp(n) {
		case 0:
			return new(big.Int).Set(mid)
		case -1:
			result.Set(mid)
			low.Add(mid, big.NewInt(1))
		case 1:
			high.Sub(mid, big.NewInt(1))
		}
	}
	return result
}

// integrationSteps returns the trapezoid count for a key quantity. Steps
// depend only on the quantity, so integrating up from S and back down from
// S+k walks the exact same trapezoids — the no-fee round trip is exact.
func integrationSteps(keys decimal.Decimal) int {
	steps := int(keys.IntPart())
	if steps < 10 {
		steps = 10
	}
	if steps > maxIntegrationSteps {
		steps = maxIntegrationSteps
	}
	return steps
}

// BuyCost integrates the price curve from supply to supply+keys using the
// trapezoidal rule: the total principal a buyer pays for `keys` keys.
func BuyCost(supply, keys decimal.Decimal) (decimal.Decimal, error) {
	if keys.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, nil
	}
	if supply.Add(keys).GreaterThan(MaxSupply) {
		return decimal.Decimal{}, fmt.Errorf("%w: buy to %s", ErrSupplyOverflow, supply.Add(keys))
	}

	steps := integrationSteps(keys)
	h := keys.Div(decimal.NewFromInt(int64(steps)))

	total := decimal.Zero
	for i := 0; i < steps; i++ {
		s1 := supply.Add(h.Mul(decimal.NewFromInt(int64(i))))
		s2 := supply.Add(h.Mul(decimal.NewFromInt(int64(i + 1))))
		p1, err := Price(s1)
		if err != nil {
			return decimal.Decimal{}, err
		}
		p2, err := Price(s2)
		if err != nil {
			return decimal.Decimal{}, err
		}
		total = total.Add(p1.Add(p2).Div(decimal.NewFromInt(2)).Mul(h))
	}
	return total.Round(PriceScale), nil
}

// SellGross integrates the price curve downward from supply to supply−keys:
// the gross proceeds (before fees) of selling `keys` keys.
func SellGross(supply, keys decimal.Decimal) (decimal.Decimal, error) {
	if keys.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, nil
	}
	if keys.GreaterThan(supply) {
		return decimal.Decimal{}, fmt.Errorf("pricing: cannot sell %s keys from supply %s", keys, supply)
	}

	steps := integrationSteps(keys)
	h := keys.Div(decimal.NewFromInt(int64(steps)))

	total := decimal.Zero
	for i := 0; i < steps; i++ {
		s1 := supply.Sub(h.Mul(decimal.NewFromInt(int64(i))))
		s2 := supply.Sub(h.Mul(decimal.NewFromInt(int64(i + 1))))
		p1, err := Price(s1)
		if err != nil {
			return decimal.Decimal{}, err
		}
		p2, err := Price(s2)
		if err != nil {
			return decimal.Decimal{}, err
		}
		total = total.Add(p1.Add(p2).Div(decimal.NewFromInt(2)).Mul(h))
	}
	return total.Round(PriceScale), nil
}

// KeysForAmount returns how many keys the given currency amount purchases at
// the current supply, by bounded binary search over BuyCost. The result is
// floored to KeyScale so a buyer never pays more than `amount`.
func KeysForAmount(amount, supply decimal.Decimal) (decimal.Decimal, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, nil
	}

	low := decimal.Zero
	high := amount.Div(BasePrice)
	if room := MaxSupply.Sub(supply); high.GreaterThan(room) {
		high = room
	}
	if high.LessThanOrEqual(decimal.Zero) {
		return decimal.Decimal{}, fmt.Errorf("%w: curve is at capacity", ErrSupplyOverflow)
	}

	tolerance := decimal.New(1, -KeyScale) // 0.001 keys
	two := decimal.NewFromInt(2)

	for high.Sub(low).GreaterThan(tolerance) {
		mid := low.Add(high).Div(two)
		cost, err := BuyCost(supply, mid)
		if err != nil {
			return decimal.Decimal{}, err
		}
		if cost.LessThanOrEqual(amount) {
			low = mid
		} else {
			high = mid
		}
	}
	return low.RoundDown(KeyScale), nil
}

// MarketCap is supply × spot price.
func MarketCap(supply, price decimal.Decimal) decimal.Decimal {
	return supply.Mul(price).Round(PriceScale)
}

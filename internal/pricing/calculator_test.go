package pricing

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/keymarket/curve-engine/internal/fees"
)

func newTestCalculator(t *testing.T, ceiling float64) *Calculator {
	t.Helper()
	calc, err := NewCalculator(fees.DefaultTable(), d(ceiling))
	if err != nil {
		t.Fatalf("NewCalculator: %v", err)
	}
	return calc
}

func TestComputeBuy_Basic(t *testing.T) {
	calc := newTestCalculator(t, 25)

	quote, err := calc.ComputeBuy(d(10), d(1000), false, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if quote.Side != "buy" {
		t.Errorf("expected buy side, got %s", quote.Side)
	}
	if quote.Keys.LessThanOrEqual(decimal.Zero) {
		t.Errorf("expected positive keys, got %s", quote.Keys)
	}
	if quote.PriceAfter.LessThanOrEqual(quote.Price) {
		t.Errorf("buy should raise the price: %s -> %s", quote.Price, quote.PriceAfter)
	}
	// Fees come out of the amount; reserve gets the rest.
	if !quote.Fees.Reserve.Add(quote.Fees.Total).Equal(quote.Amount) {
		t.Errorf("reserve %s + fees %s != amount %s",
			quote.Fees.Reserve, quote.Fees.Total, quote.Amount)
	}
}

func TestComputeBuy_ZeroAmount(t *testing.T) {
	calc := newTestCalculator(t, 25)
	if _, err := calc.ComputeBuy(decimal.Zero, d(100), false, false); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestComputeBuy_AmountTooSmall(t *testing.T) {
	calc := newTestCalculator(t, 25)
	// Far less than the 0.05 floor price of a single millikey.
	_, err := calc.ComputeBuy(d(0.00001), d(0), false, false)
	if !errors.Is(err, ErrAmountTooSmall) {
		t.Errorf("expected ErrAmountTooSmall, got %v", err)
	}
}

func TestComputeBuy_ImpactCeiling(t *testing.T) {
	calc := newTestCalculator(t, 5)

	// A huge buy at low supply moves the price far more than 5%.
	_, err := calc.ComputeBuy(d(10000), d(10), false, false)
	if !errors.Is(err, ErrPriceImpactExceeded) {
		t.Fatalf("expected ErrPriceImpactExceeded, got %v", err)
	}

	// Same trade with the override succeeds but keeps the warning.
	quote, err := calc.ComputeBuy(d(10000), d(10), false, true)
	if err != nil {
		t.Fatalf("override should allow the trade: %v", err)
	}
	if len(quote.Warnings) == 0 {
		t.Error("expected a high-impact warning on the overridden quote")
	}
}

func TestComputeBuy_ReferrerChangesRouting(t *testing.T) {
	calc := newTestCalculator(t, 25)

	// A 100-unit buy at this supply is far past the impact ceiling;
	// override it — routing is what's under test.
	without, err := calc.ComputeBuy(d(100), d(500), false, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	with, err := calc.ComputeBuy(d(100), d(500), true, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !without.Fees.Referrer.IsZero() {
		t.Errorf("no referrer: referrer share should be zero, got %s", without.Fees.Referrer)
	}
	if with.Fees.Referrer.LessThanOrEqual(decimal.Zero) {
		t.Errorf("with referrer: expected positive referrer share, got %s", with.Fees.Referrer)
	}
	// Total fee is the same either way; only routing changes.
	if !without.Fees.Total.Equal(with.Fees.Total) {
		t.Errorf("fee total should not depend on referrer: %s vs %s",
			without.Fees.Total, with.Fees.Total)
	}
}

func TestRoundTrip_WithFeesLosesExactlyTheFee(t *testing.T) {
	calc := newTestCalculator(t, 25)
	supply := d(100)
	keys := d(5.5)

	cost, err := BuyCost(supply, keys)
	if err != nil {
		t.Fatalf("BuyCost: %v", err)
	}

	quote, err := calc.ComputeSell(keys, supply.Add(keys), false)
	if err != nil {
		t.Fatalf("ComputeSell: %v", err)
	}

	// Fees never touch the gross: the sell grosses exactly what the buy
	// cost over the same interval.
	if !quote.Amount.Equal(cost) {
		t.Fatalf("sell gross %s != buy cost %s", quote.Amount, cost)
	}
	if !quote.Fees.Total.Equal(fees.DefaultTable().FeeOn(cost)) {
		t.Errorf("fee total %s != schedule fee on %s", quote.Fees.Total, cost)
	}

	// The round trip loses exactly the withheld fee: proceeds plus the
	// distributed shares reassemble the cost with nothing dropped or
	// double-counted.
	proceeds := quote.Amount.Sub(quote.Fees.Total)
	if !cost.Sub(proceeds).Equal(quote.Fees.Total) {
		t.Errorf("round trip loss %s != fee withheld %s", cost.Sub(proceeds), quote.Fees.Total)
	}
	shareSum := quote.Fees.Creator.
		Add(quote.Fees.Platform).
		Add(quote.Fees.Buyback).
		Add(quote.Fees.Community).
		Add(quote.Fees.Referrer)
	if !proceeds.Add(shareSum).Equal(cost) {
		t.Errorf("proceeds %s + shares %s != cost %s", proceeds, shareSum, cost)
	}
}

func TestComputeSell_Basic(t *testing.T) {
	calc := newTestCalculator(t, 25)

	quote, err := calc.ComputeSell(d(10), d(1000), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if quote.Side != "sell" {
		t.Errorf("expected sell side, got %s", quote.Side)
	}
	if quote.PriceAfter.GreaterThanOrEqual(quote.Price) {
		t.Errorf("sell should lower the price: %s -> %s", quote.Price, quote.PriceAfter)
	}
	if quote.Fees.Total.GreaterThanOrEqual(quote.Amount) {
		t.Errorf("fees %s should be a fraction of gross %s", quote.Fees.Total, quote.Amount)
	}
}

func TestComputeSell_ExceedsSupply(t *testing.T) {
	calc := newTestCalculator(t, 25)
	if _, err := calc.ComputeSell(d(11), d(10), false); err == nil {
		t.Error("expected error selling more keys than the curve supply")
	}
}

func TestComputeSell_ZeroKeys(t *testing.T) {
	calc := newTestCalculator(t, 25)
	if _, err := calc.ComputeSell(decimal.Zero, d(10), false); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

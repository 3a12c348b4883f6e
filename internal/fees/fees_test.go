package fees

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestDefaultTable_SixPercent(t *testing.T) {
	if got := DefaultTable().TotalBps(); got != 600 {
		t.Errorf("expected 600 bps total, got %d", got)
	}
}

func TestValidate_NegativeBps(t *testing.T) {
	tab := DefaultTable()
	tab.CreatorBps = -1
	if err := tab.Validate(); !errors.Is(err, ErrInvalidTable) {
		t.Errorf("expected ErrInvalidTable, got %v", err)
	}
}

func TestValidate_TotalAtHundredPercent(t *testing.T) {
	tab := Table{CreatorBps: 10000}
	if err := tab.Validate(); !errors.Is(err, ErrInvalidTable) {
		t.Errorf("expected ErrInvalidTable for 100%% fees, got %v", err)
	}
}

func TestDistribute_SharesSumExactly(t *testing.T) {
	grosses := []float64{100, 0.000000001, 1, 3.333333333, 123456.789, 0.07}
	for _, g := range grosses {
		b, err := DefaultTable().Distribute(d(g), true)
		if err != nil {
			t.Fatalf("Distribute(%v): %v", g, err)
		}
		sum := b.Creator.Add(b.Platform).Add(b.Buyback).Add(b.Community).Add(b.Referrer)
		if !sum.Equal(b.Total) {
			t.Errorf("gross %v: shares %s != fee total %s", g, sum, b.Total)
		}
		if !b.Reserve.Add(b.Total).Equal(d(g)) {
			t.Errorf("gross %v: reserve %s + fees %s != gross", g, b.Reserve, b.Total)
		}
	}
}

func TestDistribute_TruncationRemainderToPlatform(t *testing.T) {
	// A gross that truncates per-share: each 1% share of 0.000000107 is
	// 0.00000000107 → truncated to 0.000000001, leaving remainders that
	// must land on the platform, not vanish.
	gross := decimal.RequireFromString("0.000000107")
	b, err := DefaultTable().Distribute(gross, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sum := b.Creator.Add(b.Platform).Add(b.Buyback).Add(b.Community).Add(b.Referrer)
	if !sum.Equal(b.Total) {
		t.Errorf("shares %s != fee total %s", sum, b.Total)
	}
	others := b.Creator.Add(b.Buyback).Add(b.Community).Add(b.Referrer)
	if !b.Platform.Equal(b.Total.Sub(others)) {
		t.Errorf("platform should absorb the remainder: %s", b.Platform)
	}
}

func TestDistribute_NoReferrerFoldsIntoPlatform(t *testing.T) {
	gross := d(1000)

	with, err := DefaultTable().Distribute(gross, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	without, err := DefaultTable().Distribute(gross, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !without.Referrer.IsZero() {
		t.Errorf("expected zero referrer share, got %s", without.Referrer)
	}
	if !without.Platform.Equal(with.Platform.Add(with.Referrer)) {
		t.Errorf("platform %s should gain the referrer share %s (was %s)",
			without.Platform, with.Referrer, with.Platform)
	}
	if !without.Total.Equal(with.Total) {
		t.Errorf("fee total must not depend on referrer: %s vs %s", without.Total, with.Total)
	}
}

func TestDistribute_ZeroTable(t *testing.T) {
	b, err := ZeroTable().Distribute(d(500), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !b.Total.IsZero() {
		t.Errorf("zero table should charge no fees, got %s", b.Total)
	}
	if !b.Reserve.Equal(d(500)) {
		t.Errorf("whole gross should reach the reserve, got %s", b.Reserve)
	}
}

func TestDistribute_NegativeGross(t *testing.T) {
	if _, err := DefaultTable().Distribute(d(-1), false); err == nil {
		t.Error("expected error for negative gross")
	}
}

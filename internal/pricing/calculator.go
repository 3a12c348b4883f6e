package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/keymarket/curve-engine/internal/fees"
	"github.com/keymarket/curve-engine/internal/model"
)

var (
	// ErrInvalidAmount is returned for zero or negative trade amounts.
	ErrInvalidAmount = errors.New("pricing: amount must be positive")

	// ErrAmountTooSmall is returned when a buy amount purchases no
	// representable key quantity.
	ErrAmountTooSmall = errors.New("pricing: amount too small to buy any keys")

	// ErrPriceImpactExceeded is returned when a buy would push the price
	// impact above the configured ceiling and no override was given.
	ErrPriceImpactExceeded = errors.New("pricing: price impact exceeds ceiling")
)

// Quote is the computed result of a proposed trade against current curve
// state. Amount is the full principal: the cost paid on a buy (fees come out
// of it), or the gross proceeds on a sell (fees are withheld from it).
type Quote struct {
	Side           string             `json:"side"`
	Keys           decimal.Decimal    `json:"keys"`
	Amount         decimal.Decimal    `json:"amount"`
	PricePerKey    decimal.Decimal    `json:"price_per_key"`
	Price          decimal.Decimal    `json:"price"`       // spot before trade
	PriceAfter     decimal.Decimal    `json:"price_after"` // spot after trade
	PriceImpactPct decimal.Decimal    `json:"price_impact_pct"`
	Fees           model.FeeBreakdown `json:"fees"`
	Warnings       []string           `json:"warnings,omitempty"`
}

// Calculator computes trade quotes. It is stateless with respect to any
// curve — supply is passed as an argument, not stored.
type Calculator struct {
	feeTable         fees.Table
	impactCeilingPct decimal.Decimal
}

// NewCalculator creates a trade calculator with the given fee table and
// price-impact ceiling (percent; buys beyond it need an explicit override).
func NewCalculator(table fees.Table, impactCeilingPct decimal.Decimal) (*Calculator, error) {
	if err := table.Validate(); err != nil {
		return nil, err
	}
	if impactCeilingPct.LessThanOrEqual(decimal.Zero) {
		return nil, errors.New("pricing: impact ceiling must be positive")
	}
	return &Calculator{feeTable: table, impactCeilingPct: impactCeilingPct}, nil
}

// FeeTable returns the calculator's fee schedule.
func (c *Calculator) FeeTable() fees.Table {
	return c.feeTable
}

// ComputeBuy quotes a buy of `amount` currency against the given supply.
// hasReferrer routes the referrer fee share; overrideImpact allows trades
// past the impact ceiling (the warning is surfaced either way).
func (c *Calculator) ComputeBuy(amount, supply decimal.Decimal, hasReferrer, overrideImpact bool) (*Quote, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}

	spot, err := Price(supply)
	if err != nil {
		return nil, err
	}

	keys, err := KeysForAmount(amount, supply)
	if err != nil {
		return nil, err
	}
	if keys.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: %s at price %s", ErrAmountTooSmall, amount, spot)
	}

	cost, err := BuyCost(supply, keys)
	if err != nil {
		return nil, err
	}
	after, err := Price(supply.Add(keys))
	if err != nil {
		return nil, err
	}

	impact := after.Sub(spot).Div(spot).Mul(decimal.NewFromInt(100)).Round(4)

	var warnings []string
	if impact.GreaterThan(c.impactCeilingPct) {
		warnings = append(warnings, fmt.Sprintf("high price impact: %s%% (ceiling %s%%)", impact, c.impactCeilingPct))
		if !overrideImpact {
			return nil, fmt.Errorf("%w: %s%% > %s%%", ErrPriceImpactExceeded, impact, c.impactCeilingPct)
		}
	}

	breakdown, err := c.feeTable.Distribute(cost, hasReferrer)
	if err != nil {
		return nil, err
	}

	return &Quote{
		Side:           model.SideBuy,
		Keys:           keys,
		Amount:         cost,
		PricePerKey:    cost.Div(keys).Round(PriceScale),
		Price:          spot,
		PriceAfter:     after,
		PriceImpactPct: impact,
		Fees:           breakdown,
		Warnings:       warnings,
	}, nil
}

// ComputeSell quotes a sell of `keys` keys against the given supply. The
// caller's held balance is checked later against the position ledger; here
// the quantity only has to fit the curve.
func (c *Calculator) ComputeSell(keys, supply decimal.Decimal, hasReferrer bool) (*Quote, error) {
	if keys.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if keys.GreaterThan(supply) {
		return nil, fmt.Errorf("pricing: sell of %s exceeds curve supply %s", keys, supply)
	}

	spot, err := Price(supply)
	if err != nil {
		return nil, err
	}

	gross, err := SellGross(supply, keys)
	if err != nil {
		return nil, err
	}
	after, err := Price(supply.Sub(keys))
	if err != nil {
		return nil, err
	}

	impact := spot.Sub(after).Div(spot).Mul(decimal.NewFromInt(100)).Round(4)

	var warnings []string
	if impact.GreaterThan(c.impactCeilingPct) {
		warnings = append(warnings, fmt.Sprintf("high price impact: %s%%", impact))
	}

	breakdown, err := c.feeTable.Distribute(gross, hasReferrer)
	if err != nil {
		return nil, err
	}

	return &Quote{
		Side:           model.SideSell,
		Keys:           keys,
		Amount:         gross,
		PricePerKey:    gross.Div(keys).Round(PriceScale),
		Price:          spot,
		PriceAfter:     after,
		PriceImpactPct: impact,
		Fees:           breakdown,
		Warnings:       warnings,
	}, nil
}

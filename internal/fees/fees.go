// Package fees implements the fee waterfall: a fixed basis-point split of a
// trade's fee portion among the creator, platform treasury, buyback pool,
// community pool, and an optional referrer.
//
// All shares are computed at lamport precision (9 decimal places) and must
// re-sum exactly: integer-division remainders are assigned to the platform
// destination, never dropped.
package fees

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/keymarket/curve-engine/internal/model"
)

var (
	// ErrInvalidTable is returned when a fee table's percentages are
	// negative or exceed 100%.
	ErrInvalidTable = errors.New("fees: invalid fee table")

	// ErrFeeIntegrity is returned when the distributed shares fail to sum
	// back to the fee total. This is a programming-bug class error: the
	// settlement mutation halts rather than applying a partial write.
	ErrFeeIntegrity = errors.New("fees: distributed shares do not sum to fee total")
)

// Scale is the number of decimal places for fee shares (lamport precision).
const Scale int32 = 9

const bpsDenominator = 10000

// Table holds the fee percentages in basis points.
type Table struct {
	CreatorBps   int64
	PlatformBps  int64
	BuybackBps   int64
	CommunityBps int64
	ReferrerBps  int64
}

// DefaultTable is the production fee schedule: 6% total, of which the
// referrer point folds into the platform when no referrer is present.
func DefaultTable() Table {
	return Table{
		CreatorBps:   200,
		PlatformBps:  100,
		BuybackBps:   100,
		CommunityBps: 100,
		ReferrerBps:  100,
	}
}

// ZeroTable disables fees entirely. Used for round-trip testing.
func ZeroTable() Table {
	return Table{}
}

// TotalBps returns the total fee percentage in basis points.
func (t Table) TotalBps() int64 {
	return t.CreatorBps + t.PlatformBps + t.BuybackBps + t.CommunityBps + t.ReferrerBps
}

// Validate checks the table is usable.
func (t Table) Validate() error {
	for _, bps := range []int64{t.CreatorBps, t.PlatformBps, t.BuybackBps, t.CommunityBps, t.ReferrerBps} {
		if bps < 0 {
			return ErrInvalidTable
		}
	}
	if t.TotalBps() >= bpsDenominator {
		return ErrInvalidTable
	}
	return nil
}

// FeeOn returns the total fee withheld from a gross amount, truncated to
// lamport precision.
func (t Table) FeeOn(gross decimal.Decimal) decimal.Decimal {
	return gross.Mul(decimal.NewFromInt(t.TotalBps())).
		Div(decimal.NewFromInt(bpsDenominator)).
		Truncate(Scale)
}

// Distribute splits the fee portion of a gross trade amount.
//
// Every share except the platform's is truncated to Scale; the platform
// share is feeTotal minus the others, so the remainder of integer division
// always lands on the platform destination. When hasReferrer is false the
// referrer share folds into the platform share.
//
// The returned breakdown's Reserve field is gross minus the total fee: the
// principal that stays with the curve on a buy, or the seller payout on a
// sell.
func (t Table) Distribute(gross decimal.Decimal, hasReferrer bool) (model.FeeBreakdown, error) {
	if err := t.Validate(); err != nil {
		return model.FeeBreakdown{}, err
	}
	if gross.IsNegative() {
		return model.FeeBreakdown{}, ErrInvalidTable
	}

	denom := decimal.NewFromInt(bpsDenominator)
	share := func(bps int64) decimal.Decimal {
		return gross.Mul(decimal.NewFromInt(bps)).Div(denom).Truncate(Scale)
	}

	feeTotal := t.FeeOn(gross)
	creator := share(t.CreatorBps)
	buyback := share(t.BuybackBps)
	community := share(t.CommunityBps)

	referrer := decimal.Zero
	if hasReferrer {
		referrer = share(t.ReferrerBps)
	}

	// Platform absorbs the truncation remainder (and the referrer share
	// when no referrer qualifies).
	platform := feeTotal.Sub(creator).Sub(buyback).Sub(community).Sub(referrer)
	if platform.IsNegative() {
		return model.FeeBreakdown{}, ErrFeeIntegrity
	}

	b := model.FeeBreakdown{
		Reserve:   gross.Sub(feeTotal),
		Creator:   creator,
		Platform:  platform,
		Buyback:   buyback,
		Community: community,
		Referrer:  referrer,
		Total:     feeTotal,
	}

	if !b.Creator.Add(b.Platform).Add(b.Buyback).Add(b.Community).Add(b.Referrer).Equal(feeTotal) {
		return model.FeeBreakdown{}, ErrFeeIntegrity
	}
	return b, nil
}

package trade

import "errors"

var (
	// ErrCurveNotTradable is returned for trades against frozen or
	// closed curves.
	ErrCurveNotTradable = errors.New("trade: curve is not open for trading")

	// ErrPendingOwnerOnly is returned when someone other than the owner
	// trades a pending curve. Activation requires the owner's own buy.
	ErrPendingOwnerOnly = errors.New("trade: pending curve accepts only owner buys")

	// ErrInsufficientKeys is returned when a sell exceeds the seller's
	// held balance.
	ErrInsufficientKeys = errors.New("trade: insufficient key balance")

	// ErrInsufficientReserve is returned when a sell's gross proceeds
	// would drain the curve reserve below zero.
	ErrInsufficientReserve = errors.New("trade: sell exceeds curve reserve")

	// ErrStaleState is returned when the curve changed between the
	// caller's quote and the trade. The caller should re-quote and retry.
	ErrStaleState = errors.New("trade: price moved, please retry")

	// ErrLedgerRejected is returned when the external ledger
	// deterministically refused the settlement.
	ErrLedgerRejected = errors.New("trade: settlement rejected by ledger")
)

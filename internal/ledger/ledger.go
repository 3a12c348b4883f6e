// Package ledger abstracts the external settlement ledger. Writes to the
// ledger are irreversible and the ledger is the source of truth for key
// balances; everything above this package treats it as append-only.
package ledger

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrRejected means the ledger deterministically refused the
	// transaction. The transaction did not and will not execute.
	ErrRejected = errors.New("ledger: transaction rejected")

	// ErrTimeout means the submission outcome is unknown. The transaction
	// may still execute; callers must not treat this as a failure.
	ErrTimeout = errors.New("ledger: confirmation timed out")

	// ErrSignerDeclined means the signing authority refused to sign.
	// Nothing reached the ledger.
	ErrSignerDeclined = errors.New("ledger: signer declined")

	// ErrNotFound is returned by ReadAccount for accounts that do not
	// exist on the ledger.
	ErrNotFound = errors.New("ledger: account not found")
)

// Status is the ledger-side outcome of a previously submitted transaction.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusUnknown   Status = "unknown"
)

// TradeTransaction describes a key trade to be executed on the ledger.
// Quantities are in keys and native currency units respectively.
type TradeTransaction struct {
	CurveID    string
	UserID     string
	Side       string
	Keys       decimal.Decimal
	Amount     decimal.Decimal
	ReferrerID string
}

// SignedTransaction is a trade signed and serialized for submission.
// Ref is the transaction's ledger reference and is known before
// submission, so an outcome can be queried even when Submit times out.
type SignedTransaction struct {
	Ref     string
	Payload []byte
}

// Signer turns a trade into a signed, submittable transaction. A signer
// may refuse (ErrSignerDeclined), in which case the trade is abandoned
// with no ledger side effects.
type Signer interface {
	Sign(ctx context.Context, tx TradeTransaction) (SignedTransaction, error)
}

// Client submits transactions to the ledger and reads its state.
type Client interface {
	// Submit sends a signed transaction and waits for confirmation.
	// Returns nil on confirmed execution, ErrRejected on deterministic
	// refusal, and ErrTimeout when the outcome is unknown at return.
	Submit(ctx context.Context, tx SignedTransaction) error

	// QueryStatus reports the current outcome of a transaction by its
	// reference. StatusUnknown means the ledger has no record of it yet.
	QueryStatus(ctx context.Context, ref string) (Status, error)

	// ReadAccount fetches the raw contents of a ledger account.
	ReadAccount(ctx context.Context, account string) ([]byte, error)
}

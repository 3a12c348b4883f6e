// Package store defines the persistence interface for the settlement
// core. Implementations include PostgreSQL (source of truth for the
// off-chain projection), Redis (read-through cache), and in-memory
// (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/keymarket/curve-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when a create collides with an
	// existing record.
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrVersionConflict is returned by UpdateCurve when the curve row
	// changed since it was read. Callers re-read and retry.
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrDuplicateEvent is returned by InsertTradeEvent when an event
	// with the same ledger reference was already recorded.
	ErrDuplicateEvent = errors.New("store: duplicate ledger reference")
)

// Store is the persistence interface. PostgreSQL is the source of truth
// for the off-chain projection; Redis provides a read-through cache.
type Store interface {
	// --- Curve operations ---

	// CreateCurve persists a new curve in pending state.
	CreateCurve(ctx context.Context, curve *model.Curve) error

	// GetCurve retrieves a curve by its ID.
	GetCurve(ctx context.Context, id string) (*model.Curve, error)

	// GetCurveByOwner retrieves the curve owned by a user.
	GetCurveByOwner(ctx context.Context, ownerID string) (*model.Curve, error)

	// ListCurves returns all curves, newest first.
	ListCurves(ctx context.Context) ([]model.Curve, error)

	// ListTrendingCurves returns active curves ranked by 24h volume.
	ListTrendingCurves(ctx context.Context, limit int) ([]model.Curve, error)

	// UpdateCurve writes the full curve state if and only if the stored
	// version equals expectedVersion, then increments the version.
	// Returns ErrVersionConflict when another writer got there first.
	UpdateCurve(ctx context.Context, curve *model.Curve, expectedVersion int64) error

	// --- Holder positions ---

	// GetHolderPosition retrieves one holder's position on a curve.
	GetHolderPosition(ctx context.Context, curveID, userID string) (*model.HolderPosition, error)

	// UpsertHolderPosition creates or replaces a holder position.
	UpsertHolderPosition(ctx context.Context, pos *model.HolderPosition) error

	// DeleteHolderPosition removes a fully exited position.
	DeleteHolderPosition(ctx context.Context, curveID, userID string) error

	// ListHoldersByCurve returns all positions on a curve, largest first.
	ListHoldersByCurve(ctx context.Context, curveID string) ([]model.HolderPosition, error)

	// ListPositionsByUser returns all of a user's positions.
	ListPositionsByUser(ctx context.Context, userID string) ([]model.HolderPosition, error)

	// --- Immutable trade history ---

	// InsertTradeEvent appends a settled trade. The ledger reference is
	// unique; a second insert with the same reference returns
	// ErrDuplicateEvent and writes nothing.
	InsertTradeEvent(ctx context.Context, event *model.TradeEvent) error

	// GetTradeEventByLedgerRef retrieves a trade by its ledger reference.
	GetTradeEventByLedgerRef(ctx context.Context, ref string) (*model.TradeEvent, error)

	// GetTradeEventsByCurve returns all trades for a curve in time order.
	GetTradeEventsByCurve(ctx context.Context, curveID string) ([]model.TradeEvent, error)

	// GetTradeEventsByUser returns all trades for a user in time order.
	GetTradeEventsByUser(ctx context.Context, userID string) ([]model.TradeEvent, error)

	// --- Settlement intents ---

	// CreateIntent persists a new settlement intent.
	CreateIntent(ctx context.Context, intent *model.SettlementIntent) error

	// UpdateIntent replaces an intent record.
	UpdateIntent(ctx context.Context, intent *model.SettlementIntent) error

	// GetIntent retrieves an intent by ID.
	GetIntent(ctx context.Context, id string) (*model.SettlementIntent, error)

	// DeleteIntent removes a resolved intent. Deleting an intent that no
	// longer exists is a no-op.
	DeleteIntent(ctx context.Context, id string) error

	// ListIntentsByStatus returns intents in the given status last
	// updated before the cutoff, oldest first.
	ListIntentsByStatus(ctx context.Context, status model.IntentStatus, updatedBefore time.Time) ([]model.SettlementIntent, error)

	// --- Users ---

	// UserExists reports whether a user account is registered.
	UserExists(ctx context.Context, userID string) (bool, error)
}

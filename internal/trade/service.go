// Package trade provides the settlement pipeline and business logic for
// creating curves, executing key trades, and querying holder positions.
//
// All monetary values use shopspring/decimal — never float64 for money.
//
// Trades settle in two phases: the external ledger executes first (it is
// irreversible and authoritative for balances), then the off-chain
// projection is updated under version-checked writes. A durable settlement
// intent is recorded before any ledger call so a crash or timeout is always
// recoverable by the reconciliation worker.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/keymarket/curve-engine/internal/ledger"
	"github.com/keymarket/curve-engine/internal/metrics"
	"github.com/keymarket/curve-engine/internal/model"
	"github.com/keymarket/curve-engine/internal/pricing"
	"github.com/keymarket/curve-engine/internal/referral"
	"github.com/keymarket/curve-engine/internal/store"
)

// Config tunes the settlement pipeline.
type Config struct {
	// MinKeysToActivate is the owner self-balance required to move a
	// curve from pending to active.
	MinKeysToActivate decimal.Decimal

	// LedgerTimeout bounds how long a trade waits for ledger
	// confirmation before going pending.
	LedgerTimeout time.Duration

	// ApplyRetries bounds version-conflict retries when applying a
	// confirmed settlement to the projection.
	ApplyRetries int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinKeysToActivate: decimal.NewFromInt(10),
		LedgerTimeout:     30 * time.Second,
		ApplyRetries:      5,
	}
}

// Service executes trades against the dual-ledger settlement pipeline.
type Service struct {
	store  store.Store
	ledger ledger.Client
	signer ledger.Signer
	calc   *pricing.Calculator
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
	cfg    Config
}

// NewService creates a trade service. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, lc ledger.Client, signer ledger.Signer, calc *pricing.Calculator, hub *WSHub, cfg Config) *Service {
	if cfg.MinKeysToActivate.LessThanOrEqual(decimal.Zero) {
		cfg.MinKeysToActivate = decimal.NewFromInt(10)
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = 30 * time.Second
	}
	if cfg.ApplyRetries <= 0 {
		cfg.ApplyRetries = 5
	}
	return &Service{
		store:  st,
		ledger: lc,
		signer: signer,
		calc:   calc,
		wsHub:  hub,
		cfg:    cfg,
	}
}

// storeResolver adapts the store's user table to referral eligibility.
type storeResolver struct {
	store store.Store
}

func (r storeResolver) Exists(ctx context.Context, userID string) (bool, error) {
	return r.store.UserExists(ctx, userID)
}

// --- Curve lifecycle ---

// CreateCurve registers a new curve for ownerID in pending state. The
// curve starts trading only after the owner buys MinKeysToActivate of
// their own keys.
func (s *Service) CreateCurve(ctx context.Context, ownerID string) (*model.Curve, error) {
	exists, err := s.store.UserExists(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("check owner %s: %w", ownerID, err)
	}
	if !exists {
		return nil, fmt.Errorf("owner %s: %w", ownerID, store.ErrNotFound)
	}

	basePrice, err := pricing.Price(decimal.Zero)
	if err != nil {
		return nil, err
	}

	curve := &model.Curve{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		Supply:      decimal.Zero,
		Reserve:     decimal.Zero,
		Price:       basePrice,
		MarketCap:   decimal.Zero,
		Volume24h:   decimal.Zero,
		VolumeTotal: decimal.Zero,
		State:       model.StatePending,
		Version:     1,
		CreatedAt:   time.Now().UTC(),
	}

	if err := s.store.CreateCurve(ctx, curve); err != nil {
		return nil, err
	}

	slog.Info("curve created",
		"curve", curve.ID,
		"owner", ownerID,
		"base_price", basePrice.String(),
	)
	return curve, nil
}

// --- Quotes ---

// QuoteBuy previews a buy without settling anything.
func (s *Service) QuoteBuy(ctx context.Context, curveID, userID string, amount decimal.Decimal, referrerID string) (*pricing.Quote, error) {
	curve, err := s.store.GetCurve(ctx, curveID)
	if err != nil {
		return nil, err
	}
	ref, err := referral.Eligible(ctx, storeResolver{s.store}, userID, referrerID)
	if err != nil {
		return nil, err
	}
	// Previews never reject on impact; the warning is enough.
	return s.calc.ComputeBuy(amount, curve.Supply, ref != "", true)
}

// QuoteSell previews a sell without settling anything.
func (s *Service) QuoteSell(ctx context.Context, curveID, userID string, keys decimal.Decimal, referrerID string) (*pricing.Quote, error) {
	curve, err := s.store.GetCurve(ctx, curveID)
	if err != nil {
		return nil, err
	}
	ref, err := referral.Eligible(ctx, storeResolver{s.store}, userID, referrerID)
	if err != nil {
		return nil, err
	}
	return s.calc.ComputeSell(keys, curve.Supply, ref != "")
}

// --- Trading ---

// BuyParams describes a key purchase. Amount is the total spend; keys
// received are computed from the curve. ExpectedVersion, when non-zero,
// rejects the trade if the curve moved since the caller's quote.
type BuyParams struct {
	CurveID          string
	UserID           string
	Amount           decimal.Decimal
	ReferrerID       string
	ExpectedVersion  int64
	AcceptHighImpact bool
}

// SellParams describes a key sale of an exact key quantity.
type SellParams struct {
	CurveID         string
	UserID          string
	Keys            decimal.Decimal
	ReferrerID      string
	ExpectedVersion int64
}

// BuyKeys quotes and settles a key purchase. On ledger timeout the
// returned result has Pending set and the reconciliation worker finishes
// the trade; the caller must not assume failure.
func (s *Service) BuyKeys(ctx context.Context, p BuyParams) (*model.TradeResult, error) {
	start := time.Now()

	curve, err := s.store.GetCurve(ctx, p.CurveID)
	if err != nil {
		return nil, err
	}
	switch curve.State {
	case model.StateActive:
	case model.StatePending:
		if p.UserID != curve.OwnerID {
			return nil, ErrPendingOwnerOnly
		}
	default:
		return nil, fmt.Errorf("%w: curve is %s", ErrCurveNotTradable, curve.State)
	}
	if p.ExpectedVersion != 0 && p.ExpectedVersion != curve.Version {
		return nil, fmt.Errorf("%w: version %d, quoted at %d", ErrStaleState, curve.Version, p.ExpectedVersion)
	}

	ref, err := referral.Eligible(ctx, storeResolver{s.store}, p.UserID, p.ReferrerID)
	if err != nil {
		return nil, err
	}

	quote, err := s.calc.ComputeBuy(p.Amount, curve.Supply, ref != "", p.AcceptHighImpact)
	if err != nil {
		if errors.Is(err, pricing.ErrPriceImpactExceeded) {
			metrics.ImpactRejections.Inc()
		}
		return nil, err
	}

	result, err := s.settle(ctx, curve, quote, p.UserID, ref)
	if err != nil {
		return nil, err
	}
	if result.Success {
		metrics.TradesTotal.WithLabelValues(model.SideBuy).Inc()
		metrics.TradeLatency.WithLabelValues(model.SideBuy).Observe(time.Since(start).Seconds())
	}
	return result, nil
}

// SellKeys quotes and settles a key sale.
func (s *Service) SellKeys(ctx context.Context, p SellParams) (*model.TradeResult, error) {
	start := time.Now()

	curve, err := s.store.GetCurve(ctx, p.CurveID)
	if err != nil {
		return nil, err
	}
	if curve.State != model.StateActive {
		return nil, fmt.Errorf("%w: curve is %s", ErrCurveNotTradable, curve.State)
	}
	if p.ExpectedVersion != 0 && p.ExpectedVersion != curve.Version {
		return nil, fmt.Errorf("%w: version %d, quoted at %d", ErrStaleState, curve.Version, p.ExpectedVersion)
	}

	pos, err := s.store.GetHolderPosition(ctx, p.CurveID, p.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrInsufficientKeys
		}
		return nil, err
	}
	if pos.Balance.LessThan(p.Keys) {
		return nil, fmt.Errorf("%w: have %s, selling %s", ErrInsufficientKeys, pos.Balance, p.Keys)
	}

	ref, err := referral.Eligible(ctx, storeResolver{s.store}, p.UserID, p.ReferrerID)
	if err != nil {
		return nil, err
	}

	quote, err := s.calc.ComputeSell(p.Keys, curve.Supply, ref != "")
	if err != nil {
		return nil, err
	}
	if quote.Amount.GreaterThan(curve.Reserve) {
		return nil, fmt.Errorf("%w: gross %s, reserve %s", ErrInsufficientReserve, quote.Amount, curve.Reserve)
	}

	result, err := s.settle(ctx, curve, quote, p.UserID, ref)
	if err != nil {
		return nil, err
	}
	if result.Success {
		metrics.TradesTotal.WithLabelValues(model.SideSell).Inc()
		metrics.TradeLatency.WithLabelValues(model.SideSell).Observe(time.Since(start).Seconds())
	}
	return result, nil
}

// settle runs the intent → sign → submit → apply pipeline for a quoted
// trade. The intent is durable before the first external call.
func (s *Service) settle(ctx context.Context, curve *model.Curve, quote *pricing.Quote, userID, referrerID string) (*model.TradeResult, error) {
	now := time.Now().UTC()
	intent := &model.SettlementIntent{
		ID:         uuid.New().String(),
		CurveID:    curve.ID,
		UserID:     userID,
		ReferrerID: referrerID,
		Side:       quote.Side,
		Keys:       quote.Keys,
		Amount:     quote.Amount,
		Status:     model.IntentSubmitted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("record intent: %w", err)
	}

	signed, err := s.signer.Sign(ctx, ledger.TradeTransaction{
		CurveID:    curve.ID,
		UserID:     userID,
		Side:       quote.Side,
		Keys:       quote.Keys,
		Amount:     quote.Amount,
		ReferrerID: referrerID,
	})
	if err != nil {
		s.markIntent(ctx, intent, model.IntentFailed)
		return nil, err
	}

	// The reference is durable before submission; a timed-out trade can
	// always be found on the ledger by this reference.
	intent.LedgerRef = signed.Ref
	intent.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("record ledger ref: %w", err)
	}

	subCtx, cancel := context.WithTimeout(ctx, s.cfg.LedgerTimeout)
	err = s.ledger.Submit(subCtx, signed)
	cancel()

	switch {
	case err == nil:
		s.markIntent(ctx, intent, model.IntentConfirmed)

	case errors.Is(err, ledger.ErrRejected):
		s.markIntent(ctx, intent, model.IntentFailed)
		slog.Warn("settlement rejected",
			"intent", intent.ID, "ref", intent.LedgerRef, "err", err)
		return nil, fmt.Errorf("%w: %v", ErrLedgerRejected, err)

	default:
		// Timeout or transport failure: the outcome is unknown. Never
		// report failure here; the transaction may have executed.
		s.markIntent(ctx, intent, model.IntentUnknown)
		slog.Warn("settlement outcome unknown",
			"intent", intent.ID, "ref", intent.LedgerRef, "err", err)
		return &model.TradeResult{
			Pending:   true,
			IntentID:  intent.ID,
			LedgerRef: intent.LedgerRef,
			Message:   "settlement outcome pending ledger confirmation",
		}, nil
	}

	updated, err := s.ApplyIntent(ctx, intent)
	if err != nil {
		// The ledger executed; only the projection is behind. The
		// reconciler retries confirmed intents, so this is pending, not
		// failed.
		slog.Error("confirmed settlement not yet applied",
			"intent", intent.ID, "ref", intent.LedgerRef, "err", err)
		return &model.TradeResult{
			Pending:   true,
			IntentID:  intent.ID,
			LedgerRef: intent.LedgerRef,
			Message:   "trade settled on ledger, state update pending",
		}, nil
	}

	slog.Info("trade settled",
		"intent", intent.ID,
		"curve", curve.ID,
		"user", userID,
		"side", quote.Side,
		"keys", quote.Keys.String(),
		"amount", quote.Amount.String(),
		"ref", intent.LedgerRef,
		"new_price", updated.Price.String(),
	)

	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:    "trade_settled",
			CurveID: curve.ID,
			Side:    quote.Side,
			Keys:    quote.Keys.String(),
			Amount:  quote.Amount.String(),
			Price:   updated.Price.String(),
			Supply:  updated.Supply.String(),
			State:   string(updated.State),
		})
	}

	return &model.TradeResult{
		Success:   true,
		IntentID:  intent.ID,
		LedgerRef: intent.LedgerRef,
		Curve:     updated,
	}, nil
}

// markIntent records an intent status transition. Terminal intents
// (Applied, Failed) are deleted; the trade event is the durable record.
func (s *Service) markIntent(ctx context.Context, intent *model.SettlementIntent, status model.IntentStatus) {
	intent.Status = status
	intent.UpdatedAt = time.Now().UTC()

	var err error
	switch status {
	case model.IntentApplied, model.IntentFailed:
		err = s.store.DeleteIntent(ctx, intent.ID)
	default:
		err = s.store.UpdateIntent(ctx, intent)
	}
	if err != nil {
		slog.Error("intent update failed", "intent", intent.ID, "status", status, "err", err)
		return
	}
	metrics.SettlementOutcomes.WithLabelValues(string(status)).Inc()
}

// ApplyIntent applies a ledger-confirmed settlement to the off-chain
// projection. The quoted key quantity is applied onto freshly read curve
// state under a version-checked write; derived fields are recomputed, the
// quantity never is — it is what the ledger executed. Safe to call more
// than once per intent: the trade event's ledger reference dedupes.
func (s *Service) ApplyIntent(ctx context.Context, intent *model.SettlementIntent) (*model.Curve, error) {
	// A previous apply may have finished everything but the intent update.
	if _, err := s.store.GetTradeEventByLedgerRef(ctx, intent.LedgerRef); err == nil {
		curve, err := s.store.GetCurve(ctx, intent.CurveID)
		if err != nil {
			return nil, err
		}
		s.markIntent(ctx, intent, model.IntentApplied)
		return curve, nil
	}

	breakdown, err := s.calc.FeeTable().Distribute(intent.Amount, intent.ReferrerID != "")
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		curve, err := s.store.GetCurve(ctx, intent.CurveID)
		if err != nil {
			return nil, err
		}

		pos, err := s.store.GetHolderPosition(ctx, intent.CurveID, intent.UserID)
		newHolder := false
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			newHolder = true
			pos = &model.HolderPosition{
				CurveID: intent.CurveID,
				UserID:  intent.UserID,
			}
		}

		next := *curve
		now := time.Now().UTC()
		deletePos := false

		if intent.Side == model.SideBuy {
			next.Supply = curve.Supply.Add(intent.Keys)
			next.Reserve = curve.Reserve.Add(breakdown.Reserve)
			if newHolder {
				next.HolderCount++
				pos.FirstBuyAt = now
			}
			pos.Balance = pos.Balance.Add(intent.Keys)
			pos.TotalInvested = pos.TotalInvested.Add(intent.Amount)
			pos.AvgPrice = pos.TotalInvested.Div(pos.Balance).Round(pricing.PriceScale)
		} else {
			if pos.Balance.LessThan(intent.Keys) {
				return nil, fmt.Errorf("apply intent %s: %w", intent.ID, ErrInsufficientKeys)
			}
			// Re-check against the fresh read: a concurrent sell may have
			// drawn the reserve down since the pre-trade check.
			if curve.Reserve.LessThan(intent.Amount) {
				return nil, fmt.Errorf("apply intent %s: %w", intent.ID, ErrInsufficientReserve)
			}
			next.Supply = curve.Supply.Sub(intent.Keys)
			next.Reserve = curve.Reserve.Sub(intent.Amount)
			proceeds := intent.Amount.Sub(breakdown.Total)
			costBasis := pos.AvgPrice.Mul(intent.Keys)
			pos.Balance = pos.Balance.Sub(intent.Keys)
			pos.TotalInvested = pos.TotalInvested.Sub(costBasis)
			pos.RealizedPnl = pos.RealizedPnl.Add(proceeds.Sub(costBasis))
			if pos.Balance.IsZero() {
				deletePos = true
				next.HolderCount--
			}
		}
		pos.LastTradeAt = now

		price, err := pricing.Price(next.Supply)
		if err != nil {
			return nil, err
		}
		next.Price = price
		next.MarketCap = pricing.MarketCap(next.Supply, price)
		next.Volume24h = curve.Volume24h.Add(intent.Amount)
		next.VolumeTotal = curve.VolumeTotal.Add(intent.Amount)
		pos.UnrealizedPnl = price.Sub(pos.AvgPrice).Mul(pos.Balance).Round(pricing.PriceScale)

		// Owner self-balance crossing the threshold activates the curve.
		if curve.State == model.StatePending &&
			intent.Side == model.SideBuy &&
			intent.UserID == curve.OwnerID &&
			pos.Balance.GreaterThanOrEqual(s.cfg.MinKeysToActivate) {
			next.State = model.StateActive
			next.ActivatedAt = &now
			metrics.CurveActivations.Inc()
			slog.Info("curve activated",
				"curve", curve.ID, "owner", curve.OwnerID, "balance", pos.Balance.String())
		}

		err = s.store.UpdateCurve(ctx, &next, curve.Version)
		if err == nil {
			return s.finishApply(ctx, intent, &next, pos, deletePos, breakdown)
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return nil, err
		}
		metrics.VersionConflicts.Inc()
		if attempt+1 >= s.cfg.ApplyRetries {
			return nil, fmt.Errorf("apply intent %s after %d attempts: %w", intent.ID, s.cfg.ApplyRetries, err)
		}
	}
}

func (s *Service) finishApply(ctx context.Context, intent *model.SettlementIntent, curve *model.Curve, pos *model.HolderPosition, deletePos bool, breakdown model.FeeBreakdown) (*model.Curve, error) {
	if deletePos {
		if err := s.store.DeleteHolderPosition(ctx, intent.CurveID, intent.UserID); err != nil {
			return nil, err
		}
	} else {
		if err := s.store.UpsertHolderPosition(ctx, pos); err != nil {
			return nil, err
		}
	}

	event := &model.TradeEvent{
		ID:         uuid.New().String(),
		CurveID:    intent.CurveID,
		Type:       intent.Side,
		UserID:     intent.UserID,
		ReferrerID: intent.ReferrerID,
		Amount:     intent.Amount,
		Keys:       intent.Keys,
		Price:      curve.Price,
		Fees:       breakdown,
		LedgerRef:  intent.LedgerRef,
		Timestamp:  time.Now().UTC(),
	}
	if err := s.store.InsertTradeEvent(ctx, event); err != nil {
		// A concurrent apply of the same intent already recorded it.
		if !errors.Is(err, store.ErrDuplicateEvent) {
			return nil, err
		}
	}

	s.markIntent(ctx, intent, model.IntentApplied)
	return curve, nil
}

// --- Queries ---

// GetCurve returns one curve.
func (s *Service) GetCurve(ctx context.Context, id string) (*model.Curve, error) {
	return s.store.GetCurve(ctx, id)
}

// IsActive reports whether the curve is open for public trading. Gated
// features check this rather than reading the full curve state.
func (s *Service) IsActive(ctx context.Context, id string) (bool, error) {
	curve, err := s.store.GetCurve(ctx, id)
	if err != nil {
		return false, err
	}
	return curve.State == model.StateActive, nil
}

// ListCurves returns all curves, newest first.
func (s *Service) ListCurves(ctx context.Context) ([]model.Curve, error) {
	return s.store.ListCurves(ctx)
}

// ListTrendingCurves returns active curves ranked by 24h volume.
func (s *Service) ListTrendingCurves(ctx context.Context, limit int) ([]model.Curve, error) {
	return s.store.ListTrendingCurves(ctx, limit)
}

// ListHolders returns a curve's holder positions, largest first.
func (s *Service) ListHolders(ctx context.Context, curveID string) ([]model.HolderPosition, error) {
	return s.store.ListHoldersByCurve(ctx, curveID)
}

// GetPosition returns one holder's position on a curve.
func (s *Service) GetPosition(ctx context.Context, curveID, userID string) (*model.HolderPosition, error) {
	return s.store.GetHolderPosition(ctx, curveID, userID)
}

// ListUserPositions returns all of a user's positions.
func (s *Service) ListUserPositions(ctx context.Context, userID string) ([]model.HolderPosition, error) {
	return s.store.ListPositionsByUser(ctx, userID)
}

// GetCurveHistory returns a curve's settled trades in time order.
func (s *Service) GetCurveHistory(ctx context.Context, curveID string) ([]model.TradeEvent, error) {
	return s.store.GetTradeEventsByCurve(ctx, curveID)
}

// GetIntent returns a settlement intent, used to poll pending trades.
func (s *Service) GetIntent(ctx context.Context, id string) (*model.SettlementIntent, error) {
	return s.store.GetIntent(ctx, id)
}

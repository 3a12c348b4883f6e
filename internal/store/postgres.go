package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/keymarket/curve-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *PostgresStore) CreateCurve(ctx context.Context, c *model.Curve) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO curves (id, owner_id, supply, reserve, price, market_cap,
		                     volume_24h, volume_total, holder_count, state, version, created_at, activated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC,
		         $7::NUMERIC, $8::NUMERIC, $9, $10, $11, $12, $13)`,
		c.ID, c.OwnerID,
		c.Supply.String(), c.Reserve.String(), c.Price.String(), c.MarketCap.String(),
		c.Volume24h.String(), c.VolumeTotal.String(),
		c.HolderCount, c.State, c.Version, c.CreatedAt, c.ActivatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("curve %s: %w", c.ID, ErrAlreadyExists)
	}
	return err
}

const curveColumns = `id, owner_id,
	        supply::TEXT, reserve::TEXT, price::TEXT, market_cap::TEXT,
	        volume_24h::TEXT, volume_total::TEXT,
	        holder_count, state, version, created_at, activated_at`

func scanCurve(row pgx.Row) (*model.Curve, error) {
	var c model.Curve
	var supply, reserve, price, marketCap, vol24, volTotal string

	err := row.Scan(&c.ID, &c.OwnerID,
		&supply, &reserve, &price, &marketCap,
		&vol24, &volTotal,
		&c.HolderCount, &c.State, &c.Version, &c.CreatedAt, &c.ActivatedAt)
	if err != nil {
		return nil, err
	}

	c.Supply, _ = decimal.NewFromString(supply)
	c.Reserve, _ = decimal.NewFromString(reserve)
	c.Price, _ = decimal.NewFromString(price)
	c.MarketCap, _ = decimal.NewFromString(marketCap)
	c.Volume24h, _ = decimal.NewFromString(vol24)
	c.VolumeTotal, _ = decimal.NewFromString(volTotal)

	return &c, nil
}

func (s *PostgresStore) GetCurve(ctx context.Context, id string) (*model.Curve, error) {
	c, err := scanCurve(s.pool.QueryRow(ctx,
		`SELECT `+curveColumns+` FROM curves WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("curve %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get curve %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) GetCurveByOwner(ctx context.Context, ownerID string) (*model.Curve, error) {
	c, err := scanCurve(s.pool.QueryRow(ctx,
		`SELECT `+curveColumns+` FROM curves WHERE owner_id = $1`, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("curve for owner %s: %w", ownerID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get curve by owner %s: %w", ownerID, err)
	}
	return c, nil
}

func (s *PostgresStore) listCurves(ctx context.Context, query string, args ...any) ([]model.Curve, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var curves []model.Curve
	for rows.Next() {
		c, err := scanCurve(rows)
		if err != nil {
			return nil, err
		}
		curves = append(curves, *c)
	}
	return curves, rows.Err()
}

func (s *PostgresStore) ListCurves(ctx context.Context) ([]model.Curve, error) {
	return s.listCurves(ctx,
		`SELECT `+curveColumns+` FROM curves ORDER BY created_at DESC`)
}

func (s *PostgresStore) ListTrendingCurves(ctx context.Context, limit int) ([]model.Curve, error) {
	return s.listCurves(ctx,
		`SELECT `+curveColumns+` FROM curves
		 WHERE state = $1 ORDER BY volume_24h DESC LIMIT $2`,
		model.StateActive, limit)
}

func (s *PostgresStore) UpdateCurve(ctx context.Context, c *model.Curve, expectedVersion int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE curves
		 SET supply = $2::NUMERIC, reserve = $3::NUMERIC,
		     price = $4::NUMERIC, market_cap = $5::NUMERIC,
		     volume_24h = $6::NUMERIC, volume_total = $7::NUMERIC,
		     holder_count = $8, state = $9, activated_at = $10,
		     version = version + 1
		 WHERE id = $1 AND version = $11`,
		c.ID,
		c.Supply.String(), c.Reserve.String(),
		c.Price.String(), c.MarketCap.String(),
		c.Volume24h.String(), c.VolumeTotal.String(),
		c.HolderCount, c.State, c.ActivatedAt,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update curve %s: %w", c.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("curve %s, expected version %d: %w", c.ID, expectedVersion, ErrVersionConflict)
	}
	c.Version = expectedVersion + 1
	return nil
}

const holderColumns = `curve_id, user_id,
	        balance::TEXT, avg_price::TEXT, total_invested::TEXT,
	        realized_pnl::TEXT, unrealized_pnl::TEXT,
	        first_buy_at, last_trade_at`

func scanHolder(row pgx.Row) (*model.HolderPosition, error) {
	var p model.HolderPosition
	var balance, avgPrice, invested, realized, unrealized string

	err := row.Scan(&p.CurveID, &p.UserID,
		&balance, &avgPrice, &invested, &realized, &unrealized,
		&p.FirstBuyAt, &p.LastTradeAt)
	if err != nil {
		return nil, err
	}

	p.Balance, _ = decimal.NewFromString(balance)
	p.AvgPrice, _ = decimal.NewFromString(avgPrice)
	p.TotalInvested, _ = decimal.NewFromString(invested)
	p.RealizedPnl, _ = decimal.NewFromString(realized)
	p.UnrealizedPnl, _ = decimal.NewFromString(unrealized)

	return &p, nil
}

func (s *PostgresStore) GetHolderPosition(ctx context.Context, curveID, userID string) (*model.HolderPosition, error) {
	p, err := scanHolder(s.pool.QueryRow(ctx,
		`SELECT `+holderColumns+` FROM holder_positions
		 WHERE curve_id = $1 AND user_id = $2`, curveID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("position %s/%s: %w", curveID, userID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s/%s: %w", curveID, userID, err)
	}
	return p, nil
}

func (s *PostgresStore) UpsertHolderPosition(ctx context.Context, p *model.HolderPosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO holder_positions (curve_id, user_id, balance, avg_price, total_invested,
		                               realized_pnl, unrealized_pnl, first_buy_at, last_trade_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)
		 ON CONFLICT (curve_id, user_id) DO UPDATE
		 SET balance = EXCLUDED.balance, avg_price = EXCLUDED.avg_price,
		     total_invested = EXCLUDED.total_invested,
		     realized_pnl = EXCLUDED.realized_pnl, unrealized_pnl = EXCLUDED.unrealized_pnl,
		     last_trade_at = EXCLUDED.last_trade_at`,
		p.CurveID, p.UserID,
		p.Balance.String(), p.AvgPrice.String(), p.TotalInvested.String(),
		p.RealizedPnl.String(), p.UnrealizedPnl.String(),
		p.FirstBuyAt, p.LastTradeAt,
	)
	return err
}

func (s *PostgresStore) DeleteHolderPosition(ctx context.Context, curveID, userID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM holder_positions WHERE curve_id = $1 AND user_id = $2`,
		curveID, userID)
	return err
}

func (s *PostgresStore) listHolders(ctx context.Context, query string, args ...any) ([]model.HolderPosition, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.HolderPosition
	for rows.Next() {
		p, err := scanHolder(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListHoldersByCurve(ctx context.Context, curveID string) ([]model.HolderPosition, error) {
	return s.listHolders(ctx,
		`SELECT `+holderColumns+` FROM holder_positions
		 WHERE curve_id = $1 ORDER BY balance DESC`, curveID)
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.HolderPosition, error) {
	return s.listHolders(ctx,
		`SELECT `+holderColumns+` FROM holder_positions
		 WHERE user_id = $1 ORDER BY last_trade_at DESC`, userID)
}

const eventColumns = `id, curve_id, type, user_id, referrer_id,
	        amount::TEXT, keys::TEXT, price::TEXT,
	        fee_reserve::TEXT, fee_creator::TEXT, fee_platform::TEXT,
	        fee_buyback::TEXT, fee_community::TEXT, fee_referrer::TEXT, fee_total::TEXT,
	        ledger_ref, timestamp`

func scanTradeEvent(row pgx.Row) (*model.TradeEvent, error) {
	var e model.TradeEvent
	var amount, keys, price string
	var fReserve, fCreator, fPlatform, fBuyback, fCommunity, fReferrer, fTotal string

	err := row.Scan(&e.ID, &e.CurveID, &e.Type, &e.UserID, &e.ReferrerID,
		&amount, &keys, &price,
		&fReserve, &fCreator, &fPlatform, &fBuyback, &fCommunity, &fReferrer, &fTotal,
		&e.LedgerRef, &e.Timestamp)
	if err != nil {
		return nil, err
	}

	e.Amount, _ = decimal.NewFromString(amount)
	e.Keys, _ = decimal.NewFromString(keys)
	e.Price, _ = decimal.NewFromString(price)
	e.Fees.Reserve, _ = decimal.NewFromString(fReserve)
	e.Fees.Creator, _ = decimal.NewFromString(fCreator)
	e.Fees.Platform, _ = decimal.NewFromString(fPlatform)
	e.Fees.Buyback, _ = decimal.NewFromString(fBuyback)
	e.Fees.Community, _ = decimal.NewFromString(fCommunity)
	e.Fees.Referrer, _ = decimal.NewFromString(fReferrer)
	e.Fees.Total, _ = decimal.NewFromString(fTotal)

	return &e, nil
}

func (s *PostgresStore) InsertTradeEvent(ctx context.Context, e *model.TradeEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_events (id, curve_id, type, user_id, referrer_id,
		                           amount, keys, price,
		                           fee_reserve, fee_creator, fee_platform,
		                           fee_buyback, fee_community, fee_referrer, fee_total,
		                           ledger_ref, timestamp)
		 VALUES ($1, $2, $3, $4, $5,
		         $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC,
		         $12::NUMERIC, $13::NUMERIC, $14::NUMERIC, $15::NUMERIC,
		         $16, $17)`,
		e.ID, e.CurveID, e.Type, e.UserID, e.ReferrerID,
		e.Amount.String(), e.Keys.String(), e.Price.String(),
		e.Fees.Reserve.String(), e.Fees.Creator.String(), e.Fees.Platform.String(),
		e.Fees.Buyback.String(), e.Fees.Community.String(), e.Fees.Referrer.String(), e.Fees.Total.String(),
		e.LedgerRef, e.Timestamp,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("ledger ref %s: %w", e.LedgerRef, ErrDuplicateEvent)
	}
	return err
}

func (s *PostgresStore) GetTradeEventByLedgerRef(ctx context.Context, ref string) (*model.TradeEvent, error) {
	e, err := scanTradeEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM trade_events WHERE ledger_ref = $1`, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("ledger ref %s: %w", ref, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get trade event by ref %s: %w", ref, err)
	}
	return e, nil
}

func (s *PostgresStore) listTradeEvents(ctx context.Context, query string, args ...any) ([]model.TradeEvent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.TradeEvent
	for rows.Next() {
		e, err := scanTradeEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

func (s *PostgresStore) GetTradeEventsByCurve(ctx context.Context, curveID string) ([]model.TradeEvent, error) {
	return s.listTradeEvents(ctx,
		`SELECT `+eventColumns+` FROM trade_events
		 WHERE curve_id = $1 ORDER BY timestamp`, curveID)
}

func (s *PostgresStore) GetTradeEventsByUser(ctx context.Context, userID string) ([]model.TradeEvent, error) {
	return s.listTradeEvents(ctx,
		`SELECT `+eventColumns+` FROM trade_events
		 WHERE user_id = $1 ORDER BY timestamp`, userID)
}

const intentColumns = `id, curve_id, user_id, referrer_id, side,
	        keys::TEXT, amount::TEXT, status, ledger_ref, escalated,
	        created_at, updated_at`

func scanIntent(row pgx.Row) (*model.SettlementIntent, error) {
	var in model.SettlementIntent
	var keys, amount string

	err := row.Scan(&in.ID, &in.CurveID, &in.UserID, &in.ReferrerID, &in.Side,
		&keys, &amount, &in.Status, &in.LedgerRef, &in.Escalated,
		&in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return nil, err
	}

	in.Keys, _ = decimal.NewFromString(keys)
	in.Amount, _ = decimal.NewFromString(amount)

	return &in, nil
}

func (s *PostgresStore) CreateIntent(ctx context.Context, in *model.SettlementIntent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO settlement_intents (id, curve_id, user_id, referrer_id, side,
		                                 keys, amount, status, ledger_ref, escalated,
		                                 created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11, $12)`,
		in.ID, in.CurveID, in.UserID, in.ReferrerID, in.Side,
		in.Keys.String(), in.Amount.String(), in.Status, in.LedgerRef, in.Escalated,
		in.CreatedAt, in.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("intent %s: %w", in.ID, ErrAlreadyExists)
	}
	return err
}

func (s *PostgresStore) UpdateIntent(ctx context.Context, in *model.SettlementIntent) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE settlement_intents
		 SET status = $2, ledger_ref = $3, escalated = $4, updated_at = $5
		 WHERE id = $1`,
		in.ID, in.Status, in.LedgerRef, in.Escalated, in.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update intent %s: %w", in.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("intent %s: %w", in.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) GetIntent(ctx context.Context, id string) (*model.SettlementIntent, error) {
	in, err := scanIntent(s.pool.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM settlement_intents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get intent %s: %w", id, err)
	}
	return in, nil
}

func (s *PostgresStore) DeleteIntent(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM settlement_intents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete intent %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) ListIntentsByStatus(ctx context.Context, status model.IntentStatus, updatedBefore time.Time) ([]model.SettlementIntent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+intentColumns+` FROM settlement_intents
		 WHERE status = $1 AND updated_at < $2 ORDER BY updated_at`,
		status, updatedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []model.SettlementIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, *in)
	}
	return intents, rows.Err()
}

func (s *PostgresStore) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check user %s: %w", userID, err)
	}
	return exists, nil
}

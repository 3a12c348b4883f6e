package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keymarket/curve-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Settlement intents are
// never cached: the reconciler must always see the primary's view.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateCurve(ctx context.Context, c *model.Curve) error {
	if err := s.primary.CreateCurve(ctx, c); err != nil {
		return err
	}
	s.cacheCurve(ctx, c)
	s.rdb.Set(ctx, ownerKey(c.OwnerID), c.ID, s.ttl)
	return nil
}

func (s *CachedStore) UpdateCurve(ctx context.Context, c *model.Curve, expectedVersion int64) error {
	if err := s.primary.UpdateCurve(ctx, c, expectedVersion); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, curveKey(c.ID))
	return nil
}

func (s *CachedStore) UpsertHolderPosition(ctx context.Context, p *model.HolderPosition) error {
	if err := s.primary.UpsertHolderPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, holdersKey(p.CurveID), userPositionsKey(p.UserID))
	return nil
}

func (s *CachedStore) DeleteHolderPosition(ctx context.Context, curveID, userID string) error {
	if err := s.primary.DeleteHolderPosition(ctx, curveID, userID); err != nil {
		return err
	}
	s.rdb.Del(ctx, holdersKey(curveID), userPositionsKey(userID))
	return nil
}

func (s *CachedStore) InsertTradeEvent(ctx context.Context, e *model.TradeEvent) error {
	return s.primary.InsertTradeEvent(ctx, e)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetCurve(ctx context.Context, id string) (*model.Curve, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, curveKey(id)).Bytes()
	if err == nil {
		var c model.Curve
		if json.Unmarshal(data, &c) == nil {
			return &c, nil
		}
	}

	// Cache miss: read from primary.
	c, err := s.primary.GetCurve(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheCurve(ctx, c)
	return c, nil
}

func (s *CachedStore) GetCurveByOwner(ctx context.Context, ownerID string) (*model.Curve, error) {
	// Try cache via owner→curveID mapping.
	curveID, err := s.rdb.Get(ctx, ownerKey(ownerID)).Result()
	if err == nil {
		return s.GetCurve(ctx, curveID)
	}

	// Cache miss.
	c, err := s.primary.GetCurveByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	s.cacheCurve(ctx, c)
	s.rdb.Set(ctx, ownerKey(ownerID), c.ID, s.ttl)
	return c, nil
}

func (s *CachedStore) ListHoldersByCurve(ctx context.Context, curveID string) ([]model.HolderPosition, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, holdersKey(curveID)).Bytes()
	if err == nil {
		var positions []model.HolderPosition
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	// Cache miss.
	positions, err := s.primary.ListHoldersByCurve(ctx, curveID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, holdersKey(curveID), data, s.ttl)
	}
	return positions, nil
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.HolderPosition, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, userPositionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.HolderPosition
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	// Cache miss.
	positions, err := s.primary.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, userPositionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListCurves(ctx context.Context) ([]model.Curve, error) {
	return s.primary.ListCurves(ctx)
}

func (s *CachedStore) ListTrendingCurves(ctx context.Context, limit int) ([]model.Curve, error) {
	return s.primary.ListTrendingCurves(ctx, limit)
}

func (s *CachedStore) GetHolderPosition(ctx context.Context, curveID, userID string) (*model.HolderPosition, error) {
	return s.primary.GetHolderPosition(ctx, curveID, userID)
}

func (s *CachedStore) GetTradeEventByLedgerRef(ctx context.Context, ref string) (*model.TradeEvent, error) {
	return s.primary.GetTradeEventByLedgerRef(ctx, ref)
}

func (s *CachedStore) GetTradeEventsByCurve(ctx context.Context, curveID string) ([]model.TradeEvent, error) {
	return s.primary.GetTradeEventsByCurve(ctx, curveID)
}

func (s *CachedStore) GetTradeEventsByUser(ctx context.Context, userID string) ([]model.TradeEvent, error) {
	return s.primary.GetTradeEventsByUser(ctx, userID)
}

func (s *CachedStore) CreateIntent(ctx context.Context, in *model.SettlementIntent) error {
	return s.primary.CreateIntent(ctx, in)
}

func (s *CachedStore) UpdateIntent(ctx context.Context, in *model.SettlementIntent) error {
	return s.primary.UpdateIntent(ctx, in)
}

func (s *CachedStore) GetIntent(ctx context.Context, id string) (*model.SettlementIntent, error) {
	return s.primary.GetIntent(ctx, id)
}

func (s *CachedStore) DeleteIntent(ctx context.Context, id string) error {
	return s.primary.DeleteIntent(ctx, id)
}

func (s *CachedStore) ListIntentsByStatus(ctx context.Context, status model.IntentStatus, updatedBefore time.Time) ([]model.SettlementIntent, error) {
	return s.primary.ListIntentsByStatus(ctx, status, updatedBefore)
}

func (s *CachedStore) UserExists(ctx context.Context, userID string) (bool, error) {
	return s.primary.UserExists(ctx, userID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheCurve(ctx context.Context, c *model.Curve) {
	if data, err := json.Marshal(c); err == nil {
		s.rdb.Set(ctx, curveKey(c.ID), data, s.ttl)
	}
}

func curveKey(id string) string          { return fmt.Sprintf("curve:%s", id) }
func ownerKey(uid string) string         { return fmt.Sprintf("curve-owner:%s", uid) }
func holdersKey(id string) string        { return fmt.Sprintf("holders:%s", id) }
func userPositionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }

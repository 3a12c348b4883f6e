package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/keymarket/curve-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu      sync.RWMutex
	curves  map[string]*model.Curve
	holders map[string]*model.HolderPosition // key: curveID + "/" + userID
	events  []model.TradeEvent
	byRef   map[string]int // ledger ref -> index into events
	intents map[string]*model.SettlementIntent
	users   map[string]bool
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		curves:  make(map[string]*model.Curve),
		holders: make(map[string]*model.HolderPosition),
		byRef:   make(map[string]int),
		intents: make(map[string]*model.SettlementIntent),
		users:   make(map[string]bool),
	}
}

// AddUser registers a user account. Test and dev helper.
func (s *MemoryStore) AddUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = true
}

func holderKey(curveID, userID string) string {
	return curveID + "/" + userID
}

func (s *MemoryStore) CreateCurve(_ context.Context, c *model.Curve) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.curves[c.ID]; ok {
		return fmt.Errorf("curve %s: %w", c.ID, ErrAlreadyExists)
	}
	for _, existing := range s.curves {
		if existing.OwnerID == c.OwnerID {
			return fmt.Errorf("curve for owner %s: %w", c.OwnerID, ErrAlreadyExists)
		}
	}

	// Store a copy to avoid external mutation.
	copy := *c
	s.curves[c.ID] = &copy
	return nil
}

func (s *MemoryStore) GetCurve(_ context.Context, id string) (*model.Curve, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.curves[id]
	if !ok {
		return nil, fmt.Errorf("curve %s: %w", id, ErrNotFound)
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) GetCurveByOwner(_ context.Context, ownerID string) (*model.Curve, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.curves {
		if c.OwnerID == ownerID {
			copy := *c
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("curve for owner %s: %w", ownerID, ErrNotFound)
}

func (s *MemoryStore) ListCurves(_ context.Context) ([]model.Curve, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	curves := make([]model.Curve, 0, len(s.curves))
	for _, c := range s.curves {
		curves = append(curves, *c)
	}
	sort.Slice(curves, func(i, j int) bool {
		return curves[i].CreatedAt.After(curves[j].CreatedAt)
	})
	return curves, nil
}

func (s *MemoryStore) ListTrendingCurves(_ context.Context, limit int) ([]model.Curve, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var curves []model.Curve
	for _, c := range s.curves {
		if c.State == model.StateActive {
			curves = append(curves, *c)
		}
	}
	sort.Slice(curves, func(i, j int) bool {
		return curves[i].Volume24h.GreaterThan(curves[j].Volume24h)
	})
	if limit > 0 && len(curves) > limit {
		curves = curves[:limit]
	}
	return curves, nil
}

func (s *MemoryStore) UpdateCurve(_ context.Context, c *model.Curve, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.curves[c.ID]
	if !ok {
		return fmt.Errorf("curve %s: %w", c.ID, ErrNotFound)
	}
	if existing.Version != expectedVersion {
		return fmt.Errorf("curve %s at version %d, expected %d: %w",
			c.ID, existing.Version, expectedVersion, ErrVersionConflict)
	}

	copy := *c
	copy.Version = expectedVersion + 1
	s.curves[c.ID] = &copy
	c.Version = copy.Version
	return nil
}

func (s *MemoryStore) GetHolderPosition(_ context.Context, curveID, userID string) (*model.HolderPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.holders[holderKey(curveID, userID)]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", curveID, userID, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) UpsertHolderPosition(_ context.Context, pos *model.HolderPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *pos
	s.holders[holderKey(pos.CurveID, pos.UserID)] = &copy
	return nil
}

func (s *MemoryStore) DeleteHolderPosition(_ context.Context, curveID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.holders, holderKey(curveID, userID))
	return nil
}

func (s *MemoryStore) ListHoldersByCurve(_ context.Context, curveID string) ([]model.HolderPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.HolderPosition
	for _, p := range s.holders {
		if p.CurveID == curveID {
			positions = append(positions, *p)
		}
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Balance.GreaterThan(positions[j].Balance)
	})
	return positions, nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userID string) ([]model.HolderPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.HolderPosition
	for _, p := range s.holders {
		if p.UserID == userID {
			positions = append(positions, *p)
		}
	}
	return positions, nil
}

func (s *MemoryStore) InsertTradeEvent(_ context.Context, event *model.TradeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byRef[event.LedgerRef]; ok {
		return fmt.Errorf("ledger ref %s: %w", event.LedgerRef, ErrDuplicateEvent)
	}
	s.events = append(s.events, *event)
	s.byRef[event.LedgerRef] = len(s.events) - 1
	return nil
}

func (s *MemoryStore) GetTradeEventByLedgerRef(_ context.Context, ref string) (*model.TradeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i, ok := s.byRef[ref]
	if !ok {
		return nil, fmt.Errorf("ledger ref %s: %w", ref, ErrNotFound)
	}
	copy := s.events[i]
	return &copy, nil
}

func (s *MemoryStore) GetTradeEventsByCurve(_ context.Context, curveID string) ([]model.TradeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeEvent
	for _, e := range s.events {
		if e.CurveID == curveID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetTradeEventsByUser(_ context.Context, userID string) ([]model.TradeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeEvent
	for _, e := range s.events {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) CreateIntent(_ context.Context, intent *model.SettlementIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.intents[intent.ID]; ok {
		return fmt.Errorf("intent %s: %w", intent.ID, ErrAlreadyExists)
	}
	copy := *intent
	s.intents[intent.ID] = &copy
	return nil
}

func (s *MemoryStore) UpdateIntent(_ context.Context, intent *model.SettlementIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.intents[intent.ID]; !ok {
		return fmt.Errorf("intent %s: %w", intent.ID, ErrNotFound)
	}
	copy := *intent
	s.intents[intent.ID] = &copy
	return nil
}

func (s *MemoryStore) GetIntent(_ context.Context, id string) (*model.SettlementIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.intents[id]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", id, ErrNotFound)
	}
	copy := *in
	return &copy, nil
}

func (s *MemoryStore) DeleteIntent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.intents, id)
	return nil
}

func (s *MemoryStore) ListIntentsByStatus(_ context.Context, status model.IntentStatus, updatedBefore time.Time) ([]model.SettlementIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.SettlementIntent
	for _, in := range s.intents {
		if in.Status == status && in.UpdatedAt.Before(updatedBefore) {
			result = append(result, *in)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.Before(result[j].UpdatedAt)
	})
	return result, nil
}

func (s *MemoryStore) UserExists(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.users[userID], nil
}

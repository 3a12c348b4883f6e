package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/keymarket/curve-engine/internal/fees"
	"github.com/keymarket/curve-engine/internal/ledger"
	"github.com/keymarket/curve-engine/internal/model"
	"github.com/keymarket/curve-engine/internal/pricing"
	"github.com/keymarket/curve-engine/internal/store"
	"github.com/keymarket/curve-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// newTestEnv creates a test Service with in-memory store and fake ledger.
func newTestEnv(t *testing.T) (*trade.Service, *store.MemoryStore, *ledger.FakeLedger) {
	t.Helper()
	ms := store.NewMemoryStore()
	fake := ledger.NewFakeLedger()
	calc, err := pricing.NewCalculator(fees.DefaultTable(), d(25))
	if err != nil {
		t.Fatalf("calculator: %v", err)
	}
	svc := trade.NewService(ms, fake, fake, calc, nil, trade.Config{
		MinKeysToActivate: decimal.NewFromInt(10),
		LedgerTimeout:     time.Second,
		ApplyRetries:      5,
	})
	return svc, ms, fake
}

// seedActiveCurve creates an active curve whose whole supply is held by
// the owner, so the supply/balance invariant holds from the start.
func seedActiveCurve(t *testing.T, ms *store.MemoryStore, id, owner string, supply float64) *model.Curve {
	t.Helper()
	ms.AddUser(owner)

	s := d(supply)
	price, err := pricing.Price(s)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	reserve, err := pricing.BuyCost(decimal.Zero, s)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	now := time.Now().UTC()
	curve := &model.Curve{
		ID:          id,
		OwnerID:     owner,
		Supply:      s,
		Reserve:     reserve,
		Price:       price,
		MarketCap:   pricing.MarketCap(s, price),
		State:       model.StateActive,
		Version:     1,
		HolderCount: 1,
		CreatedAt:   now,
		ActivatedAt: &now,
	}
	if err := ms.CreateCurve(context.Background(), curve); err != nil {
		t.Fatalf("seed curve: %v", err)
	}
	if err := ms.UpsertHolderPosition(context.Background(), &model.HolderPosition{
		CurveID:       id,
		UserID:        owner,
		Balance:       s,
		AvgPrice:      price,
		TotalInvested: reserve,
		FirstBuyAt:    now,
		LastTradeAt:   now,
	}); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	return curve
}

// --- Curve lifecycle tests ---

func TestCreateCurve_StartsPending(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	ms.AddUser("alice")

	curve, err := svc.CreateCurve(context.Background(), "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if curve.State != model.StatePending {
		t.Errorf("new curve should be pending, got %s", curve.State)
	}
	if !curve.Price.Equal(d(0.05)) {
		t.Errorf("new curve should price at the floor, got %s", curve.Price)
	}
	if curve.Version != 1 {
		t.Errorf("expected version 1, got %d", curve.Version)
	}
}

func TestCreateCurve_OnePerOwner(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	ms.AddUser("alice")

	if _, err := svc.CreateCurve(context.Background(), "alice"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.CreateCurve(context.Background(), "alice"); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists for second curve, got %v", err)
	}
}

func TestCreateCurve_UnknownOwner(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	if _, err := svc.CreateCurve(context.Background(), "ghost"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown owner, got %v", err)
	}
}

// --- Activation tests ---

func TestActivation_NonOwnerCannotBuyPending(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	ms.AddUser("alice")
	curve, _ := svc.CreateCurve(context.Background(), "alice")

	_, err := svc.BuyKeys(context.Background(), trade.BuyParams{
		CurveID: curve.ID,
		UserID:  "bob",
		Amount:  d(1),
	})
	if !errors.Is(err, trade.ErrPendingOwnerOnly) {
		t.Errorf("expected ErrPendingOwnerOnly, got %v", err)
	}
}

func TestActivation_ThresholdBoundary(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	ms.AddUser("alice")
	curve, _ := svc.CreateCurve(context.Background(), "alice")
	ctx := context.Background()

	// Buy just under the 10-key threshold: the curve must stay pending.
	costNine, err := pricing.BuyCost(decimal.Zero, d(9))
	if err != nil {
		t.Fatalf("cost: %v", err)
	}
	res, err := svc.BuyKeys(ctx, trade.BuyParams{
		CurveID: curve.ID,
		UserID:  "alice",
		Amount:  costNine,
	})
	if err != nil {
		t.Fatalf("owner buy failed: %v", err)
	}
	if res.Curve.State != model.StatePending {
		t.Fatalf("curve should stay pending below threshold, got %s", res.Curve.State)
	}
	if res.Curve.Supply.GreaterThanOrEqual(d(10)) {
		t.Fatalf("test setup: expected under 10 keys, got %s", res.Curve.Supply)
	}

	// Top up past the threshold: the curve activates.
	res, err = svc.BuyKeys(ctx, trade.BuyParams{
		CurveID: curve.ID,
		UserID:  "alice",
		Amount:  d(0.2),
	})
	if err != nil {
		t.Fatalf("owner top-up failed: %v", err)
	}
	if res.Curve.State != model.StateActive {
		t.Errorf("curve should be active at threshold, got %s", res.Curve.State)
	}
	if res.Curve.ActivatedAt == nil {
		t.Error("activated curve should record ActivatedAt")
	}
}

func TestIsActive(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	ms.AddUser("alice")
	pending, _ := svc.CreateCurve(context.Background(), "alice")
	seedActiveCurve(t, ms, "c-active", "carol", 20)
	ctx := context.Background()

	if active, err := svc.IsActive(ctx, pending.ID); err != nil || active {
		t.Errorf("pending curve should not be active: %v %v", active, err)
	}
	if active, err := svc.IsActive(ctx, "c-active"); err != nil || !active {
		t.Errorf("active curve should report active: %v %v", active, err)
	}
	if _, err := svc.IsActive(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown curve, got %v", err)
	}
}

func TestHandleIsActive(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedActiveCurve(t, ms, "c1", "alice", 20)
	router := chi.NewRouter()
	router.Get("/api/v1/curves/{curveID}/active", svc.HandleIsActive)

	w := doJSON(t, router, "GET", "/api/v1/curves/c1/active", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]bool
	json.Unmarshal(w.Body.Bytes(), &body)
	if !body["active"] {
		t.Errorf("expected active=true, got %v", body)
	}

	w = doJSON(t, router, "GET", "/api/v1/curves/missing/active", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown curve, got %d", w.Code)
	}
}

// --- Trading tests ---

func TestBuyThenSell_FullExit(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedActiveCurve(t, ms, "c1", "alice", 50)
	ctx := context.Background()

	res, err := svc.BuyKeys(ctx, trade.BuyParams{
		CurveID:          "c1",
		UserID:           "bob",
		Amount:           d(5),
		AcceptHighImpact: true,
	})
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Curve.HolderCount != 2 {
		t.Errorf("expected 2 holders after bob's buy, got %d", res.Curve.HolderCount)
	}

	pos, err := ms.GetHolderPosition(ctx, "c1", "bob")
	if err != nil {
		t.Fatalf("position: %v", err)
	}
	if pos.Balance.LessThanOrEqual(decimal.Zero) {
		t.Fatalf("expected positive balance, got %s", pos.Balance)
	}

	res, err = svc.SellKeys(ctx, trade.SellParams{
		CurveID: "c1",
		UserID:  "bob",
		Keys:    pos.Balance,
	})
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	if res.Curve.HolderCount != 1 {
		t.Errorf("expected 1 holder after full exit, got %d", res.Curve.HolderCount)
	}
	if _, err := ms.GetHolderPosition(ctx, "c1", "bob"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("fully exited position should be deleted, got %v", err)
	}

	// Immediate round trip pays fees on both legs: realized loss.
	events, _ := ms.GetTradeEventsByUser(ctx, "bob")
	if len(events) != 2 {
		t.Fatalf("expected 2 trade events, got %d", len(events))
	}
}

func TestSell_InsufficientBalance(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedActiveCurve(t, ms, "c1", "alice", 50)

	_, err := svc.SellKeys(context.Background(), trade.SellParams{
		CurveID: "c1",
		UserID:  "bob", // holds nothing
		Keys:    d(1),
	})
	if !errors.Is(err, trade.ErrInsufficientKeys) {
		t.Errorf("expected ErrInsufficientKeys, got %v", err)
	}
}

func TestSell_ExceedsReserve(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	curve := seedActiveCurve(t, ms, "c1", "alice", 50)
	ctx := context.Background()

	// Force a drained reserve: the full-supply sell now grosses more
	// than the curve holds.
	curve.Reserve = d(0.001)
	if err := ms.UpdateCurve(ctx, curve, curve.Version); err != nil {
		t.Fatalf("drain reserve: %v", err)
	}

	_, err := svc.SellKeys(ctx, trade.SellParams{
		CurveID: "c1",
		UserID:  "alice",
		Keys:    d(50),
	})
	if !errors.Is(err, trade.ErrInsufficientReserve) {
		t.Errorf("expected ErrInsufficientReserve, got %v", err)
	}
}

func TestBuy_StaleVersion(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	curve := seedActiveCurve(t, ms, "c1", "alice", 50)

	_, err := svc.BuyKeys(context.Background(), trade.BuyParams{
		CurveID:         "c1",
		UserID:          "bob",
		Amount:          d(1),
		ExpectedVersion: curve.Version + 7,
	})
	if !errors.Is(err, trade.ErrStaleState) {
		t.Errorf("expected ErrStaleState, got %v", err)
	}
}

func TestBuy_ImpactCeilingAndOverride(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedActiveCurve(t, ms, "c1", "alice", 10)
	ctx := context.Background()

	// A large buy at low supply far exceeds the 25% ceiling.
	_, err := svc.BuyKeys(ctx, trade.BuyParams{
		CurveID: "c1",
		UserID:  "bob",
		Amount:  d(5000),
	})
	if !errors.Is(err, pricing.ErrPriceImpactExceeded) {
		t.Fatalf("expected ErrPriceImpactExceeded, got %v", err)
	}

	res, err := svc.BuyKeys(ctx, trade.BuyParams{
		CurveID:          "c1",
		UserID:           "bob",
		Amount:           d(5000),
		AcceptHighImpact: true,
	})
	if err != nil {
		t.Fatalf("override should allow the trade: %v", err)
	}
	if !res.Success {
		t.Errorf("expected success with override, got %+v", res)
	}
}

// --- Settlement pipeline tests ---

func TestBuy_SignerDeclined(t *testing.T) {
	svc, ms, fake := newTestEnv(t)
	seedActiveCurve(t, ms, "c1", "alice", 50)
	fake.DeclineNext = true

	_, err := svc.BuyKeys(context.Background(), trade.BuyParams{
		CurveID: "c1",
		UserID:  "bob",
		Amount:  d(1),
	})
	if !errors.Is(err, ledger.ErrSignerDeclined) {
		t.Fatalf("expected ErrSignerDeclined, got %v", err)
	}

	// Nothing reached the ledger; the curve is untouched.
	curve, _ := ms.GetCurve(context.Background(), "c1")
	if !curve.Supply.Equal(d(50)) {
		t.Errorf("supply should be unchanged, got %s", curve.Supply)
	}
}

func TestBuy_LedgerRejected(t *testing.T) {
	svc, ms, fake := newTestEnv(t)
	seedActiveCurve(t, ms, "c1", "alice", 50)
	fake.RejectNext = true

	_, err := svc.BuyKeys(context.Background(), trade.BuyParams{
		CurveID: "c1",
		UserID:  "bob",
		Amount:  d(1),
	})
	if !errors.Is(err, trade.ErrLedgerRejected) {
		t.Fatalf("expected ErrLedgerRejected, got %v", err)
	}

	curve, _ := ms.GetCurve(context.Background(), "c1")
	if !curve.Supply.Equal(d(50)) {
		t.Errorf("rejected trade must not move supply, got %s", curve.Supply)
	}
}

func TestBuy_LedgerTimeout_GoesPending(t *testing.T) {
	svc, ms, fake := newTestEnv(t)
	seedActiveCurve(t, ms, "c1", "alice", 50)
	fake.TimeoutNext = true
	ctx := context.Background()

	res, err := svc.BuyKeys(ctx, trade.BuyParams{
		CurveID: "c1",
		UserID:  "bob",
		Amount:  d(1),
	})
	if err != nil {
		t.Fatalf("timeout must not surface as error: %v", err)
	}
	if !res.Pending {
		t.Fatalf("expected pending result, got %+v", res)
	}
	if res.LedgerRef == "" {
		t.Error("pending result should carry the ledger reference")
	}

	// The projection is untouched until the reconciler resolves it.
	curve, _ := ms.GetCurve(ctx, "c1")
	if !curve.Supply.Equal(d(50)) {
		t.Errorf("supply must not move on unknown outcome, got %s", curve.Supply)
	}
	intent, err := ms.GetIntent(ctx, res.IntentID)
	if err != nil {
		t.Fatalf("intent: %v", err)
	}
	if intent.Status != model.IntentUnknown {
		t.Errorf("expected unknown intent, got %s", intent.Status)
	}
}

func TestApplyIntent_Idempotent(t *testing.T) {
	svc, ms, fake := newTestEnv(t)
	seedActiveCurve(t, ms, "c1", "alice", 50)
	ctx := context.Background()

	// A timed-out buy leaves an unresolved intent behind.
	fake.TimeoutNext = true
	res, err := svc.BuyKeys(ctx, trade.BuyParams{
		CurveID: "c1",
		UserID:  "bob",
		Amount:  d(2),
	})
	if err != nil || !res.Pending {
		t.Fatalf("expected pending trade: %v %+v", err, res)
	}
	intent, err := ms.GetIntent(ctx, res.IntentID)
	if err != nil {
		t.Fatalf("intent: %v", err)
	}

	first, err := svc.ApplyIntent(ctx, intent)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	// Applying again (as the reconciler might after a crash) must not
	// double-apply.
	second, err := svc.ApplyIntent(ctx, intent)
	if err != nil {
		t.Fatalf("re-apply: %v", err)
	}
	if !second.Supply.Equal(first.Supply) {
		t.Errorf("duplicate apply moved supply: %s -> %s", first.Supply, second.Supply)
	}
	events, _ := ms.GetTradeEventsByUser(ctx, "bob")
	if len(events) != 1 {
		t.Errorf("expected 1 trade event, got %d", len(events))
	}
	if _, err := ms.GetIntent(ctx, res.IntentID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("applied intent should be deleted, got %v", err)
	}
}

func TestApplyIntent_SellRechecksReserve(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	curve := seedActiveCurve(t, ms, "c1", "alice", 50)
	ctx := context.Background()

	// The reserve was drained between the pre-trade check and the apply,
	// as a concurrent sell would do.
	curve.Reserve = d(0.01)
	if err := ms.UpdateCurve(ctx, curve, curve.Version); err != nil {
		t.Fatalf("drain reserve: %v", err)
	}

	now := time.Now().UTC()
	intent := &model.SettlementIntent{
		ID:        "sell-1",
		CurveID:   "c1",
		UserID:    "alice",
		Side:      model.SideSell,
		Keys:      d(10),
		Amount:    d(1),
		Status:    model.IntentConfirmed,
		LedgerRef: "ref-sell-1",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := ms.CreateIntent(ctx, intent); err != nil {
		t.Fatalf("intent: %v", err)
	}

	if _, err := svc.ApplyIntent(ctx, intent); !errors.Is(err, trade.ErrInsufficientReserve) {
		t.Fatalf("expected ErrInsufficientReserve, got %v", err)
	}

	got, err := ms.GetCurve(ctx, "c1")
	if err != nil {
		t.Fatalf("curve: %v", err)
	}
	if got.Reserve.IsNegative() {
		t.Errorf("reserve must never go negative, got %s", got.Reserve)
	}
	if !got.Supply.Equal(d(50)) {
		t.Errorf("blocked apply must not move supply, got %s", got.Supply)
	}
}

func TestConcurrentBuys_SupplyMatchesBalances(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedActiveCurve(t, ms, "c1", "alice", 100)
	ctx := context.Background()

	const buyers = 8
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			svc.BuyKeys(ctx, trade.BuyParams{
				CurveID: "c1",
				UserID:  "user-" + string(rune('a'+n)),
				Amount:  d(3),
			})
		}(i)
	}
	wg.Wait()

	curve, err := ms.GetCurve(ctx, "c1")
	if err != nil {
		t.Fatalf("curve: %v", err)
	}
	holders, err := ms.ListHoldersByCurve(ctx, "c1")
	if err != nil {
		t.Fatalf("holders: %v", err)
	}

	total := decimal.Zero
	for _, h := range holders {
		total = total.Add(h.Balance)
	}
	if !total.Equal(curve.Supply) {
		t.Errorf("holder balances %s != supply %s", total, curve.Supply)
	}

	events, _ := ms.GetTradeEventsByCurve(ctx, "c1")
	if curve.HolderCount != len(holders) {
		t.Errorf("holder count %d != holders %d", curve.HolderCount, len(holders))
	}
	// Each settled event moved exactly one buyer's balance.
	if len(events) == 0 {
		t.Error("expected at least one settled trade")
	}
}

// --- HTTP handler tests ---

func newTestRouter(svc *trade.Service) chi.Router {
	r := chi.NewRouter()
	r.Post("/api/v1/curves", svc.HandleCreateCurve)
	r.Post("/api/v1/quote", svc.HandleQuote)
	r.Post("/api/v1/trade", svc.HandleExecuteTrade)
	r.Get("/api/v1/curves/{curveID}", svc.HandleGetCurve)
	r.Get("/api/v1/curves/{curveID}/holders", svc.HandleListHolders)
	return r
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandleExecuteTrade_Buy(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedActiveCurve(t, ms, "c1", "alice", 50)
	router := newTestRouter(svc)

	// A 5-unit buy at this supply is past the impact ceiling; the
	// request opts in explicitly.
	w := doJSON(t, router, "POST", "/api/v1/trade", trade.ExecuteTradeRequest{
		CurveID:          "c1",
		UserID:           "bob",
		Side:             "buy",
		Amount:           d(5),
		AcceptHighImpact: true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var res model.TradeResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if !res.Success {
		t.Errorf("expected success, got %+v", res)
	}
	if res.LedgerRef == "" {
		t.Error("expected a ledger reference")
	}
}

func TestHandleExecuteTrade_PendingIs202(t *testing.T) {
	svc, ms, fake := newTestEnv(t)
	seedActiveCurve(t, ms, "c1", "alice", 50)
	fake.TimeoutNext = true
	router := newTestRouter(svc)

	w := doJSON(t, router, "POST", "/api/v1/trade", trade.ExecuteTradeRequest{
		CurveID: "c1",
		UserID:  "bob",
		Side:    "buy",
		Amount:  d(1),
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for pending settlement, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandleExecuteTrade_BadSide(t *testing.T) {
	svc, _, _ := newTestEnv(t)
	router := newTestRouter(svc)

	w := doJSON(t, router, "POST", "/api/v1/trade", trade.ExecuteTradeRequest{
		CurveID: "c1",
		UserID:  "bob",
		Side:    "short",
		Amount:  d(1),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestHandleQuote_Buy(t *testing.T) {
	svc, ms, _ := newTestEnv(t)
	seedActiveCurve(t, ms, "c1", "alice", 50)
	router := newTestRouter(svc)

	w := doJSON(t, router, "POST", "/api/v1/quote", trade.QuoteRequest{
		CurveID: "c1",
		UserID:  "bob",
		Side:    "buy",
		Amount:  d(5),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var quote pricing.Quote
	json.Unmarshal(w.Body.Bytes(), &quote)
	if quote.Keys.LessThanOrEqual(decimal.Zero) {
		t.Errorf("expected positive keys in quote, got %s", quote.Keys)
	}

	// Quoting settles nothing.
	curve, _ := ms.GetCurve(context.Background(), "c1")
	if !curve.Supply.Equal(d(50)) {
		t.Errorf("quote must not move supply, got %s", curve.Supply)
	}
}

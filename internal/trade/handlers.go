package trade

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/keymarket/curve-engine/internal/ledger"
	"github.com/keymarket/curve-engine/internal/model"
	"github.com/keymarket/curve-engine/internal/pricing"
	"github.com/keymarket/curve-engine/internal/store"
)

// --- Request types ---

// CreateCurveRequest is the JSON body for curve creation.
type CreateCurveRequest struct {
	OwnerID string `json:"owner_id"`
}

// QuoteRequest is the JSON body for POST /quote. Amount is used for
// buys, Keys for sells.
type QuoteRequest struct {
	CurveID    string          `json:"curve_id"`
	UserID     string          `json:"user_id"`
	Side       string          `json:"side"`
	Amount     decimal.Decimal `json:"amount"`
	Keys       decimal.Decimal `json:"keys"`
	ReferrerID string          `json:"referrer_id"`
}

// ExecuteTradeRequest is the JSON body for POST /trade.
type ExecuteTradeRequest struct {
	CurveID          string          `json:"curve_id"`
	UserID           string          `json:"user_id"`
	Side             string          `json:"side"`
	Amount           decimal.Decimal `json:"amount"` // buy: currency to spend
	Keys             decimal.Decimal `json:"keys"`   // sell: keys to sell
	ReferrerID       string          `json:"referrer_id"`
	ExpectedVersion  int64           `json:"expected_version"`
	AcceptHighImpact bool            `json:"accept_high_impact"`
}

// --- HTTP Handlers ---

// HandleCreateCurve handles POST /api/v1/curves
func (s *Service) HandleCreateCurve(w http.ResponseWriter, r *http.Request) {
	var req CreateCurveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.OwnerID == "" {
		writeError(w, "owner_id is required", http.StatusBadRequest)
		return
	}

	curve, err := s.CreateCurve(r.Context(), req.OwnerID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, curve)
}

// HandleGetCurve handles GET /api/v1/curves/{curveID}
func (s *Service) HandleGetCurve(w http.ResponseWriter, r *http.Request) {
	curve, err := s.GetCurve(r.Context(), chi.URLParam(r, "curveID"))
	if err != nil {
		writeError(w, "curve not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, curve)
}

// HandleListCurves handles GET /api/v1/curves
func (s *Service) HandleListCurves(w http.ResponseWriter, r *http.Request) {
	curves, err := s.ListCurves(r.Context())
	if err != nil {
		writeError(w, "failed to list curves", http.StatusInternalServerError)
		return
	}
	if curves == nil {
		curves = []model.Curve{}
	}
	writeJSON(w, http.StatusOK, curves)
}

// HandleTrendingCurves handles GET /api/v1/curves/trending
func (s *Service) HandleTrendingCurves(w http.ResponseWriter, r *http.Request) {
	curves, err := s.ListTrendingCurves(r.Context(), 20)
	if err != nil {
		writeError(w, "failed to list curves", http.StatusInternalServerError)
		return
	}
	if curves == nil {
		curves = []model.Curve{}
	}
	writeJSON(w, http.StatusOK, curves)
}

// HandleQuote handles POST /api/v1/quote
// Returns a preview quote; nothing is settled.
func (s *Service) HandleQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var (
		quote *pricing.Quote
		err   error
	)
	switch req.Side {
	case model.SideBuy:
		quote, err = s.QuoteBuy(r.Context(), req.CurveID, req.UserID, req.Amount, req.ReferrerID)
	case model.SideSell:
		quote, err = s.QuoteSell(r.Context(), req.CurveID, req.UserID, req.Keys, req.ReferrerID)
	default:
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// HandleExecuteTrade handles POST /api/v1/trade
// Settles against the external ledger; 202 means the outcome is pending
// reconciliation, not failed.
func (s *Service) HandleExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req ExecuteTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	var (
		result *model.TradeResult
		err    error
	)
	switch req.Side {
	case model.SideBuy:
		result, err = s.BuyKeys(r.Context(), BuyParams{
			CurveID:          req.CurveID,
			UserID:           req.UserID,
			Amount:           req.Amount,
			ReferrerID:       req.ReferrerID,
			ExpectedVersion:  req.ExpectedVersion,
			AcceptHighImpact: req.AcceptHighImpact,
		})
	case model.SideSell:
		result, err = s.SellKeys(r.Context(), SellParams{
			CurveID:         req.CurveID,
			UserID:          req.UserID,
			Keys:            req.Keys,
			ReferrerID:      req.ReferrerID,
			ExpectedVersion: req.ExpectedVersion,
		})
	default:
		writeError(w, "side must be buy or sell", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeServiceError(w, err)
		return
	}

	status := http.StatusOK
	if result.Pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

// HandleIsActive handles GET /api/v1/curves/{curveID}/active
func (s *Service) HandleIsActive(w http.ResponseWriter, r *http.Request) {
	active, err := s.IsActive(r.Context(), chi.URLParam(r, "curveID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"active": active})
}

// HandleListHolders handles GET /api/v1/curves/{curveID}/holders
func (s *Service) HandleListHolders(w http.ResponseWriter, r *http.Request) {
	holders, err := s.ListHolders(r.Context(), chi.URLParam(r, "curveID"))
	if err != nil {
		writeError(w, "failed to list holders", http.StatusInternalServerError)
		return
	}
	if holders == nil {
		holders = []model.HolderPosition{}
	}
	writeJSON(w, http.StatusOK, holders)
}

// HandleCurveHistory handles GET /api/v1/curves/{curveID}/history
func (s *Service) HandleCurveHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.GetCurveHistory(r.Context(), chi.URLParam(r, "curveID"))
	if err != nil {
		writeError(w, "failed to get curve history", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.TradeEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// HandleGetPosition handles GET /api/v1/curves/{curveID}/positions/{userID}
func (s *Service) HandleGetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.GetPosition(r.Context(), chi.URLParam(r, "curveID"), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// HandleUserPositions handles GET /api/v1/positions/{userID}
func (s *Service) HandleUserPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.ListUserPositions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	if positions == nil {
		positions = []model.HolderPosition{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// HandleGetIntent handles GET /api/v1/intents/{intentID}
// Lets callers poll a pending settlement.
func (s *Service) HandleGetIntent(w http.ResponseWriter, r *http.Request) {
	intent, err := s.GetIntent(r.Context(), chi.URLParam(r, "intentID"))
	if err != nil {
		writeError(w, "intent not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

// writeServiceError maps service errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrAlreadyExists):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, pricing.ErrInvalidAmount),
		errors.Is(err, pricing.ErrAmountTooSmall):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, pricing.ErrPriceImpactExceeded),
		errors.Is(err, ErrStaleState),
		errors.Is(err, ErrCurveNotTradable),
		errors.Is(err, ErrPendingOwnerOnly),
		errors.Is(err, ErrInsufficientKeys),
		errors.Is(err, ErrInsufficientReserve):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ledger.ErrSignerDeclined),
		errors.Is(err, ErrLedgerRejected):
		writeError(w, err.Error(), http.StatusBadGateway)
	default:
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// Package model defines the core domain types shared across the curve engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CurveState is the lifecycle state of a bonding curve.
// Transitions are monotonic: Pending → Active → {Frozen, Closed}.
type CurveState string

const (
	StatePending CurveState = "pending"
	StateActive  CurveState = "active"
	StateFrozen  CurveState = "frozen"
	StateClosed  CurveState = "closed"
)

// Trade sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Curve represents one creator's key market. Supply, reserve, price and the
// derived aggregates are mutated only by the settlement pipeline under
// version-checked writes; Version is the optimistic-concurrency token.
type Curve struct {
	ID          string          `json:"id" db:"id"`
	OwnerID     string          `json:"owner_id" db:"owner_id"`
	Supply      decimal.Decimal `json:"supply" db:"supply"`
	Reserve     decimal.Decimal `json:"reserve" db:"reserve"`
	Price       decimal.Decimal `json:"price" db:"price"`
	MarketCap   decimal.Decimal `json:"market_cap" db:"market_cap"`
	Volume24h   decimal.Decimal `json:"volume_24h" db:"volume_24h"`
	VolumeTotal decimal.Decimal `json:"volume_total" db:"volume_total"`
	HolderCount int             `json:"holder_count" db:"holder_count"`
	State       CurveState      `json:"state" db:"state"`
	Version     int64           `json:"version" db:"version"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	ActivatedAt *time.Time      `json:"activated_at,omitempty" db:"activated_at"`
}

// HolderPosition is a user's position in one curve, keyed by (CurveID, UserID).
// Created on first buy, deleted when Balance returns to zero.
type HolderPosition struct {
	CurveID       string          `json:"curve_id" db:"curve_id"`
	UserID        string          `json:"user_id" db:"user_id"`
	Balance       decimal.Decimal `json:"balance" db:"balance"`
	AvgPrice      decimal.Decimal `json:"avg_price" db:"avg_price"`
	TotalInvested decimal.Decimal `json:"total_invested" db:"total_invested"`
	RealizedPnl   decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	UnrealizedPnl decimal.Decimal `json:"unrealized_pnl" db:"unrealized_pnl"`
	FirstBuyAt    time.Time       `json:"first_buy_at" db:"first_buy_at"`
	LastTradeAt   time.Time       `json:"last_trade_at" db:"last_trade_at"`
}

// FeeBreakdown records where a trade's fee portion went.
type FeeBreakdown struct {
	Reserve   decimal.Decimal `json:"reserve"`
	Creator   decimal.Decimal `json:"creator"`
	Platform  decimal.Decimal `json:"platform"`
	Buyback   decimal.Decimal `json:"buyback"`
	Community decimal.Decimal `json:"community"`
	Referrer  decimal.Decimal `json:"referrer"`
	Total     decimal.Decimal `json:"total"`
}

// TradeEvent is an immutable audit record of a settled trade.
// LedgerRef is the settlement idempotency key: at most one event per ref.
type TradeEvent struct {
	ID         string          `json:"id" db:"id"`
	CurveID    string          `json:"curve_id" db:"curve_id"`
	Type       string          `json:"type" db:"type"` // "buy" or "sell"
	UserID     string          `json:"user_id" db:"user_id"`
	ReferrerID string          `json:"referrer_id,omitempty" db:"referrer_id"`
	Amount     decimal.Decimal `json:"amount" db:"amount"` // currency moved
	Keys       decimal.Decimal `json:"keys" db:"keys"`
	Price      decimal.Decimal `json:"price" db:"price"` // spot price at trade
	Fees       FeeBreakdown    `json:"fees" db:"fees"`
	LedgerRef  string          `json:"ledger_ref" db:"ledger_ref"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// IntentStatus tracks a settlement intent through the dual-ledger protocol.
type IntentStatus string

const (
	IntentSubmitted IntentStatus = "submitted"
	IntentConfirmed IntentStatus = "confirmed"
	IntentUnknown   IntentStatus = "unknown"
	IntentFailed    IntentStatus = "failed"
	IntentApplied   IntentStatus = "applied"
)

// SettlementIntent is the durable record written before any external ledger
// call, so a crash mid-submission is still recoverable. It carries the quoted
// trade so the reconciliation worker can apply it later without recomputing
// the key quantity. Intents are deleted once Applied or Failed; the trade
// event is the durable audit record.
type SettlementIntent struct {
	ID         string          `json:"id" db:"id"`
	CurveID    string          `json:"curve_id" db:"curve_id"`
	UserID     string          `json:"user_id" db:"user_id"`
	ReferrerID string          `json:"referrer_id,omitempty" db:"referrer_id"`
	Side       string          `json:"side" db:"side"`
	Keys       decimal.Decimal `json:"keys" db:"keys"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	Status     IntentStatus    `json:"status" db:"status"`
	LedgerRef  string          `json:"ledger_ref,omitempty" db:"ledger_ref"`
	Escalated  bool            `json:"escalated" db:"escalated"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// TradeResult is returned to callers of BuyKeys/SellKeys. Pending is true
// when the ledger outcome was not observed within the confirmation window;
// the reconciliation worker resolves the trade later.
type TradeResult struct {
	Success   bool   `json:"success"`
	Pending   bool   `json:"pending,omitempty"`
	LedgerRef string `json:"ledger_ref,omitempty"`
	IntentID  string `json:"intent_id,omitempty"`
	Curve     *Curve `json:"curve,omitempty"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

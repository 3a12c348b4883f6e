package ledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
)

// FakeLedger is an in-process ledger for development and tests. Every
// submission confirms immediately unless a failure mode is armed.
type FakeLedger struct {
	mu       sync.Mutex
	statuses map[string]Status
	accounts map[string][]byte

	// Failure modes for the next Submit/Sign call.
	RejectNext  bool
	TimeoutNext bool
	DeclineNext bool
}

func NewFakeLedger() *FakeLedger {
	return &FakeLedger{
		statuses: make(map[string]Status),
		accounts: make(map[string][]byte),
	}
}

func (f *FakeLedger) Sign(ctx context.Context, tx TradeTransaction) (SignedTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeclineNext {
		f.DeclineNext = false
		return SignedTransaction{}, ErrSignerDeclined
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return SignedTransaction{}, err
	}
	return SignedTransaction{Ref: hex.EncodeToString(buf)}, nil
}

func (f *FakeLedger) Submit(ctx context.Context, tx SignedTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RejectNext {
		f.RejectNext = false
		f.statuses[tx.Ref] = StatusFailed
		return ErrRejected
	}
	if f.TimeoutNext {
		f.TimeoutNext = false
		// The transaction still lands; only the caller's view is lost.
		f.statuses[tx.Ref] = StatusConfirmed
		return ErrTimeout
	}
	f.statuses[tx.Ref] = StatusConfirmed
	return nil
}

func (f *FakeLedger) QueryStatus(ctx context.Context, ref string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.statuses[ref]; ok {
		return st, nil
	}
	return StatusUnknown, nil
}

// SetStatus overrides the recorded outcome of a reference.
func (f *FakeLedger) SetStatus(ref string, st Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[ref] = st
}

// SetAccount stores raw account data readable via ReadAccount.
func (f *FakeLedger) SetAccount(account string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[account] = append([]byte(nil), data...)
}

func (f *FakeLedger) ReadAccount(ctx context.Context, account string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.accounts[account]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

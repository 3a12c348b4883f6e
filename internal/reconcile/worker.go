// Package reconcile resolves settlement intents whose ledger outcome was
// not observed inline: timed-out submissions, crashes mid-pipeline, and
// confirmed trades whose projection update failed. The external ledger is
// the source of truth; the worker only ever converges the projection
// toward it.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/keymarket/curve-engine/internal/ledger"
	"github.com/keymarket/curve-engine/internal/metrics"
	"github.com/keymarket/curve-engine/internal/model"
	"github.com/keymarket/curve-engine/internal/store"
	"github.com/keymarket/curve-engine/internal/trade"
)

// Config tunes the reconciliation worker.
type Config struct {
	// Schedule is a cron expression for scan frequency.
	Schedule string

	// Grace is how long an intent must sit untouched before the scan
	// picks it up, so the inline pipeline is never raced.
	Grace time.Duration

	// EscalateAfter marks intents still unresolved past this age for
	// operator attention.
	EscalateAfter time.Duration

	// RunTimeout bounds a single scan.
	RunTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Schedule:      "@every 1m",
		Grace:         2 * time.Minute,
		EscalateAfter: 30 * time.Minute,
		RunTimeout:    5 * time.Minute,
	}
}

// Worker periodically scans for stuck settlement intents and resolves them
// against the ledger.
type Worker struct {
	store  store.Store
	ledger ledger.Client
	trades *trade.Service
	cfg    Config
	cron   *cron.Cron
}

// NewWorker creates a reconciliation worker.
func NewWorker(st store.Store, lc ledger.Client, trades *trade.Service, cfg Config) *Worker {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Minute
	}
	if cfg.EscalateAfter <= 0 {
		cfg.EscalateAfter = 30 * time.Minute
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	return &Worker{
		store:  st,
		ledger: lc,
		trades: trades,
		cfg:    cfg,
		cron:   cron.New(),
	}
}

// Start schedules the periodic scan. Returns after scheduling; scans run
// on the cron's goroutine.
func (w *Worker) Start() error {
	_, err := w.cron.AddFunc(w.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.RunTimeout)
		defer cancel()
		if err := w.RunOnce(ctx); err != nil {
			slog.Error("reconcile scan failed", "err", err)
		}
	})
	if err != nil {
		return err
	}
	w.cron.Start()
	slog.Info("reconciler started", "schedule", w.cfg.Schedule)
	return nil
}

// Stop halts the scan schedule and waits for a running scan to finish.
func (w *Worker) Stop() {
	<-w.cron.Stop().Done()
}

// RunOnce performs a single reconciliation scan.
func (w *Worker) RunOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-w.cfg.Grace)

	// Unknown: submitted but outcome never observed.
	unknowns, err := w.store.ListIntentsByStatus(ctx, model.IntentUnknown, cutoff)
	if err != nil {
		return err
	}
	for i := range unknowns {
		w.resolveUnknown(ctx, &unknowns[i])
	}

	// Submitted: crashed before the submission outcome was recorded.
	// With a ledger ref these are indistinguishable from unknown; without
	// one nothing was ever signed, so nothing can have executed.
	submitted, err := w.store.ListIntentsByStatus(ctx, model.IntentSubmitted, cutoff)
	if err != nil {
		return err
	}
	for i := range submitted {
		in := &submitted[i]
		if in.LedgerRef == "" {
			w.markIntent(ctx, in, model.IntentFailed)
			metrics.ReconcilerResolutions.WithLabelValues("failed_unsigned").Inc()
			slog.Info("unsigned intent failed", "intent", in.ID)
			continue
		}
		w.resolveUnknown(ctx, in)
	}

	// Confirmed: ledger executed but the projection update didn't finish.
	confirmed, err := w.store.ListIntentsByStatus(ctx, model.IntentConfirmed, cutoff)
	if err != nil {
		return err
	}
	for i := range confirmed {
		in := &confirmed[i]
		if _, err := w.trades.ApplyIntent(ctx, in); err != nil {
			slog.Error("confirmed intent re-apply failed", "intent", in.ID, "err", err)
			continue
		}
		metrics.ReconcilerResolutions.WithLabelValues("applied").Inc()
		slog.Info("confirmed intent applied", "intent", in.ID, "ref", in.LedgerRef)
	}

	return nil
}

func (w *Worker) resolveUnknown(ctx context.Context, in *model.SettlementIntent) {
	status, err := w.ledger.QueryStatus(ctx, in.LedgerRef)
	if err != nil {
		slog.Warn("ledger status query failed", "intent", in.ID, "ref", in.LedgerRef, "err", err)
		return
	}

	switch status {
	case ledger.StatusConfirmed:
		w.markIntent(ctx, in, model.IntentConfirmed)
		if _, err := w.trades.ApplyIntent(ctx, in); err != nil {
			slog.Error("resolved intent apply failed", "intent", in.ID, "err", err)
			return
		}
		metrics.ReconcilerResolutions.WithLabelValues("applied").Inc()
		slog.Info("pending settlement confirmed and applied", "intent", in.ID, "ref", in.LedgerRef)

	case ledger.StatusFailed:
		w.markIntent(ctx, in, model.IntentFailed)
		metrics.ReconcilerResolutions.WithLabelValues("failed").Inc()
		slog.Info("pending settlement failed on ledger", "intent", in.ID, "ref", in.LedgerRef)

	case ledger.StatusUnknown:
		// Still nothing on the ledger. Never assume failure: escalate
		// past the ceiling and keep the intent pending.
		if !in.Escalated && time.Since(in.CreatedAt) > w.cfg.EscalateAfter {
			in.Escalated = true
			in.UpdatedAt = time.Now().UTC()
			if err := w.store.UpdateIntent(ctx, in); err != nil {
				slog.Error("intent escalation update failed", "intent", in.ID, "err", err)
				return
			}
			metrics.ReconcilerResolutions.WithLabelValues("escalated").Inc()
			slog.Error("settlement unresolved past ceiling, operator attention needed",
				"intent", in.ID, "ref", in.LedgerRef, "age", time.Since(in.CreatedAt).String())
		}
	}
}

// markIntent records an intent status transition. Failed intents are
// deleted (nothing executed, nothing to audit); the trade service deletes
// applied ones.
func (w *Worker) markIntent(ctx context.Context, in *model.SettlementIntent, status model.IntentStatus) {
	in.Status = status
	in.UpdatedAt = time.Now().UTC()

	var err error
	if status == model.IntentFailed {
		err = w.store.DeleteIntent(ctx, in.ID)
	} else {
		err = w.store.UpdateIntent(ctx, in)
	}
	if err != nil {
		slog.Error("intent update failed", "intent", in.ID, "status", status, "err", err)
	}
}

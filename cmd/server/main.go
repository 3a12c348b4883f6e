package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/keymarket/curve-engine/internal/config"
	"github.com/keymarket/curve-engine/internal/fees"
	"github.com/keymarket/curve-engine/internal/ledger"
	"github.com/keymarket/curve-engine/internal/metrics"
	"github.com/keymarket/curve-engine/internal/pricing"
	"github.com/keymarket/curve-engine/internal/reconcile"
	"github.com/keymarket/curve-engine/internal/store"
	"github.com/keymarket/curve-engine/internal/trade"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DB.Backend == "postgres" && cfg.DB.URL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DB.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.String())
		}
	} else {
		slog.Warn("using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Ledger ---
	var (
		ledgerClient ledger.Client
		signer       ledger.Signer
	)
	if cfg.Ledger.Backend == "solana" {
		key, err := solana.PrivateKeyFromBase58(cfg.Ledger.SignerKey)
		if err != nil {
			slog.Error("invalid ledger signer key", "err", err)
			os.Exit(1)
		}
		programID, err := solana.PublicKeyFromBase58(cfg.Ledger.ProgramID)
		if err != nil {
			slog.Error("invalid ledger program id", "err", err)
			os.Exit(1)
		}
		ledgerClient = ledger.NewSolanaClient(cfg.Ledger.RPC, logger)
		signer = ledger.NewSolanaSigner(cfg.Ledger.RPC, key, programID)
		slog.Info("using Solana ledger", "rpc", cfg.Ledger.RPC, "program", cfg.Ledger.ProgramID)
	} else {
		slog.Warn("using in-process fake ledger (development only)")
		fake := ledger.NewFakeLedger()
		ledgerClient = fake
		signer = fake
	}

	// --- Fee schedule ---
	feeTable := fees.Table{
		CreatorBps:   cfg.Fees.CreatorBps,
		PlatformBps:  cfg.Fees.PlatformBps,
		BuybackBps:   cfg.Fees.BuybackBps,
		CommunityBps: cfg.Fees.CommunityBps,
		ReferrerBps:  cfg.Fees.ReferrerBps,
	}
	if cfg.Ledger.FeeConfigAccount != "" {
		// The on-ledger fee configuration wins over static config.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		data, err := ledgerClient.ReadAccount(ctx, cfg.Ledger.FeeConfigAccount)
		cancel()
		if err != nil {
			slog.Error("fee config account read failed", "account", cfg.Ledger.FeeConfigAccount, "err", err)
			os.Exit(1)
		}
		fc, err := ledger.DecodeFeeConfig(data)
		if err != nil {
			slog.Error("fee config decode failed", "err", err)
			os.Exit(1)
		}
		feeTable = fees.Table{
			CreatorBps:   int64(fc.CreatorBps),
			PlatformBps:  int64(fc.PlatformBps),
			BuybackBps:   int64(fc.BuybackBps),
			CommunityBps: int64(fc.CommunityBps),
			ReferrerBps:  int64(fc.ReferrerBps),
		}
		slog.Info("fee schedule loaded from ledger",
			"version", fc.Version, "total_bps", feeTable.TotalBps())
	}

	calc, err := pricing.NewCalculator(feeTable, decimal.NewFromFloat(cfg.Trading.ImpactCeilingPct))
	if err != nil {
		slog.Error("invalid trading configuration", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()
	go wsHub.Run()

	// --- Trade service ---
	tradeSvc := trade.NewService(st, ledgerClient, signer, calc, wsHub, trade.Config{
		MinKeysToActivate: decimal.NewFromInt(cfg.Trading.MinKeysToActivate),
		LedgerTimeout:     cfg.Ledger.Timeout,
		ApplyRetries:      cfg.Trading.ApplyRetries,
	})

	// --- Reconciliation worker ---
	if cfg.Reconcile.Enabled {
		worker := reconcile.NewWorker(st, ledgerClient, tradeSvc, reconcile.Config{
			Schedule:      cfg.Reconcile.Schedule,
			Grace:         cfg.Reconcile.Grace,
			EscalateAfter: cfg.Reconcile.EscalateAfter,
		})
		if err := worker.Start(); err != nil {
			slog.Error("reconciler start failed", "err", err)
			os.Exit(1)
		}
		defer worker.Stop()
	}

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"curve-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time trade updates.
		r.Get("/ws", wsHub.HandleWS)

		// Curve management.
		r.Get("/curves", tradeSvc.HandleListCurves)
		r.Post("/curves", tradeSvc.HandleCreateCurve)
		r.Get("/curves/trending", tradeSvc.HandleTrendingCurves)
		r.Get("/curves/{curveID}", tradeSvc.HandleGetCurve)
		r.Get("/curves/{curveID}/active", tradeSvc.HandleIsActive)
		r.Get("/curves/{curveID}/holders", tradeSvc.HandleListHolders)
		r.Get("/curves/{curveID}/history", tradeSvc.HandleCurveHistory)
		r.Get("/curves/{curveID}/positions/{userID}", tradeSvc.HandleGetPosition)

		// Trade execution.
		r.Post("/quote", tradeSvc.HandleQuote)
		r.Post("/trade", tradeSvc.HandleExecuteTrade)
		r.Get("/intents/{intentID}", tradeSvc.HandleGetIntent)

		// Portfolio queries.
		r.Get("/positions/{userID}", tradeSvc.HandleUserPositions)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("curve-engine listening", "addr", cfg.Server.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down curve-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("curve-engine stopped")
}

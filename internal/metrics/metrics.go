// Package metrics provides Prometheus instrumentation for the curve engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts settled trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "curve_trades_total",
		Help: "Total number of trades settled",
	}, []string{"side"})

	// TradeLatency measures end-to-end trade latency including ledger
	// confirmation.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "curve_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"side"})

	// SettlementOutcomes counts terminal intent transitions by status.
	SettlementOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "curve_settlement_outcomes_total",
		Help: "Settlement intent outcomes by resulting status",
	}, []string{"status"})

	// VersionConflicts counts optimistic write conflicts during
	// settlement application.
	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "curve_version_conflicts_total",
		Help: "Curve state writes retried after a version conflict",
	})

	// ReconcilerResolutions counts pending intents resolved by the
	// reconciliation worker, by resolution.
	ReconcilerResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "curve_reconciler_resolutions_total",
		Help: "Pending settlements resolved by the reconciler",
	}, []string{"resolution"})

	// CurveActivations counts pending curves promoted to active.
	CurveActivations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "curve_activations_total",
		Help: "Curves activated by owner self-purchase",
	})

	// ImpactRejections counts buys rejected by the price impact ceiling.
	ImpactRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "curve_impact_rejections_total",
		Help: "Buys rejected by the price impact ceiling",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "curve_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "curve_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "curve_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for the path label to avoid high
		// cardinality; the pattern is only known after routing.
		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

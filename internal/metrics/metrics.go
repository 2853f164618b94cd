// Package metrics provides Prometheus instrumentation for the SLA engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AgreementsCreated counts agreements created.
	AgreementsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sla_agreements_created_total",
		Help: "Total number of agreements created",
	})

	// ActiveAgreements tracks agreements that are not finished.
	ActiveAgreements = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sla_active_agreements",
		Help: "Number of agreements not yet finished",
	})

	// StakesTotal counts accepted stakes, partitioned by side.
	StakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sla_stakes_total",
		Help: "Total number of stakes accepted",
	}, []string{"side"})

	// WithdrawalsTotal counts withdrawals, partitioned by side.
	WithdrawalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sla_withdrawals_total",
		Help: "Total number of withdrawals",
	}, []string{"side"})

	// StakeVolume tracks cumulative staked amount per token and side.
	StakeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sla_stake_volume_total",
		Help: "Cumulative staked amount in token base units",
	}, []string{"token", "side"})

	// SLIRequests counts SLI requests sent to messengers.
	SLIRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sla_sli_requests_total",
		Help: "Total SLI requests issued",
	})

	// Verifications counts accepted fulfillments, partitioned by outcome.
	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sla_verifications_total",
		Help: "Total verified periods",
	}, []string{"status"})

	// VerificationLatency tracks fulfillment processing time.
	VerificationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sla_verification_latency_seconds",
		Help:    "Fulfillment processing latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// RewardsDistributed counts reward payouts, partitioned by paid/skipped.
	RewardsDistributed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sla_rewards_distributed_total",
		Help: "Verification reward distributions",
	}, []string{"result"})

	// LockedValueReturned counts one-shot deposit releases.
	LockedValueReturned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sla_locked_value_returned_total",
		Help: "Locked deposits returned to agreement owners",
	})

	// Rejections counts rejected calls by fault kind.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sla_rejections_total",
		Help: "Calls rejected by the ledger",
	}, []string{"kind"})

	// ChoreRuns counts verification chore runs by result.
	ChoreRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sla_chore_runs_total",
		Help: "Verification chore runs",
	}, []string{"result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sla_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sla_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sla_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

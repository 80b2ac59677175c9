// Package metrics provides Prometheus instrumentation for the balance engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ClicksTotal counts accepted clicks after server-side clamping.
	ClicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_clicks_total",
		Help: "Total number of accepted clicks",
	})

	// ClicksClamped counts click batches reduced to the per-period maximum.
	ClicksClamped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_clicks_clamped_total",
		Help: "Click batches clamped to the allowed maximum",
	})

	// CreditIssued tracks currency issued, partitioned by source.
	CreditIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_credit_issued_total",
		Help: "Currency credited to balances",
	}, []string{"source"})

	// ReconcileDuration tracks how long one passive reconciliation tick takes.
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_reconcile_duration_seconds",
		Help:    "Passive reconciliation tick duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	// ReconciledUsers counts passive users credited.
	ReconciledUsers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_reconciled_users_total",
		Help: "Passive earners credited by reconciliation",
	})

	// ReconcileSkipped counts malformed hot records skipped by reconciliation.
	ReconcileSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_reconcile_skipped_total",
		Help: "Malformed records skipped during reconciliation",
	})

	// ReconcileFailures counts aborted reconciliation ticks.
	ReconcileFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_reconcile_failures_total",
		Help: "Reconciliation ticks aborted by store errors",
	})

	// SupplyProbability is the current mining probability.
	SupplyProbability = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_supply_probability",
		Help: "Shared mining probability derived from the supply cap",
	})

	// SupplyTotalBalance is the summed balance at the last refresh.
	SupplyTotalBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_supply_total_balance",
		Help: "Total balance issued at the last supply refresh",
	})

	// SupplyExceeded is 1 while issued balance is above the supply cap.
	SupplyExceeded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_supply_exceeded",
		Help: "1 when total balance exceeds the supply cap",
	})

	// ItemsWon counts lottery units granted per item.
	ItemsWon = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_items_won_total",
		Help: "Items granted by the drop lottery",
	}, []string{"item"})

	// ItemsRetired counts items removed from the lottery at capacity.
	ItemsRetired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_items_retired_total",
		Help: "Items retired after reaching maximum quantity",
	})

	// ItemsTruncated counts draws cut down to the remaining capacity.
	ItemsTruncated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_items_truncated_total",
		Help: "Lottery draws truncated at the item cap",
	}, []string{"item"})

	// WriteBehindFailures counts durable writes that failed after the fact.
	WriteBehindFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_write_behind_failures_total",
		Help: "Failed asynchronous writes to the durable store",
	}, []string{"op"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "engine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
// The chi wrapper keeps http.Hijacker and http.Flusher reachable, so
// WebSocket upgrades pass through it.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		duration := time.Since(start).Seconds()

		status := ww.Status()
		if status == 0 {
			// Nothing written through the wrapper: an implicit 200, or a
			// hijacked connection that answered on its own.
			status = http.StatusOK
			if r.Header.Get("Upgrade") != "" {
				status = http.StatusSwitchingProtocols
			}
		}
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

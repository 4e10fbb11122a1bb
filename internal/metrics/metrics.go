// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommissionsPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commission_records_posted_total",
		Help: "Commission records posted to the ledger, by type.",
	}, []string{"type"})

	CommissionAmountPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commission_amount_posted_total",
		Help: "Total commission amount posted in minor units, by type.",
	}, []string{"type"})

	DuplicateAttributions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "commission_duplicate_attributions_total",
		Help: "Postings skipped because the dedup key already existed.",
	})

	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commission_status_transitions_total",
		Help: "Record status transitions, by from and to status.",
	}, []string{"from", "to"})

	FailedAttributions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "commission_failed_attributions_total",
		Help: "Events whose recipient could not be resolved.",
	})

	WithdrawalActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "withdrawal_actions_total",
		Help: "Withdrawal lifecycle actions, by action.",
	}, []string{"action"})

	PayoutFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "withdrawal_payout_failures_total",
		Help: "External payout attempts that returned an error.",
	})

	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_sweep_duration_seconds",
		Help:    "Duration of scheduler sweeps over due records.",
		Buckets: prometheus.DefBuckets,
	})

	SweepPromotions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_promotions_total",
		Help: "Records promoted by the scheduler, by target status.",
	}, []string{"to"})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests served, by method, path, and status code.",
	}, []string{"method", "path", "code"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency, by method and path.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_clients_connected",
		Help: "Currently connected live-feed websocket clients.",
	})
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware records request counts and latency per route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		httpRequests.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(sw.status)).Inc()
		httpDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

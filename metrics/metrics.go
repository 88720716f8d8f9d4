// Package metrics holds the Prometheus collectors shared by the workflow
// packages and the HTTP middleware.
package metrics

import (
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signflow_http_requests_total",
			Help: "HTTP requests served, by method, normalized path and status.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signflow_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SignerTransitions counts committed signer state changes by target status.
	SignerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signflow_signer_transitions_total",
		Help: "Signer state transitions, by target status.",
	}, []string{"to"})

	// RemindersSent counts reminder increments that won the cap check.
	RemindersSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "signflow_reminders_sent_total",
		Help: "Reminders sent to signers.",
	})

	// ContractsFinalized counts lifecycle compare-and-set wins, by final state.
	ContractsFinalized = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signflow_contracts_finalized_total",
		Help: "Contracts moved to a terminal lifecycle state, by state.",
	}, []string{"state"})

	// Notifications counts notification port outcomes: delivered, retried or failed.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signflow_notifications_total",
		Help: "Notification port calls, by outcome.",
	}, []string{"outcome"})

	// OutboxRelayed counts outbox rows settled by the relay, by final status.
	OutboxRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signflow_outbox_relayed_total",
		Help: "Notification outbox rows handled by the relay, by status.",
	}, []string{"status"})

	// Verifications counts verification passes by result.
	Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signflow_verifications_total",
		Help: "Document verifications, by result.",
	}, []string{"result"})

	// CacheLookups counts contract cache lookups by outcome (hit, miss).
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signflow_contract_cache_lookups_total",
		Help: "Contract cache lookups, by outcome.",
	}, []string{"outcome"})

	// SchedulerRuns times periodic sweeps by job.
	SchedulerRuns = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signflow_scheduler_run_duration_seconds",
		Help:    "Duration of periodic scheduler jobs.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"job"})
)

// Middleware records request count and latency per endpoint.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)

		wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

var uuidSegment = regexp.MustCompile(`[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}`)

// normalizePath replaces UUID segments with {id} to bound label cardinality.
func normalizePath(path string) string {
	return uuidSegment.ReplaceAllString(path, "{id}")
}

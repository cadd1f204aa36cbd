package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the application.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	receiptsTotal    prometheus.Counter
	allocationsTotal prometheus.Counter
	conflictsTotal   prometheus.Counter
	reversalsTotal   prometheus.Counter
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backroom_http_requests_total",
		Help: "HTTP requests by route and status.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backroom_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	receipts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backroom_stock_receipts_total",
		Help: "Posted purchase receipts.",
	})
	allocations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backroom_stock_allocations_total",
		Help: "Committed FIFO allocations.",
	})
	conflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backroom_stock_allocation_conflicts_total",
		Help: "Allocation commits aborted by concurrent modification.",
	})
	reversals := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "backroom_stock_reversals_total",
		Help: "Reversed allocations.",
	})
	registry.MustRegister(requests, duration, receipts, allocations, conflicts, reversals)
	return &Metrics{
		registry:         registry,
		handler:          promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:    requests,
		requestDuration:  duration,
		receiptsTotal:    receipts,
		allocationsTotal: allocations,
		conflictsTotal:   conflicts,
		reversalsTotal:   reversals,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ReceiptPosted increments the receipt counter.
func (m *Metrics) ReceiptPosted() {
	if m != nil {
		m.receiptsTotal.Inc()
	}
}

// AllocationCommitted increments the allocation counter.
func (m *Metrics) AllocationCommitted() {
	if m != nil {
		m.allocationsTotal.Inc()
	}
}

// AllocationConflict increments the conflict counter.
func (m *Metrics) AllocationConflict() {
	if m != nil {
		m.conflictsTotal.Inc()
	}
}

// ReversalApplied increments the reversal counter.
func (m *Metrics) ReversalApplied() {
	if m != nil {
		m.reversalsTotal.Inc()
	}
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

// Package metrics exposes Prometheus collectors for the wallet layer.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wallet_layer"

// Metrics holds the collectors of one process. All methods are safe on a nil
// receiver so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight prometheus.Gauge
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	fetches       *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	triggers      *prometheus.CounterVec
	coalesced     prometheus.Counter
	staleResults  prometheus.Counter
	rejected      *prometheus.CounterVec
	notifications prometheus.Counter
	subFailures   prometheus.Counter
	live          prometheus.Gauge

	decisions     *prometheus.CounterVec
	deniedByCheck *prometheus.CounterVec

	upstreamRetries *prometheus.CounterVec
	breakerOpen     prometheus.Gauge
}

// New registers the wallet layer collectors on a fresh registry. When
// withRuntime is set the Go and process collectors are registered too.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		}, []string{"method", "path"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "fetches_total",
			Help:      "Ledger window fetches by result.",
		}, []string{"result"}),
		fetchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of ledger window fetches.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "refresh_triggers_total",
			Help:      "Refresh triggers by source.",
		}, []string{"source"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "coalesced_triggers_total",
			Help:      "Triggers folded into an already scheduled refresh.",
		}),
		staleResults: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "stale_results_total",
			Help:      "Fetch results discarded because the principal changed.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "rejected_records_total",
			Help:      "Malformed ledger records skipped during aggregation.",
		}, []string{"reason"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "notifications_total",
			Help:      "Change notifications received from the change feed.",
		}),
		subFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "subscription_failures_total",
			Help:      "Change subscriptions that could not be established.",
		}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "subscription_live",
			Help:      "1 while a change subscription is established.",
		}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "decisions_total",
			Help:      "Access gate decisions by outcome.",
		}, []string{"outcome"}),
		deniedByCheck: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "access",
			Name:      "failed_constraints_total",
			Help:      "Failed constraints of denied decisions.",
		}, []string{"constraint"}),
		upstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "retries_total",
			Help:      "Retried upstream calls by operation.",
		}, []string{"operation"}),
		breakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "circuit_open",
			Help:      "1 while the upstream circuit breaker is open.",
		}),
	}

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.fetches,
		m.fetchDuration,
		m.triggers,
		m.coalesced,
		m.staleResults,
		m.rejected,
		m.notifications,
		m.subFailures,
		m.live,
		m.decisions,
		m.deniedByCheck,
		m.upstreamRetries,
		m.breakerOpen,
	)
	if withRuntime {
		m.registry.MustRegister(
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			prometheus.NewGoCollector(),
		)
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler exposing the registered metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps next with HTTP metrics collection.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		path := CanonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		m.httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordFetch records one ledger window fetch.
func (m *Metrics) RecordFetch(err error, duration time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.fetches.WithLabelValues(result).Inc()
	m.fetchDuration.Observe(duration.Seconds())
}

// RecordRejected counts a malformed record skipped by the aggregator.
func (m *Metrics) RecordRejected(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

// RecordNotification counts a change notification.
func (m *Metrics) RecordNotification() {
	if m == nil {
		return
	}
	m.notifications.Inc()
}

// RecordSubscriptionFailure counts a change subscription that failed.
func (m *Metrics) RecordSubscriptionFailure() {
	if m == nil {
		return
	}
	m.subFailures.Inc()
}

// RecordTrigger counts a refresh trigger. coalesced marks triggers absorbed
// by a refresh that was already pending.
func (m *Metrics) RecordTrigger(source string, coalesced bool) {
	if m == nil {
		return
	}
	if source == "" {
		source = "unknown"
	}
	m.triggers.WithLabelValues(source).Inc()
	if coalesced {
		m.coalesced.Inc()
	}
}

// RecordStaleResult counts a fetch result dropped after a principal change.
func (m *Metrics) RecordStaleResult() {
	if m == nil {
		return
	}
	m.staleResults.Inc()
}

// SetLive reports whether a change subscription is established.
func (m *Metrics) SetLive(live bool) {
	if m == nil {
		return
	}
	m.live.Set(boolFloat(live))
}

// RecordDecision counts an access gate decision and, for denials, each
// constraint that failed.
func (m *Metrics) RecordDecision(allowed bool, failed []string) {
	if m == nil {
		return
	}
	if allowed {
		m.decisions.WithLabelValues("allowed").Inc()
		return
	}
	m.decisions.WithLabelValues("denied").Inc()
	for _, c := range failed {
		m.deniedByCheck.WithLabelValues(c).Inc()
	}
}

// RecordRetry counts a retried upstream operation.
func (m *Metrics) RecordRetry(operation string) {
	if m == nil {
		return
	}
	m.upstreamRetries.WithLabelValues(operation).Inc()
}

// SetCircuitOpen reports the upstream circuit breaker state.
func (m *Metrics) SetCircuitOpen(open bool) {
	if m == nil {
		return
	}
	m.breakerOpen.Set(boolFloat(open))
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// CanonicalPath collapses request paths to a bounded label set.
func CanonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] == "v1" && len(parts) > 1 {
		return "/v1/" + parts[1]
	}
	return "/" + parts[0]
}

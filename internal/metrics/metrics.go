// Package metrics exposes Prometheus collectors for the ledger, reconciler, tournaments and audit log.
// Every method is safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arena"

type Metrics struct {
	registry             *prometheus.Registry
	ledgerOperations     *prometheus.CounterVec
	reconcileDecisions   *prometheus.CounterVec
	reconcilePasses      *prometheus.CounterVec
	reconcilePassSeconds prometheus.Histogram
	gatewayErrors        prometheus.Counter
	stalePending         prometheus.Gauge
	transitions          *prometheus.CounterVec
	auditFailures        *prometheus.CounterVec
	httpRequests         *prometheus.CounterVec
}

// New registers all collectors on a fresh registry together with the Go and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		ledgerOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Ledger operations by operation and result.",
			},
			[]string{"operation", "result"},
		),
		reconcileDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "decisions_total",
				Help:      "Pending topup decisions taken by the reconciler.",
			},
			[]string{"decision"},
		),
		reconcilePasses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "passes_total",
				Help:      "Reconciliation passes by result.",
			},
			[]string{"result"},
		),
		reconcilePassSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "pass_duration_seconds",
				Help:      "Duration of reconciliation passes.",
				Buckets:   prometheus.DefBuckets,
			},
		),
		gatewayErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "gateway_errors_total",
				Help:      "Transient gateway errors, counted per attempt.",
			},
		),
		stalePending: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "stale_pending_topups",
				Help:      "Pending topups older than the max age in the most recent pass.",
			},
		),
		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "tournament",
				Name:      "transitions_total",
				Help:      "Tournament transition requests by target status and result.",
			},
			[]string{"to", "result"},
		),
		auditFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "audit",
				Name:      "write_failures_total",
				Help:      "Audit records that could not be written, by stage.",
			},
			[]string{"stage"},
		),
		httpRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route and status code class.",
			},
			[]string{"method", "route", "code"},
		),
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer exposes the registry for tests and push integrations.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) ObserveLedgerOperation(operation string, result string) {
	if m == nil {
		return
	}
	m.ledgerOperations.WithLabelValues(operation, result).Inc()
}

func (m *Metrics) ObserveResolution(decision string) {
	if m == nil {
		return
	}
	m.reconcileDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) ObserveGatewayError() {
	if m == nil {
		return
	}
	m.gatewayErrors.Inc()
}

func (m *Metrics) ObserveStalePending(count int) {
	if m == nil {
		return
	}
	m.stalePending.Set(float64(count))
}

func (m *Metrics) ObservePass(duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.reconcilePassSeconds.Observe(duration.Seconds())
	if err != nil {
		m.reconcilePasses.WithLabelValues("error").Inc()
		return
	}
	m.reconcilePasses.WithLabelValues("success").Inc()
}

func (m *Metrics) ObserveTransition(to string, result string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to, result).Inc()
}

func (m *Metrics) ObserveAuditFailure(stage string) {
	if m == nil {
		return
	}
	m.auditFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) ObserveHTTPRequest(method string, route string, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, code).Inc()
}

// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "solvo"

// Metrics groups every collector the engine updates. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	paymentsCreated  *prometheus.CounterVec
	statusChanges    *prometheus.CounterVec
	conversionErrors *prometheus.CounterVec
	provisionErrors  *prometheus.CounterVec
	pollTicks        *prometheus.CounterVec
	activePollers    prometheus.Gauge
	dispatches       *prometheus.CounterVec
	dispatchLatency  *prometheus.HistogramVec
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		paymentsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_created_total",
			Help:      "Payment records created",
		}, []string{"purpose", "currency"}),
		statusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_status_changes_total",
			Help:      "Payment status transitions applied",
		}, []string{"status"}),
		conversionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conversion_failures_total",
			Help:      "Fiat to crypto conversions that failed",
		}, []string{"currency"}),
		provisionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provisioning_failures_total",
			Help:      "Deposit address provisioning failures",
		}, []string{"currency"}),
		pollTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Balance checks by outcome",
		}, []string{"result"}),
		activePollers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_pollers",
			Help:      "Payments currently being polled",
		}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Completion handler runs by purpose and result",
		}, []string{"purpose", "result"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Completion handler latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"purpose"}),
	}

	registry.MustRegister(
		m.paymentsCreated,
		m.statusChanges,
		m.conversionErrors,
		m.provisionErrors,
		m.pollTicks,
		m.activePollers,
		m.dispatches,
		m.dispatchLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) PaymentCreated(purpose, currency string) {
	if m == nil {
		return
	}
	m.paymentsCreated.WithLabelValues(purpose, currency).Inc()
}

func (m *Metrics) StatusChanged(status string) {
	if m == nil {
		return
	}
	m.statusChanges.WithLabelValues(status).Inc()
}

func (m *Metrics) ConversionFailed(currency string) {
	if m == nil {
		return
	}
	m.conversionErrors.WithLabelValues(currency).Inc()
}

func (m *Metrics) ProvisioningFailed(currency string) {
	if m == nil {
		return
	}
	m.provisionErrors.WithLabelValues(currency).Inc()
}

// PollTick records a balance check; result is one of below, partial, matched or error.
func (m *Metrics) PollTick(result string) {
	if m == nil {
		return
	}
	m.pollTicks.WithLabelValues(result).Inc()
}

func (m *Metrics) PollerStarted() {
	if m == nil {
		return
	}
	m.activePollers.Inc()
}

func (m *Metrics) PollerStopped() {
	if m == nil {
		return
	}
	m.activePollers.Dec()
}

func (m *Metrics) Dispatched(purpose, result string, seconds float64) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(purpose, result).Inc()
	m.dispatchLatency.WithLabelValues(purpose).Observe(seconds)
}

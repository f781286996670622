// Package metrics implements the multiplexer's prometheus instrumentation
// (the domain-stack home for github.com/prometheus/client_golang): request
// counters, aggregation-latency histograms, per-backend error counters, and
// breaker-state gauges, exposed through both a JSON snapshot (for the
// internal back-end's lspmux/stats command) and an optional /metrics HTTP
// endpoint, mirroring the registry-plus-dedicated-endpoint shape the rest
// of the retrieval pack uses for opt-in telemetry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker"
)

// Metrics owns a private registry rather than the global default one, so a
// process embedding the multiplexer as a library never fights another
// component for metric names.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal       *prometheus.CounterVec
	aggregationLatency  *prometheus.HistogramVec
	backendErrorsTotal  *prometheus.CounterVec
	breakerState        *prometheus.GaugeVec
	pushDiagnosticTotal *prometheus.CounterVec
}

// New returns a Metrics with every series registered and at zero.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lspmux_requests_total",
			Help: "Total client requests routed, by method.",
		}, []string{"method"}),
		aggregationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lspmux_aggregation_latency_seconds",
			Help:    "Time from dispatch to aggregated response, by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		backendErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lspmux_backend_errors_total",
			Help: "Total error responses and aggregation timeouts attributed to a back-end.",
		}, []string{"backend"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "lspmux_backend_breaker_state",
			Help: "Circuit breaker state per back-end (0=closed, 1=half-open, 2=open).",
		}, []string{"backend"}),
		pushDiagnosticTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lspmux_push_diagnostics_total",
			Help: "Total push-diagnostic notifications reconciled, by back-end.",
		}, []string{"backend"}),
	}
	m.registry.MustRegister(m.requestsTotal, m.aggregationLatency, m.backendErrorsTotal, m.breakerState, m.pushDiagnosticTotal)
	return m
}

// ObserveRequest records that a client request for method was routed.
func (m *Metrics) ObserveRequest(method string) {
	m.requestsTotal.WithLabelValues(method).Inc()
}

// ObserveAggregation records how long method's aggregation took to dispatch.
func (m *Metrics) ObserveAggregation(method string, d time.Duration) {
	m.aggregationLatency.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveBackendError attributes an error response or aggregation timeout
// to be.
func (m *Metrics) ObserveBackendError(be string) {
	m.backendErrorsTotal.WithLabelValues(be).Inc()
}

// ObservePushDiagnostic records one push-diagnostic notification reconciled
// from be.
func (m *Metrics) ObservePushDiagnostic(be string) {
	m.pushDiagnosticTotal.WithLabelValues(be).Inc()
}

// SetBreakerState records be's current circuit breaker state.
func (m *Metrics) SetBreakerState(be string, state gobreaker.State) {
	m.breakerState.WithLabelValues(be).Set(float64(state))
}

// Handler returns the promhttp handler for this registry, for a
// --metrics-addr HTTP server to mount at /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot gathers every registered series into a plain JSON-friendly
// object, the shape the internal back-end's lspmux/stats command returns
// verbatim as its request result.
func (m *Metrics) Snapshot() map[string]any {
	families, err := m.registry.Gather()
	if err != nil {
		return map[string]any{"error": err.Error()}
	}

	out := make(map[string]any, len(families))
	for _, f := range families {
		samples := make([]any, 0, len(f.GetMetric()))
		for _, mm := range f.GetMetric() {
			sample := map[string]any{}
			if labels := mm.GetLabel(); len(labels) > 0 {
				lm := make(map[string]any, len(labels))
				for _, lp := range labels {
					lm[lp.GetName()] = lp.GetValue()
				}
				sample["labels"] = lm
			}
			switch {
			case mm.Counter != nil:
				sample["value"] = mm.GetCounter().GetValue()
			case mm.Gauge != nil:
				sample["value"] = mm.GetGauge().GetValue()
			case mm.Histogram != nil:
				sample["sampleCount"] = mm.GetHistogram().GetSampleCount()
				sample["sampleSum"] = mm.GetHistogram().GetSampleSum()
			}
			samples = append(samples, sample)
		}
		out[f.GetName()] = samples
	}
	return out
}

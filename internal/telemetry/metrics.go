package telemetry

import (
	"context"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/smilit/proxycast-sub002/internal/core/domain"
	"github.com/smilit/proxycast-sub002/internal/gateway"
	"github.com/smilit/proxycast-sub002/internal/resilience"
)

const namespace = "proxycast"

// Metrics records resilience transitions and finished calls as Prometheus
// series. It is both a resilience.Observer and a gateway.CallObserver.
//
// Series:
//   - proxycast_backend_attempts_total{credential}
//   - proxycast_backend_retries_total{failure}
//   - proxycast_credential_switches_total{failure}
//   - proxycast_calls_total{protocol,model,stream,outcome}
//   - proxycast_call_duration_seconds{protocol,stream}
//   - proxycast_tokens_total{direction}
type Metrics struct {
	registry *prometheus.Registry

	attempts *prometheus.CounterVec
	retries  *prometheus.CounterVec
	switches *prometheus.CounterVec
	calls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	tokens   *prometheus.CounterVec
}

// NewMetrics creates the collectors on a fresh registry together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "attempts_total",
			Help:      "Backend call attempts by credential.",
		}, []string{"credential"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "retries_total",
			Help:      "Retries on the same credential by failure type.",
		}, []string{"failure"}),
		switches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "credential",
			Name:      "switches_total",
			Help:      "Credential failovers by failure type.",
		}, []string{"failure"}),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Finished client calls by outcome. Outcome is ok or an error type.",
		}, []string{"protocol", "backend_model", "stream", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Client call latency including streaming time.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"protocol", "stream"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Tokens reported by the backend.",
		}, []string{"direction"}),
	}

	m.registry.MustRegister(
		m.attempts, m.retries, m.switches, m.calls, m.duration, m.tokens,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

func (m *Metrics) OnEvent(_ context.Context, ev resilience.Event) {
	switch ev.Type {
	case resilience.EventAttempt:
		m.attempts.WithLabelValues(ev.Credential).Inc()
	case resilience.EventRetry:
		m.retries.WithLabelValues(failureLabel(ev.Failure)).Inc()
	case resilience.EventSwitch:
		m.switches.WithLabelValues(failureLabel(ev.Failure)).Inc()
	}
}

func (m *Metrics) OnCall(_ context.Context, info gateway.CallInfo) {
	stream := strconv.FormatBool(info.Stream)
	// The client's model string is unbounded; the resolved backend ID is not.
	m.calls.WithLabelValues(string(info.Protocol), info.BackendModel, stream, outcome(info.Err)).Inc()
	m.duration.WithLabelValues(string(info.Protocol), stream).Observe(info.Duration.Seconds())
	if info.Usage != nil {
		m.tokens.WithLabelValues("input").Add(float64(info.Usage.InputTokens))
		m.tokens.WithLabelValues("output").Add(float64(info.Usage.OutputTokens))
	}
}

func failureLabel(f resilience.FailureType) string {
	if f == resilience.FailureNone {
		return "unknown"
	}
	return string(f)
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(domain.ToAPIError(err).Type)
}

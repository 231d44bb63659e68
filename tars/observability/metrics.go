// Package observability holds the Prometheus collectors and logger setup.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ZanzyTHEbar/tars-case/tars/conversation"
	"github.com/ZanzyTHEbar/tars-case/tars/persona"
)

// Metrics owns a private registry. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	ProviderCalls    *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec

	StepDuration *prometheus.HistogramVec
	StepErrors   *prometheus.CounterVec

	Turns         *prometheus.CounterVec
	Summaries     prometheus.Counter
	RetrievedLogs prometheus.Histogram

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors under namespace and registers them,
// together with the Go runtime and process collectors.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ProviderCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_calls_total",
			Help:      "Chat completion and embedding calls by outcome",
		}, []string{"op", "status"}),
		ProviderDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_seconds",
			Help:      "Provider call latency including retries",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"op"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_step_duration_seconds",
			Help:      "Duration of each turn step",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"persona", "step"}),
		StepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_step_errors_total",
			Help:      "Failed turn steps",
		}, []string{"step"}),
		Turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Persisted turns by persona",
		}, []string{"persona"}),
		Summaries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_total",
			Help:      "Turns whose recalled context was summarized",
		}),
		RetrievedLogs: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieved_logs",
			Help:      "Logs recalled per turn across partitions",
			Buckets:   prometheus.LinearBuckets(0, 1, 16),
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ProviderCalls, m.ProviderDuration,
		m.StepDuration, m.StepErrors,
		m.Turns, m.Summaries, m.RetrievedLogs,
		m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterRunning exposes a gauge sampled from fn on every scrape.
func (m *Metrics) RegisterRunning(namespace string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "conversations_running",
		Help:      "Conversations currently in progress",
	}, fn))
}

// ObserveProviderCall records one guarded provider call.
func (m *Metrics) ObserveProviderCall(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.ProviderCalls.WithLabelValues(op, outcome(err)).Inc()
	m.ProviderDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveStep records one turn step.
func (m *Metrics) ObserveStep(p persona.Persona, step string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.StepDuration.WithLabelValues(p.String(), step).Observe(elapsed.Seconds())
	if err != nil {
		m.StepErrors.WithLabelValues(step).Inc()
	}
}

// ObserveTurn records a persisted turn. It matches conversation.TurnListener.
func (m *Metrics) ObserveTurn(_ string, rec conversation.TurnRecord) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(rec.Persona.String()).Inc()
	m.RetrievedLogs.Observe(float64(rec.Retrieved))
	if rec.Summarized {
		m.Summaries.Inc()
	}
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

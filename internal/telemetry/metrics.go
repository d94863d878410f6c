// Package telemetry holds the worker's Prometheus metrics and tracer setup.
package telemetry

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Metrics are the worker's Prometheus collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	Messages     *prometheus.CounterVec
	Transitions  *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	Stuck        *prometheus.GaugeVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_messages_total",
			Help: "Queue messages handled, by tracker type and outcome.",
		}, []string{"type", "outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ferry_transitions_total",
			Help: "State transitions written by the worker.",
		}, []string{"kind", "to"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ferry_step_duration_seconds",
			Help:    "Time spent in one pipeline step.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"kind", "state"}),
		Stuck: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ferry_stuck_trackers",
			Help: "Trackers sitting in a running state past the stuck threshold.",
		}, []string{"kind"}),
	}
	m.Registry.MustRegister(m.Messages, m.Transitions, m.StepDuration, m.Stuck)
	return m
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

// NewTracerProvider returns a stdout-exporting provider when enabled and a
// no-op provider otherwise, plus its shutdown func.
func NewTracerProvider(enabled bool) (trace.TracerProvider, func(context.Context) error, error) {
	if !enabled {
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	}
	exp, err := stdouttrace.New()
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	return tp, tp.Shutdown, nil
}

package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/aretw0/parley/pkg/domain"
	"github.com/aretw0/parley/pkg/loader"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Parley collectors on a dedicated registry.
type Metrics struct {
	registry *prometheus.Registry

	transitions *prometheus.CounterVec
	errors      *prometheus.CounterVec
	messages    *prometheus.CounterVec
	active      prometheus.Gauge
	scriptLoads *prometheus.CounterVec
	loadTime    prometheus.Histogram
}

// NewMetrics creates and registers every collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_session_transitions_total",
				Help: "Total number of session state transitions",
			},
			[]string{"from", "to"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_session_errors_total",
				Help: "Widget and activation errors by kind",
			},
			[]string{"kind", "fatal"},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_session_messages_total",
				Help: "Transcript messages forwarded to the page",
			},
			[]string{"session_id"},
		),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "parley_sessions_active",
			Help: "Sessions currently holding the exclusivity lock in this process",
		}),
		scriptLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_script_loads_total",
				Help: "Widget script load attempts by outcome",
			},
			[]string{"outcome"},
		),
		loadTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "parley_script_load_duration_seconds",
			Help:    "Duration of widget script load attempts",
			Buckets: prometheus.DefBuckets,
		}),
	}
	m.registry.MustRegister(m.transitions, m.errors, m.messages, m.active, m.scriptLoads, m.loadTime)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Hooks records every lifecycle event.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnTransition: func(_ context.Context, e *domain.TransitionEvent) {
			m.transitions.WithLabelValues(string(e.From), string(e.To)).Inc()
			switch {
			case !e.From.HoldsLock() && e.To.HoldsLock():
				m.active.Inc()
			case e.From.HoldsLock() && !e.To.HoldsLock():
				m.active.Dec()
			}
		},
		OnMessage: func(_ context.Context, e *domain.MessageEvent) {
			m.messages.WithLabelValues(e.SessionID).Inc()
		},
		OnError: func(_ context.Context, e *domain.ErrorEvent) {
			m.errors.WithLabelValues(string(e.Kind), strconv.FormatBool(e.Fatal)).Inc()
		},
	}
}

// ObserveScriptLoad is a loader.WithLoadObserver callback.
func (m *Metrics) ObserveScriptLoad(outcome loader.LoadState, elapsed time.Duration) {
	m.scriptLoads.WithLabelValues(string(outcome)).Inc()
	m.loadTime.Observe(elapsed.Seconds())
}

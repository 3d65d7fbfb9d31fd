// Package metrics exports Prometheus metrics for the bus, provider calls,
// safety verdicts, reasoning outcomes and component health.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nidhogg/copartner/internal/event"
	"github.com/nidhogg/copartner/internal/provider"
	"github.com/nidhogg/copartner/internal/reasoning"
	"github.com/nidhogg/copartner/internal/safety"
)

const namespace = "copartner"

// Collector implements event.Observer and core.Observer on a private
// registry.
type Collector struct {
	registry *prometheus.Registry

	eventsPublished *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec

	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec

	gateVerdicts    *prometheus.CounterVec
	sessions        *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	sessionRetries  prometheus.Histogram
	componentStatus *prometheus.GaugeVec
}

// Config configures the collector.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for latency histograms (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns default collector configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}
}

// New creates a collector and registers its metrics.
func New(cfg Config) *Collector {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}
	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	c := &Collector{registry: registry}

	// Bus
	c.eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Events published on the bus",
		},
		[]string{"kind"},
	)
	c.eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "events_dropped_total",
			Help:      "Events a subscriber lost to a full queue",
		},
		[]string{"subscriber", "kind"},
	)

	// Providers
	c.providerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Provider calls by outcome",
		},
		[]string{"capability", "provider", "outcome"},
	)
	c.providerLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "Provider call latency in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"capability", "provider"},
	)

	// Reasoning
	c.gateVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "safety",
			Name:      "verdicts_total",
			Help:      "Safety gate verdicts by action",
		},
		[]string{"action", "verdict"},
	)
	c.sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reasoning",
			Name:      "sessions_total",
			Help:      "Finished reasoning sessions by terminal state and reason",
		},
		[]string{"intent", "state", "reason"},
	)
	c.sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reasoning",
			Name:      "session_duration_seconds",
			Help:      "Reasoning session wall time in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"intent"},
	)
	c.sessionRetries = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reasoning",
			Name:      "session_retries",
			Help:      "Check-driven replans per session",
			Buckets:   []float64{0, 1, 2, 3, 5},
		},
	)

	// Health
	c.componentStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "core",
			Name:      "component_up",
			Help:      "Component health: 1 up, 0.5 degraded, 0 down",
		},
		[]string{"component"},
	)

	registry.MustRegister(
		c.eventsPublished,
		c.eventsDropped,
		c.providerCalls,
		c.providerLatency,
		c.gateVerdicts,
		c.sessions,
		c.sessionDuration,
		c.sessionRetries,
		c.componentStatus,
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// EventPublished implements event.Observer.
func (c *Collector) EventPublished(kind event.Kind) {
	c.eventsPublished.WithLabelValues(string(kind)).Inc()
}

// EventDropped implements event.Observer.
func (c *Collector) EventDropped(subscriber string, kind event.Kind) {
	c.eventsDropped.WithLabelValues(subscriber, string(kind)).Inc()
}

// ProviderCall records one attempt against one backend.
func (c *Collector) ProviderCall(capability, providerID string, d time.Duration, err error) {
	c.providerCalls.WithLabelValues(capability, providerID, Outcome(err)).Inc()
	c.providerLatency.WithLabelValues(capability, providerID).Observe(d.Seconds())
}

// GateDecision implements reasoning.Observer.
func (c *Collector) GateDecision(action string, v safety.Verdict) {
	c.gateVerdicts.WithLabelValues(action, string(v)).Inc()
}

// SessionFinished implements reasoning.Observer.
func (c *Collector) SessionFinished(s reasoning.Session) {
	kind := string(s.Intent.Kind)
	c.sessions.WithLabelValues(kind, string(s.State), s.Reason).Inc()
	c.sessionRetries.Observe(float64(s.Retries))
	if !s.EndedAt.IsZero() {
		c.sessionDuration.WithLabelValues(kind).Observe(s.EndedAt.Sub(s.StartedAt).Seconds())
	}
}

// ComponentChanged records a health transition.
func (c *Collector) ComponentChanged(component, status string) {
	v := 0.0
	switch status {
	case "up":
		v = 1
	case "degraded":
		v = 0.5
	}
	c.componentStatus.WithLabelValues(component).Set(v)
}

// Outcome classifies a provider call error for the outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, provider.ErrCapabilityBusy):
		return "busy"
	case errors.Is(err, provider.ErrProviderTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, provider.ErrProviderUnavailable):
		return "unavailable"
	case errors.Is(err, provider.ErrProviderRejected):
		return "rejected"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return "error"
}

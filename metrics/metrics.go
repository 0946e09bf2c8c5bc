// Package metrics exposes relay activity as Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "wsrelay").
	Namespace string

	// Registry receives the collectors. Default: a fresh registry, so several
	// relays in one process (tests) never collide.
	Registry *prometheus.Registry
}

// Option configures Config.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry *prometheus.Registry) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics holds the relay collectors.
type Metrics struct {
	registry        *prometheus.Registry
	activeSessions  prometheus.Gauge
	sessionsTotal   prometheus.Counter
	sessionDuration prometheus.Histogram
	messagesTotal   *prometheus.CounterVec
	deliveriesTotal *prometheus.CounterVec
}

// New registers the relay collectors.
//
// Collectors:
//   - wsrelay_active_sessions: sessions currently registered
//   - wsrelay_sessions_total: sessions accepted since start
//   - wsrelay_session_duration_seconds: lifetime of closed sessions
//   - wsrelay_messages_total{outcome}: inbound messages by routing outcome
//   - wsrelay_deliveries_total{result}: per-session delivery results
func New(opts ...Option) *Metrics {
	cfg := Config{Namespace: "wsrelay"}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}

	factory := promauto.With(cfg.Registry)

	return &Metrics{
		registry: cfg.Registry,
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "active_sessions",
			Help:      "Number of live WebSocket sessions",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions accepted",
		}),
		sessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of closed sessions in seconds",
			Buckets:   []float64{1, 10, 60, 300, 1800, 3600, 21600},
		}),
		messagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "messages_total",
			Help:      "Inbound messages by routing outcome",
		}, []string{"outcome"}),
		deliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "deliveries_total",
			Help:      "Per-session delivery results",
		}, []string{"result"}),
	}
}

// SessionOpened records an accepted session.
func (m *Metrics) SessionOpened() {
	m.sessionsTotal.Inc()
	m.activeSessions.Inc()
}

// SessionClosed records a finalized session and how long it lived.
func (m *Metrics) SessionClosed(lifetime time.Duration) {
	m.activeSessions.Dec()
	m.sessionDuration.Observe(lifetime.Seconds())
}

// RecordMessage counts one inbound message by outcome.
func (m *Metrics) RecordMessage(outcome string) {
	m.messagesTotal.WithLabelValues(outcome).Inc()
}

// RecordDelivery counts one per-session delivery result.
func (m *Metrics) RecordDelivery(result string) {
	m.deliveriesTotal.WithLabelValues(result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

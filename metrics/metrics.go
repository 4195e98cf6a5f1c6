// Package metrics exposes Prometheus collectors for the framed protocol.
//
// Both sides of a connection share the same collector set; the "side" label tells the shell
// client ("client") apart from the companion ("server"). Every method is safe on a nil *Metrics so
// components can run without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	SideClient = "client"
	SideServer = "server"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "framelink").
	Namespace string

	// Buckets are the histogram buckets for request duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "framelink",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Metrics holds the protocol collectors.
type Metrics struct {
	framesSent         *prometheus.CounterVec
	framesReceived     *prometheus.CounterVec
	integrityFailures  *prometheus.CounterVec
	decodeErrors       *prometheus.CounterVec
	pendingRequests    prometheus.Gauge
	requestTimeouts    prometheus.Counter
	unknownResponses   prometheus.Counter
	connections        *prometheus.CounterVec
	activeConnections  prometheus.Gauge
	handlerDuration    *prometheus.HistogramVec
	handlerErrorsTotal *prometheus.CounterVec
}

// New registers the collectors with the configured registry.
// Registering twice against the same registry panics, as with promauto.
func New(opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)
	ns := config.Namespace

	return &Metrics{
		framesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "frames_sent_total",
			Help:      "Frames written to the connection",
		}, []string{"side"}),

		framesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "frames_received_total",
			Help:      "Complete frames extracted from the byte stream",
		}, []string{"side"}),

		integrityFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "integrity_failures_total",
			Help:      "Frames discarded because their integrity tag did not match",
		}, []string{"side"}),

		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "decode_errors_total",
			Help:      "Frames whose payload claimed to be JSON but did not parse",
		}, []string{"side"}),

		pendingRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "pending_requests",
			Help:      "Requests waiting for a response",
		}),

		requestTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "request_timeouts_total",
			Help:      "Requests evicted after the request timeout",
		}),

		unknownResponses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "unknown_responses_total",
			Help:      "Responses dropped because no request was waiting for them",
		}),

		connections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "connection_events_total",
			Help:      "Connection lifecycle events",
		}, []string{"side", "event"}),

		activeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "active_connections",
			Help:      "Peers currently connected to the companion",
		}),

		handlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "handler_duration_seconds",
			Help:      "Companion handler duration in seconds",
			Buckets:   config.Buckets,
		}, []string{"event"}),

		handlerErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "handler_errors_total",
			Help:      "Companion handlers that replied with an error event",
		}, []string{"event"}),
	}
}

func (m *Metrics) FrameSent(side string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(side).Inc()
}

func (m *Metrics) FrameReceived(side string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(side).Inc()
}

func (m *Metrics) IntegrityFailure(side string) {
	if m == nil {
		return
	}
	m.integrityFailures.WithLabelValues(side).Inc()
}

func (m *Metrics) DecodeError(side string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(side).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingRequests.Set(float64(n))
}

func (m *Metrics) RequestTimeouts(n int) {
	if m == nil || n == 0 {
		return
	}
	m.requestTimeouts.Add(float64(n))
}

func (m *Metrics) UnknownResponse() {
	if m == nil {
		return
	}
	m.unknownResponses.Inc()
}

// Connection records a lifecycle event such as "connected", "disconnected", "lost" or "failed".
func (m *Metrics) Connection(side, event string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(side, event).Inc()
}

// PeerConnected and PeerDisconnected track the companion's live peers.
func (m *Metrics) PeerConnected() {
	if m == nil {
		return
	}
	m.activeConnections.Inc()
}

func (m *Metrics) PeerDisconnected() {
	if m == nil {
		return
	}
	m.activeConnections.Dec()
}

// Handled records one companion handler invocation.
func (m *Metrics) Handled(event string, d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(event).Observe(d.Seconds())
	if failed {
		m.handlerErrorsTotal.WithLabelValues(event).Inc()
	}
}

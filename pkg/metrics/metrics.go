// Package metrics exposes Prometheus collectors for replica node activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Config struct {
	// Namespace is the metrics namespace (default: "roreplica").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for dispatch latency.
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

type Option func(*Config)

func WithNamespace(ns string) Option {
	return func(c *Config) { c.Namespace = ns }
}

func WithConstLabels(l prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = l }
}

func WithBuckets(b []float64) Option {
	return func(c *Config) { c.Buckets = b }
}

func WithRegistry(r prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = r }
}

// Replica holds the collectors a node reports into. A nil *Replica is a
// valid no-op sink.
type Replica struct {
	framesIn        *prometheus.CounterVec
	framesOut       *prometheus.CounterVec
	connections     prometheus.Gauge
	protocolErrors  *prometheus.CounterVec
	heartbeats      prometheus.Counter
	dispatchLatency *prometheus.HistogramVec
	dispatchMisses  prometheus.Counter
}

func New(opts ...Option) *Replica {
	cfg := Config{
		Namespace: "roreplica",
		Buckets:   []float64{.00005, .0001, .00025, .0005, .001, .0025, .005, .01, .05},
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, o := range opts {
		if o != nil {
			o(&cfg)
		}
	}
	factory := promauto.With(cfg.Registry)
	return &Replica{
		framesIn: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "frames_received_total",
			Help:        "Frames received from sources, by packet kind",
			ConstLabels: cfg.ConstLabels,
		}, []string{"kind"}),
		framesOut: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "frames_sent_total",
			Help:        "Frames written to sources, by packet kind",
			ConstLabels: cfg.ConstLabels,
		}, []string{"kind"}),
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "connections_active",
			Help:        "Source connections currently registered",
			ConstLabels: cfg.ConstLabels,
		}),
		protocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "protocol_errors_total",
			Help:        "Connections dropped for protocol violations",
			ConstLabels: cfg.ConstLabels,
		}, []string{"reason"}),
		heartbeats: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "heartbeats_sent_total",
			Help:        "Keep-alive pings written",
			ConstLabels: cfg.ConstLabels,
		}),
		dispatchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Name:        "dispatch_duration_seconds",
			Help:        "Time spent handling one packet on the dispatch loop",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.Buckets,
		}, []string{"kind"}),
		dispatchMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        "dispatch_misses_total",
			Help:        "Packets naming an object this node never acquired",
			ConstLabels: cfg.ConstLabels,
		}),
	}
}

func (m *Replica) FrameIn(kind string) {
	if m != nil {
		m.framesIn.WithLabelValues(kind).Inc()
	}
}

func (m *Replica) FrameOut(kind string) {
	if m != nil {
		m.framesOut.WithLabelValues(kind).Inc()
	}
}

func (m *Replica) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Replica) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Replica) ProtocolError(reason string) {
	if m != nil {
		m.protocolErrors.WithLabelValues(reason).Inc()
	}
}

func (m *Replica) Heartbeat() {
	if m != nil {
		m.heartbeats.Inc()
	}
}

func (m *Replica) DispatchMiss() {
	if m != nil {
		m.dispatchMisses.Inc()
	}
}

func (m *Replica) Dispatched(kind string, d time.Duration) {
	if m != nil {
		m.dispatchLatency.WithLabelValues(kind).Observe(d.Seconds())
	}
}

package middleware

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/vango-dev/connmux/pkg/protocol"
	"github.com/vango-dev/connmux/pkg/socket"
	"github.com/vango-dev/connmux/pkg/transport"
)

// MetricsConfig configures the Prometheus metrics middleware.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "connmux").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for frame sizes in bytes.
	// Default: 64B to 1MB.
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics middleware.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the frame size histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) {
		c.Registry = registry
	}
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "connmux",
		Buckets:   prometheus.ExponentialBuckets(64, 4, 8), // 64B to 1MB
		Registry:  prometheus.DefaultRegisterer,
	}
}

type metrics struct {
	framesTotal       *prometheus.CounterVec
	frameBytes        *prometheus.HistogramVec
	socketsActive     prometheus.Gauge
	connectionsActive prometheus.Gauge
	handshakesTotal   *prometheus.CounterVec
	disconnectsTotal  *prometheus.CounterVec
	errorsTotal       *prometheus.CounterVec
}

// globalMetrics is the singleton metrics instance, created on the first
// call to Prometheus().
var (
	globalMetrics   *metrics
	globalMetricsMu sync.Mutex
)

func initMetrics(config MetricsConfig) *metrics {
	factory := promauto.With(config.Registry)

	return &metrics{
		framesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frames_total",
			Help:        "Total number of frames by direction and kind",
			ConstLabels: config.ConstLabels,
		}, []string{"direction", "kind"}),

		frameBytes: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "frame_bytes",
			Help:        "Encoded frame size in bytes",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"direction"}),

		socketsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "sockets_active",
			Help:        "Number of sockets whose transport has not closed",
			ConstLabels: config.ConstLabels,
		}),

		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connections_active",
			Help:        "Number of logical connections that completed the handshake",
			ConstLabels: config.ConstLabels,
		}),

		handshakesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "handshakes_total",
			Help:        "Total connect handshakes by result",
			ConstLabels: config.ConstLabels,
		}, []string{"result"}),

		disconnectsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "disconnects_total",
			Help:        "Total disconnects by cause",
			ConstLabels: config.ConstLabels,
		}, []string{"cause"}),

		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "errors_total",
			Help:        "Total socket errors by type",
			ConstLabels: config.ConstLabels,
		}, []string{"type"}),
	}
}

// Prometheus returns a socket option that records Prometheus metrics for
// the socket it is applied to.
//
// Metrics collected:
//   - connmux_frames_total: Counter of frames by direction and kind
//   - connmux_frame_bytes: Histogram of encoded frame sizes
//   - connmux_sockets_active: Gauge of sockets with an open transport
//   - connmux_connections_active: Gauge of connected logical connections
//   - connmux_handshakes_total: Counter of handshakes (connected, failed)
//   - connmux_disconnects_total: Counter of disconnects (handshake, transport_close)
//   - connmux_errors_total: Counter of errors by type
//
// Example:
//
//	srv.Use(middleware.Prometheus(middleware.WithNamespace("chat")))
//	http.Handle("/metrics", promhttp.Handler())
func Prometheus(opts ...MetricsOption) socket.Option {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}

	globalMetricsMu.Lock()
	if globalMetrics == nil {
		globalMetrics = initMetrics(config)
	}
	m := globalMetrics
	globalMetricsMu.Unlock()

	return func(s *socket.Socket) {
		m.socketsActive.Inc()
		live := &liveSet{ids: make(map[string]struct{})}

		socket.WithObserver(socket.FrameObserverFunc(
			func(_ *socket.Socket, dir socket.Direction, f protocol.Frame, size int) {
				m.framesTotal.WithLabelValues(dir.String(), f.Kind().String()).Inc()
				m.frameBytes.WithLabelValues(dir.String()).Observe(float64(size))
			}))(s)

		s.OnConnect(func(body protocol.ConnectBody, _ int64, _ *socket.Socket) {
			m.handshakesTotal.WithLabelValues("connected").Inc()
			if live.add(body.ConnID) {
				m.connectionsActive.Inc()
			}
		})
		s.On(socket.EventConnectFail, func(*socket.Event) {
			m.handshakesTotal.WithLabelValues("failed").Inc()
		})
		s.OnDisconnect(func(body protocol.DisconnectBody, seq int64, _ *socket.Socket) {
			// Synthesized on transport close; these carry no seq.
			if seq == 0 {
				m.disconnectsTotal.WithLabelValues("transport_close").Inc()
			} else {
				m.disconnectsTotal.WithLabelValues("handshake").Inc()
			}
			if live.remove(body.ConnID) {
				m.connectionsActive.Dec()
			}
		})
		s.OnError(func(err error, _ *socket.Socket) {
			m.errorsTotal.WithLabelValues(categorizeError(err)).Inc()
		})
		s.On(socket.EventClose, func(*socket.Event) {
			m.socketsActive.Dec()
		})
	}
}

// liveSet tracks the connIds of one socket counted in connections_active.
// A transport close also drops connections that never finished connecting.
type liveSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func (l *liveSet) add(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ids[id]; ok {
		return false
	}
	l.ids[id] = struct{}{}
	return true
}

func (l *liveSet) remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ids[id]; !ok {
		return false
	}
	delete(l.ids, id)
	return true
}

// categorizeError keeps error labels low-cardinality.
func categorizeError(err error) string {
	switch {
	case err == nil:
		return "unknown"
	case errors.Is(err, protocol.ErrMalformedFrame):
		return "malformed_frame"
	case errors.Is(err, protocol.ErrInvalidFrameType):
		return "invalid_frame_type"
	case errors.Is(err, protocol.ErrMissingConnID):
		return "missing_conn_id"
	case errors.Is(err, transport.ErrClosed):
		return "transport_closed"
	default:
		return "transport"
	}
}

// RecordError records an error that happened outside a socket, such as a
// refused upgrade. It is a no-op until Prometheus() has been called.
func RecordError(errorType string) {
	globalMetricsMu.Lock()
	m := globalMetrics
	globalMetricsMu.Unlock()
	if m != nil {
		m.errorsTotal.WithLabelValues(errorType).Inc()
	}
}

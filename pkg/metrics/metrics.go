package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/baaaht/msgplane/pkg/types"
)

const namespace = "msgplane"

// Metrics holds the Prometheus collectors for the plane. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	framesReceived  *prometheus.CounterVec
	framesSent      *prometheus.CounterVec
	decodeErrors    *prometheus.CounterVec
	errors          *prometheus.CounterVec
	connections     prometheus.Gauge
	registered      prometheus.Gauge
	pending         prometheus.Gauge
	publishFanout   prometheus.Histogram
	slowConsumers   prometheus.Counter
	requestTimeouts prometheus.Counter
	mirrorFailures  prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New creates the plane collectors and registers them with reg
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "registerer cannot be nil")
	}

	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total envelopes decoded from plugin connections.",
		}, []string{"kind"}),

		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total envelopes queued for delivery to plugin connections.",
		}, []string{"kind"}),

		decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total frames that failed to decode, by reason.",
		}, []string{"reason"}),

		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total error envelopes originated by the plane, by code.",
		}, []string{"code"}),

		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Currently open plugin connections.",
		}),

		registered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_plugins",
			Help:      "Currently registered plugin identities.",
		}),

		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Requests awaiting a response.",
		}),

		publishFanout: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_fanout",
			Help:      "Number of subscribers each publish was delivered to.",
			Buckets:   []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256},
		}),

		slowConsumers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_consumers_total",
			Help:      "Connections closed because their outbound queue was full.",
		}),

		requestTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_timeouts_total",
			Help:      "Requests failed by the deadline sweep.",
		}),

		mirrorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mirror_failures_total",
			Help:      "Publishes that could not be mirrored to NATS.",
		}),

		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		}, []string{"method", "path", "status"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	collectors := []prometheus.Collector{
		m.framesReceived, m.framesSent, m.decodeErrors, m.errors,
		m.connections, m.registered, m.pending, m.publishFanout,
		m.slowConsumers, m.requestTimeouts, m.mirrorFailures,
		m.httpRequests, m.httpDuration,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to register collector", err)
		}
	}
	return m, nil
}

// FrameReceived counts one decoded inbound envelope
func (m *Metrics) FrameReceived(kind types.Kind) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind.String()).Inc()
}

// FrameSent counts one envelope queued to a connection. Plane-originated
// errors are also counted by code.
func (m *Metrics) FrameSent(env *types.Envelope) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(env.Kind.String()).Inc()
	if env.Kind == types.KindError && env.Sender == types.PlaneID {
		m.errors.WithLabelValues(env.Code.String()).Inc()
	}
}

// DecodeError counts one frame rejected by the codec
func (m *Metrics) DecodeError(reason string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(reason).Inc()
}

// ConnectionOpened increments the open connection gauge
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnectionClosed decrements the open connection gauge
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// SetRouting publishes the routing table sizes
func (m *Metrics) SetRouting(registered, pending int) {
	if m == nil {
		return
	}
	m.registered.Set(float64(registered))
	m.pending.Set(float64(pending))
}

// PublishRouted observes the fan-out of one publish
func (m *Metrics) PublishRouted(fanout int) {
	if m == nil {
		return
	}
	m.publishFanout.Observe(float64(fanout))
}

// SlowConsumer counts one connection closed for a full outbound queue
func (m *Metrics) SlowConsumer() {
	if m == nil {
		return
	}
	m.slowConsumers.Inc()
}

// RequestTimeouts counts requests failed by the sweeper
func (m *Metrics) RequestTimeouts(n int) {
	if m == nil || n == 0 {
		return
	}
	m.requestTimeouts.Add(float64(n))
}

// MirrorFailure counts one publish the NATS mirror could not send
func (m *Metrics) MirrorFailure() {
	if m == nil {
		return
	}
	m.mirrorFailures.Inc()
}

// HTTPRequest records one admin HTTP request
func (m *Metrics) HTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

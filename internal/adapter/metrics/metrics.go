package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Earthbotics/CARL-sub002/internal/pipeline"
	"github.com/Earthbotics/CARL-sub002/internal/receiver"
	"github.com/Earthbotics/CARL-sub002/internal/transport"
)

const namespace = "carl"

// RelayMetrics holds all Prometheus metrics for the relay daemon.
type RelayMetrics struct {
	DetectionsTotal *prometheus.CounterVec
	ScrubbedTotal   prometheus.Counter
	BadPayloadTotal prometheus.Counter

	factory promauto.Factory
}

// NewRelayMetrics initializes and registers the relay metrics. A nil
// registerer falls back to the default registry.
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &RelayMetrics{
		DetectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "detections_total",
			Help:      "Total number of ingested detections by decision.",
		}, []string{"decision"}), // decision: forwarded, suppressed, dropped
		ScrubbedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "scrubbed_total",
			Help:      "Total number of detections with identity fields removed before forwarding.",
		}),
		BadPayloadTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "bad_payloads_total",
			Help:      "Total number of ingest payloads discarded as undecodable.",
		}),
		factory: factory,
	}
}

// ObservePipeline exposes pipeline snapshot counters and the live queue
// depth. Call once per process.
func (m *RelayMetrics) ObservePipeline(stats func() pipeline.Stats) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "queue_depth_gauge",
		Help:      "Number of detections waiting in the forwarding queue.",
	}, func() float64 { return float64(stats().QueueDepth) })
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "queue_overflows_total",
		Help:      "Total number of queued detections evicted to admit newer ones.",
	}, func() float64 { return float64(stats().QueueOverflows) })
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "suppressed_total",
		Help:      "Total number of detections suppressed as fresh duplicates.",
	}, func() float64 { return float64(stats().Suppressed) })
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "delivered_total",
		Help:      "Total number of detections delivered to the consumer.",
	}, func() float64 { return float64(stats().Delivered) })
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "link_dropped_total",
		Help:      "Total number of detections dropped while the consumer link was down.",
	}, func() float64 { return float64(stats().LinkDropped) })
}

// ObserveTransport exposes transport snapshot counters, the outage buffer
// depth and the breaker state. Call once per process.
func (m *RelayMetrics) ObserveTransport(stats func() transport.Stats) {
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "buffer_depth_gauge",
		Help:      "Number of detections parked in the outage buffer.",
	}, func() float64 { return float64(stats().BufferDepth) })
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "circuit_open_gauge",
		Help:      "Indicates if the breaker is refusing sends (1 for open, 0 for closed).",
	}, func() float64 {
		if stats().Circuit == transport.CircuitOpen {
			return 1
		}
		return 0
	})
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "unreachable_total",
		Help:      "Total number of send attempts that could not reach the consumer.",
	}, func() float64 { return float64(stats().Unreachable) })
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "rejected_total",
		Help:      "Total number of send attempts the consumer refused.",
	}, func() float64 { return float64(stats().Rejected) })
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "short_circuited_total",
		Help:      "Total number of sends skipped while the breaker was open.",
	}, func() float64 { return float64(stats().ShortCircuited) })
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "buffer_overflows_total",
		Help:      "Total number of buffered detections discarded to make room.",
	}, func() float64 { return float64(stats().BufferOverflows) })
}

// ReceiverMetrics holds all Prometheus metrics for the receiver daemon.
type ReceiverMetrics struct {
	EventsTotal *prometheus.CounterVec
	SSEClients  prometheus.Gauge

	factory promauto.Factory
}

// NewReceiverMetrics initializes and registers the receiver metrics. A nil
// registerer falls back to the default registry.
func NewReceiverMetrics(reg prometheus.Registerer) *ReceiverMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &ReceiverMetrics{
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "events_total",
			Help:      "Total number of events offered to the receiver by result.",
		}, []string{"result"}), // result: accepted, duplicate, invalid
		SSEClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "receiver",
			Name:      "sse_clients_gauge",
			Help:      "Number of currently connected event stream subscribers.",
		}),
		factory: factory,
	}
}

// ObserveReceiver exposes receiver snapshot counters and the guard cache
// size. Call once per process.
func (m *ReceiverMetrics) ObserveReceiver(stats func() receiver.Stats) {
	m.factory.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "receiver",
		Name:      "handler_errors_total",
		Help:      "Total number of accepted events whose handler returned an error.",
	}, func() float64 { return float64(stats().HandlerErrors) })
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "receiver",
		Name:      "guard_cache_size_gauge",
		Help:      "Number of entries held by the duplicate guard cache.",
	}, func() float64 { return float64(stats().Cache.Size) })
}

package ipc

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus collectors for senders and receivers. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	envelopesSent      *prometheus.CounterVec
	envelopesReceived  *prometheus.CounterVec
	deliveryFailures   prometheus.Counter
	transfersCompleted prometheus.Counter
	transfersFailed    *prometheus.CounterVec
	cacheEvictions     prometheus.Counter
	inFlight           prometheus.Gauge
	malformed          prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer, component string) (*Metrics, error) {
	labels := prometheus.Labels{"component": component}
	m := &Metrics{
		envelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "aacs",
			Subsystem:   "ipc",
			Name:        "envelopes_sent_total",
			ConstLabels: labels,
			Help:        "Envelopes handed to a transport, by message type",
		}, []string{"type"}),
		envelopesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "aacs",
			Subsystem:   "ipc",
			Name:        "envelopes_received_total",
			ConstLabels: labels,
			Help:        "Envelopes dispatched by a receiver, by kind",
		}, []string{"kind"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "aacs",
			Subsystem:   "ipc",
			Name:        "delivery_failures_total",
			ConstLabels: labels,
			Help:        "Per-destination deliveries rejected by the transport",
		}),
		transfersCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "aacs",
			Subsystem:   "ipc",
			Name:        "transfers_completed_total",
			ConstLabels: labels,
			Help:        "Streamed transfers acknowledged as successful",
		}),
		transfersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "aacs",
			Subsystem:   "ipc",
			Name:        "transfers_failed_total",
			ConstLabels: labels,
			Help:        "Streamed transfers that ended without success, by reason",
		}, []string{"reason"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "aacs",
			Subsystem:   "ipc",
			Name:        "transfer_cache_evictions_total",
			ConstLabels: labels,
			Help:        "In-flight transfers evicted because the cache was full",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "aacs",
			Subsystem:   "ipc",
			Name:        "transfers_in_flight",
			ConstLabels: labels,
			Help:        "Streamed transfers currently in the cache",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "aacs",
			Subsystem:   "ipc",
			Name:        "malformed_envelopes_total",
			ConstLabels: labels,
			Help:        "Inbound envelopes dropped as malformed",
		}),
	}

	collectors := []prometheus.Collector{
		m.envelopesSent, m.envelopesReceived, m.deliveryFailures, m.transfersCompleted,
		m.transfersFailed, m.cacheEvictions, m.inFlight, m.malformed,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) sent(t MessageType) {
	if m == nil {
		return
	}
	m.envelopesSent.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) received(kind string) {
	if m == nil {
		return
	}
	m.envelopesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) deliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *Metrics) transferCompleted() {
	if m == nil {
		return
	}
	m.transfersCompleted.Inc()
}

func (m *Metrics) transferFailed(reason string) {
	if m == nil {
		return
	}
	m.transfersFailed.WithLabelValues(reason).Inc()
}

func (m *Metrics) evicted() {
	if m == nil {
		return
	}
	m.cacheEvictions.Inc()
}

func (m *Metrics) setInFlight(n int) {
	if m == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

func (m *Metrics) malformedEnvelope() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

// Package metrics defines the Prometheus collectors of the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "h264relay"

// Metrics holds every collector, labelled by source name.
type Metrics struct {
	Frames             *prometheus.CounterVec
	AccessUnits        *prometheus.CounterVec
	SequenceViolations *prometheus.CounterVec
	ProtocolErrors     *prometheus.CounterVec
	TruncatedStreams   *prometheus.CounterVec
	SPSParseFailures   *prometheus.CounterVec
	QueueDropped       *prometheus.CounterVec
	BytesReceived      *prometheus.CounterVec
	SessionsActive     *prometheus.GaugeVec
}

// New registers the collectors with reg. Tests pass a fresh
// prometheus.NewRegistry() so counters start from zero.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, append([]string{"source"}, labels...))
	}

	return &Metrics{
		Frames:             counter("frames_total", "Framed payloads received, by media type.", "media_type"),
		AccessUnits:        counter("access_units_total", "Access units assembled, by kind.", "kind"),
		SequenceViolations: counter("sequence_violations_total", "Keyframe sequences abandoned by a non-IDR slice."),
		ProtocolErrors:     counter("protocol_errors_total", "Connections closed on a frame protocol violation."),
		TruncatedStreams:   counter("truncated_streams_total", "Streams that ended inside a frame."),
		SPSParseFailures:   counter("sps_parse_failures_total", "SPS units that could not be parsed."),
		QueueDropped:       counter("queue_dropped_total", "Access units dropped by a full queue."),
		BytesReceived:      counter("bytes_received_total", "Bytes read from the transport."),
		SessionsActive: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Ingest sessions currently running.",
		}, []string{"source"}),
	}
}

// Source is the set of collectors bound to one source name.
type Source struct {
	m    *Metrics
	name string

	Keyframes          prometheus.Counter
	Slices             prometheus.Counter
	SequenceViolations prometheus.Counter
	ProtocolErrors     prometheus.Counter
	TruncatedStreams   prometheus.Counter
	SPSParseFailures   prometheus.Counter
	QueueDropped       prometheus.Counter
	BytesReceived      prometheus.Counter
	SessionsActive     prometheus.Gauge
}

// ForSource returns the collectors labelled with name.
func (m *Metrics) ForSource(name string) *Source {
	return &Source{
		m:                  m,
		name:               name,
		Keyframes:          m.AccessUnits.WithLabelValues(name, "keyframe"),
		Slices:             m.AccessUnits.WithLabelValues(name, "slice"),
		SequenceViolations: m.SequenceViolations.WithLabelValues(name),
		ProtocolErrors:     m.ProtocolErrors.WithLabelValues(name),
		TruncatedStreams:   m.TruncatedStreams.WithLabelValues(name),
		SPSParseFailures:   m.SPSParseFailures.WithLabelValues(name),
		QueueDropped:       m.QueueDropped.WithLabelValues(name),
		BytesReceived:      m.BytesReceived.WithLabelValues(name),
		SessionsActive:     m.SessionsActive.WithLabelValues(name),
	}
}

// Frame counts one framed payload of the given media type.
func (s *Source) Frame(mediaType string) {
	s.m.Frames.WithLabelValues(s.name, mediaType).Inc()
}

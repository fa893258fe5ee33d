package lib

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the protocol counters of one RdtCore.
type Metrics struct {
	SegmentsSent     *prometheus.CounterVec
	SegmentsReceived *prometheus.CounterVec
	Retransmissions  prometheus.Counter
	ChecksumFailures prometheus.Counter
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter
	Connections      *prometheus.CounterVec
	RTT              prometheus.Histogram
	RTO              prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SegmentsSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdt",
			Name:      "segments_sent_total",
			Help:      "Segments handed to the transport, by type.",
		}, []string{"type"}),
		SegmentsReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdt",
			Name:      "segments_received_total",
			Help:      "Segments with a valid checksum received, by type.",
		}, []string{"type"}),
		Retransmissions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rdt",
			Name:      "retransmissions_total",
			Help:      "SYN, DATA and FIN segments sent again after a timeout or duplicate ACK.",
		}),
		ChecksumFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rdt",
			Name:      "checksum_failures_total",
			Help:      "Received segments that failed checksum verification.",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rdt",
			Name:      "payload_bytes_sent_total",
			Help:      "Payload bytes acknowledged by the peer.",
		}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: "rdt",
			Name:      "payload_bytes_received_total",
			Help:      "In-order payload bytes accepted.",
		}),
		Connections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rdt",
			Name:      "connections_closed_total",
			Help:      "Connections that reached CLOSED, by outcome.",
		}, []string{"outcome"}),
		RTT: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rdt",
			Name:      "rtt_seconds",
			Help:      "Round trip samples taken from acknowledged DATA segments.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
		RTO: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "rdt",
			Name:      "rto_seconds",
			Help:      "Most recently armed retransmission timeout.",
		}),
	}
}

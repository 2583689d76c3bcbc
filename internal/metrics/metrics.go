// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SourceFramesTotal counts decoded frames per source and what happened to them
	SourceFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edirelay_source_frames_total",
			Help: "Total number of decoded frames per source, by outcome (forwarded, standby)",
		},
		[]string{"source", "outcome"},
	)

	// SourceBytesTotal counts bytes read from each source
	SourceBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edirelay_source_bytes_total",
			Help: "Total number of bytes received per source",
		},
		[]string{"source"},
	)

	// SourceConnectsTotal counts successful connection attempts
	SourceConnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edirelay_source_connects_total",
			Help: "Total number of successful connections per source",
		},
		[]string{"source"},
	)

	// SourceDisconnectsTotal counts connection losses
	SourceDisconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edirelay_source_disconnects_total",
			Help: "Total number of connection losses per source",
		},
		[]string{"source"},
	)

	// SourceMarginMs exposes the latest timing margin of each source
	SourceMarginMs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edirelay_source_margin_ms",
			Help: "Difference between frame timestamp and arrival time in milliseconds",
		},
		[]string{"source"},
	)

	// SourceState tracks enabled/connected/active/healthy flags (0 or 1)
	SourceState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edirelay_source_state",
			Help: "Source flags (1=set, 0=unset)",
		},
		[]string{"source", "flag"},
	)

	// ReassemblyTotal counts reassembler outcomes
	ReassemblyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edirelay_reassembly_total",
			Help: "Reassembler outcomes (completed, abandoned, stale, duplicate, malformed)",
		},
		[]string{"source", "outcome"},
	)

	// ReassemblyOpenSequences tracks sequences waiting for fragments
	ReassemblyOpenSequences = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edirelay_reassembly_open_sequences",
			Help: "Number of PFT sequences currently waiting for fragments",
		},
	)

	// RelayFramesTotal counts relay buffer outcomes
	RelayFramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edirelay_relay_frames_total",
			Help: "Relay buffer outcomes (sent, late, dropped, inhibited, overflow, send_error)",
		},
		[]string{"outcome"},
	)

	// RelayBufferingSeconds measures time between reception and release
	RelayBufferingSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edirelay_relay_buffering_seconds",
			Help:    "Time frames spent in the relay buffer",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~32s
		},
	)

	// RelayQueueDepth tracks frames waiting for dispatch
	RelayQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edirelay_relay_queue_depth",
			Help: "Number of frames waiting in the relay buffer",
		},
	)

	// RelayInhibitedUntil exposes the inhibition deadline as unix seconds
	RelayInhibitedUntil = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edirelay_relay_inhibited_until_seconds",
			Help: "Output inhibition deadline (unix time)",
		},
	)

	// SinkPacketsTotal counts packets written by each output
	SinkPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edirelay_sink_packets_total",
			Help: "Total number of packets written per output",
		},
		[]string{"sink", "destination"},
	)

	// SinkErrorsTotal counts write errors by output
	SinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edirelay_sink_errors_total",
			Help: "Total number of output write errors",
		},
		[]string{"sink", "destination"},
	)

	// CommandsTotal counts control commands by method and result
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edirelay_commands_total",
			Help: "Control commands handled, by method and status",
		},
		[]string{"channel", "method", "status"},
	)
)

// BoolGauge converts a flag to a gauge value.
func BoolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

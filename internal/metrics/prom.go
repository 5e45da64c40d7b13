// Package metrics holds the Prometheus collectors of the bridge.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "stdiorpc_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "bridge"},
		},
		[]string{"date", "sha", "version"},
	)

	exchanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stdiorpc_exchanges_total",
			Help: "JSON-RPC exchanges by transport and outcome",
		},
		[]string{"transport", "outcome"},
	)

	exchangeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stdiorpc_exchange_duration_seconds",
			Help:    "Time from request write to response",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport"},
	)

	inflightExchanges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stdiorpc_inflight_exchanges",
			Help: "Exchanges waiting for a child response",
		},
	)

	frameBuffered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stdiorpc_frame_buffer_bytes",
			Help: "Child output bytes buffered without a newline",
		},
	)

	droppedMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stdiorpc_dropped_messages_total",
			Help: "Child messages that matched no exchange",
		},
		[]string{"reason"},
	)

	childRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stdiorpc_child_restarts_total",
			Help: "Times the child process was spawned again",
		},
	)

	childStderrLines = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "stdiorpc_child_stderr_lines_total",
			Help: "Lines written by the child to stderr",
		},
	)

	childUp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stdiorpc_child_up",
			Help: "1 while a child process is attached",
		},
	)
)

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, exchanges, exchangeDuration, inflightExchanges, frameBuffered,
		droppedMessages, childRestarts, childStderrLines, childUp)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordExchange counts a finished exchange and observes its duration.
func RecordExchange(transport, outcome string, d time.Duration) {
	exchanges.WithLabelValues(transport, outcome).Inc()
	exchangeDuration.WithLabelValues(transport).Observe(d.Seconds())
}

// SetInflight reports the size of the pending table.
func SetInflight(n int) {
	inflightExchanges.Set(float64(n))
}

// SetFrameBuffered reports bytes held by the output framer.
func SetFrameBuffered(n int) {
	frameBuffered.Set(float64(n))
}

// RecordDroppedMessage counts a child message nobody was waiting for.
func RecordDroppedMessage(reason string) {
	droppedMessages.WithLabelValues(reason).Inc()
}

// RecordChildRestart counts a respawn.
func RecordChildRestart() {
	childRestarts.Inc()
}

// RecordChildStderr counts one stderr line.
func RecordChildStderr() {
	childStderrLines.Inc()
}

// SetChildUp flags whether a child is attached.
func SetChildUp(up bool) {
	if up {
		childUp.Set(1)
		return
	}
	childUp.Set(0)
}

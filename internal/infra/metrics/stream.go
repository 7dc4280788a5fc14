package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(streamFramesTotal, streamConnections, streamClosesTotal) }

var (
	streamFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_frames_total",
			Help: "Push frames received, labeled by result (decoded|dropped|ignored).",
		},
		[]string{"result"},
	)

	streamConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "stream_connections_open",
			Help: "Push connections currently open.",
		},
	)

	streamClosesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_closes_total",
			Help: "Push connection closes by reason (terminal|error|deactivated|idle).",
		},
		[]string{"reason"},
	)
)

func IncStreamFrame(result string) {
	streamFramesTotal.WithLabelValues(norm(result)).Inc()
}

func StreamOpened() { streamConnections.Inc() }

func StreamClosed(reason string) {
	streamConnections.Dec()
	streamClosesTotal.WithLabelValues(norm(reason)).Inc()
}

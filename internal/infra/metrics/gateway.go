package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(gatewayCallsTotal, gatewayLatencyMs) }

var (
	gatewayCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_calls_total",
			Help: "Request gateway calls by operation and HTTP status (0 = transport error).",
		},
		[]string{"op", "status"},
	)

	gatewayLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_call_latency_ms",
			Help:    "Request gateway latency distribution in milliseconds.",
			Buckets: []float64{10, 25, 50, 100, 200, 400, 800, 1600, 3000, 5000},
		},
		[]string{"op", "success"},
	)
)

func ObserveGatewayCall(op string, status int, latencyMs int64, success bool) {
	gatewayCallsTotal.WithLabelValues(norm(op), strconv.Itoa(status)).Inc()
	gatewayLatencyMs.WithLabelValues(norm(op), strconv.FormatBool(success)).Observe(float64(latencyMs))
}

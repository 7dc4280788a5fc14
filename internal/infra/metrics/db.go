package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(dbPoolStats) }

var dbPoolStats = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "db_pool_stats",
		Help: "Current state of the change-feed connection pool.",
	},
	[]string{"state"}, // 'total', 'idle', 'acquired'
)

// SetDBPoolStats reports pool usage; every LISTEN channel pins one acquired connection.
func SetDBPoolStats(total, idle, acquired int32) {
	dbPoolStats.WithLabelValues("total").Set(float64(total))
	dbPoolStats.WithLabelValues("idle").Set(float64(idle))
	dbPoolStats.WithLabelValues("acquired").Set(float64(acquired))
}

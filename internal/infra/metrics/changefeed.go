package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(feedNotificationsTotal, feedChannelsOpen, feedSubscribeErrorsTotal) }

var (
	feedNotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changefeed_notifications_total",
			Help: "Change-feed notifications by table and result (delivered|filtered|dropped).",
		},
		[]string{"table", "result"},
	)

	feedChannelsOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "changefeed_channels_open",
			Help: "Backend subscription channels currently open.",
		},
		[]string{"backend"},
	)

	feedSubscribeErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "changefeed_subscribe_errors_total",
			Help: "Failed subscription attempts by backend.",
		},
		[]string{"backend"},
	)
)

func IncFeedNotification(table, result string) {
	feedNotificationsTotal.WithLabelValues(norm(table), norm(result)).Inc()
}

func FeedChannelOpened(backend string) { feedChannelsOpen.WithLabelValues(norm(backend)).Inc() }

func FeedChannelClosed(backend string) { feedChannelsOpen.WithLabelValues(norm(backend)).Dec() }

func IncFeedSubscribeError(backend string) {
	feedSubscribeErrorsTotal.WithLabelValues(norm(backend)).Inc()
}

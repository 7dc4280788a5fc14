package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(chatSendsTotal, notificationsTotal) }

var (
	chatSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_sends_total",
			Help: "Chat sends by outcome (sent|rolled_back|rejected_empty|rejected_in_flight).",
		},
		[]string{"outcome"},
	)

	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "user_notifications_total",
			Help: "Notifications emitted on the user-visible error channel.",
		},
		[]string{"key"},
	)
)

func IncChatSend(outcome string) {
	chatSendsTotal.WithLabelValues(norm(outcome)).Inc()
}

func IncNotification(key string) {
	notificationsTotal.WithLabelValues(norm(key)).Inc()
}

package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery channels used as metric labels.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
)

var dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "krishi_notifications_total",
	Help: "Confirmation emails and one-time code messages by channel and result.",
}, []string{"channel", "result"})

// RecordDispatch counts one delivery attempt on channel.
func RecordDispatch(channel string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	dispatchTotal.WithLabelValues(channel, result).Inc()
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricBounce = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "outmta_bounce_recorded_total",
		Help: "Number of hard bounces recorded.",
	},
)

func BounceRecorded() {
	metricBounce.Inc()
}

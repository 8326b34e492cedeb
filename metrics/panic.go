// Package metrics has prometheus metric variables/functions shared between
// packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package names used as the pkg label of the panic metric.
const (
	Queue   = "queue"
	Webhook = "webhook"
	Fetch   = "fetch"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "outmta_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

func PanicInc(pkg string) {
	metricPanic.WithLabelValues(pkg).Inc()
}

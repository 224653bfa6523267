package console

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "optest",
			Subsystem: "console",
			Name:      "commands_total",
			Help:      "Commands run on a console by outcome (ok, failed, timeout, lost, error).",
		},
		[]string{"console", "outcome"},
	)

	commandSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "optest",
			Subsystem: "console",
			Name:      "command_duration_seconds",
			Help:      "Wall time of RunCommand including exit code retrieval.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 8),
		},
		[]string{"console"},
	)

	connectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "optest",
			Subsystem: "console",
			Name:      "connects_total",
			Help:      "Console connection sequences by result.",
		},
		[]string{"console", "result"},
	)
)

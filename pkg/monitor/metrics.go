package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "optest",
			Subsystem: "monitor",
			Name:      "polls_total",
			Help:      "Monitor polls by poller and outcome.",
		},
		[]string{"poller", "outcome"},
	)

	tortureCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "optest",
			Subsystem: "monitor",
			Name:      "torture_commands_total",
			Help:      "Commands issued by torture workers by outcome.",
		},
		[]string{"outcome"},
	)
)

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

package system

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	oerrors "github.com/openpower/optest/errors"
)

var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "optest",
			Subsystem: "system",
			Name:      "transitions_total",
			Help:      "State machine hops by source and destination state.",
		},
		[]string{"from", "to"},
	)

	gotoSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "optest",
			Subsystem: "system",
			Name:      "goto_duration_seconds",
			Help:      "Wall time of GotoState by target and result.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"target", "result"},
	)

	stateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "optest",
		Subsystem: "system",
		Name:      "state",
		Help:      "Current state as its enumeration value (0 UNKNOWN .. 7 POWERING_OFF).",
	})
)

func result(err error) string {
	if err == nil {
		return "ok"
	}
	return oerrors.GetCode(err).String()
}

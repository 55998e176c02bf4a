package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	commands *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight prometheus.Gauge
}

// newMetrics registers the executor collectors with reg. A nil reg leaves
// them unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapline",
			Name:      "commands_total",
			Help:      "Commands executed, by command and outcome.",
		}, []string{"command", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "snapline",
			Name:      "command_duration_seconds",
			Help:      "Wall time from worker spawn to result.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 600},
		}, []string{"command"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "snapline",
			Name:      "workers_in_flight",
			Help:      "Worker processes currently running.",
		}),
	}
}

func outcome(success bool, kind string) string {
	if success {
		return "success"
	}
	if kind == "" {
		return "command_failed"
	}
	return kind
}

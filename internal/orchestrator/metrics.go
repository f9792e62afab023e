package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	cyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autovisor_cycles_total",
		Help: "Completed update cycles by outcome.",
	}, []string{"outcome"})
	upgradesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "autovisor_upgrades_total",
		Help: "Upgrade attempts by result.",
	}, []string{"result"})
	liveInstances = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "autovisor_live_instances",
		Help: "Live instances seen by the last ensure-instance step.",
	})
	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "autovisor_cycle_duration_seconds",
		Help:    "Wall time of one update cycle.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	})
	lastCycleTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "autovisor_last_cycle_timestamp_seconds",
		Help: "Unix time the last cycle finished.",
	})
)

func init() {
	prometheus.MustRegister(cyclesTotal, upgradesTotal, liveInstances, cycleDuration, lastCycleTimestamp)
}

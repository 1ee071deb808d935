package reporter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var segmentCount = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "wallet_reporter",
		Subsystem: "engine",
		Name:      "segments_total",
		Help:      "Total number of resolved report segments by outcome",
	},
	[]string{"outcome"},
)

var exportRowCount = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "wallet_reporter",
		Subsystem: "engine",
		Name:      "export_rows_total",
		Help:      "Total number of CSV rows written across all exports",
	},
)

func observeSegment(outcome string) {
	segmentCount.WithLabelValues(outcome).Inc()
}

// RegisterMetrics installs the gauges that need a live engine. Call once
// from main after constructing the engine.
func RegisterMetrics(e *Engine) {
	promauto.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "wallet_reporter",
			Subsystem: "engine",
			Name:      "active_jobs",
			Help:      "Number of report jobs currently running",
		},
		func() float64 {
			return float64(e.activeJobs.Load())
		},
	)
}

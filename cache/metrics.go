package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheLookupCount = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "wallet_reporter",
		Subsystem: "cache",
		Name:      "lookup_total",
		Help:      "Total number of tiered cache lookups by tier and outcome",
	},
	[]string{"tier", "outcome"},
)

func observeLookup(tier string, outcome string) {
	cacheLookupCount.WithLabelValues(tier, outcome).Inc()
}

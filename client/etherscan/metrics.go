package etherscan

import (
	"errors"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var upstreamRequestCount = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "wallet_reporter",
		Subsystem: "etherscan_client",
		Name:      "request_total",
		Help:      "Total number of upstream data source requests",
	},
	[]string{"status", "action"},
)

var upstreamRequestDurationMillis = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "wallet_reporter",
		Subsystem: "etherscan_client",
		Name:      "request_duration_millis",
		Help:      "Duration of upstream data source requests in milliseconds",
		Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2000, 4000},
	},
	[]string{"status", "action"},
)

func observeRequest(action string, status string, t0 time.Time) {
	upstreamRequestCount.WithLabelValues(status, action).Inc()
	upstreamRequestDurationMillis.WithLabelValues(status, action).Observe(float64(time.Since(t0).Milliseconds()))
}

func observeRequestErr(action string, err error, t0 time.Time) {
	observeRequest(action, errorToStatus(err), t0)
}

func errorToStatus(err error) string {
	status := "unknown_error"
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			status = "timeout"
		} else {
			status = "connection_refused"
		}
	}
	return status
}

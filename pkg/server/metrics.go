package server

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the lifecycle endpoints.
type Metrics struct {
	TransactionsOpenedTotal prometheus.Counter
	TransactionsClosedTotal prometheus.Counter
	GateDecisionsTotal      *prometheus.CounterVec
	StorageDegradedTotal    prometheus.Counter
	CalibrationScore        prometheus.Histogram
}

// NewMetrics creates and registers the Prometheus metrics.
//
// sync.Once guards registration so a second server in the same process does
// not panic with a duplicate collector.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			TransactionsOpenedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "epistemd_transactions_opened_total",
				Help: "Total number of measurement windows opened",
			}),
			TransactionsClosedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "epistemd_transactions_closed_total",
				Help: "Total number of measurement windows closed",
			}),
			GateDecisionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "epistemd_gate_decisions_total",
					Help: "Gate decisions by final outcome",
				},
				[]string{"decision"},
			),
			StorageDegradedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "epistemd_storage_degraded_total",
				Help: "Operations that completed with only one backend in sync",
			}),
			CalibrationScore: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "epistemd_calibration_score",
				Help:    "Calibration score distribution at transaction close",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			}),
		}
	})
	return globalMetrics
}

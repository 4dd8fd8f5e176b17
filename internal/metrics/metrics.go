// Package metrics exposes Prometheus counters for the scheduler and
// the grid instances. All helpers are safe for concurrent use.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msxgrid",
		Name:      "steps_total",
		Help:      "Number of scheduler steps executed per symbol.",
	}, []string{"symbol"})

	stepErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msxgrid",
		Name:      "step_errors_total",
		Help:      "Number of scheduler steps that ended in an error or panic.",
	}, []string{"symbol"})

	fillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "msxgrid",
		Name:      "fills_total",
		Help:      "Number of order fills applied, by symbol and side.",
	}, []string{"symbol", "side"})

	instances = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "msxgrid",
		Name:      "instances",
		Help:      "Number of registered grid instances by lifecycle status.",
	}, []string{"status"})
)

// RecordStep counts one completed scheduler step for symbol.
func RecordStep(symbol string) {
	stepsTotal.WithLabelValues(symbol).Inc()
}

// RecordStepError counts one failed scheduler step for symbol.
func RecordStepError(symbol string) {
	stepErrorsTotal.WithLabelValues(symbol).Inc()
}

// RecordFill counts one applied fill.
func RecordFill(symbol, side string) {
	fillsTotal.WithLabelValues(symbol, side).Inc()
}

// SetInstances publishes the per-status instance counts. Statuses absent
// from counts are reset to zero so stale values never linger.
func SetInstances(counts map[string]int) {
	instances.Reset()
	for status, n := range counts {
		instances.WithLabelValues(status).Set(float64(n))
	}
}

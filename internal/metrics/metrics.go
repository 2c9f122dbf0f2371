// Package metrics exposes pipeline counters and histograms to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FlagsRaised = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenderwatch_flags_raised_total",
			Help: "Flags emitted by the detector",
		},
		[]string{"flag_type", "severity"},
	)

	TendersScored = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tenderwatch_tenders_scored_total",
			Help: "Tenders whose risk score was recomputed",
		},
	)

	RawScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tenderwatch_raw_score",
			Help:    "Distribution of raw corruption risk index values",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
	)

	UnitFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenderwatch_unit_failures_total",
			Help: "Single tender, entity or subscription failures that were skipped",
		},
		[]string{"stage"},
	)

	AlertsInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenderwatch_alerts_inserted_total",
			Help: "Alerts written, by rule type",
		},
		[]string{"rule_type"},
	)

	AlertDuplicates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tenderwatch_alert_duplicates_total",
			Help: "Matches suppressed because the alert already existed",
		},
	)

	CalibrationECE = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenderwatch_calibration_ece",
			Help: "Expected calibration error from the latest check",
		},
		[]string{"model"},
	)

	CalibrationDrift = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenderwatch_calibration_drift",
			Help: "1 when the latest check detected drift",
		},
		[]string{"model"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tenderwatch_job_duration_seconds",
			Help:    "Scheduled job duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"job"},
	)

	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenderwatch_job_runs_total",
			Help: "Scheduled job runs by result",
		},
		[]string{"job", "result"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

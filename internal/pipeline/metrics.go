package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts batch outcomes
type Metrics struct {
	Runs        prometheus.Counter
	Sites       *prometheus.CounterVec
	Events      prometheus.Counter
	Fits        *prometheus.CounterVec
	Comparisons *prometheus.CounterVec
	FitDuration *prometheus.HistogramVec
}

// NewMetrics registers the pipeline metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounter(prometheus.CounterOpts{
			Namespace: "drydown",
			Name:      "runs_total",
			Help:      "Batch runs completed.",
		}),
		Sites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drydown",
			Name:      "sites_total",
			Help:      "Sites processed, by bounds outcome.",
		}, []string{"outcome"}),
		Events: f.NewCounter(prometheus.CounterOpts{
			Namespace: "drydown",
			Name:      "events_segmented_total",
			Help:      "Drydown events found by the segmenter.",
		}),
		Fits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drydown",
			Name:      "fits_total",
			Help:      "Model fits by variant and outcome (accepted, rejected or a failure kind).",
		}, []string{"variant", "outcome"}),
		Comparisons: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "drydown",
			Name:      "comparisons_total",
			Help:      "Series comparisons by outcome.",
		}, []string{"outcome"}),
		FitDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "drydown",
			Name:      "fit_duration_seconds",
			Help:      "Time spent fitting one variant to one event.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"variant"}),
	}
}

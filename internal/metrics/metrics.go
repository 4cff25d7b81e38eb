package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UnitsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vegsense_units_completed_total",
			Help: "Work units fitted successfully",
		},
		[]string{"kind"},
	)

	UnitsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vegsense_units_skipped_total",
			Help: "Work units skipped by failure kind",
		},
		[]string{"kind", "reason"},
	)

	FitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vegsense_fit_duration_seconds",
			Help:    "Duration of one smooth regression fit",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	CheckpointFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vegsense_checkpoint_flushes_total",
			Help: "Durable checkpoint flushes",
		},
		[]string{"kind"},
	)

	JoinDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vegsense_join_dropped_total",
			Help: "Keys dropped at the anomaly join for lack of a counterpart",
		},
		[]string{"side"},
	)
)

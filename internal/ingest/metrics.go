package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "melody_ingest_outcomes_total",
		Help: "Ingestion job deliveries by terminal state",
	}, []string{"state"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "melody_ingest_stage_duration_seconds",
		Help:    "Time spent in each ingestion stage",
		Buckets: []float64{0.01, 0.05, 0.25, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"stage"})

	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "melody_ingest_submissions_total",
		Help: "Ingestion submissions by result",
	}, []string{"result"})

	InFlightJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "melody_ingest_in_flight_jobs",
		Help: "Number of ingestion jobs currently being processed",
	})
)

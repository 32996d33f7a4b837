package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FramesProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_frames_processed_total",
		Help: "Total number of frames handled by a pipeline, by phase",
	}, []string{"phase"})

	FacesDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentinel_faces_detected_total",
		Help: "Total number of face regions kept after refinement",
	})

	PipelineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sentinel_pipeline_duration_seconds",
		Help:    "Duration of pipeline runs",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	}, []string{"phase", "outcome"})

	ActivePipelines = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sentinel_active_pipelines",
		Help: "Number of pipelines currently running, by phase",
	}, []string{"phase"})

	JobsByStatusTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_job_transitions_total",
		Help: "Total number of job status transitions, by target status",
	}, []string{"status"})

	NotificationsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentinel_notifications_failed_total",
		Help: "Total number of status notifications that could not be delivered",
	}, []string{"transport"})
)

// Phase labels.
const (
	PhaseAnalysis   = "analysis"
	PhaseProcessing = "processing"
	PhasePreview    = "preview"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

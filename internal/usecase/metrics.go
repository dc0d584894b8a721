package usecase

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/woundscan/internal/capture"
)

var (
	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "woundscan_submissions_total",
			Help: "Capture submissions by domain and outcome",
		},
		[]string{"domain", "outcome"},
	)

	submissionStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "woundscan_submission_step_duration_seconds",
			Help:    "Duration of each submission step in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"domain", "step"},
	)

	compensationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "woundscan_compensations_total",
			Help: "Compensating blob deletes after a failed persist",
		},
		[]string{"domain", "result"},
	)

	historyQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "woundscan_history_queries_total",
			Help: "History queries by domain and outcome",
		},
		[]string{"domain", "outcome"},
	)
)

func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if kind, ok := capture.KindOf(err); ok {
		return string(kind)
	}
	return "error"
}

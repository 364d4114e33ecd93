// Package metrics registers the process Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BatchesScreened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubscreen_batches_screened_total",
		Help: "Batches successfully screened by the LLM.",
	})

	ResultsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubscreen_results_written_total",
		Help: "Screening results upserted.",
	})

	LLMRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubscreen_llm_retries_total",
		Help: "LLM request retries.",
	})

	ClaimConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pubscreen_claim_conflicts_total",
		Help: "Lock acquisitions that lost to another worker.",
	})

	TasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pubscreen_tasks_finished_total",
		Help: "Tasks that reached a terminal or paused state.",
	}, []string{"status"})
)

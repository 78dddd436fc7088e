// Package metrics registers the Prometheus collectors exposed at
// /metrics. Collectors are package-level so the HTTP layer, the run
// pipeline, and the usage tracker can all increment them without
// threading a registry through every constructor.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hone_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hone_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	RunsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hone_runs_started_total",
		Help: "Optimization runs started",
	})

	RunsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hone_runs_finished_total",
		Help: "Optimization runs finished, by terminal status",
	}, []string{"status"})

	RunsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hone_runs_active",
		Help: "Runs currently executing",
	})

	IterationScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hone_iteration_avg_score",
		Help:    "Average judge score per completed iteration",
		Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
	})

	IterationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hone_iteration_duration_seconds",
		Help:    "Wall time per completed iteration, all stages included",
		Buckets: []float64{1, 2.5, 5, 10, 30, 60, 120, 300, 600},
	})

	LLMCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hone_llm_calls_total",
		Help: "Completed LLM calls by provider and model",
	}, []string{"provider", "model"})

	LLMTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hone_llm_tokens_total",
		Help: "Tokens consumed by LLM calls",
	}, []string{"provider", "model", "kind"})
)

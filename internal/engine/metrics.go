package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/runbox/internal/model"
)

var (
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runbox_executions_total",
			Help: "Executions by sandbox, outcome and error type.",
		},
		[]string{"sandbox", "outcome", "error_type"},
	)

	executionSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runbox_execution_seconds",
			Help:    "End-to-end execution duration in seconds, by sandbox.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"sandbox"},
	)

	installSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runbox_execution_install_seconds",
			Help:    "Time each execution spent ensuring its dependencies, in seconds.",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)

	asyncRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runbox_async_executions_running",
			Help: "Async executions currently running on the worker pool.",
		},
	)
)

func init() {
	prometheus.MustRegister(executionsTotal)
	prometheus.MustRegister(executionSeconds)
	prometheus.MustRegister(installSeconds)
	prometheus.MustRegister(asyncRunning)
}

func observe(res model.ExecutionResult, sandboxName string, d time.Duration) {
	if sandboxName == "" {
		sandboxName = "none"
	}
	outcome := "success"
	if !res.Success {
		outcome = "failure"
	}
	executionsTotal.WithLabelValues(sandboxName, outcome, res.ErrorType).Inc()
	executionSeconds.WithLabelValues(sandboxName).Observe(d.Seconds())
}

// Package metrics exposes the scheduler's Prometheus instrumentation.
// The default registry is the one documented process-wide singleton.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memsched_tasks_submitted_total",
			Help: "Total messages admitted, by label and priority level",
		},
		[]string{"label", "priority"},
	)

	TasksDequeued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memsched_tasks_dequeued_total",
			Help: "Total messages pulled from the queue, by user and label",
		},
		[]string{"user_id", "label"},
	)

	TasksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memsched_tasks_dropped_total",
			Help: "Total messages dropped on stream overflow, by label",
		},
		[]string{"label"},
	)

	QueueLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "memsched_queue_length",
			Help: "Current queued messages per user",
		},
		[]string{"user_id"},
	)

	WorkersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "memsched_workers_busy",
			Help: "Handler invocations currently in flight",
		},
	)

	QueueWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memsched_queue_wait_seconds",
			Help:    "Time between enqueue and dequeue, by label",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"label"},
	)

	HandlerDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "memsched_handler_duration_seconds",
			Help:    "Handler execution time, by label",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"label"},
	)

	HandlerErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "memsched_handler_errors_total",
			Help: "Handler group failures, by label",
		},
		[]string{"label"},
	)

	RateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "memsched_rate_limited_total",
			Help: "Submissions rejected by the rate limiter",
		},
	)

	ActivationRefreshes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "memsched_activation_refreshes_total",
			Help: "Activation cache rebuilds performed",
		},
	)
)

func init() {
	prometheus.MustRegister(TasksSubmitted)
	prometheus.MustRegister(TasksDequeued)
	prometheus.MustRegister(TasksDropped)
	prometheus.MustRegister(QueueLength)
	prometheus.MustRegister(WorkersBusy)
	prometheus.MustRegister(QueueWait)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(HandlerErrors)
	prometheus.MustRegister(RateLimited)
	prometheus.MustRegister(ActivationRefreshes)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package metrics declares the Prometheus collectors of the pipeline. All
// collectors register on the default registry and are served at /metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Messages accepted into the queue partitioned by kind
	MessagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_messages_enqueued_total",
			Help: "Messages accepted into the dispatch queue",
		},
		[]string{"kind"},
	)

	// Send outcomes partitioned by kind and outcome (sent, retrying, failed, superseded)
	SendOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_send_outcomes_total",
			Help: "Outcome of every send attempt",
		},
		[]string{"kind", "outcome"},
	)

	// Provider latency per send call
	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_send_duration_seconds",
			Help:    "Latency of transport send calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Batch runs that ended without sending, by reason
	BatchSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_batch_skips_total",
			Help: "Dispatch runs that ended early",
		},
		[]string{"reason"},
	)

	ConfirmationReplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "confirmation_replies_total",
			Help: "Classified delivery confirmation replies",
		},
		[]string{"response_type"},
	)

	StallAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stall_alerts_created_total",
			Help: "Stall alerts created by tier",
		},
		[]string{"tier"},
	)

	DebouncedReplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "debounce_batches_total",
			Help: "Debounced inbound batches by result",
		},
		[]string{"result"},
	)

	// Scheduled job runs by job name and result (ok, error, skipped)
	JobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_job_runs_total",
			Help: "Scheduled job executions",
		},
		[]string{"job", "result"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scheduler_job_duration_seconds",
			Help:    "Duration of scheduled job executions",
			Buckets: []float64{.05, .1, .5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"job"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)

// HTTP returns a fiber middleware recording request counts and latencies.
// The matched route template is used as label to keep cardinality low.
func HTTP() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		route := c.Path()
		if r := c.Route(); r != nil && r.Path != "" {
			route = r.Path
		}
		labels := prometheus.Labels{
			"method": c.Method(),
			"route":  route,
			"status": strconv.Itoa(c.Response().StatusCode()),
		}
		httpRequestsTotal.With(labels).Inc()
		httpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
		return err
	}
}

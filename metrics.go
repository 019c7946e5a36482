package actionqueue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "actionqueue"

var (
	queueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "queue_length",
			Help:      "Number of actions waiting in the queue",
		},
	)

	actionsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "enqueued_total",
			Help:      "Total actions accepted into the queue",
		},
		[]string{"priority"},
	)

	actionsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "dropped_total",
			Help:      "Total actions removed without succeeding",
		},
		[]string{"reason"},
	)

	actionsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "executed_total",
			Help:      "Total action attempts made by the processor by outcome",
		},
		[]string{"kind", "outcome"},
	)

	processorState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "state",
			Help:      "Processor state: 0 idle, 1 draining, 2 waiting for connectivity",
		},
	)

	drainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "drain_pass_duration_seconds",
			Help:      "Time spent in one drain pass",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	retryAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "retries_total",
			Help:      "Total retries scheduled for queued actions and ExecuteWithRetry callers",
		},
	)
)

func recordQueueLength(n int) {
	queueLength.Set(float64(n))
}

func recordActionEnqueued(p Priority) {
	actionsEnqueued.WithLabelValues(string(p)).Inc()
}

func recordActionDropped(reason string) {
	actionsDropped.WithLabelValues(reason).Inc()
}

func recordActionExecuted(kind string, outcome OutcomeKind) {
	if kind == "" {
		kind = "unknown"
	}
	actionsExecuted.WithLabelValues(kind, outcome.String()).Inc()
}

func recordProcessorState(s State) {
	processorState.Set(float64(s))
}

func recordDrainDuration(d time.Duration) {
	drainDuration.Observe(d.Seconds())
}

// CountRetry is an OnRetry observer that counts retries in the
// actionqueue_retry_retries_total metric.
func CountRetry(int, error) {
	retryAttempts.Inc()
}

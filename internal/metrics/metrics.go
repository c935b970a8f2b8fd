package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsDetected counts confirmed bridge events emitted by each watcher
	EventsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_events_detected_total",
			Help: "Total number of confirmed bridge events detected",
		},
		[]string{"chain", "kind"},
	)

	// MessagesEnqueued counts enqueue results by source chain
	MessagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_messages_enqueued_total",
			Help: "Total number of bridge messages handed to the relay queue",
		},
		[]string{"chain", "result"},
	)

	// IdempotencyChecks counts check-and-mark outcomes
	IdempotencyChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_idempotency_checks_total",
			Help: "Total number of idempotency checks by outcome",
		},
		[]string{"outcome"},
	)

	// JobsTotal counts relay job deliveries by outcome
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_jobs_total",
			Help: "Total number of relay job deliveries by outcome",
		},
		[]string{"outcome"},
	)

	// JobDuration tracks handler time per delivery
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_job_duration_seconds",
			Help:    "Relay job handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// JobsPruned counts jobs removed after their retention window
	JobsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_jobs_pruned_total",
			Help: "Total number of relay jobs pruned",
		},
	)

	// QueueDepth tracks jobs per status
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_queue_depth",
			Help: "Number of relay jobs by status",
		},
		[]string{"status"},
	)

	// ActionsTotal counts executor calls by action and result
	ActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_actions_total",
			Help: "Total number of destination actions executed",
		},
		[]string{"target_chain", "action", "result"},
	)

	// ActionDuration tracks executor latency
	ActionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_action_duration_seconds",
			Help:    "Destination action execution time in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"target_chain", "action"},
	)

	// WatcherState is 1 for the current state of each watcher, 0 otherwise
	WatcherState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_watcher_state",
			Help: "Current watcher connection state",
		},
		[]string{"chain", "state"},
	)

	// WatcherReconnects counts sessions that ended in backoff
	WatcherReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_watcher_reconnects_total",
			Help: "Total number of watcher reconnects",
		},
		[]string{"chain"},
	)

	// LastProcessedBlock tracks the persisted cursor by chain
	LastProcessedBlock = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_last_processed_block",
			Help: "Last persisted watcher cursor by chain",
		},
		[]string{"chain"},
	)

	// ErrorsTotal counts errors by type
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

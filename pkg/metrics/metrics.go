// Package metrics defines the Prometheus instruments exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UpdatesReceived counts webhook updates by bot kind and outcome
	// (accepted, deduped, forbidden, unknown_bot).
	UpdatesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mitski_updates_received_total",
		Help: "Webhook updates received, by source and outcome.",
	}, []string{"source", "outcome"})

	// TasksProcessed counts terminal task outcomes per queue
	// (ok, retried, dead_letter, silent).
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mitski_tasks_processed_total",
		Help: "Task executions by queue and outcome.",
	}, []string{"queue", "outcome"})

	// TaskDuration observes task wall time per queue.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mitski_task_duration_seconds",
		Help:    "Task processing duration by queue.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"queue"})

	// QueueDepth gauges pending tasks per queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mitski_queue_depth",
		Help: "Pending tasks per queue.",
	}, []string{"queue"})

	// ExternalErrors counts classified failures per external client.
	ExternalErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mitski_external_errors_total",
		Help: "External API failures by client and error kind.",
	}, []string{"client", "kind"})

	// CreditDebits counts ledger debits by category.
	CreditDebits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mitski_credit_debits_total",
		Help: "Credit ledger debits by category.",
	}, []string{"category"})

	// CreditDrops counts messages silently dropped by the pre-check.
	CreditDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mitski_credit_precheck_drops_total",
		Help: "Messages dropped by the credit pre-check.",
	})

	// SaleFanouts counts sale-approved fan-out attempts by outcome
	// (won, duplicate).
	SaleFanouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mitski_sale_fanouts_total",
		Help: "Sale-approved fan-out attempts by outcome.",
	}, []string{"outcome"})

	// BlocksSent counts content blocks delivered, by container kind.
	BlocksSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mitski_blocks_sent_total",
		Help: "Content blocks delivered by container kind.",
	}, []string{"container"})

	// ActiveBots gauges registered active bots.
	ActiveBots = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mitski_active_bots",
		Help: "Currently active secondary bots.",
	})
)

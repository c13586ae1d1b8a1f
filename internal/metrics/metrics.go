package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// WebhookDeliveries counts dispatch attempts by event type and outcome (success, failure, skipped).
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "petdose_webhook_deliveries_total",
			Help: "Webhook dispatch attempts by event type and outcome",
		},
		[]string{"event", "outcome"},
	)

	// WebhookDuration tracks how long a webhook POST takes, skipped attempts excluded.
	WebhookDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "petdose_webhook_duration_seconds",
			Help:    "Webhook request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulerTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "petdose_scheduler_ticks_total",
			Help: "Number of scheduler ticks executed",
		},
	)

	PendingTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "petdose_scheduler_pending_tasks",
			Help: "Number of dose notifications waiting in the task store",
		},
	)

	RemindersFinished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "petdose_reminders_finished_total",
			Help: "Reminders deactivated because every treatment course ended",
		},
	)
)

var initOnce sync.Once

func init() {
	initOnce.Do(func() {
		prometheus.MustRegister(WebhookDeliveries, WebhookDuration, SchedulerTicks, PendingTasks, RemindersFinished)
	})
}

// ObserveDelivery records one dispatch attempt.
func ObserveDelivery(event, outcome string, durationSeconds float64) {
	WebhookDeliveries.WithLabelValues(event, outcome).Inc()
	if outcome != "skipped" {
		WebhookDuration.Observe(durationSeconds)
	}
}

package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EventsPublished    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_events_published_total", Help: "Task events published to the broker"})
	PublishFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_publish_failures_total", Help: "Publish attempts that failed"})
	EventsConsumed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_events_consumed_total", Help: "Events processed per consumer"}, []string{"consumer"})
	DuplicatesSkipped  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "pipeline_duplicates_skipped_total", Help: "Redelivered events skipped by the dedup guard"}, []string{"consumer"})
	DeadLettered       = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_dead_lettered_total", Help: "Events routed to the dead-letter stream"})
	AuditRowsWritten   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_audit_rows_total", Help: "Audit log entries written"})
	InstancesGenerated = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_recurring_instances_total", Help: "Recurring task instances generated"})
	PatternsRetired    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_patterns_retired_total", Help: "Recurring patterns deactivated"})
	RemindersClaimed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_reminders_claimed_total", Help: "Reminders claimed by this scheduler replica"})
	RemindersDelivered = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_reminders_delivered_total", Help: "Reminders delivered successfully"})
	ReminderFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_reminder_failures_total", Help: "Claimed reminders whose delivery failed"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_rate_limit_rejects_total", Help: "Publishes rejected by the per-user rate limiter"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EventsPublished,
			PublishFailures,
			EventsConsumed,
			DuplicatesSkipped,
			DeadLettered,
			AuditRowsWritten,
			InstancesGenerated,
			PatternsRetired,
			RemindersClaimed,
			RemindersDelivered,
			ReminderFailures,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}

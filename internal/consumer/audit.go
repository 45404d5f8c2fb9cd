package consumer

import (
	"context"
	"log"

	"task-event-pipeline/internal/models"
	"task-event-pipeline/internal/telemetry"
)

// AuditStore is the slice of persistence the audit consumer needs.
type AuditStore interface {
	RecordAuditEvent(ctx context.Context, event models.TaskEvent) (bool, error)
}

// Audit appends one audit row per event. Every event type is recorded; each
// entry is self-contained and carries occurred_at, so no ordering across
// tasks is assumed.
type Audit struct {
	store AuditStore
}

func NewAudit(store AuditStore) *Audit {
	return &Audit{store: store}
}

func (a *Audit) Name() string { return models.ConsumerAudit }

// Handle writes the audit row and its dedup record in one transaction.
// A redelivered event hits the dedup guard and becomes a no-op.
func (a *Audit) Handle(ctx context.Context, event models.TaskEvent) error {
	written, err := a.store.RecordAuditEvent(ctx, event)
	if err != nil {
		return err
	}
	if !written {
		telemetry.DuplicatesSkipped.WithLabelValues(models.ConsumerAudit).Inc()
		return nil
	}
	telemetry.AuditRowsWritten.Inc()
	log.Printf("audit: %s task=%d user=%s seq=%d", event.AuditAction(), event.TaskID, event.UserID, event.Sequence)
	return nil
}

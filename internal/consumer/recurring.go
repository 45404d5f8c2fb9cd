package consumer

import (
	"context"
	"errors"
	"log"
	"time"

	"task-event-pipeline/internal/models"
	"task-event-pipeline/internal/recurrence"
	"task-event-pipeline/internal/store"
	"task-event-pipeline/internal/telemetry"
)

// RecurringStore is the slice of persistence the recurring consumer needs.
type RecurringStore interface {
	GetRecurringPattern(ctx context.Context, taskID int64) (models.RecurringPattern, bool, error)
	DeactivatePattern(ctx context.Context, taskID int64) (bool, error)
	CreateInstance(ctx context.Context, p store.CreateInstanceParams) (bool, error)
	AppendAudit(ctx context.Context, entry models.AuditLogEntry) error
}

// Recurring generates the next occurrence of a recurring task when its
// current instance is completed, and retires the pattern when the owning task
// is deleted or the chain reaches its end date.
type Recurring struct {
	store RecurringStore
}

func NewRecurring(store RecurringStore) *Recurring {
	return &Recurring{store: store}
}

func (r *Recurring) Name() string { return models.ConsumerRecurring }

func (r *Recurring) Handle(ctx context.Context, event models.TaskEvent) error {
	switch event.Type {
	case models.EventTaskCompleted:
		if event.Payload.New == nil || !event.Payload.New.IsRecurring {
			return nil
		}
		return r.handleCompleted(ctx, event)
	case models.EventTaskDeleted:
		if event.Payload.Old == nil || !event.Payload.Old.IsRecurring {
			return nil
		}
		return r.retirePattern(ctx, event, "recurrence_cancelled", map[string]any{
			"reason": "owning task deleted",
		})
	default:
		return nil
	}
}

func (r *Recurring) handleCompleted(ctx context.Context, event models.TaskEvent) error {
	pattern, found, err := r.store.GetRecurringPattern(ctx, event.TaskID)
	if err != nil {
		return err
	}
	if !found || !pattern.IsActive {
		return nil
	}

	// Anchor on whichever is later: the event time or the last occurrence
	// already generated. Keeps last_generated_at non-decreasing even when
	// events arrive late.
	anchor := event.OccurredAt
	if pattern.LastGeneratedAt != nil && pattern.LastGeneratedAt.After(anchor) {
		anchor = *pattern.LastGeneratedAt
	}

	next, ok, err := recurrence.NextOccurrence(pattern, anchor)
	if errors.Is(err, recurrence.ErrInvalidPattern) {
		// Unrecoverable data error: stop the chain instead of looping.
		return r.retirePattern(ctx, event, "recurrence_failed", map[string]any{
			"error": err.Error(),
		})
	}
	if err != nil {
		return err
	}
	if !ok {
		return r.retirePattern(ctx, event, "recurrence_completed", map[string]any{
			"end_date": pattern.EndDate,
		})
	}

	snapshot := event.Payload.New
	created, err := r.store.CreateInstance(ctx, store.CreateInstanceParams{
		EventID:      event.EventID,
		ParentTaskID: event.TaskID,
		UserID:       event.UserID,
		Title:        snapshot.Title,
		Description:  snapshot.Description,
		Priority:     snapshot.Priority,
		DueDate:      shiftDueDate(snapshot.DueDate, next),
		Tags:         snapshot.Tags,
		Occurrence:   next,
	})
	if err != nil {
		return err
	}
	if !created {
		telemetry.DuplicatesSkipped.WithLabelValues(models.ConsumerRecurring).Inc()
		return nil
	}
	telemetry.InstancesGenerated.Inc()
	log.Printf("recurring: generated instance for task=%d occurrence=%s", event.TaskID, next.Format("2006-01-02"))
	return nil
}

// retirePattern deactivates the pattern and, only if this call did the flip,
// appends the terminal audit entry. Redeliveries lose the conditional update
// and write nothing.
func (r *Recurring) retirePattern(ctx context.Context, event models.TaskEvent, action string, values map[string]any) error {
	flipped, err := r.store.DeactivatePattern(ctx, event.TaskID)
	if err != nil {
		return err
	}
	if !flipped {
		return nil
	}
	telemetry.PatternsRetired.Inc()
	return r.store.AppendAudit(ctx, models.AuditLogEntry{
		UserID:     event.UserID,
		EntityType: "recurring_pattern",
		EntityID:   event.TaskID,
		Action:     action,
		NewValues:  values,
	})
}

// shiftDueDate carries the parent's due time-of-day onto the occurrence date.
// Purely a function of its inputs, so redelivery computes the same due date.
func shiftDueDate(parentDue *time.Time, occurrence time.Time) *time.Time {
	if parentDue == nil {
		return nil
	}
	d := parentDue.UTC()
	due := time.Date(occurrence.Year(), occurrence.Month(), occurrence.Day(),
		d.Hour(), d.Minute(), d.Second(), 0, time.UTC)
	return &due
}

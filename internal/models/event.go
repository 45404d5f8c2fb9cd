package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidEvent marks envelope violations that should be dead-lettered, not retried.
var ErrInvalidEvent = errors.New("invalid task event")

// EventType enumerates the task lifecycle events carried on the task-events topic.
type EventType string

const (
	EventTaskCreated   EventType = "created"
	EventTaskUpdated   EventType = "updated"
	EventTaskCompleted EventType = "completed"
	EventTaskDeleted   EventType = "deleted"
)

// Consumer group names, also used as the consumer half of dedup keys.
const (
	ConsumerAudit     = "audit"
	ConsumerRecurring = "recurring"
)

// TaskSnapshot is the task state embedded in an event payload.
type TaskSnapshot struct {
	Title                  string     `json:"title"`
	Description            *string    `json:"description,omitempty"`
	Priority               string     `json:"priority"`
	DueDate                *time.Time `json:"due_date,omitempty"`
	Completed              bool       `json:"completed"`
	IsRecurring            bool       `json:"is_recurring"`
	ParentTaskID           *int64     `json:"parent_task_id,omitempty"`
	RecurrenceInstanceDate *time.Time `json:"recurrence_instance_date,omitempty"`
	Tags                   []string   `json:"tags,omitempty"`
}

// EventPayload carries the before/after snapshots. Which side must be present
// depends on the event type: new for created/updated/completed, old for
// updated/deleted.
type EventPayload struct {
	Old *TaskSnapshot `json:"old"`
	New *TaskSnapshot `json:"new"`
}

// TaskEvent is the immutable envelope published by the task-mutation service.
// Sequence is monotonic per task_id and orders events within a partition.
type TaskEvent struct {
	EventID    uuid.UUID    `json:"event_id"`
	TaskID     int64        `json:"task_id"`
	UserID     string       `json:"user_id"`
	Type       EventType    `json:"type"`
	OccurredAt time.Time    `json:"occurred_at"`
	Sequence   int64        `json:"sequence"`
	Payload    EventPayload `json:"payload"`
}

// Validate enforces the envelope contract before publish or consume.
func (e TaskEvent) Validate() error {
	if e.EventID == uuid.Nil {
		return fmt.Errorf("%w: missing event_id", ErrInvalidEvent)
	}
	if e.TaskID <= 0 {
		return fmt.Errorf("%w: missing task_id", ErrInvalidEvent)
	}
	if e.UserID == "" {
		return fmt.Errorf("%w: missing user_id", ErrInvalidEvent)
	}
	if e.Sequence < 0 {
		return fmt.Errorf("%w: negative sequence", ErrInvalidEvent)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurred_at", ErrInvalidEvent)
	}
	switch e.Type {
	case EventTaskCreated, EventTaskCompleted:
		if e.Payload.New == nil {
			return fmt.Errorf("%w: %s event requires payload.new", ErrInvalidEvent, e.Type)
		}
	case EventTaskUpdated:
		if e.Payload.New == nil || e.Payload.Old == nil {
			return fmt.Errorf("%w: updated event requires payload.old and payload.new", ErrInvalidEvent)
		}
	case EventTaskDeleted:
		if e.Payload.Old == nil {
			return fmt.Errorf("%w: deleted event requires payload.old", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	return nil
}

// AuditAction maps the event type to the action recorded in the audit log.
func (e TaskEvent) AuditAction() string {
	switch e.Type {
	case EventTaskCreated:
		return "create"
	case EventTaskUpdated:
		return "update"
	case EventTaskCompleted:
		return "complete"
	case EventTaskDeleted:
		return "delete"
	default:
		return "unknown"
	}
}

package models

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validEvent(t EventType) TaskEvent {
	snapshot := &TaskSnapshot{Title: "water plants", Priority: "medium"}
	e := TaskEvent{
		EventID:    uuid.New(),
		TaskID:     7,
		UserID:     "user-1",
		Type:       t,
		OccurredAt: time.Date(2026, time.February, 2, 10, 0, 0, 0, time.UTC),
		Sequence:   1,
	}
	switch t {
	case EventTaskUpdated:
		e.Payload = EventPayload{Old: snapshot, New: snapshot}
	case EventTaskDeleted:
		e.Payload = EventPayload{Old: snapshot}
	default:
		e.Payload = EventPayload{New: snapshot}
	}
	return e
}

func TestValidateAcceptsWellFormedEvents(t *testing.T) {
	for _, typ := range []EventType{EventTaskCreated, EventTaskUpdated, EventTaskCompleted, EventTaskDeleted} {
		assert.NoError(t, validEvent(typ).Validate(), "type %s", typ)
	}
}

func TestValidateRejectsEnvelopeViolations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*TaskEvent)
	}{
		{"nil event id", func(e *TaskEvent) { e.EventID = uuid.Nil }},
		{"zero task id", func(e *TaskEvent) { e.TaskID = 0 }},
		{"empty user id", func(e *TaskEvent) { e.UserID = "" }},
		{"negative sequence", func(e *TaskEvent) { e.Sequence = -1 }},
		{"zero occurred_at", func(e *TaskEvent) { e.OccurredAt = time.Time{} }},
		{"unknown type", func(e *TaskEvent) { e.Type = "archived" }},
		{"created without new", func(e *TaskEvent) { e.Payload.New = nil }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := validEvent(EventTaskCreated)
			tc.mutate(&e)
			err := e.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidEvent)
		})
	}
}

func TestValidatePayloadSidesPerType(t *testing.T) {
	updated := validEvent(EventTaskUpdated)
	updated.Payload.Old = nil
	assert.Error(t, updated.Validate(), "updated needs payload.old")

	deleted := validEvent(EventTaskDeleted)
	deleted.Payload.Old = nil
	assert.Error(t, deleted.Validate(), "deleted needs payload.old")

	completed := validEvent(EventTaskCompleted)
	completed.Payload.New = nil
	assert.Error(t, completed.Validate(), "completed needs payload.new")
}

func TestAuditActionMapping(t *testing.T) {
	assert.Equal(t, "create", validEvent(EventTaskCreated).AuditAction())
	assert.Equal(t, "update", validEvent(EventTaskUpdated).AuditAction())
	assert.Equal(t, "complete", validEvent(EventTaskCompleted).AuditAction())
	assert.Equal(t, "delete", validEvent(EventTaskDeleted).AuditAction())
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"task-event-pipeline/internal/models"
)

// Store wraps pgxpool for Postgres persistence. All idempotency guards live
// here: the processed_events primary key, the partial unique index on
// generated instances, and the conditional updates on recurring_patterns and
// task_reminders.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// OccurrenceDedupKey builds the dedup key guarding one generated instance.
func OccurrenceDedupKey(parentTaskID int64, occurrence time.Time) string {
	return fmt.Sprintf("%d:%s", parentTaskID, occurrence.UTC().Format("2006-01-02"))
}

// RecordAuditEvent writes one audit row for the event and its dedup record in
// a single transaction. It returns false without writing anything when the
// event was already recorded, which is how redelivered events become no-ops.
func (s *Store) RecordAuditEvent(ctx context.Context, event models.TaskEvent) (bool, error) {
	oldJSON, newJSON, err := payloadJSON(event.Payload)
	if err != nil {
		return false, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_events (dedup_key, consumer)
		VALUES ($1, $2)
		ON CONFLICT (dedup_key, consumer) DO NOTHING
	`, event.EventID.String(), models.ConsumerAudit)
	if err != nil {
		return false, fmt.Errorf("insert dedup record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_log (user_id, entity_type, entity_id, action, old_values, new_values, created_at)
		VALUES ($1, 'task', $2, $3, $4, $5, $6)
	`, event.UserID, event.TaskID, event.AuditAction(), oldJSON, newJSON, event.OccurredAt)
	if err != nil {
		return false, fmt.Errorf("insert audit row: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit audit tx: %w", err)
	}
	return true, nil
}

// AppendAudit adds a standalone audit row, used for pipeline-generated records
// such as a recurring chain finishing or a pattern being retired as invalid.
func (s *Store) AppendAudit(ctx context.Context, entry models.AuditLogEntry) error {
	oldJSON, err := nullableJSON(entry.OldValues)
	if err != nil {
		return err
	}
	newJSON, err := nullableJSON(entry.NewValues)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_log (user_id, entity_type, entity_id, action, old_values, new_values, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, entry.UserID, entry.EntityType, entry.EntityID, entry.Action, oldJSON, newJSON)
	if err != nil {
		return fmt.Errorf("append audit row: %w", err)
	}
	return nil
}

// AuditTrail returns the most recent audit rows for an entity.
func (s *Store) AuditTrail(ctx context.Context, entityType string, entityID int64, limit int) ([]models.AuditLogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, entity_type, entity_id, action, old_values, new_values, created_at
		FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC
		LIMIT $3
	`, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLogEntry
	for rows.Next() {
		var entry models.AuditLogEntry
		var oldJSON, newJSON []byte
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.EntityType, &entry.EntityID, &entry.Action, &oldJSON, &newJSON, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		if len(oldJSON) > 0 {
			if err := json.Unmarshal(oldJSON, &entry.OldValues); err != nil {
				return nil, fmt.Errorf("decode old_values: %w", err)
			}
		}
		if len(newJSON) > 0 {
			if err := json.Unmarshal(newJSON, &entry.NewValues); err != nil {
				return nil, fmt.Errorf("decode new_values: %w", err)
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// GetRecurringPattern fetches the pattern owned by a recurring task.
func (s *Store) GetRecurringPattern(ctx context.Context, taskID int64) (models.RecurringPattern, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT task_id, frequency, interval, days_of_week, day_of_month, month_of_year, end_date, last_generated_at, is_active
		FROM recurring_patterns WHERE task_id = $1
	`, taskID)

	var p models.RecurringPattern
	var daysJSON []byte
	var dayOfMonth, monthOfYear pgtype.Int4
	var endDate, lastGenerated pgtype.Timestamptz

	err := row.Scan(&p.TaskID, &p.Frequency, &p.Interval, &daysJSON, &dayOfMonth, &monthOfYear, &endDate, &lastGenerated, &p.IsActive)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.RecurringPattern{}, false, nil
	}
	if err != nil {
		return models.RecurringPattern{}, false, fmt.Errorf("scan recurring pattern: %w", err)
	}

	if len(daysJSON) > 0 {
		if err := json.Unmarshal(daysJSON, &p.DaysOfWeek); err != nil {
			return models.RecurringPattern{}, false, fmt.Errorf("decode days_of_week: %w", err)
		}
	}
	p.DayOfMonth = int4Ptr(dayOfMonth)
	p.MonthOfYear = int4Ptr(monthOfYear)
	p.EndDate = timestampPtr(endDate)
	p.LastGeneratedAt = timestampPtr(lastGenerated)
	return p, true, nil
}

// DeactivatePattern flips is_active false via a conditional update. The
// boolean reports whether this call did the flip, so only one of many
// redelivered events appends the terminal audit entry.
func (s *Store) DeactivatePattern(ctx context.Context, taskID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE recurring_patterns SET is_active = FALSE
		WHERE task_id = $1 AND is_active = TRUE
	`, taskID)
	if err != nil {
		return false, fmt.Errorf("deactivate pattern %d: %w", taskID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CreateInstanceParams collects inputs for one generated occurrence.
type CreateInstanceParams struct {
	EventID      uuid.UUID
	ParentTaskID int64
	UserID       string
	Title        string
	Description  *string
	Priority     string
	DueDate      *time.Time
	Tags         []string
	Occurrence   time.Time
}

// CreateInstance generates the next occurrence in one transaction: dedup
// records, task row, tags, and the monotonic advance of last_generated_at.
// Two guards share the transaction: the event_id key makes a redelivered
// completion event a no-op (the redelivery would otherwise anchor on the
// advanced last_generated_at and compute a fresh, later occurrence), and the
// occurrence key stops two distinct events racing to generate the same date.
// It returns false when either guard rejects. Any mid-flight failure rolls
// back the whole transaction, so no dedup record exists without its task row.
func (s *Store) CreateInstance(ctx context.Context, p CreateInstanceParams) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_events (dedup_key, consumer)
		VALUES ($1, $2)
		ON CONFLICT (dedup_key, consumer) DO NOTHING
	`, p.EventID.String(), models.ConsumerRecurring)
	if err != nil {
		return false, fmt.Errorf("insert event dedup record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	tag, err = tx.Exec(ctx, `
		INSERT INTO processed_events (dedup_key, consumer)
		VALUES ($1, $2)
		ON CONFLICT (dedup_key, consumer) DO NOTHING
	`, OccurrenceDedupKey(p.ParentTaskID, p.Occurrence), models.ConsumerRecurring)
	if err != nil {
		return false, fmt.Errorf("insert occurrence dedup record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	var taskID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO tasks (user_id, title, description, priority, due_date, completed, is_recurring, parent_task_id, recurrence_instance_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, FALSE, $6, $7, NOW(), NOW())
		RETURNING id
	`, p.UserID, p.Title, p.Description, p.Priority, p.DueDate, p.ParentTaskID, p.Occurrence).Scan(&taskID)
	if err != nil {
		return false, fmt.Errorf("insert task instance: %w", err)
	}

	for _, t := range p.Tags {
		if _, err := tx.Exec(ctx, `
			INSERT INTO task_tags (task_id, tag) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, taskID, t); err != nil {
			return false, fmt.Errorf("insert tag %q: %w", t, err)
		}
	}

	// Monotonic guard: never move last_generated_at backwards.
	if _, err := tx.Exec(ctx, `
		UPDATE recurring_patterns SET last_generated_at = $2
		WHERE task_id = $1 AND (last_generated_at IS NULL OR last_generated_at <= $2)
	`, p.ParentTaskID, p.Occurrence); err != nil {
		return false, fmt.Errorf("advance last_generated_at: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit instance tx: %w", err)
	}
	return true, nil
}

// DueReminders selects unsent reminders whose time has passed, oldest first.
func (s *Store) DueReminders(ctx context.Context, now time.Time, limit int) ([]models.TaskReminder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.task_id, r.user_id, t.title, r.reminder_time, r.reminder_type, r.is_sent, r.sent_at, r.delivery_failed
		FROM task_reminders r
		JOIN tasks t ON t.id = r.task_id
		WHERE r.reminder_time <= $1 AND r.is_sent = FALSE
		ORDER BY r.reminder_time
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due reminders: %w", err)
	}
	defer rows.Close()

	var out []models.TaskReminder
	for rows.Next() {
		var r models.TaskReminder
		var sentAt pgtype.Timestamptz
		if err := rows.Scan(&r.ID, &r.TaskID, &r.UserID, &r.TaskTitle, &r.ReminderTime, &r.ReminderType, &r.IsSent, &sentAt, &r.DeliveryFailed); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		r.SentAt = timestampPtr(sentAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClaimReminder attempts the row-level compare-and-swap that transfers a
// reminder to this replica. Exactly one concurrent caller sees true.
func (s *Store) ClaimReminder(ctx context.Context, id int64, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE task_reminders SET is_sent = TRUE, sent_at = $2
		WHERE id = $1 AND is_sent = FALSE
	`, id, now)
	if err != nil {
		return false, fmt.Errorf("claim reminder %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDeliveryFailed flags a claimed reminder whose delivery attempt failed.
// The reminder stays sent; the flag surfaces it for follow-up.
func (s *Store) MarkDeliveryFailed(ctx context.Context, id int64, cause string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE task_reminders SET delivery_failed = TRUE, delivery_error = $2
		WHERE id = $1
	`, id, cause)
	if err != nil {
		return fmt.Errorf("flag reminder %d: %w", id, err)
	}
	return nil
}

func payloadJSON(p models.EventPayload) ([]byte, []byte, error) {
	var oldJSON, newJSON []byte
	var err error
	if p.Old != nil {
		if oldJSON, err = json.Marshal(p.Old); err != nil {
			return nil, nil, fmt.Errorf("marshal old snapshot: %w", err)
		}
	}
	if p.New != nil {
		if newJSON, err = json.Marshal(p.New); err != nil {
			return nil, nil, fmt.Errorf("marshal new snapshot: %w", err)
		}
	}
	return oldJSON, newJSON, nil
}

func nullableJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal audit values: %w", err)
	}
	return raw, nil
}

func int4Ptr(v pgtype.Int4) *int {
	if v.Valid {
		i := int(v.Int32)
		return &i
	}
	return nil
}

func timestampPtr(v pgtype.Timestamptz) *time.Time {
	if v.Valid {
		t := v.Time
		return &t
	}
	return nil
}

package models

import (
	"time"
)

// Frequency enumerates recurrence frequencies persisted in recurring_patterns.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyYearly  Frequency = "yearly"
)

// RecurringPattern is the recurrence rule owned by a task with is_recurring=true.
// DaysOfWeek uses 0=Sunday..6=Saturday and is read only for weekly frequency.
type RecurringPattern struct {
	TaskID          int64      `json:"task_id"`
	Frequency       Frequency  `json:"frequency"`
	Interval        int        `json:"interval"`
	DaysOfWeek      []int      `json:"days_of_week,omitempty"`
	DayOfMonth      *int       `json:"day_of_month,omitempty"`
	MonthOfYear     *int       `json:"month_of_year,omitempty"`
	EndDate         *time.Time `json:"end_date,omitempty"`
	LastGeneratedAt *time.Time `json:"last_generated_at,omitempty"`
	IsActive        bool       `json:"is_active"`
}

// Task is a row in the external tasks table. The pipeline only ever inserts
// generated instances; it never mutates one after creation.
type Task struct {
	ID                     int64      `json:"id"`
	UserID                 string     `json:"user_id"`
	Title                  string     `json:"title"`
	Description            *string    `json:"description,omitempty"`
	Priority               string     `json:"priority"`
	DueDate                *time.Time `json:"due_date,omitempty"`
	Completed              bool       `json:"completed"`
	IsRecurring            bool       `json:"is_recurring"`
	ParentTaskID           *int64     `json:"parent_task_id,omitempty"`
	RecurrenceInstanceDate *time.Time `json:"recurrence_instance_date,omitempty"`
	Tags                   []string   `json:"tags,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// ReminderType enumerates delivery channels for a reminder.
type ReminderType string

const (
	ReminderNotification ReminderType = "notification"
	ReminderEmail        ReminderType = "email"
	ReminderBoth         ReminderType = "both"
)

// TaskReminder is a row in task_reminders. IsSent flips false→true exactly
// once via the scheduler's conditional claim; DeliveryFailed records a claim
// whose delivery attempt did not succeed.
type TaskReminder struct {
	ID             int64        `json:"id"`
	TaskID         int64        `json:"task_id"`
	UserID         string       `json:"user_id"`
	TaskTitle      string       `json:"task_title"`
	ReminderTime   time.Time    `json:"reminder_time"`
	ReminderType   ReminderType `json:"reminder_type"`
	IsSent         bool         `json:"is_sent"`
	SentAt         *time.Time   `json:"sent_at,omitempty"`
	DeliveryFailed bool         `json:"delivery_failed"`
}

// AuditLogEntry is an append-only row in audit_log.
type AuditLogEntry struct {
	ID         int64          `json:"id"`
	UserID     string         `json:"user_id"`
	EntityType string         `json:"entity_type"`
	EntityID   int64          `json:"entity_id"`
	Action     string         `json:"action"`
	OldValues  map[string]any `json:"old_values,omitempty"`
	NewValues  map[string]any `json:"new_values,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Package reminder sweeps due task reminders on a timer and delivers them.
// Multiple replicas may run the sweep concurrently; the database row claim
// decides which one delivers.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/smtp"

	"task-event-pipeline/internal/models"
)

// Deliverer sends one claimed reminder to the user.
type Deliverer interface {
	Deliver(ctx context.Context, r models.TaskReminder) error
}

// Router fans a reminder out to its configured channels. For "both" it
// attempts notification and email and joins the failures; the reminder stays
// claimed either way.
type Router struct {
	Notifier Deliverer
	Mailer   Deliverer
}

func (rt Router) Deliver(ctx context.Context, r models.TaskReminder) error {
	switch r.ReminderType {
	case models.ReminderNotification:
		return rt.Notifier.Deliver(ctx, r)
	case models.ReminderEmail:
		return rt.Mailer.Deliver(ctx, r)
	case models.ReminderBoth:
		return errors.Join(rt.Notifier.Deliver(ctx, r), rt.Mailer.Deliver(ctx, r))
	default:
		return fmt.Errorf("unknown reminder type %q", r.ReminderType)
	}
}

// LogNotifier writes the notification to the process log. It stands in for
// the push channel the notification frontend consumes.
type LogNotifier struct{}

func (LogNotifier) Deliver(_ context.Context, r models.TaskReminder) error {
	log.Printf("reminder: notify user=%s task=%q due=%s", r.UserID, r.TaskTitle, r.ReminderTime.Format("2006-01-02 15:04"))
	return nil
}

// SMTPMailer sends the reminder over plain SMTP. User IDs double as the
// recipient address, matching the external auth layer's subject format.
type SMTPMailer struct {
	Addr string
	From string
}

func (m SMTPMailer) Deliver(_ context.Context, r models.TaskReminder) error {
	if m.Addr == "" {
		return errors.New("smtp address not configured")
	}
	body := fmt.Sprintf("To: %s\r\nSubject: Task Reminder: %s\r\n\r\nYour task %q is due at %s.\r\n",
		r.UserID, r.TaskTitle, r.TaskTitle, r.ReminderTime.Format("2006-01-02 15:04"))
	if err := smtp.SendMail(m.Addr, nil, m.From, []string{r.UserID}, []byte(body)); err != nil {
		return fmt.Errorf("send reminder mail: %w", err)
	}
	return nil
}

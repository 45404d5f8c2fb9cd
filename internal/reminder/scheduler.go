package reminder

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"task-event-pipeline/internal/config"
	"task-event-pipeline/internal/models"
	"task-event-pipeline/internal/telemetry"
)

// Store is the slice of persistence the scheduler needs.
type Store interface {
	DueReminders(ctx context.Context, now time.Time, limit int) ([]models.TaskReminder, error)
	ClaimReminder(ctx context.Context, id int64, now time.Time) (bool, error)
	MarkDeliveryFailed(ctx context.Context, id int64, cause string) error
}

// Scheduler claims and delivers due reminders on a fixed interval. Replicas
// need no coordination: each reminder is won by whichever replica's
// conditional update lands first, and delivery is at-most-once — a claimed
// reminder is never retried, only flagged on failure.
type Scheduler struct {
	store    Store
	deliver  Deliverer
	cron     *cron.Cron
	interval time.Duration
	batch    int
	now      func() time.Time
}

// NewScheduler builds a scheduler from config.
func NewScheduler(store Store, deliver Deliverer, cfg config.Config) *Scheduler {
	interval := cfg.ReminderInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	batch := cfg.ReminderBatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Scheduler{
		store:    store,
		deliver:  deliver,
		cron:     cron.New(),
		interval: interval,
		batch:    batch,
		now:      time.Now,
	}
}

// Start registers the periodic sweep and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("schedule reminder sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron loop and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Tick runs one sweep: select due reminders, claim each via the row CAS, and
// deliver the ones this replica won.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now().UTC()
	due, err := s.store.DueReminders(ctx, now, s.batch)
	if err != nil {
		log.Printf("reminder: select due: %v", err)
		return
	}

	for _, r := range due {
		if ctx.Err() != nil {
			return
		}
		claimed, err := s.store.ClaimReminder(ctx, r.ID, now)
		if err != nil {
			log.Printf("reminder: claim %d: %v", r.ID, err)
			continue
		}
		if !claimed {
			// Another replica won the row.
			continue
		}
		telemetry.RemindersClaimed.Inc()

		if err := s.deliver.Deliver(ctx, r); err != nil {
			// At-most-once: the claim stands, the failure is flagged for
			// follow-up instead of retried.
			telemetry.ReminderFailures.Inc()
			log.Printf("reminder: deliver %d: %v", r.ID, err)
			if ferr := s.store.MarkDeliveryFailed(ctx, r.ID, err.Error()); ferr != nil {
				log.Printf("reminder: %v", ferr)
			}
			continue
		}
		telemetry.RemindersDelivered.Inc()
	}
}

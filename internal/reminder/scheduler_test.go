package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-event-pipeline/internal/config"
	"task-event-pipeline/internal/models"
)

type fakeReminderStore struct {
	mu        sync.Mutex
	reminders map[int64]*models.TaskReminder
	failed    map[int64]string
}

func newFakeReminderStore(reminders ...*models.TaskReminder) *fakeReminderStore {
	f := &fakeReminderStore{
		reminders: map[int64]*models.TaskReminder{},
		failed:    map[int64]string{},
	}
	for _, r := range reminders {
		f.reminders[r.ID] = r
	}
	return f
}

func (f *fakeReminderStore) DueReminders(_ context.Context, now time.Time, limit int) ([]models.TaskReminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.TaskReminder
	for _, r := range f.reminders {
		if !r.IsSent && !r.ReminderTime.After(now) {
			out = append(out, *r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeReminderStore) ClaimReminder(_ context.Context, id int64, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reminders[id]
	if !ok || r.IsSent {
		return false, nil
	}
	r.IsSent = true
	sent := now
	r.SentAt = &sent
	return true, nil
}

func (f *fakeReminderStore) MarkDeliveryFailed(_ context.Context, id int64, cause string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.reminders[id]; ok {
		r.DeliveryFailed = true
	}
	f.failed[id] = cause
	return nil
}

type countingDeliverer struct {
	mu       sync.Mutex
	attempts int
	err      error
}

func (d *countingDeliverer) Deliver(context.Context, models.TaskReminder) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	return d.err
}

func testScheduler(st Store, d Deliverer) *Scheduler {
	return NewScheduler(st, d, config.Config{
		ReminderInterval:  30 * time.Second,
		ReminderBatchSize: 100,
	})
}

func dueReminder(id int64) *models.TaskReminder {
	return &models.TaskReminder{
		ID:           id,
		TaskID:       10,
		UserID:       "user-1",
		TaskTitle:    "water plants",
		ReminderTime: time.Date(2026, time.February, 2, 9, 0, 0, 0, time.UTC),
		ReminderType: models.ReminderNotification,
	}
}

func TestTickDeliversDueReminder(t *testing.T) {
	r := dueReminder(1)
	st := newFakeReminderStore(r)
	d := &countingDeliverer{}

	testScheduler(st, d).Tick(context.Background())

	assert.Equal(t, 1, d.attempts)
	assert.True(t, r.IsSent)
	require.NotNil(t, r.SentAt)
	assert.False(t, r.DeliveryFailed)
}

func TestTickSkipsFutureReminders(t *testing.T) {
	r := dueReminder(1)
	r.ReminderTime = time.Now().UTC().Add(time.Hour)
	st := newFakeReminderStore(r)
	d := &countingDeliverer{}

	testScheduler(st, d).Tick(context.Background())

	assert.Zero(t, d.attempts)
	assert.False(t, r.IsSent)
}

func TestConcurrentReplicasDeliverOnce(t *testing.T) {
	// Two scheduler replicas racing for one due reminder: the row claim must
	// let exactly one of them deliver.
	r := dueReminder(1)
	st := newFakeReminderStore(r)
	d := &countingDeliverer{}

	a := testScheduler(st, d)
	b := testScheduler(st, d)

	var wg sync.WaitGroup
	for _, s := range []*Scheduler{a, b} {
		wg.Add(1)
		go func(s *Scheduler) {
			defer wg.Done()
			s.Tick(context.Background())
		}(s)
	}
	wg.Wait()

	assert.Equal(t, 1, d.attempts, "exactly one replica may deliver")
	require.NotNil(t, r.SentAt)
}

func TestFailedDeliveryIsFlaggedNotRetried(t *testing.T) {
	r := dueReminder(1)
	st := newFakeReminderStore(r)
	d := &countingDeliverer{err: errors.New("mail provider down")}

	s := testScheduler(st, d)
	s.Tick(context.Background())

	assert.Equal(t, 1, d.attempts)
	assert.True(t, r.IsSent, "claim stands even when delivery fails")
	assert.True(t, r.DeliveryFailed)
	assert.Equal(t, "mail provider down", st.failed[1])

	// Next sweep must not pick the claimed reminder up again.
	s.Tick(context.Background())
	assert.Equal(t, 1, d.attempts)
}

func TestRouterUnknownTypeFails(t *testing.T) {
	rt := Router{Notifier: LogNotifier{}, Mailer: SMTPMailer{}}
	r := *dueReminder(1)
	r.ReminderType = "pager"
	require.Error(t, rt.Deliver(context.Background(), r))
}

func TestRouterBothJoinsFailures(t *testing.T) {
	fail := &countingDeliverer{err: errors.New("push endpoint down")}
	okDeliverer := &countingDeliverer{}
	rt := Router{Notifier: fail, Mailer: okDeliverer}

	r := *dueReminder(1)
	r.ReminderType = models.ReminderBoth

	err := rt.Deliver(context.Background(), r)
	require.Error(t, err)
	assert.Equal(t, 1, fail.attempts)
	assert.Equal(t, 1, okDeliverer.attempts, "email still attempted when push fails")
}

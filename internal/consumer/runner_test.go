package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"task-event-pipeline/internal/broker"
	"task-event-pipeline/internal/config"
	"task-event-pipeline/internal/models"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	if b0 := backoffWithJitter(base, max, 0); b0 != base {
		t.Fatalf("attempt 0 should return base, got %s", b0)
	}
}

func TestBackoffWithJitterSaturatesAtMax(t *testing.T) {
	// The failure counter is unbounded, so a long broker outage produces
	// attempt values far past the point where doubling overflows int64. Every
	// attempt must stay within [max/2, max] and never go negative or panic.
	base := 2 * time.Second
	max := time.Minute

	for attempt := 1; attempt <= 128; attempt++ {
		wait := backoffWithJitter(base, max, attempt)
		if wait <= 0 {
			t.Fatalf("attempt %d: non-positive backoff %s", attempt, wait)
		}
		if wait > max {
			t.Fatalf("attempt %d: backoff %s exceeds max %s", attempt, wait, max)
		}
	}

	for _, attempt := range []int{34, 63, 64, 1 << 20} {
		wait := backoffWithJitter(base, max, attempt)
		if wait < max/2 || wait > max {
			t.Fatalf("attempt %d: saturated backoff %s outside [%s, %s]", attempt, wait, max/2, max)
		}
	}
}

type scriptedHandler struct {
	name string
	err  error
	seen []models.TaskEvent
}

func (h *scriptedHandler) Name() string { return h.name }

func (h *scriptedHandler) Handle(_ context.Context, event models.TaskEvent) error {
	h.seen = append(h.seen, event)
	return h.err
}

func runnerTestConfig(addr string) config.Config {
	return config.Config{
		RedisAddr:      addr,
		TopicPrefix:    "task-events",
		Partitions:     4,
		DLQStream:      "task-events:dlq",
		ConsumerBlock:  20 * time.Millisecond,
		ConsumerBatch:  16,
		BackoffInitial: time.Millisecond,
		BackoffMax:     2 * time.Millisecond,
	}
}

func TestRunnerAcksOnlyAfterHandlerSucceeds(t *testing.T) {
	ctx := context.Background()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := runnerTestConfig(mr.Addr())
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pub := broker.NewPublisher(client, cfg)
	sub := broker.NewSubscriber(client, cfg, models.ConsumerAudit, "audit-1")
	require.NoError(t, sub.EnsureGroup(ctx))

	event := models.TaskEvent{
		EventID:    uuid.New(),
		TaskID:     7,
		UserID:     "user-1",
		Type:       models.EventTaskCompleted,
		OccurredAt: time.Date(2026, time.February, 2, 12, 0, 0, 0, time.UTC),
		Sequence:   1,
		Payload: models.EventPayload{
			New: &models.TaskSnapshot{Title: "water plants", Priority: "medium", Completed: true},
		},
	}
	require.NoError(t, pub.Publish(ctx, event))

	// A failing handler must leave the entry pending so the group redelivers
	// it; a commit-then-crash would otherwise lose the event.
	failing := &scriptedHandler{name: models.ConsumerAudit, err: errors.New("connection refused")}
	runner := NewRunner(sub, failing, cfg)

	msgs, err := sub.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	runner.process(ctx, msgs)
	require.Len(t, failing.seen, 1)

	other := broker.NewSubscriber(client, cfg, models.ConsumerAudit, "audit-2")
	pending, err := other.ReclaimStale(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1, "failed handle must leave the entry pending")
	assert.Equal(t, event.EventID, pending[0].Event.EventID)

	// A nil handler return acks the entry, so nothing stays pending.
	ok := &scriptedHandler{name: models.ConsumerAudit}
	NewRunner(other, ok, cfg).process(ctx, pending)
	require.Len(t, ok.seen, 1)

	third := broker.NewSubscriber(client, cfg, models.ConsumerAudit, "audit-3")
	left, err := third.ReclaimStale(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, left, "acked entry must not be redeliverable")
}

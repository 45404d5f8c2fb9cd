// Package consumer holds the long-lived event consumers: the audit trail
// writer and the recurring-task generator. Both are driven by Runner, which
// owns the fetch/handle/ack loop and its redelivery behavior.
package consumer

import (
	"context"
	"log"
	"math/rand"
	"time"

	"task-event-pipeline/internal/broker"
	"task-event-pipeline/internal/config"
	"task-event-pipeline/internal/models"
	"task-event-pipeline/internal/telemetry"
)

// Handler processes one event. A nil return means the event's effects are
// durably committed (or were a dedup no-op) and it may be acked. Any error is
// treated as transient: the message stays pending and is redelivered.
type Handler interface {
	Name() string
	Handle(ctx context.Context, event models.TaskEvent) error
}

// Runner drives a Handler over a broker subscription.
type Runner struct {
	sub            *broker.Subscriber
	handler        Handler
	backoffInitial time.Duration
	backoffMax     time.Duration
	reclaimEvery   time.Duration
	failures       int
}

// NewRunner wires a handler to its subscription.
func NewRunner(sub *broker.Subscriber, handler Handler, cfg config.Config) *Runner {
	return &Runner{
		sub:            sub,
		handler:        handler,
		backoffInitial: cfg.BackoffInitial,
		backoffMax:     cfg.BackoffMax,
		reclaimEvery:   time.Minute,
	}
}

// Run consumes until the context is cancelled. Shutdown is graceful: the
// in-flight message is finished (handled and acked, or left pending) before
// returning, so an ack never races a rolled-back transaction.
func (r *Runner) Run(ctx context.Context) error {
	if err := r.sub.EnsureGroup(ctx); err != nil {
		return err
	}

	lastReclaim := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Since(lastReclaim) >= r.reclaimEvery {
			lastReclaim = time.Now()
			stale, err := r.sub.ReclaimStale(ctx, 2*r.reclaimEvery)
			if err != nil {
				log.Printf("consumer %s: reclaim: %v", r.handler.Name(), err)
			}
			r.process(ctx, stale)
		}

		msgs, err := r.sub.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("consumer %s: fetch: %v", r.handler.Name(), err)
			r.sleepBackoff(ctx)
			continue
		}
		r.process(ctx, msgs)
	}
}

func (r *Runner) process(ctx context.Context, msgs []broker.Message) {
	for _, m := range msgs {
		if err := r.handler.Handle(ctx, m.Event); err != nil {
			// Leave the entry pending; the group redelivers it and the
			// handler's dedup guard makes the retry a no-op if the first
			// attempt actually committed.
			r.failures++
			log.Printf("consumer %s: event %s: %v", r.handler.Name(), m.Event.EventID, err)
			r.sleepBackoff(ctx)
			continue
		}
		r.failures = 0
		if err := r.sub.Ack(ctx, m); err != nil {
			log.Printf("consumer %s: %v", r.handler.Name(), err)
			continue
		}
		telemetry.EventsConsumed.WithLabelValues(r.handler.Name()).Inc()
	}
}

func (r *Runner) sleepBackoff(ctx context.Context) {
	wait := backoffWithJitter(r.backoffInitial, r.backoffMax, r.failures)
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	// Double up to max, stopping before the shift can overflow: the failure
	// counter is unbounded, so a long outage reaches large attempt values.
	wait := base
	for i := 1; i < attempt && wait < max; i++ {
		if wait > max/2 {
			wait = max
			break
		}
		wait *= 2
	}
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}

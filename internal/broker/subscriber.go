package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"task-event-pipeline/internal/config"
	"task-event-pipeline/internal/models"
	"task-event-pipeline/internal/telemetry"
)

// Message is one delivered event plus the coordinates needed to ack it.
type Message struct {
	Stream string
	ID     string
	Event  models.TaskEvent
}

// Subscriber reads a consumer group across all partition streams of a topic.
// Delivery is at-least-once: an entry stays pending until Ack, so a consumer
// crash redelivers it to the next reader.
type Subscriber struct {
	client    *redis.Client
	group     string
	consumer  string
	streams   []string
	dlqStream string
	block     time.Duration
	batch     int
}

// NewSubscriber builds a subscriber for the given consumer group.
func NewSubscriber(client *redis.Client, cfg config.Config, group, consumerName string) *Subscriber {
	return &Subscriber{
		client:    client,
		group:     group,
		consumer:  consumerName,
		streams:   PartitionStreams(cfg.TopicPrefix, cfg.Partitions),
		dlqStream: cfg.DLQStream,
		block:     cfg.ConsumerBlock,
		batch:     cfg.ConsumerBatch,
	}
}

// EnsureGroup creates the consumer group on every partition stream, creating
// streams that do not exist yet. Safe to call on every start.
func (s *Subscriber) EnsureGroup(ctx context.Context) error {
	for _, stream := range s.streams {
		err := s.client.XGroupCreateMkStream(ctx, stream, s.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create group %s on %s: %w", s.group, stream, err)
		}
	}
	return nil
}

// Fetch blocks for up to the configured interval and returns parsed messages.
// Entries that cannot be decoded or fail envelope validation are routed to the
// dead-letter stream and acked here so they are not redelivered forever.
func (s *Subscriber) Fetch(ctx context.Context) ([]Message, error) {
	streams := make([]string, 0, len(s.streams)*2)
	streams = append(streams, s.streams...)
	for range s.streams {
		streams = append(streams, ">")
	}

	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  streams,
		Count:    int64(s.batch),
		Block:    s.block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group %s: %w", s.group, err)
	}

	var out []Message
	for _, sr := range res {
		for _, entry := range sr.Messages {
			event, perr := decodeEntry(entry)
			if perr != nil {
				if derr := s.DeadLetter(ctx, sr.Stream, entry, perr); derr != nil {
					return out, derr
				}
				continue
			}
			out = append(out, Message{Stream: sr.Stream, ID: entry.ID, Event: event})
		}
	}
	return out, nil
}

// Ack releases an entry from the group's pending list. Callers must only ack
// after their transaction committed.
func (s *Subscriber) Ack(ctx context.Context, m Message) error {
	if err := s.client.XAck(ctx, m.Stream, s.group, m.ID).Err(); err != nil {
		return fmt.Errorf("ack %s on %s: %w", m.ID, m.Stream, err)
	}
	return nil
}

// DeadLetter copies a poison entry onto the dead-letter stream and acks the
// original so the group stops redelivering it.
func (s *Subscriber) DeadLetter(ctx context.Context, stream string, entry redis.XMessage, cause error) error {
	values := map[string]any{
		"source": stream,
		"id":     entry.ID,
		"group":  s.group,
		"reason": cause.Error(),
	}
	if raw, ok := entry.Values["event"]; ok {
		values["event"] = raw
	}
	if err := s.client.XAdd(ctx, &redis.XAddArgs{Stream: s.dlqStream, Values: values}).Err(); err != nil {
		return fmt.Errorf("dead-letter %s: %w", entry.ID, err)
	}
	if err := s.client.XAck(ctx, stream, s.group, entry.ID).Err(); err != nil {
		return fmt.Errorf("ack dead-lettered %s: %w", entry.ID, err)
	}
	telemetry.DeadLettered.Inc()
	return nil
}

// DLQPeek reads the most recent dead-lettered entries for operational inspection.
func (s *Subscriber) DLQPeek(ctx context.Context, count int64) ([]redis.XMessage, error) {
	return DLQPeek(ctx, s.client, s.dlqStream, count)
}

// DLQPeek reads the newest entries on a dead-letter stream.
func DLQPeek(ctx context.Context, client *redis.Client, stream string, count int64) ([]redis.XMessage, error) {
	return client.XRevRangeN(ctx, stream, "+", "-", count).Result()
}

// ReclaimStale moves entries that another consumer fetched but never acked
// back to this consumer. Run periodically so a crashed replica's in-flight
// messages get redelivered.
func (s *Subscriber) ReclaimStale(ctx context.Context, minIdle time.Duration) ([]Message, error) {
	var out []Message
	for _, stream := range s.streams {
		entries, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    s.group,
			Consumer: s.consumer,
			MinIdle:  minIdle,
			Start:    "0",
			Count:    int64(s.batch),
		}).Result()
		if err != nil {
			return out, fmt.Errorf("autoclaim %s: %w", stream, err)
		}
		for _, entry := range entries {
			event, perr := decodeEntry(entry)
			if perr != nil {
				if derr := s.DeadLetter(ctx, stream, entry, perr); derr != nil {
					return out, derr
				}
				continue
			}
			out = append(out, Message{Stream: stream, ID: entry.ID, Event: event})
		}
	}
	return out, nil
}

func decodeEntry(entry redis.XMessage) (models.TaskEvent, error) {
	raw, ok := entry.Values["event"].(string)
	if !ok {
		return models.TaskEvent{}, fmt.Errorf("%w: entry %s has no event field", models.ErrInvalidEvent, entry.ID)
	}
	var event models.TaskEvent
	if err := json.Unmarshal([]byte(raw), &event); err != nil {
		return models.TaskEvent{}, fmt.Errorf("%w: decode entry %s: %v", models.ErrInvalidEvent, entry.ID, err)
	}
	if err := event.Validate(); err != nil {
		return models.TaskEvent{}, err
	}
	return event, nil
}

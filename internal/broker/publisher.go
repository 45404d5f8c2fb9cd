// Package broker moves task events over Redis Streams. Each logical topic is
// split into a fixed set of partition streams; events for one task always land
// on the same stream, which is what gives per-task ordering without any
// cross-task coordination.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"

	"github.com/redis/go-redis/v9"

	"task-event-pipeline/internal/config"
	"task-event-pipeline/internal/models"
	"task-event-pipeline/internal/telemetry"
)

// NewClient builds a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// Publisher appends task events to partition streams. It performs no business
// logic: validate, pick the partition, XADD. Transient failures are returned
// to the caller for retry.
type Publisher struct {
	client      *redis.Client
	topicPrefix string
	partitions  int
}

// NewPublisher builds a publisher over the given client.
func NewPublisher(client *redis.Client, cfg config.Config) *Publisher {
	partitions := cfg.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "task-events"
	}
	return &Publisher{
		client:      client,
		topicPrefix: prefix,
		partitions:  partitions,
	}
}

// Publish validates the envelope and appends it to the partition stream for
// its task_id. The returned error is transient (broker unavailable) unless it
// wraps models.ErrInvalidEvent.
func (p *Publisher) Publish(ctx context.Context, event models.TaskEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.EventID, err)
	}

	stream := p.streamFor(event.TaskID)
	if err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{"event": raw},
	}).Err(); err != nil {
		telemetry.PublishFailures.Inc()
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	telemetry.EventsPublished.Inc()
	return nil
}

func (p *Publisher) streamFor(taskID int64) string {
	return fmt.Sprintf("%s:%d", p.topicPrefix, partitionOf(taskID, p.partitions))
}

// partitionOf hashes the task id so one task always maps to one stream.
func partitionOf(taskID int64, partitions int) int {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d", taskID)
	return int(h.Sum32() % uint32(partitions))
}

// PartitionStreams lists every partition stream for a topic prefix.
func PartitionStreams(prefix string, partitions int) []string {
	if partitions <= 0 {
		partitions = 1
	}
	streams := make([]string, 0, partitions)
	for i := 0; i < partitions; i++ {
		streams = append(streams, fmt.Sprintf("%s:%d", prefix, i))
	}
	return streams
}

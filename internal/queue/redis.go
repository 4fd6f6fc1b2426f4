package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// RedisQueue implements MessageQueue using Redis Streams.
// It uses consumer groups for reliable message processing with acknowledgment.
// Messages left pending by a crashed or failing consumer are reclaimed with
// XAUTOCLAIM once they have been idle for ClaimIdle. The stream's delivery
// count is the attempt number; a message that fails its MaxAttempts-th
// delivery is acknowledged and dropped.
type RedisQueue struct {
	client        redis.UniversalClient
	streamKey     string
	consumerGroup string
	consumerName  string
	block         time.Duration
	claimIdle     time.Duration
	concurrency   int
	maxAttempts   int
	logger        *slog.Logger
}

// RedisConfig holds configuration for creating a RedisQueue.
type RedisConfig struct {
	// Address is the Redis server address (host:port)
	Address string

	// Password is the Redis password (optional)
	Password string

	// DB is the Redis database number (default: 0)
	DB int

	// StreamKey is the Redis stream name
	StreamKey string

	// ConsumerGroup is the consumer group name
	ConsumerGroup string

	// ConsumerName is the consumer name within the group
	ConsumerName string

	// CreateIfNotExists creates the stream and consumer group if they don't exist
	CreateIfNotExists bool

	// Block is how long a read waits for new messages (default: 5s)
	Block time.Duration

	// ClaimIdle is how long a pending message stays unacknowledged before
	// another consumer may take it over (default: 5m)
	ClaimIdle time.Duration

	// Concurrency is the number of messages handled in parallel (default: 1)
	Concurrency int

	// MaxAttempts bounds the deliveries of a failing message (default: 5)
	MaxAttempts int

	Logger *slog.Logger
}

func (cfg RedisConfig) validate() error {
	if cfg.StreamKey == "" {
		return errors.New("stream key is required")
	}
	if cfg.ConsumerGroup == "" {
		return errors.New("consumer group is required")
	}
	if cfg.ConsumerName == "" {
		return errors.New("consumer name is required")
	}
	return nil
}

// NewRedisQueue creates a new RedisQueue instance.
// The caller is responsible for calling Close() when done.
func NewRedisQueue(ctx context.Context, cfg RedisConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	q, err := NewRedisQueueFromClient(ctx, client, cfg)
	if err != nil {
		client.Close()
		return nil, err
	}
	return q, nil
}

// NewRedisQueueFromClient creates a RedisQueue over an existing client.
// Close closes the client.
func NewRedisQueueFromClient(ctx context.Context, client redis.UniversalClient, cfg RedisConfig) (*RedisQueue, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to connect to redis")
	}

	q := &RedisQueue{
		client:        client,
		streamKey:     cfg.StreamKey,
		consumerGroup: cfg.ConsumerGroup,
		consumerName:  cfg.ConsumerName,
		block:         cfg.Block,
		claimIdle:     cfg.ClaimIdle,
		concurrency:   cfg.Concurrency,
		maxAttempts:   maxAttempts(cfg.MaxAttempts),
		logger:        cfg.Logger,
	}
	if q.block <= 0 {
		q.block = 5 * time.Second
	}
	if q.claimIdle <= 0 {
		q.claimIdle = 5 * time.Minute
	}
	if q.concurrency <= 0 {
		q.concurrency = 1
	}
	if q.logger == nil {
		q.logger = slog.Default()
	}

	if cfg.CreateIfNotExists {
		// MKSTREAM creates the stream; "0" lets the group see tasks published
		// before the first worker started.
		err := client.XGroupCreateMkStream(ctx, cfg.StreamKey, cfg.ConsumerGroup, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return nil, errors.Wrap(err, "failed to create consumer group")
		}
	}

	return q, nil
}

// Publish sends a Task to the Redis stream.
func (q *RedisQueue) Publish(ctx context.Context, task *Task) error {
	if err := validateTask(task); err != nil {
		return err
	}

	t := *task
	t.Attempt = 0
	data, err := json.Marshal(&t)
	if err != nil {
		return errors.Wrap(err, "failed to marshal task")
	}

	args := &redis.XAddArgs{
		Stream: q.streamKey,
		Values: map[string]interface{}{
			"data": string(data),
			"kind": string(task.Kind),
		},
	}

	if _, err := q.client.XAdd(ctx, args).Result(); err != nil {
		return errors.Wrap(err, "failed to publish message to redis stream")
	}

	return nil
}

// Subscribe starts consuming messages from the Redis stream using a consumer group.
// It blocks until the context is cancelled.
func (q *RedisQueue) Subscribe(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		deliveries := q.claim(ctx)

		// ">" only returns messages never delivered to any other consumer.
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.consumerGroup,
			Consumer: q.consumerName,
			Streams:  []string{q.streamKey, ">"},
			Count:    int64(10 * q.concurrency),
			Block:    q.block,
		}).Result()
		switch {
		case err == nil:
			for _, stream := range streams {
				for _, msg := range stream.Messages {
					deliveries = append(deliveries, delivery{msg: msg, attempt: 1})
				}
			}
		case errors.Is(err, redis.Nil):
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			q.logger.Warn("failed to read from redis stream", "stream", q.streamKey, "error", err)
			continue
		}

		q.processBatch(ctx, deliveries, handler)
	}
}

// delivery is a stream message with its delivery count.
type delivery struct {
	msg     redis.XMessage
	attempt int
}

// claim takes over messages other consumers, or earlier failed attempts,
// left pending for too long.
func (q *RedisQueue) claim(ctx context.Context) []delivery {
	messages, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.streamKey,
		Group:    q.consumerGroup,
		Consumer: q.consumerName,
		MinIdle:  q.claimIdle,
		Start:    "0",
		Count:    int64(10 * q.concurrency),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		q.logger.Debug("failed to claim pending messages", "stream", q.streamKey, "error", err)
		return nil
	}
	if len(messages) > 0 {
		q.logger.Info("claimed pending messages", "stream", q.streamKey, "count", len(messages))
	}

	deliveries := make([]delivery, 0, len(messages))
	for _, msg := range messages {
		deliveries = append(deliveries, delivery{msg: msg, attempt: q.deliveryCount(ctx, msg.ID)})
	}
	return deliveries
}

// deliveryCount reads how often the group delivered the message id. XAUTOCLAIM
// counts the claim itself as a delivery.
func (q *RedisQueue) deliveryCount(ctx context.Context, id string) int {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.streamKey,
		Group:  q.consumerGroup,
		Start:  id,
		End:    id,
		Count:  1,
	}).Result()
	if err != nil || len(pending) == 0 {
		q.logger.Debug("failed to read delivery count", "id", id, "error", err)
		// A claimed message was delivered at least once before.
		return 2
	}
	return int(pending[0].RetryCount)
}

func (q *RedisQueue) processBatch(ctx context.Context, deliveries []delivery, handler Handler) {
	g := new(errgroup.Group)
	g.SetLimit(q.concurrency)
	for _, d := range deliveries {
		g.Go(func() error {
			if err := q.processMessage(ctx, d, handler); err != nil {
				q.logger.Warn("failed to process message", "id", d.msg.ID, "attempt", d.attempt, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// processMessage handles a single message from the stream.
func (q *RedisQueue) processMessage(ctx context.Context, d delivery, handler Handler) error {
	msg := d.msg
	dataStr, ok := msg.Values["data"].(string)
	if !ok {
		// Invalid message format: acknowledge it to remove from pending
		_ = q.client.XAck(ctx, q.streamKey, q.consumerGroup, msg.ID)
		return errors.New("message data field is not a string")
	}

	var task Task
	if err := json.Unmarshal([]byte(dataStr), &task); err != nil {
		_ = q.client.XAck(ctx, q.streamKey, q.consumerGroup, msg.ID)
		return errors.Wrap(err, "failed to unmarshal task")
	}

	task.Attempt = d.attempt
	task.MaxAttempts = q.maxAttempts

	err := handler(ctx, &task)
	if shouldRetry(&task, err) {
		// Left pending; XAUTOCLAIM redelivers it after ClaimIdle.
		return errors.Wrap(err, "handler failed to process message")
	}
	if err != nil && !errors.Is(err, ErrPermanent) {
		q.logger.Error("giving up on message",
			"id", msg.ID,
			"kind", task.Kind,
			"attempt", task.Attempt,
			"error", err,
		)
	}

	if err := q.client.XAck(ctx, q.streamKey, q.consumerGroup, msg.ID).Err(); err != nil {
		return errors.Wrap(err, "failed to acknowledge message")
	}

	return nil
}

// Close releases resources held by the RedisQueue.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

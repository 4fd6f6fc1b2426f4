package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/config"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/handoff"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/lava"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/lock"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/queue"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/storage"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/storage/gcs"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/storage/minio"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/store"
)

// OpenStore connects to the configured database and migrates it.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	s, err := store.Open(ctx, store.Config{
		Driver: store.Driver(cfg.Database.Driver),
		DSN:    cfg.Database.DSN,
	}, logger)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// NewQueue creates the configured message queue.
func NewQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (queue.MessageQueue, error) {
	q := cfg.Queue
	switch q.Type {
	case config.QueueTypeInMemory:
		return queue.NewInMemoryQueue(queue.InMemoryConfig{
			BufferSize:   q.BufferSize,
			Workers:      q.Workers,
			MaxAttempts:  q.MaxAttempts,
			RetryBackoff: q.RetryBackoff,
			Logger:       logger,
		}), nil
	case config.QueueTypeRedis:
		return queue.NewRedisQueue(ctx, queue.RedisConfig{
			Address:           q.RedisAddr,
			Password:          q.RedisPassword,
			DB:                q.RedisDB,
			StreamKey:         q.RedisStream,
			ConsumerGroup:     q.RedisGroup,
			ConsumerName:      consumerName(),
			CreateIfNotExists: true,
			Concurrency:       q.Workers,
			MaxAttempts:       q.MaxAttempts,
			Logger:            logger,
		})
	case config.QueueTypePubSub:
		return queue.NewPubSubQueue(ctx, queue.PubSubConfig{
			ProjectID:         q.PubSubProjectID,
			TopicName:         q.PubSubTopicID,
			SubscriptionName:  q.PubSubSubscription,
			CreateIfNotExists: true,
			Concurrency:       q.Workers,
			MaxAttempts:       q.MaxAttempts,
			DeadLetterTopic:   q.PubSubDeadLetter,
			Logger:            logger,
		})
	default:
		return nil, errors.Newf("unsupported queue type %q", q.Type)
	}
}

// consumerName identifies this process within the Redis consumer group.
func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// NewStorage creates the configured blob storage.
func NewStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	s := cfg.Storage
	switch s.Type {
	case config.StorageTypeGCS:
		return gcs.NewGCSStorage(ctx, s.GCSBucket)
	case config.StorageTypeMinio:
		return minio.NewMinIOStorage(ctx, minio.MinIOConfig{
			Endpoint:        s.MinIOEndpoint,
			AccessKeyID:     s.MinIOAccessKey,
			SecretAccessKey: s.MinIOSecretKey,
			UseSSL:          s.MinIOUseSSL,
			Bucket:          s.MinIOBucket,
		})
	case config.StorageTypeMemory:
		return storage.NewMemory(), nil
	default:
		return nil, errors.Newf("unsupported storage type %q", s.Type)
	}
}

// NewHandoffs creates the configured handoff store.
func NewHandoffs(cfg *config.Config, s *store.Store, blobs storage.Storage) handoff.Store {
	if cfg.Handoff.Type == config.HandoffTypeBlob {
		return handoff.NewBlob(blobs)
	}
	return handoff.NewDatabase(s)
}

// NewLocker creates the configured barrier lock. The returned close
// function releases the Redis client, if any.
func NewLocker(cfg *config.Config) (lock.Locker, func() error, error) {
	switch cfg.Lock.Type {
	case config.LockTypeLocal:
		return lock.NewLocalLocker(), func() error { return nil }, nil
	case config.LockTypeRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Lock.RedisAddr,
			Password: cfg.Lock.RedisPassword,
		})
		return lock.NewRedisLocker(client, lock.RedisLockerConfig{Expiry: cfg.Lock.Expiry}), client.Close, nil
	default:
		return nil, nil, errors.Newf("unsupported lock type %q", cfg.Lock.Type)
	}
}

// LavaClientConfig maps the LAVA settings onto the client configuration.
func LavaClientConfig(cfg *config.Config, logger *slog.Logger) lava.ClientConfig {
	return lava.ClientConfig{
		Timeout:           cfg.Lava.Timeout,
		RetryCount:        cfg.Lava.RetryCount,
		RetryWait:         cfg.Lava.RetryWait,
		RetryMaxWait:      cfg.Lava.RetryMaxWait,
		RequestsPerSecond: cfg.Lava.RequestsPerSecond,
		Logger:            logger,
	}
}

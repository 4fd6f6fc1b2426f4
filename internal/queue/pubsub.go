package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/cockroachdb/errors"
)

// PubSubQueue implements MessageQueue using Google Cloud Pub/Sub.
//
// Deliveries are counted by the subscription when it has a dead-letter
// policy. Without one, a failed task is acknowledged and republished with
// its attempt number instead of being nacked.
type PubSubQueue struct {
	client       *pubsub.Client
	topic        *pubsub.Topic
	subscription *pubsub.Subscription
	concurrency  int
	maxAttempts  int
	logger       *slog.Logger
}

// PubSubConfig holds configuration for creating a PubSubQueue.
type PubSubConfig struct {
	// ProjectID is the GCP project ID
	ProjectID string

	// TopicName is the Pub/Sub topic name
	TopicName string

	// SubscriptionName is the Pub/Sub subscription name
	SubscriptionName string

	// CreateIfNotExists creates the topic and subscription if they don't exist
	CreateIfNotExists bool

	// Concurrency bounds the messages handled at once (default: 4)
	Concurrency int

	// MaxAttempts bounds the deliveries of a failing task (default: 5)
	MaxAttempts int

	// DeadLetterTopic receives messages Pub/Sub gave up on, such as those
	// whose worker crashed on every delivery. It is set on subscriptions
	// created with CreateIfNotExists.
	DeadLetterTopic string

	Logger *slog.Logger
}

// NewPubSubQueue creates a new PubSubQueue instance.
// The caller is responsible for calling Close() when done.
func NewPubSubQueue(ctx context.Context, cfg PubSubConfig) (*PubSubQueue, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("project ID is required")
	}
	if cfg.TopicName == "" {
		return nil, errors.New("topic name is required")
	}
	if cfg.SubscriptionName == "" {
		return nil, errors.New("subscription name is required")
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create pubsub client")
	}

	attempts := maxAttempts(cfg.MaxAttempts)
	topic := client.Topic(cfg.TopicName)
	sub := client.Subscription(cfg.SubscriptionName)

	if cfg.CreateIfNotExists {
		topic, err = ensureTopic(ctx, client, cfg.TopicName)
		if err != nil {
			client.Close()
			return nil, err
		}

		var deadLetter *pubsub.DeadLetterPolicy
		if cfg.DeadLetterTopic != "" {
			dlt, err := ensureTopic(ctx, client, cfg.DeadLetterTopic)
			if err != nil {
				client.Close()
				return nil, err
			}
			deadLetter = &pubsub.DeadLetterPolicy{
				DeadLetterTopic: dlt.String(),
				// Pub/Sub accepts 5 to 100 attempts.
				MaxDeliveryAttempts: min(max(attempts, 5), 100),
			}
		}

		exists, err := sub.Exists(ctx)
		if err != nil {
			client.Close()
			return nil, errors.Wrap(err, "failed to check subscription existence")
		}
		if !exists {
			sub, err = client.CreateSubscription(ctx, cfg.SubscriptionName, pubsub.SubscriptionConfig{
				Topic: topic,
				// Chunk persistence and status recomputation of large runs
				// can take minutes.
				AckDeadline:      600 * time.Second,
				DeadLetterPolicy: deadLetter,
			})
			if err != nil {
				client.Close()
				return nil, errors.Wrap(err, "failed to create subscription")
			}
		}
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &PubSubQueue{
		client:       client,
		topic:        topic,
		subscription: sub,
		concurrency:  concurrency,
		maxAttempts:  attempts,
		logger:       logger,
	}, nil
}

func ensureTopic(ctx context.Context, client *pubsub.Client, name string) (*pubsub.Topic, error) {
	topic := client.Topic(name)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to check existence of topic %s", name)
	}
	if exists {
		return topic, nil
	}
	topic, err = client.CreateTopic(ctx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create topic %s", name)
	}
	return topic, nil
}

// Publish sends a Task to the Pub/Sub topic and waits for the server ack.
func (q *PubSubQueue) Publish(ctx context.Context, task *Task) error {
	if err := validateTask(task); err != nil {
		return err
	}

	t := *task
	t.Attempt = 0
	return q.publish(ctx, &t)
}

func (q *PubSubQueue) publish(ctx context.Context, task *Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "failed to marshal task")
	}

	result := q.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"kind": string(task.Kind),
		},
	})

	if _, err := result.Get(ctx); err != nil {
		return errors.Wrap(err, "failed to publish message")
	}

	return nil
}

// Subscribe starts consuming messages from the Pub/Sub subscription.
// It blocks until the context is cancelled or an error occurs.
func (q *PubSubQueue) Subscribe(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	q.subscription.ReceiveSettings.MaxOutstandingMessages = q.concurrency
	q.subscription.ReceiveSettings.NumGoroutines = 1

	err := q.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var task Task
		if err := json.Unmarshal(msg.Data, &task); err != nil {
			q.logger.Error("dropping malformed message", "id", msg.ID, "error", err)
			msg.Ack()
			return
		}

		task.Attempt++
		if msg.DeliveryAttempt != nil {
			task.Attempt = *msg.DeliveryAttempt
		}
		task.MaxAttempts = q.maxAttempts

		err := handler(ctx, &task)
		switch {
		case shouldRetry(&task, err) && msg.DeliveryAttempt != nil:
			msg.Nack()
			return
		case shouldRetry(&task, err):
			if perr := q.publish(ctx, &task); perr != nil {
				q.logger.Warn("failed to republish task", "id", msg.ID, "error", perr)
				msg.Nack()
				return
			}
		case err != nil && !errors.Is(err, ErrPermanent):
			q.logger.Error("giving up on message",
				"id", msg.ID,
				"kind", task.Kind,
				"attempt", task.Attempt,
				"error", err,
			)
		}

		msg.Ack()
	})

	if err != nil {
		return errors.Wrap(err, "subscription receive error")
	}

	return nil
}

// Close releases resources held by the PubSubQueue.
func (q *PubSubQueue) Close() error {
	q.topic.Stop()
	return q.client.Close()
}

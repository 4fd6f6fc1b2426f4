package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

const maxRetryBackoff = time.Minute

// InMemoryQueue implements MessageQueue with an unbounded in-process task
// list. It serves all-in-one and local modes, where the dispatcher and the
// workers run in the same process: handlers publish follow-up tasks to the
// queue they are consuming, so Publish never blocks.
//
// Failed tasks are redelivered after an exponential backoff until
// MaxAttempts deliveries failed.
type InMemoryQueue struct {
	mu       sync.Mutex
	pending  []*Task
	changed  chan struct{}
	retrying int
	closed   bool

	workers     int
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
}

// InMemoryConfig holds configuration for creating an InMemoryQueue.
type InMemoryConfig struct {
	// BufferSize is the initial capacity of the task list (default: 100).
	// The list grows past it.
	BufferSize int

	// Workers is the number of goroutines consuming tasks (default: 4).
	Workers int

	// MaxAttempts bounds the deliveries of a failing task (default: 5).
	MaxAttempts int

	// RetryBackoff is the delay before the first redelivery; it doubles
	// with every attempt up to a minute (default: 1s).
	RetryBackoff time.Duration

	Logger *slog.Logger
}

// NewInMemoryQueue creates a new InMemoryQueue instance.
// The caller is responsible for calling Close() when done.
func NewInMemoryQueue(cfg InMemoryConfig) *InMemoryQueue {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 100
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &InMemoryQueue{
		pending:     make([]*Task, 0, bufferSize),
		changed:     make(chan struct{}),
		workers:     workers,
		maxAttempts: maxAttempts(cfg.MaxAttempts),
		backoff:     backoff,
		logger:      logger,
	}
}

// Publish appends a copy of task to the queue.
func (q *InMemoryQueue) Publish(ctx context.Context, task *Task) error {
	if err := validateTask(task); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "publish cancelled")
	}

	t := *task
	t.Attempt = 0

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errors.New("queue is closed")
	}
	q.pushLocked(&t)
	return nil
}

// Subscribe consumes tasks with the configured number of workers until the
// context is cancelled, or the queue is closed and every task, including
// those waiting for a retry, has been handled.
func (q *InMemoryQueue) Subscribe(ctx context.Context, handler Handler) error {
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			for {
				task, err := q.next(ctx)
				if err != nil || task == nil {
					return err
				}
				q.handle(ctx, task, handler)
			}
		})
	}
	return g.Wait()
}

// next blocks until a task is available. It returns nil once the queue is
// closed and drained.
func (q *InMemoryQueue) next(ctx context.Context) (*Task, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			task := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return task, nil
		}
		if q.closed && q.retrying == 0 {
			q.mu.Unlock()
			return nil, nil
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *InMemoryQueue) handle(ctx context.Context, task *Task, handler Handler) {
	task.Attempt++
	task.MaxAttempts = q.maxAttempts

	err := handler(ctx, task)
	if err == nil || errors.Is(err, ErrPermanent) {
		return
	}
	if !shouldRetry(task, err) || ctx.Err() != nil {
		q.logger.Error("giving up on in-memory task",
			"kind", task.Kind,
			"run_id", task.RunID,
			"job_id", task.JobID,
			"attempt", task.Attempt,
			"error", err,
		)
		return
	}

	delay := q.retryDelay(task.Attempt)
	q.logger.Warn("in-memory task failed, retrying",
		"kind", task.Kind,
		"run_id", task.RunID,
		"job_id", task.JobID,
		"attempt", task.Attempt,
		"delay", delay,
		"error", err,
	)

	q.mu.Lock()
	q.retrying++
	q.mu.Unlock()
	time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.retrying--
		q.pushLocked(task)
	})
}

func (q *InMemoryQueue) retryDelay(attempt int) time.Duration {
	delay := q.backoff
	for i := 1; i < attempt && delay < maxRetryBackoff; i++ {
		delay *= 2
	}
	return min(delay, maxRetryBackoff)
}

// pushLocked appends task and wakes the waiting workers.
func (q *InMemoryQueue) pushLocked(task *Task) {
	q.pending = append(q.pending, task)
	q.broadcastLocked()
}

func (q *InMemoryQueue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Len reports the number of tasks waiting to be handled, including those
// waiting for a retry.
func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + q.retrying
}

// Close prevents further publishing. Queued tasks and pending retries are
// still delivered to running subscribers.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	q.closed = true
	q.broadcastLocked()
	return nil
}

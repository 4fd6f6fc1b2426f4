package queue

import (
	"context"

	"github.com/cockroachdb/errors"
)

// Kind identifies which stage of the pipeline a Task belongs to.
type Kind string

const (
	// KindPostprocess asks a worker to resolve and ingest the results of a test job.
	KindPostprocess Kind = "postprocess"

	// KindChunk asks a worker to persist one handed-off chunk of test cases.
	KindChunk Kind = "chunk"

	// KindBarrier asks a worker to recompute the statuses of a run whose
	// chunks have all completed.
	KindBarrier Kind = "barrier"
)

// ErrPermanent marks handler errors that must not be redelivered.
var ErrPermanent = errors.New("permanent task failure")

// Task is the message exchanged between the dispatcher and the workers.
type Task struct {
	Kind Kind `json:"kind"`

	// JobID is the test job for postprocess tasks.
	JobID int64 `json:"job_id,omitempty"`

	// RunID is the test run the chunk or barrier belongs to.
	RunID int64 `json:"run_id,omitempty"`

	SuiteID int64 `json:"suite_id,omitempty"`

	// HandoffID references the serialized chunk.
	HandoffID string `json:"handoff_id,omitempty"`

	// Generation is the barrier generation the chunk was registered with.
	Generation int64 `json:"generation,omitempty"`

	// Attempt is the delivery being handled, starting at 1. Queues set it
	// before calling the handler. Copies republished after a failure carry
	// the attempt that failed.
	Attempt int `json:"attempt,omitempty"`

	// MaxAttempts is the delivery limit of the queue the task came from;
	// zero means unlimited.
	MaxAttempts int `json:"-"`
}

// DefaultMaxAttempts is the delivery limit of queues that are not given one.
const DefaultMaxAttempts = 5

// LastAttempt reports whether a failure of this delivery exhausts the task.
func (t *Task) LastAttempt() bool {
	return t.MaxAttempts > 0 && t.Attempt >= t.MaxAttempts
}

// Validate checks that the fields required by the task kind are set.
func (t *Task) Validate() error {
	switch t.Kind {
	case KindPostprocess:
		if t.JobID <= 0 {
			return errors.New("postprocess task requires a job id")
		}
	case KindChunk:
		if t.RunID <= 0 || t.HandoffID == "" {
			return errors.New("chunk task requires a run id and a handoff id")
		}
	case KindBarrier:
		if t.RunID <= 0 {
			return errors.New("barrier task requires a run id")
		}
	default:
		return errors.Newf("unknown task kind %q", t.Kind)
	}
	return nil
}

// Handler processes one task. Returning an error marked with ErrPermanent
// acknowledges the task anyway; other errors redeliver it until the queue's
// attempt limit is reached.
type Handler func(context.Context, *Task) error

// ExhaustedHandler is called once for a task whose last attempt failed, with
// the error of that attempt. It gives the task's owner a terminal state.
type ExhaustedHandler func(context.Context, *Task, error)

// MessageQueue defines the interface for queue operations.
// Implementations include GCP Pub/Sub, Redis, and in-memory queues.
type MessageQueue interface {
	// Publish sends a Task to the queue.
	Publish(ctx context.Context, task *Task) error

	// Subscribe starts consuming tasks and calls handler for each of them.
	// It blocks until the context is cancelled or an unrecoverable error occurs.
	Subscribe(ctx context.Context, handler Handler) error

	// Close releases any resources held by the queue client.
	Close() error
}

// shouldRetry reports whether a failed delivery is handed back to the queue.
func shouldRetry(task *Task, err error) bool {
	return err != nil && !errors.Is(err, ErrPermanent) && !task.LastAttempt()
}

func maxAttempts(n int) int {
	if n <= 0 {
		return DefaultMaxAttempts
	}
	return n
}

func validateTask(task *Task) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}
	return task.Validate()
}

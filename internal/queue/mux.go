package queue

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/metrics"
)

// Mux routes tasks to the handler registered for their kind.
type Mux struct {
	handlers  map[Kind]Handler
	exhausted map[Kind]ExhaustedHandler
	logger    *slog.Logger
}

// NewMux creates an empty Mux.
func NewMux(logger *slog.Logger) *Mux {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mux{
		handlers:  make(map[Kind]Handler),
		exhausted: make(map[Kind]ExhaustedHandler),
		logger:    logger,
	}
}

// Handle registers h for kind, replacing any previous handler.
func (m *Mux) Handle(kind Kind, h Handler) {
	m.handlers[kind] = h
}

// HandleExhausted registers fn to run when the last attempt of a task of
// kind fails.
func (m *Mux) HandleExhausted(kind Kind, fn ExhaustedHandler) {
	m.exhausted[kind] = fn
}

// Serve dispatches task. It satisfies Handler.
func (m *Mux) Serve(ctx context.Context, task *Task) error {
	if err := validateTask(task); err != nil {
		metrics.TasksTotal.WithLabelValues(string(task.kind()), "invalid").Inc()
		m.logger.Error("dropping invalid task", "error", err)
		return errors.Mark(err, ErrPermanent)
	}

	h, ok := m.handlers[task.Kind]
	if !ok {
		metrics.TasksTotal.WithLabelValues(string(task.Kind), "unrouted").Inc()
		return errors.Mark(errors.Newf("no handler for task kind %q", task.Kind), ErrPermanent)
	}

	err := h(ctx, task)
	switch {
	case err == nil:
		metrics.TasksTotal.WithLabelValues(string(task.Kind), "ok").Inc()
	case errors.Is(err, ErrPermanent):
		metrics.TasksTotal.WithLabelValues(string(task.Kind), "failed").Inc()
		m.logger.Error("task failed permanently",
			"kind", task.Kind,
			"run_id", task.RunID,
			"job_id", task.JobID,
			"error", err,
		)
	case task.LastAttempt():
		metrics.TasksTotal.WithLabelValues(string(task.Kind), "exhausted").Inc()
		m.logger.Error("task failed on its last attempt",
			"kind", task.Kind,
			"run_id", task.RunID,
			"job_id", task.JobID,
			"attempt", task.Attempt,
			"error", err,
		)
		if fn, ok := m.exhausted[task.Kind]; ok {
			fn(ctx, task, err)
		}
		return errors.Mark(err, ErrPermanent)
	default:
		metrics.TasksTotal.WithLabelValues(string(task.Kind), "retry").Inc()
		m.logger.Warn("task failed",
			"kind", task.Kind,
			"run_id", task.RunID,
			"job_id", task.JobID,
			"attempt", task.Attempt,
			"error", err,
		)
	}
	return err
}

func (t *Task) kind() Kind {
	if t == nil {
		return ""
	}
	return t.Kind
}

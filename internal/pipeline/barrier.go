package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/handoff"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/lock"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/metrics"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/queue"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/store"
)

// Barrier recomputes run statuses once all chunks of a generation are in.
type Barrier struct {
	store    *store.Store
	handoffs handoff.Store
	locker   lock.Locker
	sink     JobSink
	logger   *slog.Logger
}

// NewBarrier creates the barrier task handler. sink may be nil.
func NewBarrier(s *store.Store, handoffs handoff.Store, locker lock.Locker, sink JobSink, logger *slog.Logger) *Barrier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Barrier{store: s, handoffs: handoffs, locker: locker, sink: sink, logger: logger}
}

// HandleBarrier is the queue handler for barrier tasks. Stale and duplicate
// tasks are acknowledged without effect. A failed recomputation leaves the
// barrier fired so that a redelivery retries it; once the queue stops
// redelivering, HandleExhausted completes it.
func (b *Barrier) HandleBarrier(ctx context.Context, task *queue.Task) error {
	ctx, span := tracer.Start(ctx, "pipeline.HandleBarrier", trace.WithAttributes(
		attribute.Int64("run_id", task.RunID),
		attribute.Int64("generation", task.Generation),
	))
	defer span.End()

	return b.locker.WithLock(ctx, fmt.Sprintf("run:%d", task.RunID), func(ctx context.Context) error {
		return b.complete(ctx, task)
	})
}

func (b *Barrier) complete(ctx context.Context, task *queue.Task) error {
	logger := b.logger.With("run_id", task.RunID, "generation", task.Generation)

	latch, err := b.store.Barrier(ctx, task.RunID)
	if errors.Is(err, store.ErrNotFound) {
		return errors.Mark(err, queue.ErrPermanent)
	}
	if err != nil {
		return err
	}
	if latch.Generation != task.Generation || latch.State != store.BarrierFired {
		logger.Debug("ignoring stale barrier task", "current_generation", latch.Generation, "state", latch.State)
		return nil
	}

	if err := b.store.RecomputeRunStatus(ctx, task.RunID); err != nil {
		return err
	}

	won, err := b.store.CompleteBarrier(ctx, task.RunID, task.Generation)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	metrics.BarriersFired.Inc()

	if n, err := b.handoffs.Purge(ctx, task.RunID); err != nil {
		logger.Warn("failed to purge leftover handoffs", "error", err)
	} else if n > 0 {
		logger.Info("purged leftover handoffs", "count", n)
	}

	logger.Info("run statuses recorded",
		"chunks", latch.Expected,
		"failed_chunks", latch.Failed,
	)

	var failure string
	if latch.Failed > 0 {
		failure = fmt.Sprintf("%d of %d result chunks could not be recorded", latch.Failed, latch.Expected)
	}
	b.finish(ctx, latch, failure, logger)
	return nil
}

// HandleExhausted runs when the last delivery of a barrier task failed. The
// fired generation is completed without fresh statuses and its job is
// finished with a failure, so that nothing keeps waiting for it.
func (b *Barrier) HandleExhausted(ctx context.Context, task *queue.Task, cause error) {
	logger := b.logger.With("run_id", task.RunID, "generation", task.Generation)

	err := b.locker.WithLock(ctx, fmt.Sprintf("run:%d", task.RunID), func(ctx context.Context) error {
		latch, err := b.store.Barrier(ctx, task.RunID)
		if err != nil {
			return err
		}
		if latch.Generation != task.Generation || latch.State != store.BarrierFired {
			return nil
		}

		won, err := b.store.CompleteBarrier(ctx, task.RunID, task.Generation)
		if err != nil {
			logger.Error("failed to complete barrier", "error", err)
		} else if !won {
			return nil
		}
		b.finish(ctx, latch, "run statuses could not be recomputed: "+cause.Error(), logger)
		return nil
	})
	if err != nil {
		logger.Error("failed to give up on barrier", "error", err)
	}
}

// finish reports the outcome of the generation to the job sink. The barrier
// is already done by then; a sink failure must not redo the work.
func (b *Barrier) finish(ctx context.Context, latch *store.RunBarrier, failure string, logger *slog.Logger) {
	if latch.JobID == 0 || b.sink == nil {
		return
	}
	if err := b.sink.FinishJob(ctx, latch.JobID, failure); err != nil {
		logger.Error("failed to update test job status", "job_id", latch.JobID, "error", err)
	}
}

// Register routes chunk and barrier tasks to w and b.
func Register(mux *queue.Mux, w *Worker, b *Barrier) {
	mux.Handle(queue.KindChunk, w.HandleChunk)
	mux.Handle(queue.KindBarrier, b.HandleBarrier)
	mux.HandleExhausted(queue.KindChunk, w.HandleExhausted)
	mux.HandleExhausted(queue.KindBarrier, b.HandleExhausted)
}

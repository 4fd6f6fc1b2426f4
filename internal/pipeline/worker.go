package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/handoff"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/metrics"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/queue"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/store"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/tradefed"
)

// Worker persists handed-off chunks.
type Worker struct {
	store     *store.Store
	handoffs  handoff.Store
	publisher Publisher
	logger    *slog.Logger
}

// NewWorker creates a chunk Worker.
func NewWorker(s *store.Store, handoffs handoff.Store, publisher Publisher, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{store: s, handoffs: handoffs, publisher: publisher, logger: logger}
}

// HandleChunk is the queue handler for chunk tasks.
//
// The chunk is applied in one transaction. When it cannot be applied it is
// counted as failed on the barrier instead, so the run statuses still get
// recomputed. Either way the handoff is deleted afterwards.
func (w *Worker) HandleChunk(ctx context.Context, task *queue.Task) error {
	ctx, span := tracer.Start(ctx, "pipeline.HandleChunk", trace.WithAttributes(
		attribute.Int64("run_id", task.RunID),
		attribute.String("handoff_id", task.HandoffID),
		attribute.Int64("generation", task.Generation),
	))
	defer span.End()

	logger := w.logger.With("run_id", task.RunID, "handoff_id", task.HandoffID)
	start := time.Now()

	run, err := w.store.TestRun(ctx, task.RunID)
	if errors.Is(err, store.ErrNotFound) {
		return errors.Mark(err, queue.ErrPermanent)
	}
	if err != nil {
		return err
	}

	chunk, err := w.handoffs.Load(ctx, task.RunID, task.HandoffID)
	if errors.Is(err, handoff.ErrNotFound) {
		// Either a redelivery of an applied chunk, whose receipt makes this a
		// no-op, or a lost handoff, which counts as failed.
		logger.Warn("chunk handoff is gone", "error", err)
		return w.fail(ctx, task, logger)
	}
	if err != nil {
		if errors.Is(err, handoff.ErrCorrupt) {
			logger.Error("failed to decode chunk handoff", "error", err)
			return w.fail(ctx, task, logger)
		}
		return err
	}

	res, err := w.store.RecordChunk(ctx, chunkWrite(task, run.EnvironmentID, chunk))
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "record failed")
		logger.Error("failed to record chunk", "suite", chunk.Suite, "error", err)
		return w.fail(ctx, task, logger)
	}

	metrics.ChunkDuration.Observe(time.Since(start).Seconds())
	if res.Replayed {
		metrics.ChunksProcessed.WithLabelValues("replayed").Inc()
	} else {
		metrics.ChunksProcessed.WithLabelValues("recorded").Inc()
		metrics.TestsIngested.WithLabelValues("pass").Add(float64(res.Tally.Pass))
		metrics.TestsIngested.WithLabelValues("fail").Add(float64(res.Tally.Fail))
		metrics.TestsIngested.WithLabelValues("xfail").Add(float64(res.Tally.XFail))
		metrics.TestsIngested.WithLabelValues("skip").Add(float64(res.Tally.Skip))
	}
	logger.Debug("chunk recorded",
		"suite", chunk.Suite,
		"pass", res.Tally.Pass,
		"fail", res.Tally.Fail,
		"xfail", res.Tally.XFail,
		"skip", res.Tally.Skip,
		"replayed", res.Replayed,
	)

	w.deleteHandoff(ctx, task, logger)
	return w.fire(ctx, task, res.Fire)
}

// HandleExhausted runs when the last delivery of a chunk task failed. The
// chunk is counted as failed so that its barrier can still fire.
func (w *Worker) HandleExhausted(ctx context.Context, task *queue.Task, _ error) {
	logger := w.logger.With("run_id", task.RunID, "handoff_id", task.HandoffID)
	if err := w.fail(ctx, task, logger); err != nil {
		logger.Error("failed to count chunk as failed", "error", err)
	}
}

// fail counts the chunk as failed and drops its handoff. The task is
// acknowledged unless the failure itself could not be recorded.
func (w *Worker) fail(ctx context.Context, task *queue.Task, logger *slog.Logger) error {
	fire, err := w.store.FailChunk(ctx, task.RunID, task.HandoffID, task.Generation)
	if err != nil {
		return err
	}
	metrics.ChunksProcessed.WithLabelValues("failed").Inc()
	w.deleteHandoff(ctx, task, logger)
	return w.fire(ctx, task, fire)
}

func (w *Worker) deleteHandoff(ctx context.Context, task *queue.Task, logger *slog.Logger) {
	if err := w.handoffs.Delete(ctx, task.RunID, task.HandoffID); err != nil {
		// Leftovers are purged once the barrier completes.
		logger.Warn("failed to delete chunk handoff", "error", err)
	}
}

func (w *Worker) fire(ctx context.Context, task *queue.Task, fire bool) error {
	if !fire {
		return nil
	}
	err := w.publisher.Publish(ctx, &queue.Task{Kind: queue.KindBarrier, RunID: task.RunID, Generation: task.Generation})
	if err != nil {
		return errors.Wrap(err, "failed to publish barrier task")
	}
	return nil
}

func chunkWrite(task *queue.Task, environmentID int64, chunk tradefed.Chunk) store.ChunkWrite {
	suiteID := chunk.SuiteID
	if suiteID == 0 {
		suiteID = task.SuiteID
	}
	tests := make([]store.TestWrite, 0, chunk.NumTests())
	for _, tc := range chunk.Cases {
		for _, t := range tc.Tests {
			tests = append(tests, store.TestWrite{
				Name:   tradefed.QualifiedName(tc.Name, t.Name),
				Result: t.Result,
				Log:    t.Log,
			})
		}
	}
	return store.ChunkWrite{
		RunID:         task.RunID,
		SuiteID:       suiteID,
		Suite:         chunk.Suite,
		EnvironmentID: environmentID,
		HandoffID:     task.HandoffID,
		Generation:    task.Generation,
		Tests:         tests,
	}
}

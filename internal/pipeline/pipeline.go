// Package pipeline fans a Tradefed report out into chunk tasks and fans the
// results back in.
//
// The Ingestor decodes a report, hands every chunk off and publishes one
// chunk task per handoff. Workers persist the chunks in any order and count
// them on the run's barrier; the worker that completes the barrier publishes
// a barrier task, whose handler recomputes the run statuses exactly once.
package pipeline

import (
	"context"

	"go.opentelemetry.io/otel"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/queue"
)

var tracer = otel.Tracer("github.com/oleg-kozlyuk-grafana/go-tradefed/internal/pipeline")

// Publisher sends tasks to the workers. queue.MessageQueue implements it.
type Publisher interface {
	Publish(ctx context.Context, task *queue.Task) error
}

// JobSink receives the terminal status of a test job.
type JobSink interface {
	FinishJob(ctx context.Context, jobID int64, failure string) error
}

// Handle describes one dispatched chunk.
type Handle struct {
	HandoffID string
	Suite     string
	SuiteID   int64
	Tests     int
}

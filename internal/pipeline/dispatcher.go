package pipeline

import (
	"context"
	"io"
	"log/slog"

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

// IngestorConfig holds the tunables of an Ingestor.
type IngestorConfig struct {
	// ChunkSize is the number of test cases per chunk.
	ChunkSize int

	// SuiteCacheSize bounds the suite id cache of one ingestion.
	SuiteCacheSize int

	Logger *slog.Logger
}

// Ingestor decodes reports and dispatches their chunks.
type Ingestor struct {
	store     *store.Store
	handoffs  handoff.Store
	publisher Publisher
	config    IngestorConfig
	logger    *slog.Logger
}

// NewIngestor creates an Ingestor.
func NewIngestor(s *store.Store, handoffs handoff.Store, publisher Publisher, config IngestorConfig) *Ingestor {
	if config.ChunkSize <= 0 {
		config.ChunkSize = tradefed.DefaultChunkSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		store:     s,
		handoffs:  handoffs,
		publisher: publisher,
		config:    config,
		logger:    logger,
	}
}

// IngestOption configures one Ingest call.
type IngestOption func(*ingestOptions)

type ingestOptions struct {
	jobID int64
}

// WithJob attaches the test job whose status the barrier reports once the
// run statuses are recomputed.
func WithJob(jobID int64) IngestOption {
	return func(o *ingestOptions) {
		o.jobID = jobID
	}
}

// Ingest streams report into chunks for runID and returns the dispatched
// handles. Suites are named "{suitePrefix}/{module_id}".
//
// A malformed report stops decoding: the chunks dispatched so far still
// complete the barrier, and the returned error is marked with
// tradefed.ErrMalformedReport. Any other error leaves the barrier open; a
// retried ingestion starts a new generation.
func (i *Ingestor) Ingest(ctx context.Context, report io.Reader, runID int64, suitePrefix string, opts ...IngestOption) ([]Handle, error) {
	var o ingestOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := tracer.Start(ctx, "pipeline.Ingest", trace.WithAttributes(
		attribute.Int64("run_id", runID),
		attribute.String("suite_prefix", suitePrefix),
	))
	defer span.End()

	rc, err := i.store.LoadRunContext(ctx, runID)
	if err != nil {
		return nil, err
	}
	suites, err := NewSuiteCache(i.store, rc.Project.ID, i.config.SuiteCacheSize)
	if err != nil {
		return nil, err
	}

	generation, err := i.store.OpenBarrier(ctx, runID, o.jobID)
	if err != nil {
		return nil, err
	}
	logger := i.logger.With("run_id", runID, "generation", generation)

	decoder := tradefed.NewDecoder(
		tradefed.WithChunkSize(i.config.ChunkSize),
		tradefed.WithSuiteRegistry(suites),
		tradefed.WithCorrelator(tradefed.NewKnownIssueCorrelator(i.store, rc.Environment.ID, logger)),
		tradefed.WithLogger(logger),
	)

	var (
		handles   []Handle
		decodeErr error
	)
	for chunk, err := range decoder.Chunks(ctx, report, suitePrefix) {
		if err != nil {
			if !errors.Is(err, tradefed.ErrMalformedReport) {
				span.RecordError(err)
				span.SetStatus(codes.Error, "decode failed")
				return handles, err
			}
			logger.Error("failed to extract test cases", "error", err)
			decodeErr = err
			break
		}

		h, err := i.dispatch(ctx, runID, generation, chunk)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "dispatch failed")
			return handles, err
		}
		handles = append(handles, h)
	}

	fire, err := i.store.SealBarrier(ctx, runID, generation, len(handles))
	if err != nil {
		return handles, err
	}
	if fire {
		// Every chunk finished before the seal, or there were none.
		if err := i.publisher.Publish(ctx, &queue.Task{Kind: queue.KindBarrier, RunID: runID, Generation: generation}); err != nil {
			return handles, errors.Wrap(err, "failed to publish barrier task")
		}
	}

	span.SetAttributes(attribute.Int("chunks", len(handles)))
	logger.Info("report dispatched", "chunks", len(handles), "sealed_complete", fire)
	return handles, decodeErr
}

func (i *Ingestor) dispatch(ctx context.Context, runID, generation int64, chunk tradefed.Chunk) (Handle, error) {
	id, err := i.handoffs.Save(ctx, runID, chunk)
	if err != nil {
		return Handle{}, errors.Wrapf(err, "failed to hand off chunk of %s", chunk.Suite)
	}

	task := &queue.Task{
		Kind:       queue.KindChunk,
		RunID:      runID,
		SuiteID:    chunk.SuiteID,
		HandoffID:  id,
		Generation: generation,
	}
	if err := i.publisher.Publish(ctx, task); err != nil {
		return Handle{}, errors.Wrapf(err, "failed to publish chunk %s", id)
	}

	metrics.ChunksDispatched.Inc()
	return Handle{HandoffID: id, Suite: chunk.Suite, SuiteID: chunk.SuiteID, Tests: chunk.NumTests()}, nil
}

// Package postprocess turns a finished LAVA test job into Tradefed test
// results: it finds the job's results archive, ingests or scans the report
// and stores the archive members as run attachments.
package postprocess

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/archive"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/lava"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/metrics"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/pipeline"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/queue"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/store"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/tradefed"
)

const (
	// SettingExtractAggregated is the project setting enabling streaming
	// ingestion of aggregated reports.
	SettingExtractAggregated = "PLUGINS_TRADEFED_EXTRACT_AGGREGATED"

	// ImplementationLAVA is the only backend implementation handled.
	ImplementationLAVA = "lava"

	resultsURLKey = "tradefed_results_url_"
)

var tracer = otel.Tracer("github.com/oleg-kozlyuk-grafana/go-tradefed/internal/postprocess")

// ArtifactResolver finds and downloads the results archive of a job.
type ArtifactResolver interface {
	ResolveArtifact(ctx context.Context, job, suiteName string) (*archive.ArtifactSet, error)
}

// ResolverFunc returns the resolver for a backend.
type ResolverFunc func(backend store.Backend) ArtifactResolver

// LavaResolvers returns a ResolverFunc building lava resolvers that share
// fetcher.
func LavaResolvers(fetcher *lava.Fetcher, cfg lava.ClientConfig) ResolverFunc {
	return func(b store.Backend) ArtifactResolver {
		return lava.NewResolver(lava.Backend{URL: b.URL, Token: b.Token, UseXMLRPC: b.UseXMLRPC}, fetcher, cfg)
	}
}

// Config holds the processor settings.
type Config struct {
	// BaseURL is the public URL attachments are served under.
	BaseURL string

	// ExtractAggregated applies to projects without the
	// PLUGINS_TRADEFED_EXTRACT_AGGREGATED setting.
	ExtractAggregated bool

	Logger *slog.Logger
}

// Processor handles postprocess tasks.
type Processor struct {
	store       *store.Store
	resolvers   ResolverFunc
	ingestor    *pipeline.Ingestor
	attachments *Attachments
	locator     *tradefed.Locator
	config      Config
	logger      *slog.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(s *store.Store, resolvers ResolverFunc, ingestor *pipeline.Ingestor, attachments *Attachments, cfg Config) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:       s,
		resolvers:   resolvers,
		ingestor:    ingestor,
		attachments: attachments,
		locator:     tradefed.NewLocator(logger),
		config:      cfg,
		logger:      logger,
	}
}

// Register routes postprocess tasks to p.
func (p *Processor) Register(mux *queue.Mux) {
	mux.Handle(queue.KindPostprocess, p.HandlePostprocess)
	mux.HandleExhausted(queue.KindPostprocess, p.HandleExhausted)
}

// HandlePostprocess is the queue handler for postprocess tasks.
func (p *Processor) HandlePostprocess(ctx context.Context, task *queue.Task) error {
	return p.Process(ctx, task.JobID)
}

// HandleExhausted finishes the job with a failure once the last delivery of
// its postprocess task failed.
func (p *Processor) HandleExhausted(ctx context.Context, task *queue.Task, cause error) {
	if err := p.store.FinishJob(ctx, task.JobID, processFailure(cause)); err != nil {
		p.logger.Error("failed to finish test job", "job_id", task.JobID, "error", err)
	}
}

func processFailure(err error) string {
	return "Failed to process CTS/VTS tests: " + err.Error()
}

// Process post-processes one test job. The job always ends up finished:
// by this call, or by the run's barrier when the report is ingested.
// Errors returned are worth retrying unless marked queue.ErrPermanent.
func (p *Processor) Process(ctx context.Context, jobID int64) error {
	ctx, span := tracer.Start(ctx, "postprocess.Process", trace.WithAttributes(attribute.Int64("job_id", jobID)))
	defer span.End()

	tj, err := p.store.LoadTestJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return errors.Mark(err, queue.ErrPermanent)
	}
	if err != nil {
		return err
	}
	logger := p.logger.With("job_id", jobID, "lava_job", tj.Job.JobID)
	logger.Info("starting tradefed postprocessing")

	finish := func(failure string) error {
		return p.store.FinishJob(ctx, jobID, failure)
	}

	if tj.Backend.ImplementationType != ImplementationLAVA {
		logger.Error("test job does not come from LAVA", "implementation", tj.Backend.ImplementationType)
		return finish("")
	}
	if tj.Job.TestRunID == nil {
		logger.Error("test job has no test run")
		if err := finish("test job has no test run"); err != nil {
			return err
		}
		return errors.Mark(errors.Newf("test job %d has no test run", jobID), queue.ErrPermanent)
	}
	runID := *tj.Job.TestRunID

	defs, err := ParseDefinition(tj.Job.Definition)
	if err != nil {
		logger.Error("failed to parse job definition", "error", err)
		return finish(err.Error())
	}
	if len(defs) != 1 {
		logger.Info("expected exactly one tradefed definition, skipping", "definitions", len(defs))
		return finish("")
	}
	def := defs[0]
	logger = logger.With("suite", def.Name, "results_format", def.ResultsFormat)

	set, err := p.resolvers(tj.Backend).ResolveArtifact(ctx, tj.Job.JobID, def.Name)
	if errors.Is(err, lava.ErrNotFound) {
		logger.Info("no tradefed results archive found")
		return finish("")
	}
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		logger.Error("failed to resolve tradefed results", "error", err)
		return finish(processFailure(err))
	}
	defer set.Close()

	if err := p.store.SetRunMetadata(ctx, runID, resultsURLKey+tj.Job.JobID, set.Source); err != nil {
		return err
	}

	rc, err := p.store.LoadRunContext(ctx, runID)
	if err != nil {
		return err
	}

	ingested := false
	if set.Report != nil {
		aggregated := def.ResultsFormat == FormatAggregated && p.extractAggregated(ctx, rc.Project.ID, logger)
		if aggregated {
			if err := p.ingest(ctx, set.Report, runID, def.Name, jobID, logger); err != nil {
				return err
			}
			ingested = true
		} else if err := p.locateLogs(ctx, set.Report, runID, logger); err != nil {
			return err
		}

		if err := ConvertPaths(set, AttachmentBaseURL(p.config.BaseURL, rc)); err != nil {
			logger.Warn("failed to convert attachment paths", "error", err)
		}
	}

	for _, att := range set.Attachments() {
		if err := p.attachments.Save(ctx, runID, att); err != nil {
			return err
		}
		logger.Debug("saved attachment", "filename", att.Filename, "bytes", att.Artifact.Size)
	}

	logger.Info("finished tradefed postprocessing", "ingested", ingested)
	if ingested {
		return nil
	}
	return finish("")
}

func (p *Processor) extractAggregated(ctx context.Context, projectID int64, logger *slog.Logger) bool {
	v, ok, err := p.store.ProjectSetting(ctx, projectID, SettingExtractAggregated)
	if err != nil {
		logger.Warn("failed to read project setting", "setting", SettingExtractAggregated, "error", err)
		return p.config.ExtractAggregated
	}
	if !ok {
		return p.config.ExtractAggregated
	}
	enabled, err := strconv.ParseBool(v)
	if err != nil {
		logger.Warn("invalid project setting", "setting", SettingExtractAggregated, "value", v)
		return p.config.ExtractAggregated
	}
	return enabled
}

// ingest streams the report into chunk tasks. A malformed report still
// completes the barrier with the chunks dispatched before the error.
func (p *Processor) ingest(ctx context.Context, report *archive.Artifact, runID int64, prefix string, jobID int64, logger *slog.Logger) error {
	r, err := report.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	handles, err := p.ingestor.Ingest(ctx, r, runID, prefix, pipeline.WithJob(jobID))
	if errors.Is(err, tradefed.ErrMalformedReport) {
		logger.Error("report is malformed, keeping partial results", "chunks", len(handles), "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("report dispatched", "chunks", len(handles))
	return nil
}

// locateLogs attaches stack traces to the failing tests already recorded
// for the run.
func (p *Processor) locateLogs(ctx context.Context, report *archive.Artifact, runID int64, logger *slog.Logger) error {
	failing, err := p.store.FailingTests(ctx, runID)
	if err != nil {
		return err
	}
	if len(failing) == 0 {
		return nil
	}

	targets := make([]tradefed.Target, 0, len(failing))
	for _, t := range failing {
		targets = append(targets, tradefed.Target{ID: t.ID, Suite: t.Suite, Name: t.Name})
	}

	r, err := report.Open()
	if err != nil {
		return err
	}
	defer r.Close()

	located := 0
	err = p.locator.LocateLogs(ctx, r, targets, func(ctx context.Context, target tradefed.Target, log string) error {
		if err := p.store.UpdateTestLog(ctx, target.ID, log); err != nil {
			return err
		}
		located++
		metrics.LogsLocated.Inc()
		return nil
	})
	if errors.Is(err, tradefed.ErrMalformedReport) {
		logger.Error("report is malformed, no logs located", "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("located failing test logs", "failing", len(failing), "located", located)
	return nil
}

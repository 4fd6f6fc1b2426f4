// Package local ingests a Tradefed report from disk into a SQLite store,
// running the whole chunk pipeline in process, and prints the run summary.
package local

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/archive"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/format"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/handoff"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/lock"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/pipeline"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/queue"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/store"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/tradefed"
)

// BackendName is the backend local test jobs are recorded under.
const BackendName = "local"

// Config holds configuration for local mode.
type Config struct {
	// Input is a results archive or a bare test_result.xml.
	Input string

	// Format is the output format (Text, Markdown)
	Format string

	// Database is the SQLite file results are written to. A temporary
	// database is used when empty.
	Database string

	// Project is "{group}/{slug}" (default: local/tradefed).
	Project     string
	Build       string
	Environment string

	// SuitePrefix names suites "{prefix}/{module_id}" (default: tradefed).
	SuitePrefix string

	ChunkSize int
	Workers   int
	TempDir   string
	Logger    *slog.Logger
}

// Runner handles local ingestion.
type Runner struct {
	config Config
	out    io.Writer
	logger *slog.Logger
}

// Option is a functional option for configuring Runner.
type Option func(*Runner)

// WithOutput sets where the summary is written (default: stdout).
func WithOutput(w io.Writer) Option {
	return func(r *Runner) {
		r.out = w
	}
}

// NewRunner creates a new Runner with the given configuration.
func NewRunner(config Config, opts ...Option) *Runner {
	if config.Format == "" {
		config.Format = "Text"
	}
	if config.Project == "" {
		config.Project = "local/tradefed"
	}
	if config.Build == "" {
		config.Build = "local"
	}
	if config.Environment == "" {
		config.Environment = "local"
	}
	if config.SuitePrefix == "" {
		config.SuitePrefix = "tradefed"
	}
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	r := &Runner{config: config, out: os.Stdout, logger: config.Logger}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run ingests the input and writes the run summary. A malformed report
// still records the tests decoded before the error.
func (r *Runner) Run(ctx context.Context) error {
	formatter, err := format.New(r.config.Format)
	if err != nil {
		return errors.Wrap(err, "failed to create formatter")
	}
	group, slug, ok := strings.Cut(r.config.Project, "/")
	if !ok || group == "" || slug == "" {
		return errors.Newf("project must be group/slug, got %q", r.config.Project)
	}

	report, cleanup, err := r.openReport(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	s, err := r.openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	runID, jobID, err := r.prepare(ctx, s, group, slug)
	if err != nil {
		return err
	}

	if err := r.ingest(ctx, s, report, runID, jobID); err != nil {
		return err
	}

	summary, err := format.Load(ctx, s, runID)
	if err != nil {
		return errors.Wrap(err, "failed to load run summary")
	}
	if err := formatter.Format(summary, r.out); err != nil {
		return errors.Wrap(err, "failed to format results")
	}
	return nil
}

// openReport returns a reader over the XML report, extracting it first
// when the input is an archive.
func (r *Runner) openReport(ctx context.Context) (io.Reader, func(), error) {
	mt, err := mimetype.DetectFile(r.config.Input)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, errors.Newf("input not found: %s", r.config.Input)
		}
		return nil, nil, errors.Wrapf(err, "failed to read %s", r.config.Input)
	}

	if mt.Is("text/xml") {
		f, err := os.Open(r.config.Input)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to open %s", r.config.Input)
		}
		return f, func() { f.Close() }, nil
	}

	f, err := os.Open(r.config.Input)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "failed to open %s", r.config.Input)
	}
	defer f.Close()

	extractor := archive.NewExtractor(archive.WithTempDir(r.config.TempDir), archive.WithLogger(r.logger))
	set := extractor.Extract(ctx, f)
	if set.Report == nil {
		set.Close()
		return nil, nil, errors.Newf("no test_result.xml found in %s (detected %s)", r.config.Input, mt.String())
	}
	rc, err := set.Report.Open()
	if err != nil {
		set.Close()
		return nil, nil, err
	}
	return rc, func() {
		rc.Close()
		set.Close()
	}, nil
}

func (r *Runner) openStore(ctx context.Context) (*store.Store, error) {
	dsn := r.config.Database
	if dsn == "" {
		dir, err := os.MkdirTemp(r.config.TempDir, "tradefed-local-")
		if err != nil {
			return nil, errors.Wrap(err, "failed to create temporary database directory")
		}
		dsn = filepath.Join(dir, "tradefed.db")
		r.logger.Debug("using temporary database", "path", dsn)
	}

	s, err := store.Open(ctx, store.Config{Driver: store.DriverSQLite, DSN: dsn}, r.logger)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// prepare creates the run the report is ingested into and a local test job
// whose completion signals that the run statuses are recorded.
func (r *Runner) prepare(ctx context.Context, s *store.Store, group, slug string) (int64, int64, error) {
	proj, err := s.EnsureProject(ctx, group, slug)
	if err != nil {
		return 0, 0, err
	}
	env, err := s.EnsureEnvironment(ctx, proj.ID, r.config.Environment)
	if err != nil {
		return 0, 0, err
	}
	build, err := s.EnsureBuild(ctx, proj.ID, r.config.Build)
	if err != nil {
		return 0, 0, err
	}
	run, err := s.CreateTestRun(ctx, build.ID, env.ID)
	if err != nil {
		return 0, 0, err
	}

	backend, err := s.EnsureBackend(ctx, store.Backend{Name: BackendName, ImplementationType: BackendName})
	if err != nil {
		return 0, 0, err
	}
	job := &store.TestJob{
		BackendID:  backend.ID,
		JobID:      uuid.NewString(),
		TestRunID:  &run.ID,
		Definition: r.config.Input,
	}
	if err := s.CreateTestJob(ctx, job); err != nil {
		return 0, 0, err
	}
	return run.ID, job.ID, nil
}

// ingest runs the dispatcher against an in-memory queue and waits for the
// barrier to finish the job.
func (r *Runner) ingest(ctx context.Context, s *store.Store, report io.Reader, runID, jobID int64) error {
	q := queue.NewInMemoryQueue(queue.InMemoryConfig{Workers: r.config.Workers, Logger: r.logger})
	defer q.Close()

	handoffs := handoff.NewDatabase(s)
	done := &finishSignal{sink: s, done: make(chan string, 1)}

	mux := queue.NewMux(r.logger)
	pipeline.Register(mux,
		pipeline.NewWorker(s, handoffs, q, r.logger),
		pipeline.NewBarrier(s, handoffs, lock.NewLocalLocker(), done, r.logger),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return q.Subscribe(gctx, mux.Serve)
	})

	ingestor := pipeline.NewIngestor(s, handoffs, q, pipeline.IngestorConfig{
		ChunkSize: r.config.ChunkSize,
		Logger:    r.logger,
	})
	handles, err := ingestor.Ingest(gctx, report, runID, r.config.SuitePrefix, pipeline.WithJob(jobID))
	switch {
	case errors.Is(err, tradefed.ErrMalformedReport):
		r.logger.Warn("report is malformed, recording the tests read so far", "error", err)
	case err != nil:
		cancel()
		g.Wait()
		return errors.Wrap(err, "failed to ingest report")
	}
	r.logger.Info("report dispatched", "chunks", len(handles))

	select {
	case failure := <-done.done:
		if failure != "" {
			r.logger.Warn("run recorded with errors", "failure", failure)
		}
	case <-gctx.Done():
		g.Wait()
		return errors.Wrap(context.Cause(gctx), "ingestion interrupted")
	}

	q.Close()
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "queue worker failed")
	}
	return nil
}

// finishSignal records the job status and wakes up the runner.
type finishSignal struct {
	sink pipeline.JobSink
	done chan string
}

func (f *finishSignal) FinishJob(ctx context.Context, jobID int64, failure string) error {
	err := f.sink.FinishJob(ctx, jobID, failure)
	select {
	case f.done <- failure:
	default:
	}
	return err
}

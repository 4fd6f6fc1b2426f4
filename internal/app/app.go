// Package app wires the configured components together for each deployment
// mode and runs them until the context is cancelled.
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/archive"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/config"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/lava"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/logging"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/pipeline"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/postprocess"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/queue"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/server"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/telemetry"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/webhook"
)

// shutdownTimeout bounds the graceful shutdown of the HTTP server.
const shutdownTimeout = 30 * time.Second

// App is one running deployment of the service.
type App struct {
	mode    config.Mode
	cfg     *config.Config
	logger  *slog.Logger
	version string

	queue  queue.MessageQueue
	server *server.Server
	mux    *queue.Mux

	closers []func() error
}

// New builds the components mode needs. Close releases them.
func New(ctx context.Context, mode config.Mode, cfg *config.Config, logger *slog.Logger, version string) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{mode: mode, cfg: cfg, logger: logger, version: version}

	q, err := NewQueue(ctx, cfg, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create queue")
	}
	a.queue = q
	a.closers = append(a.closers, q.Close)

	a.server = server.New(server.Config{Port: cfg.Port, Logger: logger})

	if mode == config.ModeAllInOne || mode == config.ModeWebhook {
		webhook.NewHandler(q, webhook.Config{
			Secret:      cfg.Webhook.Secret,
			DisableHMAC: cfg.DisableHMAC,
			Logger:      logger,
		}).Register(a.server.Mux())
	}

	if mode == config.ModeAllInOne || mode == config.ModeWorker {
		if err := a.buildWorker(ctx); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// buildWorker wires the task handlers and the attachment routes.
func (a *App) buildWorker(ctx context.Context) error {
	s, err := OpenStore(ctx, a.cfg, a.logger)
	if err != nil {
		return errors.Wrap(err, "failed to open store")
	}
	a.closers = append(a.closers, s.Close)

	blobs, err := NewStorage(ctx, a.cfg)
	if err != nil {
		return errors.Wrap(err, "failed to create storage")
	}
	a.closers = append(a.closers, blobs.Close)

	locker, closeLocker, err := NewLocker(a.cfg)
	if err != nil {
		return errors.Wrap(err, "failed to create lock")
	}
	a.closers = append(a.closers, closeLocker)

	handoffs := NewHandoffs(a.cfg, s, blobs)
	attachments := postprocess.NewAttachments(s, blobs)

	extractor := archive.NewExtractor(archive.WithTempDir(a.cfg.Ingestion.TempDir), archive.WithLogger(a.logger))
	clientCfg := LavaClientConfig(a.cfg, a.logger)
	fetcher := lava.NewFetcher(lava.FetcherConfig{
		BaseURL: a.cfg.BaseURL,
		TempDir: a.cfg.Ingestion.TempDir,
		Client:  clientCfg,
	}, attachments, extractor)

	ingestor := pipeline.NewIngestor(s, handoffs, a.queue, pipeline.IngestorConfig{
		ChunkSize: a.cfg.Ingestion.ChunkSize,
		Logger:    a.logger,
	})
	processor := postprocess.NewProcessor(s, postprocess.LavaResolvers(fetcher, clientCfg), ingestor, attachments, postprocess.Config{
		BaseURL:           a.cfg.BaseURL,
		ExtractAggregated: a.cfg.Ingestion.ExtractAggregated,
		Logger:            a.logger,
	})

	a.mux = queue.NewMux(a.logger)
	processor.Register(a.mux)
	pipeline.Register(a.mux,
		pipeline.NewWorker(s, handoffs, a.queue, a.logger),
		pipeline.NewBarrier(s, handoffs, locker, s, a.logger),
	)

	server.NewAttachments(attachments, a.logger).Register(a.server.Mux())
	return nil
}

// Run serves HTTP and, in worker modes, consumes tasks until ctx is
// cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:    a.cfg.Telemetry.Endpoint,
		Insecure:    a.cfg.Telemetry.Insecure,
		ServiceName: a.cfg.Telemetry.ServiceName,
		Version:     a.version,
	}, a.logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			a.logger.Warn("failed to flush traces", "error", err)
		}
	}()

	a.logger.Info("starting",
		"mode", a.mode,
		"version", a.version,
		"port", a.cfg.Port,
		"queue", a.cfg.Queue.Type,
	)
	if a.cfg.DisableHMAC && a.mode != config.ModeWorker {
		a.logger.Warn("HMAC validation is disabled, this should only be used for local development")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(sctx)
	})
	if a.mux != nil {
		g.Go(func() error {
			err := a.queue.Subscribe(gctx, a.mux.Serve)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases the components in reverse creation order.
func (a *App) Close() error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	a.closers = nil
	return errs
}

// Main loads the configuration for mode, sets up logging and runs the app
// until ctx is cancelled.
func Main(ctx context.Context, mode config.Mode, version string) error {
	cfg, err := config.Load(mode)
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	logger, closeLog, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}
	defer closeLog.Close()
	slog.SetDefault(logger)

	a, err := New(ctx, mode, cfg, logger, version)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn("failed to release resources", "error", err)
		}
	}()
	return a.Run(ctx)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/app"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/config"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/local"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/logging"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"

	// ingest flags
	outputFormat string
	database     string
	project      string
	build        string
	environment  string
	suitePrefix  string
	chunkSize    int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tradefed",
	Short: "Tradefed - CTS/VTS result ingestion",
	Long: `Tradefed ingests the XML reports produced by Android's Trade Federation
harness (CTS, VTS) into a test results database.

Use "tradefed serve MODE" to run the service, or "tradefed ingest FILE" to
ingest a local archive or report into SQLite and print a summary.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:       "serve MODE",
	Short:     "Run the service in one of the all-in-one, webhook or worker modes",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{string(config.ModeAllInOne), string(config.ModeWebhook), string(config.ModeWorker)},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return app.Main(ctx, config.Mode(args[0]), version)
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest FILE",
	Short: "Ingest a results archive or test_result.xml and print a run summary",
	Long: `Ingest runs the full chunk pipeline in process against a SQLite database
and prints the statuses of the resulting test run.

FILE may be a results tarball (.tar, .tar.gz, .tar.xz) or a bare
test_result.xml. Without --db a temporary database is used.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Tradefed %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, ingestCmd, versionCmd)

	f := ingestCmd.Flags()
	f.StringVar(&outputFormat, "format", "Text", "Output format (Text, Markdown)")
	f.StringVar(&database, "db", "", "SQLite database file (default: temporary)")
	f.StringVar(&project, "project", "local/tradefed", "Project as group/slug")
	f.StringVar(&build, "build", "local", "Build version")
	f.StringVar(&environment, "environment", "local", "Environment slug")
	f.StringVar(&suitePrefix, "prefix", "tradefed", "Suite name prefix")
	f.IntVar(&chunkSize, "chunk-size", 0, "Test cases per chunk (default: TRADEFED_INGESTION_CHUNK_SIZE)")
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.ModeLocal)
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

	size := cfg.Ingestion.ChunkSize
	if cmd.Flags().Changed("chunk-size") {
		size = chunkSize
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return local.NewRunner(local.Config{
		Input:       args[0],
		Format:      outputFormat,
		Database:    database,
		Project:     project,
		Build:       build,
		Environment: environment,
		SuitePrefix: suitePrefix,
		ChunkSize:   size,
		Workers:     cfg.Queue.Workers,
		TempDir:     cfg.Ingestion.TempDir,
		Logger:      logger,
	}, local.WithOutput(cmd.OutOrStdout())).Run(ctx)
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/app"
	"github.com/oleg-kozlyuk-grafana/go-tradefed/internal/config"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tradefed-worker",
	Short: "Tradefed Worker - result ingestion service",
	Long: `Tradefed Worker consumes tasks from the message queue.

It resolves the results archive of finished test jobs from LAVA, extracts
the Tradefed report, decodes it into chunks of test cases, persists the
chunks and recomputes the run statuses once every chunk is in.

The worker holds the database, storage and LAVA credentials. All
configuration is read from TRADEFED_* environment variables.`,
	SilenceUsage: true,
	RunE:         run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Tradefed Worker %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func run(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.Main(ctx, config.ModeWorker, version)
}

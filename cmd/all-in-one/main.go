package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
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

	// CLI flags
	port        int
	disableHMAC bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tradefed-all-in-one",
	Short: "Tradefed All-in-One - complete ingestion service",
	Long: `Tradefed All-in-One runs the webhook and the worker in a single process.

This mode is designed for local development and small deployments. It
typically runs with an in-memory message queue, in-memory storage and a
SQLite database.

For production deployments, use separate webhook and worker executables.`,
	SilenceUsage: true,
	RunE:         run,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Tradefed All-in-One %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	rootCmd.Flags().IntVar(&port, "port", 8080, "HTTP server port")
	rootCmd.Flags().BoolVar(&disableHMAC, "disable-hmac", false, "Disable HMAC signature validation (for local development only)")
}

func run(cmd *cobra.Command, args []string) error {
	// Explicit flags win over the environment.
	if cmd.Flags().Changed("port") {
		os.Setenv(config.EnvPrefix+"_PORT", strconv.Itoa(port))
	}
	if cmd.Flags().Changed("disable-hmac") {
		os.Setenv(config.EnvPrefix+"_DISABLE_HMAC", strconv.FormatBool(disableHMAC))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.Main(ctx, config.ModeAllInOne, version)
}

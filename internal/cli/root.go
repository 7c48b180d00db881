// Package cli provides the command-line interface for the filescout worker.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/filescout/filescout/internal/logging"
	"github.com/filescout/filescout/internal/version"
)

var (
	// Global flags
	cfgFile string
	verbose bool

	// Global logger, initialized in PersistentPreRun.
	logger *logging.Logger

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "filescout",
		Short: "Scheduled file discovery for client file feeds",
		Long: `filescout ` + version.Version + ` - Built: ` + version.BuildTime + `
Multi-tenant worker that polls remote endpoints (FTP/FTPS, HTTPS,
Azure Blob Storage) on cron schedules, records newly appeared files
exactly once per day, and downloads them for checksum verification.

Commands:
  worker   Run the scheduler loop until interrupted
  check    Run one ad-hoc file check from a configuration file
  config   Manage the worker configuration file
  version  Print version information`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewDefault()
			if verbose {
				logging.SetGlobalLevel(logging.ParseLevel("debug"))
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to worker.conf (default /etc/filescout/worker.conf)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newWorkerCmd())
	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// Execute runs the CLI with signal-driven cancellation.
func Execute() error {
	rootContext, cancelFunc = context.WithCancel(context.Background())
	defer cancelFunc()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range sigChan {
			fmt.Fprintf(os.Stderr, "\nreceived signal %v, shutting down...\n", sig)
			cancelFunc()
		}
	}()

	err := NewRootCmd().Execute()

	signal.Stop(sigChan)
	close(sigChan)
	return err
}

// GetContext returns the global CLI context with signal handling.
func GetContext() context.Context {
	if rootContext == nil {
		return context.Background()
	}
	return rootContext
}

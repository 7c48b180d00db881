package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/filescout/filescout/internal/bus"
	"github.com/filescout/filescout/internal/config"
	"github.com/filescout/filescout/internal/filecheck"
	"github.com/filescout/filescout/internal/handlers"
	"github.com/filescout/filescout/internal/logging"
	"github.com/filescout/filescout/internal/retry"
	"github.com/filescout/filescout/internal/scheduler"
	"github.com/filescout/filescout/internal/secrets"
	"github.com/filescout/filescout/internal/store"
)

// newWorkerCmd creates the 'worker' command.
func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the scheduler loop until interrupted",
		Long: `Start the worker in foreground mode. The worker polls the active
configurations at the configured interval, dispatches file checks that
are due, and processes the files they discover.

Examples:
  # Run with the default configuration file
  filescout worker

  # Run with an explicit configuration file
  filescout worker --config ./worker.conf`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(GetContext())
		},
	}
	return cmd
}

func runWorker(ctx context.Context) error {
	cfg, err := config.LoadWorkerConfig(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid worker configuration: %w", err)
	}

	log := logging.New(cfg.Logging.Format, os.Stdout)
	logging.SetGlobalLevel(logging.ParseLevel(cfg.Logging.Level))
	if verbose {
		logging.SetGlobalLevel(logging.ParseLevel("debug"))
	}

	resolver := secrets.NewCachedResolver(&secrets.EnvResolver{}, cfg.SecretCacheTTL(), nil)

	stores, err := buildStores(ctx, cfg, resolver)
	if err != nil {
		return err
	}

	b := bus.NewInProcessBus(bus.DefaultRetryPolicy())
	checks := filecheck.NewService(*stores, b, resolver, nil, retry.DefaultConfig(), nil, log)
	h := handlers.New(*stores, b, checks, resolver, nil, nil, log)
	h.Register(b)

	sched := scheduler.New(scheduler.Config{
		PollingInterval:     cfg.PollingInterval(),
		MaxConcurrentChecks: int64(cfg.Scheduler.MaxConcurrentChecks),
		ExecutionWindow:     cfg.ExecutionWindow(),
		StartupGrace:        scheduler.DefaultConfig().StartupGrace,
	}, stores.Configurations, b, nil, log)

	log.Info().
		Str("storage_backend", cfg.Storage.Backend).
		Msg("worker starting")

	err = sched.Run(ctx)
	if err == context.Canceled {
		err = nil
	}

	for _, dl := range b.DrainDeadLetters() {
		log.Error().
			Str("message_type", dl.MessageType).
			Str("last_error", dl.LastError).
			Time("failed_at", dl.FailedAt).
			Msg("dead-lettered message at shutdown")
	}
	return err
}

// buildStores constructs the persistence layer named by the configuration.
func buildStores(ctx context.Context, cfg *config.WorkerConfig, resolver secrets.Resolver) (*store.Stores, error) {
	switch cfg.Storage.Backend {
	case config.StorageBackendMemory:
		return store.NewMemoryStores(), nil
	case config.StorageBackendAzTables:
		connStr, err := resolver.ResolveSecret(ctx, cfg.Storage.ConnectionStringSecret)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve storage connection string: %w", err)
		}
		return store.NewTableStoresFromConnectionString(connStr)
	default:
		return nil, config.ErrUnknownStorageBackend
	}
}

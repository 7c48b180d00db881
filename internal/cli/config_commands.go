package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/filescout/filescout/internal/config"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the worker configuration file",
	}
	cmd.AddCommand(newConfigShowCmd())
	cmd.AddCommand(newConfigInitCmd())
	cmd.AddCommand(newConfigValidateCmd())
	return cmd
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective worker configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWorkerConfig(cfgFile)
			if err != nil {
				return err
			}
			fmt.Println("[scheduler]")
			fmt.Printf("polling_interval_seconds = %d\n", cfg.Scheduler.PollingIntervalSeconds)
			fmt.Printf("max_concurrent_checks = %d\n", cfg.Scheduler.MaxConcurrentChecks)
			fmt.Printf("execution_window_minutes = %d\n", cfg.Scheduler.ExecutionWindowMinutes)
			fmt.Println()
			fmt.Println("[storage]")
			fmt.Printf("backend = %s\n", cfg.Storage.Backend)
			fmt.Printf("connection_string_secret = %s\n", cfg.Storage.ConnectionStringSecret)
			fmt.Println()
			fmt.Println("[secrets]")
			fmt.Printf("cache_ttl_seconds = %d\n", cfg.Secrets.CacheTTLSeconds)
			fmt.Println()
			fmt.Println("[logging]")
			fmt.Printf("level = %s\n", cfg.Logging.Level)
			fmt.Printf("format = %s\n", cfg.Logging.Format)
			return nil
		},
	}
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a worker.conf with default values",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := cfgFile
			if path == "" {
				path = config.DefaultWorkerConfigPath
			}
			if !force {
				if existing, err := config.LoadWorkerConfig(path); err == nil && *existing != *config.NewWorkerConfig() {
					return fmt.Errorf("%s already has non-default settings; use --force to overwrite", path)
				}
			}
			if err := config.SaveWorkerConfig(config.NewWorkerConfig(), path); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing configuration file")
	return cmd
}

// newConfigValidateCmd creates the 'config validate' command.
func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the worker configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWorkerConfig(cfgFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration invalid: %w", err)
			}
			fmt.Println("configuration OK")
			return nil
		},
	}
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systmms/keylife/internal/config"
)

// NewDoctorCommand creates the doctor command.
func NewDoctorCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, store, and generator wiring",
		Long: `Verify that keylifed can start with the current configuration.

This command checks:
- Configuration file validity
- Record store reachability
- Reference generator construction`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := cfg.Logger
			logger.Info("Checking keylife configuration...")

			if err := cfg.Load(); err != nil {
				logger.Error("Configuration error: %v", err)
				return fmt.Errorf("failed to load config: %w", err)
			}
			def := cfg.Definition
			logger.Info("Configuration loaded (listen: %s)", def.Listen)

			ctx := cmd.Context()
			store, err := buildStore(ctx, def, logger)
			if err != nil {
				logger.Error("Store error: %v", err)
				return fmt.Errorf("failed to open %s store: %w", def.Store.Type, err)
			}
			defer store.Close()

			recs, err := store.List(ctx)
			if err != nil {
				logger.Error("Store error: %v", err)
				return fmt.Errorf("failed to list records: %w", err)
			}
			logger.Info("Store %q ready (%d key records)", def.Store.Type, len(recs))

			if _, err := buildGenerator(def); err != nil {
				logger.Error("Generator error: %v", err)
				return fmt.Errorf("failed to build %s generator: %w", def.Generator.Type, err)
			}
			logger.Info("Generator %q ready", def.Generator.Type)

			logger.Info("All checks passed")
			return nil
		},
	}
}

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/systmms/keylife/internal/audit"
	"github.com/systmms/keylife/internal/config"
	"github.com/systmms/keylife/internal/lifecycle"
	"github.com/systmms/keylife/internal/metrics"
	"github.com/systmms/keylife/internal/secure"
	"github.com/systmms/keylife/internal/server"
)

const shutdownTimeout = 15 * time.Second

// NewServeCommand creates the serve command.
func NewServeCommand(cfg *config.Config, version string) *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the key lifecycle API server",
		Long: `Start the HTTP API over the configured record store and reference
generator. The server drains in-flight requests on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Environment first, so ${VAR} references in the config resolve.
			if envFile != "" {
				if err := godotenv.Load(envFile); err != nil {
					return fmt.Errorf("failed to load env file %s: %w", envFile, err)
				}
			} else {
				_ = godotenv.Load()
			}

			if err := cfg.Load(); err != nil {
				return err
			}
			def := cfg.Definition
			logger := cfg.Logger

			ctx := cmd.Context()
			store, err := buildStore(ctx, def, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			gen, err := buildGenerator(def)
			if err != nil {
				return err
			}

			token, err := secure.NewToken([]byte(def.AdminToken))
			if err != nil {
				return err
			}
			defer token.Destroy()
			defer memguard.Purge()

			trail := audit.NewLog(def.AuditCapacity)
			svc := lifecycle.NewService(store, gen, logger,
				lifecycle.WithAuditLog(trail),
				lifecycle.WithMaxAttempts(def.MaxCommitAttempts),
				lifecycle.WithGenerateTimeout(def.GenerateTimeout()))

			if def.Metrics.Enabled {
				msrv := metrics.NewServer(metrics.ServerConfig{
					Enabled:      true,
					Port:         def.Metrics.Port,
					Path:         def.Metrics.Path,
					ReadTimeout:  5 * time.Second,
					WriteTimeout: 10 * time.Second,
				})
				if err := msrv.Start(); err != nil {
					return err
				}
				logger.Info("Metrics listening on %s%s", msrv.Addr(), def.Metrics.Path)
				defer func() {
					stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
					defer cancel()
					_ = msrv.Stop(stopCtx)
				}()
			}

			srv := server.New(server.Options{
				Service:      svc,
				Trail:        trail,
				Token:        token,
				Logger:       logger,
				Version:      version,
				DefaultGrace: def.DefaultGrace(),
			})

			logger.Info("keylife %s starting (store: %s, generator: %s)",
				version, def.Store.Type, def.Generator.Type)

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start(def.Listen)
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logger.Info("Received %s, shutting down", sig)
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					return err
				}
				return <-errCh
			}
		},
	}

	cmd.Flags().StringVar(&envFile, "env-file", "", "Load environment variables from this file (default: .env if present)")

	return cmd
}

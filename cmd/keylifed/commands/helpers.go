package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/systmms/keylife/internal/config"
	kferrors "github.com/systmms/keylife/internal/errors"
	"github.com/systmms/keylife/internal/keystore"
	"github.com/systmms/keylife/internal/logging"
	"github.com/systmms/keylife/internal/refgen"
)

// buildStore constructs the record store the configuration names.
func buildStore(ctx context.Context, def *config.Definition, logger *logging.Logger) (keystore.Store, error) {
	switch def.Store.Type {
	case "memory":
		return keystore.NewMemoryStore(), nil

	case "file":
		dataDir := def.Store.StoreOption("data_dir")
		if dataDir == "" {
			dataDir = "keylife-data"
		}
		return keystore.NewFileStore(dataDir, logger)

	case "postgres":
		dsn := def.Store.StoreOption("dsn")
		if dsn == "" {
			dsn = os.Getenv("KEYLIFE_POSTGRES_DSN")
		}
		if dsn == "" {
			return nil, kferrors.ConfigError{
				Field:      "store.dsn",
				Message:    "postgres store needs a connection string",
				Suggestion: "Set store.dsn in keylife.yaml or export KEYLIFE_POSTGRES_DSN",
			}
		}
		store, err := keystore.NewPostgresStore(ctx, dsn)
		if err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown store type: %s", def.Store.Type)
	}
}

// buildGenerator constructs the reference generator the configuration
// names.
func buildGenerator(def *config.Definition) (refgen.Generator, error) {
	registry := refgen.NewRegistry()
	return registry.Create("generator", def.Generator.Type, def.Generator.Config)
}

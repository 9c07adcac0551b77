package refgen

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"

	kferrors "github.com/systmms/keylife/internal/errors"
)

// GCPGenerator stores fresh material as a new version of a Google Cloud
// Secret Manager secret and returns a reference naming that version.
type GCPGenerator struct {
	name      string
	client    *secretmanager.Client
	projectID string
	prefix    string
}

// GCPGeneratorConfig holds GCP Secret Manager-specific configuration.
type GCPGeneratorConfig struct {
	ProjectID             string
	ServiceAccountKeyPath string
	Prefix                string
}

// NewGCPGenerator creates a GCP Secret Manager reference generator.
func NewGCPGenerator(ctx context.Context, name string, configMap map[string]interface{}) (*GCPGenerator, error) {
	config := GCPGeneratorConfig{Prefix: "keylife"}

	if projectID, ok := configMap["project_id"].(string); ok {
		config.ProjectID = projectID
	}
	if keyPath, ok := configMap["service_account_key_path"].(string); ok {
		config.ServiceAccountKeyPath = keyPath
	}
	if prefix, ok := configMap["prefix"].(string); ok && prefix != "" {
		config.Prefix = prefix
	}

	if config.ProjectID == "" {
		if projectID := gcpProjectIDFromEnv(); projectID != "" {
			config.ProjectID = projectID
		} else {
			return nil, kferrors.ConfigError{
				Field:      "project_id",
				Message:    "project_id is required for GCP Secret Manager",
				Suggestion: "Set project_id in config or GOOGLE_CLOUD_PROJECT environment variable",
			}
		}
	}

	client, err := createGCPSecretManagerClient(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCP Secret Manager client: %w", err)
	}

	return &GCPGenerator{
		name:      name,
		client:    client,
		projectID: config.ProjectID,
		prefix:    config.Prefix,
	}, nil
}

// NewGCPGeneratorFactory creates a GCP generator factory.
func NewGCPGeneratorFactory(name string, config map[string]interface{}) (Generator, error) {
	return NewGCPGenerator(context.Background(), name, config)
}

func createGCPSecretManagerClient(ctx context.Context, config GCPGeneratorConfig) (*secretmanager.Client, error) {
	var clientOptions []option.ClientOption

	if config.ServiceAccountKeyPath != "" {
		keyPath := config.ServiceAccountKeyPath
		if strings.HasPrefix(keyPath, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, fmt.Errorf("failed to get home directory: %w", err)
			}
			keyPath = filepath.Join(home, keyPath[2:])
		}
		clientOptions = append(clientOptions, option.WithCredentialsFile(keyPath))
	}

	return secretmanager.NewClient(ctx, clientOptions...)
}

func gcpProjectIDFromEnv() string {
	for _, env := range []string{"GOOGLE_CLOUD_PROJECT", "GCLOUD_PROJECT", "GCP_PROJECT"} {
		if projectID := os.Getenv(env); projectID != "" {
			return projectID
		}
	}
	return ""
}

// Name returns the generator name.
func (g *GCPGenerator) Name() string {
	return g.name
}

// SecretID returns the Secret Manager secret id a key's material lives
// in. Secret ids only allow letters, digits, dashes and underscores.
func (g *GCPGenerator) SecretID(keyID string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, keyID)
	return g.prefix + "-" + sanitized
}

// Generate adds a new secret version holding fresh material and returns
// a reference of the form gcp-sm://projects/P/secrets/S/versions/V.
func (g *GCPGenerator) Generate(ctx context.Context, keyID string) (string, error) {
	material, err := newMaterial()
	if err != nil {
		return "", err
	}

	parent := fmt.Sprintf("projects/%s/secrets/%s", g.projectID, g.SecretID(keyID))
	result, err := g.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent: parent,
		Payload: &secretmanagerpb.SecretPayload{
			Data: []byte(material),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to add secret version under %s: %w", parent, err)
	}

	return "gcp-sm://" + result.Name, nil
}

// Close releases the underlying client.
func (g *GCPGenerator) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

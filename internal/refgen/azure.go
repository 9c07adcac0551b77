package refgen

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	kferrors "github.com/systmms/keylife/internal/errors"
)

// KeyVaultClientAPI defines the interface for Azure Key Vault operations.
// This allows for mocking in tests.
type KeyVaultClientAPI interface {
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
}

// AzureGenerator stores fresh material as a new version of an Azure Key
// Vault secret and returns a reference naming that version.
type AzureGenerator struct {
	name      string
	client    KeyVaultClientAPI
	vaultHost string
	prefix    string
}

// AzureKeyVaultConfig holds Key Vault-specific configuration.
type AzureKeyVaultConfig struct {
	VaultURL           string
	TenantID           string
	ClientID           string
	ClientSecret       string
	UseManagedIdentity bool
	UserAssignedID     string
	Prefix             string
}

// AzureOption is a functional option for configuring the Azure generator.
type AzureOption func(*AzureGenerator)

// WithKeyVaultClient sets a custom Key Vault client (for testing).
func WithKeyVaultClient(client KeyVaultClientAPI) AzureOption {
	return func(g *AzureGenerator) {
		g.client = client
	}
}

// NewAzureGenerator creates an Azure Key Vault reference generator.
func NewAzureGenerator(name string, configMap map[string]interface{}, opts ...AzureOption) (*AzureGenerator, error) {
	config := AzureKeyVaultConfig{Prefix: "keylife"}

	if vaultURL, ok := configMap["vault_url"].(string); ok {
		config.VaultURL = vaultURL
	}
	if tenantID, ok := configMap["tenant_id"].(string); ok {
		config.TenantID = tenantID
	}
	if clientID, ok := configMap["client_id"].(string); ok {
		config.ClientID = clientID
	}
	if clientSecret, ok := configMap["client_secret"].(string); ok {
		config.ClientSecret = clientSecret
	}
	if useMI, ok := configMap["use_managed_identity"].(bool); ok {
		config.UseManagedIdentity = useMI
	}
	if userAssigned, ok := configMap["user_assigned_id"].(string); ok {
		config.UserAssignedID = userAssigned
	}
	if prefix, ok := configMap["prefix"].(string); ok && prefix != "" {
		config.Prefix = prefix
	}

	if config.VaultURL == "" {
		return nil, kferrors.ConfigError{
			Field:      "vault_url",
			Message:    "vault_url is required for Azure Key Vault",
			Suggestion: "Set vault_url to your vault, e.g. https://myvault.vault.azure.net",
		}
	}

	parsed, err := url.Parse(config.VaultURL)
	if err != nil || parsed.Host == "" {
		return nil, kferrors.ConfigError{
			Field:   "vault_url",
			Value:   config.VaultURL,
			Message: "vault_url is not a valid URL",
		}
	}

	g := &AzureGenerator{
		name:      name,
		vaultHost: parsed.Host,
		prefix:    config.Prefix,
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.client == nil {
		client, err := createAzureKeyVaultClient(config)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure Key Vault client: %w", err)
		}
		g.client = client
	}

	return g, nil
}

// NewAzureGeneratorFactory creates an Azure generator factory.
func NewAzureGeneratorFactory(name string, config map[string]interface{}) (Generator, error) {
	return NewAzureGenerator(name, config)
}

// createAzureKeyVaultClient creates a Key Vault client with the
// appropriate authentication method.
func createAzureKeyVaultClient(config AzureKeyVaultConfig) (*azsecrets.Client, error) {
	var cred azcore.TokenCredential
	var err error

	if config.UseManagedIdentity {
		if config.UserAssignedID != "" {
			cred, err = azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{
				ID: azidentity.ClientID(config.UserAssignedID),
			})
		} else {
			cred, err = azidentity.NewManagedIdentityCredential(nil)
		}
	} else if config.ClientSecret != "" {
		cred, err = azidentity.NewClientSecretCredential(config.TenantID, config.ClientID, config.ClientSecret, nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}

	client, err := azsecrets.NewClient(config.VaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Key Vault client: %w", err)
	}
	return client, nil
}

// Name returns the generator name.
func (g *AzureGenerator) Name() string {
	return g.name
}

// SecretName returns the Key Vault secret a key's material lives in.
// Key Vault secret names only allow letters, digits and dashes.
func (g *AzureGenerator) SecretName(keyID string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, keyID)
	return g.prefix + "-" + sanitized
}

// Generate writes fresh material as a new secret version and returns a
// reference of the form azure-kv://<vault-host>/<name>#<version>.
func (g *AzureGenerator) Generate(ctx context.Context, keyID string) (string, error) {
	material, err := newMaterial()
	if err != nil {
		return "", err
	}

	secretName := g.SecretName(keyID)
	resp, err := g.client.SetSecret(ctx, secretName, azsecrets.SetSecretParameters{
		Value: &material,
	}, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) {
			return "", fmt.Errorf("key vault rejected write of %s (HTTP %d): %w", secretName, respErr.StatusCode, err)
		}
		return "", fmt.Errorf("failed to store new secret version for %s: %w", secretName, err)
	}

	version := ""
	if resp.ID != nil {
		version = resp.ID.Version()
	}
	return fmt.Sprintf("azure-kv://%s/%s#%s", g.vaultHost, secretName, version), nil
}

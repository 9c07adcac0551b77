package refgen

import (
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/google/uuid"
)

// SecretsManagerClientAPI defines the interface for AWS Secrets Manager
// operations. This allows for mocking in tests.
type SecretsManagerClientAPI interface {
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
}

// AWSGenerator stores fresh material as a new version of an AWS Secrets
// Manager secret and returns a reference naming that version.
type AWSGenerator struct {
	name   string
	client SecretsManagerClientAPI
	region string
	prefix string
}

// AWSOption is a functional option for configuring the AWS generator.
type AWSOption func(*AWSGenerator)

// WithSecretsManagerClient sets a custom Secrets Manager client (for testing).
func WithSecretsManagerClient(client SecretsManagerClientAPI) AWSOption {
	return func(g *AWSGenerator) {
		g.client = client
	}
}

// NewAWSGenerator creates an AWS Secrets Manager reference generator.
func NewAWSGenerator(name string, generatorConfig map[string]interface{}, opts ...AWSOption) (*AWSGenerator, error) {
	region := "us-east-1"
	if r, ok := generatorConfig["region"].(string); ok && r != "" {
		region = r
	}

	// Optional endpoint for LocalStack/testing
	var endpoint string
	if e, ok := generatorConfig["endpoint"].(string); ok && e != "" {
		endpoint = e
	}

	// Optional static credentials for LocalStack/testing
	var accessKeyID, secretAccessKey string
	if ak, ok := generatorConfig["access_key_id"].(string); ok && ak != "" {
		accessKeyID = ak
	}
	if sk, ok := generatorConfig["secret_access_key"].(string); ok && sk != "" {
		secretAccessKey = sk
	}

	prefix := "keylife"
	if p, ok := generatorConfig["prefix"].(string); ok && p != "" {
		prefix = p
	}

	g := &AWSGenerator{
		name:   name,
		region: region,
		prefix: prefix,
	}

	for _, opt := range opts {
		opt(g)
	}

	if g.client == nil {
		var configOpts []func(*config.LoadOptions) error
		configOpts = append(configOpts, config.WithRegion(region))

		if accessKeyID != "" && secretAccessKey != "" {
			configOpts = append(configOpts, config.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
			))
		}

		cfg, err := config.LoadDefaultConfig(context.Background(), configOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		var clientOpts []func(*secretsmanager.Options)
		if endpoint != "" {
			clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
				o.BaseEndpoint = &endpoint
			})
		}
		g.client = secretsmanager.NewFromConfig(cfg, clientOpts...)
	}

	return g, nil
}

// NewAWSGeneratorFactory creates an AWS generator factory.
func NewAWSGeneratorFactory(name string, config map[string]interface{}) (Generator, error) {
	return NewAWSGenerator(name, config)
}

// Name returns the generator name.
func (g *AWSGenerator) Name() string {
	return g.name
}

// SecretName returns the Secrets Manager secret a key's material lives in.
func (g *AWSGenerator) SecretName(keyID string) string {
	return path.Join(g.prefix, keyID)
}

// Generate writes fresh material as a new secret version and returns a
// reference of the form aws-sm://<secret-name>#<version-id>.
func (g *AWSGenerator) Generate(ctx context.Context, keyID string) (string, error) {
	material, err := newMaterial()
	if err != nil {
		return "", err
	}

	secretName := g.SecretName(keyID)
	out, err := g.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:           aws.String(secretName),
		SecretString:       aws.String(material),
		ClientRequestToken: aws.String(uuid.NewString()),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store new secret version for %s: %w", secretName, err)
	}

	version := "AWSCURRENT"
	if out.VersionId != nil {
		version = *out.VersionId
	}
	return fmt.Sprintf("aws-sm://%s#%s", secretName, version), nil
}

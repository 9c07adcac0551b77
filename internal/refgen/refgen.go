// Package refgen produces credential references. A generator mints new
// secret material in an external backend and returns an opaque reference
// to it; the lifecycle service stores only the reference.
package refgen

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Generator creates a new credential reference for a key.
type Generator interface {
	Generate(ctx context.Context, keyID string) (string, error)
}

// Factory creates a generator instance from configuration.
type Factory func(name string, config map[string]interface{}) (Generator, error)

// Registry manages generator creation and registration.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a new generator registry with built-in backends.
func NewRegistry() *Registry {
	registry := &Registry{
		factories: make(map[string]Factory),
	}

	registry.RegisterFactory("random", NewRandomGeneratorFactory)
	registry.RegisterFactory("aws.secretsmanager", NewAWSGeneratorFactory)
	registry.RegisterFactory("gcp.secretmanager", NewGCPGeneratorFactory)
	registry.RegisterFactory("azure.keyvault", NewAzureGeneratorFactory)

	return registry
}

// RegisterFactory registers a generator factory for a given type.
func (r *Registry) RegisterFactory(generatorType string, factory Factory) {
	r.factories[generatorType] = factory
}

// Create creates a generator instance from configuration.
func (r *Registry) Create(name, generatorType string, config map[string]interface{}) (Generator, error) {
	factory, exists := r.factories[generatorType]
	if !exists {
		return nil, fmt.Errorf("unknown generator type: %s", generatorType)
	}
	return factory(name, config)
}

// SupportedTypes returns a list of supported generator types.
func (r *Registry) SupportedTypes() []string {
	types := make([]string, 0, len(r.factories))
	for generatorType := range r.factories {
		types = append(types, generatorType)
	}
	return types
}

const materialBytes = 24

// newMaterial returns fresh random secret material as a hex string.
func newMaterial() (string, error) {
	buf := make([]byte, materialBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random material: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

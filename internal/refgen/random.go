package refgen

import (
	"context"
	"fmt"
)

// RandomGenerator mints opaque local references. It backs no external
// store and exists for development and for systems whose material is
// provisioned out of band.
type RandomGenerator struct {
	name   string
	prefix string
}

// NewRandomGenerator creates a random reference generator.
func NewRandomGenerator(name string, config map[string]interface{}) (*RandomGenerator, error) {
	prefix := "keyref"
	if p, ok := config["prefix"].(string); ok && p != "" {
		prefix = p
	}
	return &RandomGenerator{name: name, prefix: prefix}, nil
}

// NewRandomGeneratorFactory creates a random generator factory.
func NewRandomGeneratorFactory(name string, config map[string]interface{}) (Generator, error) {
	return NewRandomGenerator(name, config)
}

// Name returns the generator name.
func (g *RandomGenerator) Name() string {
	return g.name
}

// Generate returns a fresh random reference.
func (g *RandomGenerator) Generate(ctx context.Context, keyID string) (string, error) {
	token, err := newMaterial()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", g.prefix, token), nil
}

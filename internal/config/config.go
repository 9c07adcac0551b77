// Package config loads and validates the keylife.yaml configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	kferrors "github.com/systmms/keylife/internal/errors"
	"github.com/systmms/keylife/internal/logging"
)

// Config holds the runtime configuration.
type Config struct {
	Path       string
	Logger     *logging.Logger
	Definition *Definition
}

// Definition represents the keylife.yaml structure.
type Definition struct {
	Version int `yaml:"version"`

	// Listen is the address the API server binds to.
	Listen string `yaml:"listen"`

	// AdminToken authorizes every API request. Environment references
	// like ${KEYLIFE_ADMIN_TOKEN} are expanded on load so the literal
	// token never has to live in the file.
	AdminToken string `yaml:"admin_token"`

	// DefaultGraceSeconds applies when a rotation request names no grace.
	DefaultGraceSeconds int `yaml:"default_grace_seconds"`

	// MaxCommitAttempts bounds retries of commits lost to concurrent
	// writers.
	MaxCommitAttempts int `yaml:"max_commit_attempts"`

	// GenerateTimeoutMs bounds a single reference generation.
	GenerateTimeoutMs int `yaml:"generate_timeout_ms"`

	// AuditCapacity bounds the in-memory audit trail.
	AuditCapacity int `yaml:"audit_capacity"`

	Store     StoreConfig     `yaml:"store"`
	Generator GeneratorConfig `yaml:"generator"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// StoreConfig selects and configures the record store backend.
type StoreConfig struct {
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:",inline"`
}

// GeneratorConfig selects and configures the reference generator backend.
type GeneratorConfig struct {
	Type   string                 `yaml:"type"`
	Config map[string]interface{} `yaml:",inline"`
}

// MetricsConfig configures the optional Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

var storeTypes = map[string]bool{
	"memory":   true,
	"file":     true,
	"postgres": true,
}

// Load reads and parses the keylife.yaml file.
func (c *Config) Load() error {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return kferrors.ConfigError{
				Field:      "path",
				Value:      c.Path,
				Message:    "configuration file not found",
				Suggestion: "Create a keylife.yaml or pass --config pointing at one",
			}
		}
		return kferrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return kferrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}

	if def.Version != 0 {
		return kferrors.ConfigError{
			Field:      "version",
			Value:      def.Version,
			Message:    "unsupported configuration version",
			Suggestion: "Set 'version: 0' at the top of your keylife.yaml file",
		}
	}

	def.applyDefaults()
	def.AdminToken = os.ExpandEnv(def.AdminToken)

	if err := def.validate(); err != nil {
		return err
	}

	c.Definition = &def
	return nil
}

func (d *Definition) applyDefaults() {
	if d.Listen == "" {
		d.Listen = ":8080"
	}
	if d.DefaultGraceSeconds < 0 {
		d.DefaultGraceSeconds = 0
	}
	if d.MaxCommitAttempts <= 0 {
		d.MaxCommitAttempts = 3
	}
	if d.GenerateTimeoutMs <= 0 {
		d.GenerateTimeoutMs = 30000
	}
	if d.AuditCapacity <= 0 {
		d.AuditCapacity = 1000
	}
	if d.Store.Type == "" {
		d.Store.Type = "memory"
	}
	if d.Generator.Type == "" {
		d.Generator.Type = "random"
	}
	if d.Metrics.Port <= 0 {
		d.Metrics.Port = 9090
	}
	if d.Metrics.Path == "" {
		d.Metrics.Path = "/metrics"
	}
}

func (d *Definition) validate() error {
	if d.AdminToken == "" {
		return kferrors.ConfigError{
			Field:      "admin_token",
			Message:    "admin_token is required",
			Suggestion: "Set admin_token: ${KEYLIFE_ADMIN_TOKEN} and export the variable",
		}
	}
	if !storeTypes[d.Store.Type] {
		return kferrors.ConfigError{
			Field:      "store.type",
			Value:      d.Store.Type,
			Message:    "unknown store type",
			Suggestion: "Use one of: memory, file, postgres",
		}
	}
	return nil
}

// DefaultGrace returns the grace window applied when a rotation request
// names none.
func (d *Definition) DefaultGrace() time.Duration {
	return time.Duration(d.DefaultGraceSeconds) * time.Second
}

// GenerateTimeout returns the per-generation deadline.
func (d *Definition) GenerateTimeout() time.Duration {
	return time.Duration(d.GenerateTimeoutMs) * time.Millisecond
}

// StoreOption reads a string option from the store's inline config.
func (s StoreConfig) StoreOption(key string) string {
	v, _ := s.Config[key].(string)
	return v
}

// String implements fmt.Stringer without leaking the admin token.
func (d *Definition) String() string {
	return fmt.Sprintf("Definition{Listen: %s, Store: %s, Generator: %s, AdminToken: [REDACTED]}",
		d.Listen, d.Store.Type, d.Generator.Type)
}

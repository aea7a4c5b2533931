// Package config loads and validates the runner configuration from YAML
// files and environment variables. Credentials never live in config files;
// they are referenced by environment variable name and resolved at load.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration.
type Config struct {
	App       AppConfig        `mapstructure:"app"`
	Log       LogConfig        `mapstructure:"log"`
	Database  DatabaseConfig   `mapstructure:"database" validate:"required"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Temporal  TemporalConfig   `mapstructure:"temporal"`
	Server    ServerConfig     `mapstructure:"server"`
	Scheduler SchedulerConfig  `mapstructure:"scheduler"`
	Breaker   BreakerConfig    `mapstructure:"breaker"`
	Providers []ProviderConfig `mapstructure:"providers" validate:"min=1,dive"`
	Prompts   []PromptConfig   `mapstructure:"prompts" validate:"min=1,dive"`
	Pricing   []PricingConfig  `mapstructure:"pricing" validate:"dive"`
}

// AppConfig identifies the process.
type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// DatabaseConfig holds the Postgres connection settings.
type DatabaseConfig struct {
	DSN        string `mapstructure:"dsn" validate:"required"`
	MaxRetries int    `mapstructure:"max_retries" validate:"min=1"`
}

// RedisConfig configures the optional fleet-wide rate limit layer.
type RedisConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Addr              string        `mapstructure:"addr" validate:"required_if=Enabled true"`
	Password          string        `mapstructure:"password"`
	DB                int           `mapstructure:"db"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	RequestsPerWindow int           `mapstructure:"requests_per_window" validate:"min=0"`
	Window            time.Duration `mapstructure:"window"`
}

// TemporalConfig configures the workflow worker. Disabled runs fall back to
// manual triggering through the HTTP control surface.
type TemporalConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	HostPort  string `mapstructure:"host_port" validate:"required_if=Enabled true"`
	Namespace string `mapstructure:"namespace"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
}

// SchedulerConfig tunes batch passes.
type SchedulerConfig struct {
	BatchSize   int           `mapstructure:"batch_size" validate:"min=1"`
	Concurrency int           `mapstructure:"concurrency" validate:"min=1"`
	MaxTokens   int           `mapstructure:"max_tokens" validate:"min=1"`
	Temperature float64       `mapstructure:"temperature" validate:"gte=0,lte=2"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// BreakerConfig tunes the per-credential circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold" validate:"min=1"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// ProviderConfig declares one provider: its wire shape, endpoint, ordered
// model fallback list, and credentials.
type ProviderConfig struct {
	Name     string             `mapstructure:"name" validate:"required"`
	Shape    string             `mapstructure:"shape" validate:"oneof=chat_completions messages generate_content"`
	Endpoint string             `mapstructure:"endpoint"`
	Models   []string           `mapstructure:"models" validate:"min=1"`
	Keys     []CredentialConfig `mapstructure:"keys" validate:"min=1,dive"`
}

// CredentialConfig declares one API key. Exactly one of Key and KeyEnv must
// be set; KeyEnv names an environment variable holding the secret.
type CredentialConfig struct {
	ID       string        `mapstructure:"id"`
	Key      string        `mapstructure:"key"`
	KeyEnv   string        `mapstructure:"key_env"`
	Capacity int           `mapstructure:"capacity" validate:"min=1"`
	Window   time.Duration `mapstructure:"window"`
}

// PromptConfig declares one prompt variant.
type PromptConfig struct {
	ID       string `mapstructure:"id" validate:"required"`
	Template string `mapstructure:"template" validate:"required"`
}

// PricingConfig declares per-model rates in milli-cents per 1000 tokens.
type PricingConfig struct {
	Provider          string `mapstructure:"provider" validate:"required"`
	Model             string `mapstructure:"model" validate:"required"`
	PromptCostPer1000 int64  `mapstructure:"prompt_cost_per_1000" validate:"min=0"`
	OutputCostPer1000 int64  `mapstructure:"output_cost_per_1000" validate:"min=0"`
}

// Validate checks the configuration, including the cross-field constraints
// the tag syntax cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	for _, p := range c.Providers {
		for i, k := range p.Keys {
			if k.Key == "" && k.KeyEnv == "" {
				return fmt.Errorf("provider %q key %d: one of key or key_env is required", p.Name, i)
			}
		}
	}
	return nil
}

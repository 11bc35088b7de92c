package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lodestar-ai/lodestar/internal/events"
	"github.com/lodestar-ai/lodestar/internal/fusion"
	"github.com/lodestar-ai/lodestar/internal/health"
	"github.com/lodestar-ai/lodestar/internal/middleware"
	"github.com/lodestar-ai/lodestar/internal/providers/anthropic"
	"github.com/lodestar-ai/lodestar/internal/providers/local"
	"github.com/lodestar-ai/lodestar/internal/providers/openai"
	"github.com/lodestar-ai/lodestar/internal/routing"
	"github.com/lodestar-ai/lodestar/internal/security"
	"github.com/lodestar-ai/lodestar/internal/types"
)

// Config is the complete application configuration: defaults, then the
// YAML file, then environment overrides, in that order.
type Config struct {
	Server     ServerConfig                `yaml:"server"`
	Logging    LoggingConfig               `yaml:"logging"`
	Auth       security.AuthConfig         `yaml:"auth"`
	RateLimit  security.RateLimitConfig    `yaml:"rate_limit"`
	Validation middleware.ValidationConfig `yaml:"validation"`
	Routing    routing.Config              `yaml:"routing"`
	Health     health.Config               `yaml:"health"`
	Fusion     fusion.Config               `yaml:"fusion"`
	Providers  ProvidersConfig             `yaml:"providers"`
	Budgets    []types.Budget              `yaml:"budgets"`
	Events     EventsConfig                `yaml:"events"`
	History    HistoryConfig               `yaml:"history"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// ProvidersConfig enables and configures each backend adapter. A nil
// section leaves that adapter unregistered.
type ProvidersConfig struct {
	OpenAI    *openai.Config    `yaml:"openai"`
	Anthropic *anthropic.Config `yaml:"anthropic"`
	Local     *local.Config     `yaml:"local"`
}

// EventsConfig wires the event stream's sinks.
type EventsConfig struct {
	Buffer events.SinkConfig       `yaml:"buffer"`
	Redis  *events.RedisSinkConfig `yaml:"redis"`
}

// HistoryConfig enables the Postgres usage history store.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// Load builds the configuration from an optional YAML file plus the
// environment.
func Load(configPath string) (*Config, error) {
	config := &Config{}
	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	config.loadFromEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Validation = middleware.ValidationConfig{
		Enabled:  true,
		SpecPath: "docs/openapi.yaml",
	}

	c.Routing = routing.DefaultConfig()
	c.Health = health.DefaultConfig()
	c.Fusion = fusion.DefaultConfig()

	c.Events = EventsConfig{
		Buffer: events.SinkConfig{
			BufferSize:    1024,
			FlushInterval: 5 * time.Second,
		},
	}

	c.Providers = ProvidersConfig{
		OpenAI: &openai.Config{
			Models: []types.ModelInfo{
				{
					Name:             "gpt-4o",
					ProviderModelID:  "gpt-4o",
					InputCostPer1K:   0.005,
					OutputCostPer1K:  0.015,
					MaxContextWindow: 128000,
					MaxOutputTokens:  4096,
					QualityTier:      types.TierPremium,
				},
				{
					Name:             "gpt-4o-mini",
					ProviderModelID:  "gpt-4o-mini",
					InputCostPer1K:   0.00015,
					OutputCostPer1K:  0.0006,
					MaxContextWindow: 128000,
					MaxOutputTokens:  16384,
					QualityTier:      types.TierStandard,
				},
				{
					Name:             "gpt-3.5-turbo",
					ProviderModelID:  "gpt-3.5-turbo",
					InputCostPer1K:   0.0015,
					OutputCostPer1K:  0.002,
					MaxContextWindow: 16385,
					MaxOutputTokens:  4096,
					QualityTier:      types.TierBasic,
				},
			},
			Timeout: 120 * time.Second,
		},
		Anthropic: &anthropic.Config{
			Models: []types.ModelInfo{
				{
					Name:             "claude-3-5-sonnet-20241022",
					ProviderModelID:  "claude-3-5-sonnet-20241022",
					InputCostPer1K:   0.003,
					OutputCostPer1K:  0.015,
					MaxContextWindow: 200000,
					MaxOutputTokens:  8192,
					QualityTier:      types.TierPremium,
				},
				{
					Name:             "claude-3-haiku-20240307",
					ProviderModelID:  "claude-3-haiku-20240307",
					InputCostPer1K:   0.00025,
					OutputCostPer1K:  0.00125,
					MaxContextWindow: 200000,
					MaxOutputTokens:  4096,
					QualityTier:      types.TierBasic,
				},
			},
			Timeout: 120 * time.Second,
		},
	}
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

func (c *Config) loadFromEnv() {
	if port := os.Getenv("LODESTAR_PORT"); port != "" {
		c.Server.Port = port
	}
	if level := os.Getenv("LODESTAR_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("LODESTAR_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if key := os.Getenv("LODESTAR_API_KEY"); key != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, key)
	}
	if secret := os.Getenv("LODESTAR_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" && c.Providers.OpenAI != nil {
		c.Providers.OpenAI.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && c.Providers.Anthropic != nil {
		c.Providers.Anthropic.APIKey = key
	}

	if addr := os.Getenv("LODESTAR_REDIS_ADDR"); addr != "" {
		if c.Events.Redis == nil {
			c.Events.Redis = &events.RedisSinkConfig{}
		}
		c.Events.Redis.Addr = addr
	}
	if dsn := os.Getenv("LODESTAR_HISTORY_DSN"); dsn != "" {
		c.History.Enabled = true
		c.History.DSN = dsn
	}
}

func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	providerCount := 0

	if c.Providers.OpenAI != nil {
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("OpenAI API key is required when the OpenAI provider is enabled")
		}
		if len(c.Providers.OpenAI.Models) == 0 {
			return fmt.Errorf("OpenAI provider must have at least one model configured")
		}
		providerCount++
	}

	if c.Providers.Anthropic != nil {
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("Anthropic API key is required when the Anthropic provider is enabled")
		}
		if len(c.Providers.Anthropic.Models) == 0 {
			return fmt.Errorf("Anthropic provider must have at least one model configured")
		}
		providerCount++
	}

	if c.Providers.Local != nil {
		if c.Providers.Local.BaseURL == "" {
			return fmt.Errorf("local provider requires a base URL")
		}
		if len(c.Providers.Local.Models) == 0 {
			return fmt.Errorf("local provider must have at least one model configured")
		}
		providerCount++
	}

	if providerCount == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	seen := make(map[string]bool)
	for _, b := range c.Budgets {
		if b.Provider == "" {
			return fmt.Errorf("budget entries must name a provider")
		}
		if seen[b.Provider] {
			return fmt.Errorf("duplicate budget for provider %q", b.Provider)
		}
		seen[b.Provider] = true
	}

	if c.History.Enabled && c.History.DSN == "" {
		return fmt.Errorf("history store is enabled but no DSN is configured")
	}

	return nil
}

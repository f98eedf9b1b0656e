package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/ai-gateway/internal/cache"
	"github.com/tributary-ai/ai-gateway/internal/providers"
	"github.com/tributary-ai/ai-gateway/internal/providers/anthropic"
	"github.com/tributary-ai/ai-gateway/internal/providers/openai"
	"github.com/tributary-ai/ai-gateway/internal/security"
	"github.com/tributary-ai/ai-gateway/internal/types"
)

// Config represents the complete gateway configuration
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Providers ProvidersConfig      `yaml:"providers"`
	Cache     cache.Config         `yaml:"cache"`
	Quota     QuotaConfig          `yaml:"quota"`
	Telemetry TelemetryConfig      `yaml:"telemetry"`
	Logging   LoggingConfig        `yaml:"logging"`
	Audit     security.AuditConfig `yaml:"audit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	OpenAPISpec    string        `yaml:"openapi_spec"`
}

// ProvidersConfig holds configuration for all backend providers
type ProvidersConfig struct {
	OpenAI    *openai.Config    `yaml:"openai"`
	Anthropic *anthropic.Config `yaml:"anthropic"`
}

// QuotaConfig holds tenant store and session token configuration
type QuotaConfig struct {
	DatabasePath string        `yaml:"database_path"`
	TokenSecret  string        `yaml:"token_secret"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
}

// TelemetryConfig holds the usage recorder's transport configuration
type TelemetryConfig struct {
	NATSURL   string `yaml:"nats_url"`
	QueueSize int    `yaml:"queue_size"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// Load builds configuration from defaults, an optional YAML file, and
// environment variable overrides, then validates the result.
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

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   300 * time.Second, // long enough for streaming responses
		MaxHeaderBytes: 1 << 20,
		OpenAPISpec:    "docs/openapi.yaml",
	}

	c.Quota = QuotaConfig{
		DatabasePath: "gateway.db",
		TokenTTL:     time.Hour,
	}

	c.Telemetry = TelemetryConfig{
		QueueSize: 1024,
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Audit = security.AuditConfig{
		Enabled:       true,
		BufferSize:    1000,
		FlushInterval: 10 * time.Second,
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
					QualityScore:     0.92,
					BaselineLatency:  1200 * time.Millisecond,
				},
				{
					Name:             "gpt-4o-mini",
					ProviderModelID:  "gpt-4o-mini",
					InputCostPer1K:   0.00015,
					OutputCostPer1K:  0.0006,
					MaxContextWindow: 128000,
					MaxOutputTokens:  16384,
					QualityScore:     0.78,
					BaselineLatency:  600 * time.Millisecond,
				},
				{
					Name:             "gpt-3.5-turbo",
					ProviderModelID:  "gpt-3.5-turbo",
					InputCostPer1K:   0.0015,
					OutputCostPer1K:  0.002,
					MaxContextWindow: 16385,
					MaxOutputTokens:  4096,
					QualityScore:     0.70,
					BaselineLatency:  500 * time.Millisecond,
				},
			},
			Client: providers.ClientConfig{Timeout: 120 * time.Second},
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
					QualityScore:     0.93,
					BaselineLatency:  1100 * time.Millisecond,
				},
				{
					Name:             "claude-3-haiku-20240307",
					ProviderModelID:  "claude-3-haiku-20240307",
					InputCostPer1K:   0.00025,
					OutputCostPer1K:  0.00125,
					MaxContextWindow: 200000,
					MaxOutputTokens:  4096,
					QualityScore:     0.75,
					BaselineLatency:  450 * time.Millisecond,
				},
			},
			Client: providers.ClientConfig{Timeout: 120 * time.Second},
		},
	}
}

// loadFromFile loads configuration from a YAML file
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

// loadFromEnv loads configuration overrides from environment variables
func (c *Config) loadFromEnv() {
	if port := os.Getenv("AI_GATEWAY_PORT"); port != "" {
		c.Server.Port = port
	}

	if openaiKey := os.Getenv("OPENAI_API_KEY"); openaiKey != "" {
		if c.Providers.OpenAI != nil {
			c.Providers.OpenAI.APIKey = openaiKey
		}
	}
	if anthropicKey := os.Getenv("ANTHROPIC_API_KEY"); anthropicKey != "" {
		if c.Providers.Anthropic != nil {
			c.Providers.Anthropic.APIKey = anthropicKey
		}
	}

	if redisURL := os.Getenv("AI_GATEWAY_REDIS_URL"); redisURL != "" {
		c.Cache.RedisURL = redisURL
	}
	if natsURL := os.Getenv("AI_GATEWAY_NATS_URL"); natsURL != "" {
		c.Telemetry.NATSURL = natsURL
	}
	if dbPath := os.Getenv("AI_GATEWAY_DB_PATH"); dbPath != "" {
		c.Quota.DatabasePath = dbPath
	}
	if secret := os.Getenv("AI_GATEWAY_TOKEN_SECRET"); secret != "" {
		c.Quota.TokenSecret = secret
	}

	if level := os.Getenv("AI_GATEWAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("AI_GATEWAY_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
}

// validate validates the configuration
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

	if c.Quota.DatabasePath == "" {
		return fmt.Errorf("quota database path cannot be empty")
	}
	if c.Quota.TokenSecret == "" {
		return fmt.Errorf("token secret is required; set AI_GATEWAY_TOKEN_SECRET")
	}

	providerCount := 0
	if c.Providers.OpenAI != nil {
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("OpenAI API key is required when OpenAI provider is enabled")
		}
		if len(c.Providers.OpenAI.Models) == 0 {
			return fmt.Errorf("OpenAI provider must have at least one model configured")
		}
		providerCount++
	}
	if c.Providers.Anthropic != nil {
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("Anthropic API key is required when Anthropic provider is enabled")
		}
		if len(c.Providers.Anthropic.Models) == 0 {
			return fmt.Errorf("Anthropic provider must have at least one model configured")
		}
		providerCount++
	}
	if providerCount == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	return nil
}

// EnabledProviders returns the names of providers with credentials set.
func (c *Config) EnabledProviders() []string {
	var names []string
	if c.Providers.OpenAI != nil && c.Providers.OpenAI.APIKey != "" {
		names = append(names, "openai")
	}
	if c.Providers.Anthropic != nil && c.Providers.Anthropic.APIKey != "" {
		names = append(names, "anthropic")
	}
	return names
}

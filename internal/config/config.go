package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied when embarques.yml leaves a knob unset.
const (
	DefaultAITimeoutMs     = 3000
	DefaultStoreAttempts   = 3
	DefaultMaxConcurrency  = 32
	DefaultSignatureHeader = "X-Orbium-Signature"
)

// Config models embarques.yml.
type Config struct {
	Partner struct {
		Name            string `yaml:"name"`
		WebhookSecret   string `yaml:"webhook_secret"`
		SignatureHeader string `yaml:"signature_header"`
	} `yaml:"partner"`
	AI struct {
		Enabled   bool   `yaml:"enabled"`
		Endpoint  string `yaml:"endpoint"`
		APIKey    string `yaml:"api_key"`
		TimeoutMs int    `yaml:"timeout_ms"`
	} `yaml:"ai"`
	Store struct {
		MaxWriteAttempts int `yaml:"max_write_attempts"`
	} `yaml:"store"`
	Server struct {
		MaxConcurrentDeliveries int `yaml:"max_concurrent_deliveries"`
	} `yaml:"server"`
	Broker struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"broker"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one outbound event subscriber.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Partner.Name == "" {
		return fmt.Errorf("config.partner.name is required")
	}
	if c.AI.Enabled && strings.TrimSpace(c.AI.Endpoint) == "" {
		return fmt.Errorf("config.ai.endpoint is required when ai.enabled is true")
	}
	if c.AI.TimeoutMs < 0 {
		return fmt.Errorf("config.ai.timeout_ms must be >= 0")
	}
	if c.Store.MaxWriteAttempts < 0 {
		return fmt.Errorf("config.store.max_write_attempts must be >= 0")
	}
	if len(c.Broker.Brokers) > 0 && strings.TrimSpace(c.Broker.Topic) == "" {
		return fmt.Errorf("config.broker.topic is required when brokers are set")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		for _, evt := range hook.Events {
			if strings.TrimSpace(evt) == "" {
				return fmt.Errorf("webhook %d has empty event filter entry", i)
			}
		}
	}
	return nil
}

// SignatureHeader returns the configured inbound signature header name.
func (c *Config) SignatureHeader() string {
	if h := strings.TrimSpace(c.Partner.SignatureHeader); h != "" {
		return h
	}
	return DefaultSignatureHeader
}

// AITimeoutMs returns the enrichment timeout with the default applied.
func (c *Config) AITimeoutMs() int {
	if c.AI.TimeoutMs > 0 {
		return c.AI.TimeoutMs
	}
	return DefaultAITimeoutMs
}

// MaxWriteAttempts returns the bounded retry budget for state writes.
func (c *Config) MaxWriteAttempts() int {
	if c.Store.MaxWriteAttempts > 0 {
		return c.Store.MaxWriteAttempts
	}
	return DefaultStoreAttempts
}

// MaxConcurrentDeliveries bounds in-flight webhook pipelines.
func (c *Config) MaxConcurrentDeliveries() int {
	if c.Server.MaxConcurrentDeliveries > 0 {
		return c.Server.MaxConcurrentDeliveries
	}
	return DefaultMaxConcurrency
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "embarques.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with embarques config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns Default() if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		// the embedded template must always parse
		panic(err)
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `partner:
  name: orbium
  # Shared secret for inbound HMAC verification. Prefer the
  # EMBARQUES_WEBHOOK_SECRET environment variable in deployments.
  webhook_secret: ""
  signature_header: X-Orbium-Signature

ai:
  enabled: false
  endpoint: ""
  api_key: ""
  timeout_ms: 3000

store:
  max_write_attempts: 3

server:
  max_concurrent_deliveries: 32

broker:
  brokers: []
  topic: embarques.transitions

webhooks: []
`

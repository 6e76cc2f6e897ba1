// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the SMTP sink.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// Config holds the complete application configuration.
type Config struct {
	SMTP    SMTPConfig    `yaml:"smtp"`
	HTTP    HTTPConfig    `yaml:"http"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
	Console ConsoleConfig `yaml:"console"`
	Relay   RelayConfig   `yaml:"relay"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	Banner         string `yaml:"banner"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// HTTPConfig holds the query API listener.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// StorageConfig points at the SQLite archive.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration. An empty File logs to stdout.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// ConsoleConfig toggles the stdout message printer.
type ConsoleConfig struct {
	Enabled bool `yaml:"enabled"`
}

// RelayConfig holds the optional outbound event relays.
type RelayConfig struct {
	Redis RedisRelayConfig `yaml:"redis"`
	AMQP  AMQPRelayConfig  `yaml:"amqp"`
}

// RedisRelayConfig configures publishing new-message events to Redis.
type RedisRelayConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

// AMQPRelayConfig configures publishing new-message events to RabbitMQ.
type AMQPRelayConfig struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, cfg.Validate()
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, cfg.Validate()
}

// Validate rejects values the servers cannot start with.
func (c *Config) Validate() error {
	if c.SMTP.Listen == "" {
		return fmt.Errorf("smtp.listen must not be empty")
	}
	if c.HTTP.Listen == "" {
		return fmt.Errorf("http.listen must not be empty")
	}
	if c.SMTP.MaxMessageSize <= 0 {
		return fmt.Errorf("smtp.max_message_size must be positive, got %d", c.SMTP.MaxMessageSize)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	return nil
}

// RedisRelayEnabled reports whether new messages are relayed to Redis.
func (c *Config) RedisRelayEnabled() bool {
	return c.Relay.Redis.URL != ""
}

// AMQPRelayEnabled reports whether new messages are relayed to RabbitMQ.
func (c *Config) AMQPRelayEnabled() bool {
	return c.Relay.AMQP.URL != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.Banner = "ESMTP smtp-sink-lite"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.HTTP.Listen = ":2526"
	c.Storage.Path = "smtp-sink.db"
	c.Logging.Level = "info"
	c.Logging.Format = "json"
	c.Relay.Redis.Channel = "smtp-sink:email"
	c.Relay.AMQP.Exchange = "events"
	c.Relay.AMQP.RoutingKey = "email.received"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_BANNER"); v != "" {
		c.SMTP.Banner = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}

	if v := os.Getenv("HTTP_LISTEN"); v != "" {
		c.HTTP.Listen = v
	}
	if v := os.Getenv("STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Logging.File = v
	}

	if v := os.Getenv("CONSOLE_ENABLED"); v != "" {
		if on, err := strconv.ParseBool(v); err == nil {
			c.Console.Enabled = on
		}
	}

	if v := os.Getenv("RELAY_REDIS_URL"); v != "" {
		c.Relay.Redis.URL = v
	}
	if v := os.Getenv("RELAY_REDIS_CHANNEL"); v != "" {
		c.Relay.Redis.Channel = v
	}
	if v := os.Getenv("RELAY_AMQP_URL"); v != "" {
		c.Relay.AMQP.URL = v
	}
	if v := os.Getenv("RELAY_AMQP_EXCHANGE"); v != "" {
		c.Relay.AMQP.Exchange = v
	}
	if v := os.Getenv("RELAY_AMQP_ROUTING_KEY"); v != "" {
		c.Relay.AMQP.RoutingKey = v
	}
}

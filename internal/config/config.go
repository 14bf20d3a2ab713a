package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Relay    RelayConfig    `yaml:"relay"`
	Log      LogConfig      `yaml:"log"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
}

type ServerConfig struct {
	Port int    `yaml:"port" env:"PORT"`
	Host string `yaml:"host" env:"RELAY_HOST"`
}

type RelayConfig struct {
	SourceToken    string        `yaml:"source_token" env:"RELAY_SOURCE_TOKEN"`
	SendQueueSize  int           `yaml:"send_queue_size" env:"RELAY_SEND_QUEUE_SIZE"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"RELAY_WRITE_TIMEOUT"`
	PingInterval   time.Duration `yaml:"ping_interval" env:"RELAY_PING_INTERVAL"`
	PongTimeout    time.Duration `yaml:"pong_timeout" env:"RELAY_PONG_TIMEOUT"`
	CloseGrace     time.Duration `yaml:"close_grace" env:"RELAY_CLOSE_GRACE"`
	MaxMessageSize int64         `yaml:"max_message_size" env:"RELAY_MAX_MESSAGE_SIZE"`
	// ListenerLogRate caps how many inbound listener frames per second are logged.
	ListenerLogRate float64  `yaml:"listener_log_rate" env:"RELAY_LISTENER_LOG_RATE"`
	AllowedOrigins  []string `yaml:"allowed_origins" env:"RELAY_ALLOWED_ORIGINS"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

type ShutdownConfig struct {
	Timeout time.Duration `yaml:"timeout" env:"SHUTDOWN_TIMEOUT"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 3002,
			Host: "0.0.0.0",
		},
		Relay: RelayConfig{
			SendQueueSize:   256,
			WriteTimeout:    5 * time.Second,
			PingInterval:    30 * time.Second,
			PongTimeout:     60 * time.Second,
			CloseGrace:      2 * time.Second,
			MaxMessageSize:  1 << 20,
			ListenerLogRate: 1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Shutdown: ShutdownConfig{
			Timeout: 10 * time.Second,
		},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (a missing file is fine unless required is set), then a .env file and the
// process environment. The result is validated.
func Load(path string, required bool) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !required:
			slog.Debug("No config file found, using defaults and environment", "path", path)
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields whose variables are set. Unset variables leave
// the YAML or default value in place.
func applyEnv(cfg *Config) error {
	opts := &env.Options{SliceSep: ","}
	for _, section := range []any{&cfg.Server, &cfg.Relay, &cfg.Log, &cfg.Shutdown} {
		if err := env.Load(section, opts); err != nil {
			return fmt.Errorf("failed to load environment variables: %w", err)
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Relay.SourceToken == "" {
		return errors.New("relay.source_token (RELAY_SOURCE_TOKEN) is required")
	}
	if c.Relay.SendQueueSize <= 0 {
		return fmt.Errorf("relay.send_queue_size must be positive, got %d", c.Relay.SendQueueSize)
	}
	if c.Relay.MaxMessageSize <= 0 {
		return fmt.Errorf("relay.max_message_size must be positive, got %d", c.Relay.MaxMessageSize)
	}

	durations := map[string]time.Duration{
		"relay.write_timeout": c.Relay.WriteTimeout,
		"relay.ping_interval": c.Relay.PingInterval,
		"relay.pong_timeout":  c.Relay.PongTimeout,
		"relay.close_grace":   c.Relay.CloseGrace,
		"shutdown.timeout":    c.Shutdown.Timeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.Relay.PongTimeout <= c.Relay.PingInterval {
		return fmt.Errorf("relay.pong_timeout (%s) must exceed relay.ping_interval (%s)", c.Relay.PongTimeout, c.Relay.PingInterval)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

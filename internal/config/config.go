package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Backend BackendConfig `mapstructure:"backend"`
	Stream  StreamConfig  `mapstructure:"stream"`
	History HistoryConfig `mapstructure:"history"`
	Log     LogConfig     `mapstructure:"log"`
}

// BackendConfig points at the chat backend.
type BackendConfig struct {
	BaseURL string `mapstructure:"base_url"`
	// RequestTimeout bounds the non-streaming exchanges (send, history,
	// handoff, health). The streaming path has no fixed timeout.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// StreamConfig tunes the event stream reader.
type StreamConfig struct {
	ReadBuffer int `mapstructure:"read_buffer"`
}

// HistoryConfig holds the transcript cache configuration
type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

const envPrefix = "CARECHAT"

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend.base_url", "http://localhost:8000")
	v.SetDefault("backend.request_timeout", 30*time.Second)
	v.SetDefault("stream.read_buffer", 4096)
	v.SetDefault("history.dsn", ":memory:")
	v.SetDefault("log.level", "info")
}

// Load reads config.yaml (or the file named by CONFIG_PATH), then applies
// CARECHAT_* environment overrides. A .env file in the working directory is
// loaded first when present. A missing config.yaml is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate reports settings the client cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Backend.BaseURL) == "" {
		return errors.New("backend.base_url is required")
	}
	if c.Backend.RequestTimeout <= 0 {
		return fmt.Errorf("backend.request_timeout must be positive, got %s", c.Backend.RequestTimeout)
	}
	if c.Stream.ReadBuffer <= 0 {
		return fmt.Errorf("stream.read_buffer must be positive, got %d", c.Stream.ReadBuffer)
	}
	return nil
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoadOptions represents options for loading configuration
type LoadOptions struct {
	Path string
	// EnvFile is loaded before the environment is read. Empty means ".env" if present.
	EnvFile string
}

// Load loads configuration from various sources
func Load(opts ...LoadOptions) (*Config, error) {
	cfg := Default()

	var options LoadOptions
	if len(opts) > 0 {
		options = opts[0]
	}

	// godotenv does not overwrite variables already set in the environment
	if options.EnvFile != "" {
		if err := godotenv.Load(options.EnvFile); err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	} else {
		_ = godotenv.Load()
	}

	if options.Path != "" {
		if err := loadFromFile(cfg, options.Path); err != nil {
			return nil, err
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFromFile loads configuration from a file
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	return nil
}

// loadFromEnv loads configuration from CASTLINE_* environment variables
func loadFromEnv(cfg *Config) error {
	if host := os.Getenv("CASTLINE_SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if err := envInt("CASTLINE_SERVER_PORT", &cfg.Server.Port); err != nil {
		return err
	}
	if origins := os.Getenv("CASTLINE_ALLOWED_ORIGINS"); origins != "" {
		cfg.Server.AllowedOrigins = splitList(origins)
	}

	if level := os.Getenv("CASTLINE_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("CASTLINE_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	if iceServers := os.Getenv("CASTLINE_ICE_SERVERS"); iceServers != "" {
		cfg.WebRTC.ICEServers = []ICEServer{
			{URLs: splitList(iceServers)},
		}
	}

	if err := envInt("CASTLINE_MAX_RETRIES", &cfg.Session.MaxRetries); err != nil {
		return err
	}
	if err := envDuration("CASTLINE_RETRY_DELAY", &cfg.Session.RetryDelay); err != nil {
		return err
	}
	if err := envDuration("CASTLINE_OFFER_TIMEOUT", &cfg.Session.OfferTimeout); err != nil {
		return err
	}

	if url := os.Getenv("CASTLINE_SIGNALING_URL"); url != "" {
		cfg.Signaling.URL = url
	}
	if err := envDuration("CASTLINE_RECONNECT_WAIT", &cfg.Signaling.ReconnectWait); err != nil {
		return err
	}
	if err := envInt("CASTLINE_MAX_RECONNECT", &cfg.Signaling.MaxReconnect); err != nil {
		return err
	}

	if addr, ok := os.LookupEnv("CASTLINE_VIDEO_ADDR"); ok {
		cfg.Media.VideoAddr = addr
	}
	if addr, ok := os.LookupEnv("CASTLINE_AUDIO_ADDR"); ok {
		cfg.Media.AudioAddr = addr
	}

	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return NewConfigError(key, "not an integer")
	}
	*dst = i
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return NewConfigError(key, "not a duration")
	}
	*dst = d
	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

// NewConfigError creates a new configuration error
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in field '%s': %s", e.Field, e.Message)
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultLogLevel       = "info"
	defaultWriteRateLimit = 60
	defaultEventStream    = "library:loan-events"
	defaultTxMaxAttempts  = 5
)

// ConfigPath is the config file read by the service, overridable with LIBRARY_CONFIG.
var ConfigPath = configPathFromEnv()

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                    string   `yaml:"port"`
	DatabaseURL             string   `yaml:"databaseURL"`
	LogLevel                string   `yaml:"logLevel"`
	RedisAddr               string   `yaml:"redisAddr"`
	RedisPassword           string   `yaml:"redisPassword"`
	WriteRateLimitPerMinute int      `yaml:"writeRateLimitPerMinute"`
	EventStream             string   `yaml:"eventStream"`
	TxMaxAttempts           int      `yaml:"txMaxAttempts"`
	TrustedProxies          []string `yaml:"trustedProxies"`
	CORSAllowedOrigins      []string `yaml:"corsAllowedOrigins"`
}

// Load reads config from path (defaults to ConfigPath). A missing file is
// tolerated so the service can be configured from the environment alone.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	// Override with environment variables
	if v := os.Getenv("LIBRARY_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("LIBRARY_WRITE_RATE_LIMIT"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return cfg, fmt.Errorf("config: LIBRARY_WRITE_RATE_LIMIT must be an integer: %w", err)
		}
		cfg.WriteRateLimitPerMinute = n
	}
	if v := os.Getenv("LIBRARY_EVENT_STREAM"); v != "" {
		cfg.EventStream = v
	}
	if v := os.Getenv("LIBRARY_TX_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return cfg, fmt.Errorf("config: LIBRARY_TX_MAX_ATTEMPTS must be an integer: %w", err)
		}
		cfg.TxMaxAttempts = n
	}
	if v := os.Getenv("LIBRARY_TRUSTED_PROXIES"); v != "" {
		cfg.TrustedProxies = splitCSV(v)
	}
	if v := os.Getenv("LIBRARY_CORS_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}

	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *FileConfig) {
	cfg.Port = strings.TrimSpace(cfg.Port)
	cfg.DatabaseURL = strings.TrimSpace(cfg.DatabaseURL)
	cfg.RedisAddr = strings.TrimSpace(cfg.RedisAddr)
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.WriteRateLimitPerMinute == 0 {
		cfg.WriteRateLimitPerMinute = defaultWriteRateLimit
	}
	if strings.TrimSpace(cfg.EventStream) == "" {
		cfg.EventStream = defaultEventStream
	}
	if cfg.TxMaxAttempts == 0 {
		cfg.TxMaxAttempts = defaultTxMaxAttempts
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or LIBRARY_PORT)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if cfg.WriteRateLimitPerMinute < 0 {
		return errors.New("config: writeRateLimitPerMinute must not be negative")
	}
	if cfg.TxMaxAttempts < 0 {
		return errors.New("config: txMaxAttempts must not be negative")
	}
	return nil
}

func configPathFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("LIBRARY_CONFIG")); v != "" {
		return v
	}
	return "config.yaml"
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// Package config loads gateway configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Upstream UpstreamConfig `koanf:"upstream"`
	Worker   WorkerConfig   `koanf:"worker"`

	DatabaseURL     string `koanf:"database_url"`
	GatewayURL      string `koanf:"gateway_url"`
	UseResponsesAPI bool   `koanf:"use_responses_api"`

	// Env is "prod" in production; it gates https-only image fetching.
	Env string `koanf:"env"`

	LogLevel    string `koanf:"log_level"`
	MetricsAddr string `koanf:"metrics_addr"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `koanf:"addr"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// APIKeys are the bearer tokens downstream callers authenticate with.
	// Empty means every token is accepted (development only).
	APIKeys []string `koanf:"api_keys"`
}

// UpstreamConfig holds dispatch settings.
type UpstreamConfig struct {
	// Timeout bounds one whole upstream call, headers through body.
	Timeout time.Duration `koanf:"timeout"`

	// AttemptsPerMapping caps retries against a single provider mapping
	// before falling over to the next one.
	AttemptsPerMapping int `koanf:"attempts_per_mapping"`

	// RequestsPerSecond optionally paces calls per provider; zero disables.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// WorkerConfig holds finalization worker settings.
type WorkerConfig struct {
	Interval     time.Duration `koanf:"interval"`
	LockDuration time.Duration `koanf:"lock_duration"`
	BatchSize    int           `koanf:"batch_size"`
}

// IsProd reports whether the gateway runs in production mode.
func (c *Config) IsProd() bool {
	return strings.EqualFold(c.Env, "prod") || strings.EqualFold(c.Env, "production")
}

// Defaults returns the configuration used when no file or overrides exist.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // streaming responses must not be cut off
		},
		Upstream: UpstreamConfig{
			Timeout:            300 * time.Second,
			AttemptsPerMapping: 1,
		},
		Worker: WorkerConfig{
			Interval:     30 * time.Second,
			LockDuration: 10 * time.Minute,
			BatchSize:    50,
		},
		LogLevel:    "info",
		MetricsAddr: ":9090",
	}
}

// Load reads the YAML file at path (skipped when empty or missing) and layers
// LLMGATEWAY_-prefixed environment variables on top.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("loading config file: %w", err)
			}
		}
	}

	// LLMGATEWAY_UPSTREAM_TIMEOUT -> upstream.timeout
	if err := k.Load(env.Provider("LLMGATEWAY_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "LLMGATEWAY_")),
			"_", ".",
		)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Bare env vars the deployment sets without the prefix.
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("GATEWAY_URL"); v != "" {
		cfg.GatewayURL = v
	}
	if v := os.Getenv("USE_RESPONSES_API"); v != "" {
		cfg.UseResponsesAPI = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GATEWAY_API_KEYS"); v != "" {
		cfg.Server.APIKeys = nil
		for _, key := range strings.Split(v, ",") {
			if key = strings.TrimSpace(key); key != "" {
				cfg.Server.APIKeys = append(cfg.Server.APIKeys, key)
			}
		}
	}

	return cfg, nil
}

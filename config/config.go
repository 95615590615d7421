// Package config loads the engine's configuration from environment
// variables (prefix FLUX_) with an optional on-disk TOML overlay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/edurdias/flux/internal"
)

// WorkerDefaults is the "workers.*" option group.
type WorkerDefaults struct {
	BootstrapToken string        `toml:"bootstrap_token"`
	ServerURL      string        `toml:"server_url"`
	DefaultTimeout time.Duration `toml:"default_timeout"`
	RetryAttempts  int           `toml:"retry_attempts"`
	RetryDelay     time.Duration `toml:"retry_delay"`
	RetryBackoff   float64       `toml:"retry_backoff"`
}

// SecurityConfig is the "security.*" option group. The encryption
// primitive lives outside this module; EncryptionKey is held opaquely
// here and handed to that collaborator.
type SecurityConfig struct {
	EncryptionKey string `toml:"encryption_key"`
}

// Config is the engine's full configuration surface.
type Config struct {
	DatabaseURL            string `toml:"database_url"`
	DatabaseType           string `toml:"database_type"` // sqlite|postgresql
	DatabasePoolSize       int    `toml:"database_pool_size"`
	DatabaseMaxOverflow    int    `toml:"database_max_overflow"`
	DatabasePoolTimeout    time.Duration
	DatabasePoolRecycle    time.Duration
	Serializer             string `toml:"serializer"` // json|pkl
	ServerHost             string `toml:"server_host"`
	ServerPort             int    `toml:"server_port"`
	Workers                WorkerDefaults `toml:"workers"`
	Security               SecurityConfig `toml:"security"`
	LogLevel               string `toml:"log_level"`
}

// Default returns the engine's baseline configuration before any
// environment or file overlay is applied.
func Default() Config {
	return Config{
		DatabaseURL:         "sqlite://flux.db",
		DatabaseType:        "sqlite",
		DatabasePoolSize:    10,
		DatabaseMaxOverflow: 5,
		DatabasePoolTimeout: 30 * time.Second,
		DatabasePoolRecycle: time.Hour,
		Serializer:          "json",
		ServerHost:          "0.0.0.0",
		ServerPort:          8080,
		Workers: WorkerDefaults{
			DefaultTimeout: 30 * time.Second,
			RetryAttempts:  0,
			RetryBackoff:   2.0,
		},
		LogLevel: "info",
	}
}

// Load builds a Config by layering: defaults, then an optional TOML file
// at path (skipped if path is empty or the file doesn't exist), then
// FLUX_-prefixed environment variables (highest precedence). ${VAR}
// references in DatabaseURL, Workers.BootstrapToken and
// Security.EncryptionKey are interpolated against the process environment
// after all layers are applied; other string fields are left as they are.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config file %q: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("reading config file %q: %w", path, err)
		}
	}

	applyEnvOverlay(&cfg)
	interpolate(&cfg)

	if cfg.Serializer != "json" && cfg.Serializer != "pkl" {
		return Config{}, fmt.Errorf("config: unknown serializer %q", cfg.Serializer)
	}
	if cfg.Serializer == "pkl" {
		if _, err := internal.NewSerializer("pkl"); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func applyEnvOverlay(cfg *Config) {
	setStr := func(dst *string, key string) {
		if v, ok := os.LookupEnv("FLUX_" + key); ok {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v, ok := os.LookupEnv("FLUX_" + key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(dst *float64, key string) {
		if v, ok := os.LookupEnv("FLUX_" + key); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setDuration := func(dst *time.Duration, key string) {
		if v, ok := os.LookupEnv("FLUX_" + key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setStr(&cfg.DatabaseURL, "DATABASE_URL")
	setStr(&cfg.DatabaseType, "DATABASE_TYPE")
	setInt(&cfg.DatabasePoolSize, "DATABASE_POOL_SIZE")
	setInt(&cfg.DatabaseMaxOverflow, "DATABASE_MAX_OVERFLOW")
	setDuration(&cfg.DatabasePoolTimeout, "DATABASE_POOL_TIMEOUT")
	setDuration(&cfg.DatabasePoolRecycle, "DATABASE_POOL_RECYCLE")
	setStr(&cfg.Serializer, "SERIALIZER")
	setStr(&cfg.ServerHost, "SERVER_HOST")
	setInt(&cfg.ServerPort, "SERVER_PORT")
	setStr(&cfg.LogLevel, "LOG_LEVEL")

	setStr(&cfg.Workers.BootstrapToken, "WORKERS_BOOTSTRAP_TOKEN")
	setStr(&cfg.Workers.ServerURL, "WORKERS_SERVER_URL")
	setDuration(&cfg.Workers.DefaultTimeout, "WORKERS_DEFAULT_TIMEOUT")
	setInt(&cfg.Workers.RetryAttempts, "WORKERS_RETRY_ATTEMPTS")
	setDuration(&cfg.Workers.RetryDelay, "WORKERS_RETRY_DELAY")
	setFloat(&cfg.Workers.RetryBackoff, "WORKERS_RETRY_BACKOFF")

	setStr(&cfg.Security.EncryptionKey, "SECURITY_ENCRYPTION_KEY")
}

// interpolate expands ${VAR} references against the process environment
// in every string field that might carry one (connection strings and
// secrets are the common case).
func interpolate(cfg *Config) {
	cfg.DatabaseURL = expandVars(cfg.DatabaseURL)
	cfg.Workers.BootstrapToken = expandVars(cfg.Workers.BootstrapToken)
	cfg.Security.EncryptionKey = expandVars(cfg.Security.EncryptionKey)
}

func expandVars(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(name string) string {
		return os.Getenv(name)
	})
}

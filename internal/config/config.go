// Package config loads the staffsyncd daemon configuration from a TOML file
// with environment-variable overrides. The client agent is configured
// programmatically and does not use this package.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config is the daemon configuration.
type Config struct {
	ListenAddr     string  `toml:"listen_addr"`
	DBPath         string  `toml:"db_path"`
	JWTSecret      string  `toml:"jwt_secret"`
	RateLimitRPS   float64 `toml:"rate_limit_rps"`
	RateLimitBurst int     `toml:"rate_limit_burst"`
	LogLevel       string  `toml:"log_level"`
	Env            string  `toml:"env"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		DBPath:         "staffsync.db",
		RateLimitRPS:   5,
		RateLimitBurst: 10,
		LogLevel:       "info",
		Env:            "development",
	}
}

// Load reads the config file at path (skipped when path is empty or the file
// does not exist), applies env overrides on top, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Env vars override file values: operators set secrets through the
// environment rather than on disk.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STAFFSYNC_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}

	if v := os.Getenv("STAFFSYNC_DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	if v := os.Getenv("STAFFSYNC_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}

	if v := os.Getenv("STAFFSYNC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("STAFFSYNC_ENV"); v != "" {
		cfg.Env = v
	}

	if v := os.Getenv("STAFFSYNC_RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		}
	}

	if v := os.Getenv("STAFFSYNC_RATE_LIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimitBurst = n
		}
	}
}

func (c Config) validate() error {
	if c.JWTSecret == "" {
		return errors.New("config: jwt_secret is required (file or STAFFSYNC_JWT_SECRET)")
	}

	if c.DBPath == "" {
		return errors.New("config: db_path is required")
	}

	return nil
}

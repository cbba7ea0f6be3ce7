// Package config loads the engine's process-wide configuration: the
// scenario directory, context-store TTL, optional Redis URL, and log level,
// plus an optional YAML overlay file. Environment variables win over the
// overlay, and defaults are applied last.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dialogflow/internal/observability"
)

// Config is the engine's full runtime configuration.
type Config struct {
	// ScenarioDir is the filesystem root scenarios are loaded from, by the
	// "<botId>-<botVersion>.json" convention.
	ScenarioDir string `yaml:"scenario_dir"`

	// ContextTTL bounds how long a session snapshot survives in the
	// Context Store without being touched.
	ContextTTL time.Duration `yaml:"-"`
	// ContextTTLMs is the YAML/env-facing millisecond form of ContextTTL.
	ContextTTLMs int `yaml:"context_ttl_ms"`

	// RedisURL selects the external-KV Context Store variant when set;
	// otherwise the in-memory variant is used.
	RedisURL string `yaml:"redis_url"`

	// LogLevel is a zerolog level name ("debug", "info", "warn", ...).
	LogLevel string `yaml:"log_level"`

	// HTTPAddr is the address the turn-execution HTTP server listens on.
	HTTPAddr string `yaml:"http_addr"`
}

const (
	defaultScenarioDir  = "./scenarios"
	defaultContextTTLMs = 4_200_000
	defaultLogLevel     = "info"
	defaultHTTPAddr     = ":8089"
)

// Load builds a Config from an optional YAML overlay file followed by
// environment variables (env wins), applying defaults last. Every applied
// default is logged at debug level.
func Load(yamlPath string) (Config, error) {
	cfg := Config{}

	if yamlPath != "" {
		raw, err := os.ReadFile(yamlPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read overlay %q: %w", yamlPath, err)
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse overlay %q: %w", yamlPath, err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("SCENARIO_DIR")); v != "" {
		cfg.ScenarioDir = v
	}
	if v := strings.TrimSpace(os.Getenv("CONTEXT_TTL_MS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: CONTEXT_TTL_MS must be an integer: %w", err)
		}
		cfg.ContextTTLMs = n
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("HTTP_ADDR")); v != "" {
		cfg.HTTPAddr = v
	}

	log := observability.LoggerWithTrace(nil)
	if cfg.ScenarioDir == "" {
		cfg.ScenarioDir = defaultScenarioDir
		log.Debug().Str("scenario_dir", defaultScenarioDir).Msg("config: applied default")
	}
	if cfg.ContextTTLMs == 0 {
		cfg.ContextTTLMs = defaultContextTTLMs
		log.Debug().Int("context_ttl_ms", defaultContextTTLMs).Msg("config: applied default")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
		log.Debug().Str("log_level", defaultLogLevel).Msg("config: applied default")
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = defaultHTTPAddr
		log.Debug().Str("http_addr", defaultHTTPAddr).Msg("config: applied default")
	}
	cfg.ContextTTL = time.Duration(cfg.ContextTTLMs) * time.Millisecond

	return cfg, nil
}

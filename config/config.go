// Package config loads the daemon configuration from a YAML or JSON file with
// HEMSD_* environment variable overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/hemsd/hemsd/core/dispatch"
	"github.com/hemsd/hemsd/core/model"
	"github.com/hemsd/hemsd/core/orchestrator"
	"github.com/hemsd/hemsd/infra/metrics"
	"github.com/hemsd/hemsd/infra/mqtt"
	"github.com/hemsd/hemsd/infra/optimizer"
	"github.com/hemsd/hemsd/infra/webhook"
)

type Config struct {
	Optimizer    optimizer.Config    `json:"optimizer"`
	Orchestrator orchestrator.Config `json:"orchestrator"`
	Dispatch     dispatch.Config     `json:"dispatch"`
	Store        StoreConfig         `json:"store"`
	Webhook      webhook.Config      `json:"webhook"`
	Metrics      MetricsConfig       `json:"metrics"`
	MQTT         mqtt.Config         `json:"mqtt"`
	API          APIConfig           `json:"api"`
	Logging      LoggingConfig       `json:"logging"`
	// Targets seeds the dispatch target table at startup. Entries already in
	// the store are overwritten so the file stays authoritative.
	Targets []model.OutputTarget `json:"targets"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `json:"backend"`
	Path    string `json:"path"`
}

// MetricsConfig enables the Prometheus endpoint and the InfluxDB sink.
type MetricsConfig struct {
	PromEnabled   bool                 `json:"prom_enabled"`
	PromAddr      string               `json:"prom_addr"`
	InfluxEnabled bool                 `json:"influx_enabled"`
	Influx        metrics.InfluxConfig `json:"influx"`
}

// APIConfig configures the HTTP control API.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

// LoggingConfig controls the global log verbosity.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `json:"level"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	c.Orchestrator.SetDefaults()
	c.Dispatch.SetDefaults()
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Metrics.PromAddr == "" {
		c.Metrics.PromAddr = ":9090"
	}
	if c.API.Addr == "" {
		c.API.Addr = ":8087"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks mandatory fields.
func (c Config) Validate() error {
	if c.Optimizer.BaseURL == "" {
		return fmt.Errorf("optimizer.base_url is required")
	}
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown store backend %s", c.Store.Backend)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %s", c.Logging.Level)
	}
	for _, tgt := range c.Targets {
		if tgt.ResourceID == "" {
			return fmt.Errorf("target with empty resource_id")
		}
		if tgt.URL == "" {
			return fmt.Errorf("target %s has no url", tgt.ResourceID)
		}
	}
	return nil
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// Optional environment overrides, HEMSD_OPTIMIZER__BASE_URL and friends.
	// The callback maps __ to the koanf key delimiter, so the provider must
	// unflatten on "." for nested keys to land.
	if err := k.Load(env.Provider("HEMSD_", ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "hemsd_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

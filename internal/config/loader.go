package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/eyesense/gazemap/internal/domain/heatmap"
)

// Environment keys read by Load.
const (
	EnvPrefix = "GAZEMAP_"
	EnvFile   = "GAZEMAP_CONFIG"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if GAZEMAP_CONFIG is set
//  3. env (prefix GAZEMAP_)
func Load(_ context.Context) (*Config, error) {
	base := New()

	k := koanf.New(".")

	if path := os.Getenv(EnvFile); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// GAZEMAP_TRACKING_DURATION_MS -> tracking_duration_ms; underscores stay
	// so keys match the flat koanf tags.
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first out-of-range setting.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	switch {
	case c.Addr == "":
		return invalid("addr must not be empty")
	case c.LogFormat != "text" && c.LogFormat != "json":
		return invalid("log_format %q must be text or json", c.LogFormat)
	case c.ClicksRequired < 1:
		return invalid("clicks_required must be positive")
	case c.TrackingDurationMS < 1:
		return invalid("tracking_duration_ms must be positive")
	case c.CalibrationDelayMS < 0:
		return invalid("calibration_delay_ms must not be negative")
	case c.PermissionTimeoutMS < 0:
		return invalid("permission_timeout_ms must not be negative")
	case c.HeatmapSigma <= 0:
		return invalid("heatmap_sigma must be positive")
	case c.HeatmapAlpha < 0 || c.HeatmapAlpha > 1:
		return invalid("heatmap_alpha must be within [0,1]")
	case c.SynthesisWorkers < 1:
		return invalid("synthesis_workers must be positive")
	case c.SynthesisQueueSize < 1:
		return invalid("synthesis_queue_size must be positive")
	case c.SessionTTLMS < 1:
		return invalid("session_ttl_ms must be positive")
	case c.MaxSessions < 0:
		return invalid("max_sessions must not be negative")
	case c.StorageDriver != "sqlite" && c.StorageDriver != "postgres":
		return invalid("storage_driver %q must be sqlite or postgres", c.StorageDriver)
	case c.StorageDSN == "":
		return invalid("storage_dsn must not be empty")
	case c.MaxStimulusBytes < 1:
		return invalid("max_stimulus_bytes must be positive")
	case c.StimulusFetchTimeoutMS < 1:
		return invalid("stimulus_fetch_timeout_ms must be positive")
	}
	if _, err := heatmap.LookupColormap(c.HeatmapColormap); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

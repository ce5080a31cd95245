// Package config defines service configuration structures and loading hooks.
package config

import (
	"runtime"
	"time"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat selects the slog handler: text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// ClicksRequired is the clicks needed on each calibration target.
	ClicksRequired int `koanf:"clicks_required"`

	// Phase timings in milliseconds.
	TrackingDurationMS  int `koanf:"tracking_duration_ms"`
	CalibrationDelayMS  int `koanf:"calibration_delay_ms"`
	PermissionTimeoutMS int `koanf:"permission_timeout_ms"`

	// Heatmap rendering.
	HeatmapSigma    float64 `koanf:"heatmap_sigma"`
	HeatmapAlpha    float64 `koanf:"heatmap_alpha"`
	HeatmapColormap string  `koanf:"heatmap_colormap"`

	// SynthesisWorkers and SynthesisQueueSize size the render pool.
	SynthesisWorkers   int `koanf:"synthesis_workers"`
	SynthesisQueueSize int `koanf:"synthesis_queue_size"`

	// DedupeSize bounds remembered gaze batch IDs.
	DedupeSize int `koanf:"dedupe_size"`

	// SessionTTLMS is how long a session stays readable.
	SessionTTLMS int `koanf:"session_ttl_ms"`

	// MaxSessions caps live sessions; zero means no cap.
	MaxSessions int `koanf:"max_sessions"`

	// StorageDriver is sqlite or postgres.
	StorageDriver string `koanf:"storage_driver"`
	StorageDSN    string `koanf:"storage_dsn"`

	// MaxStimulusBytes caps uploaded and fetched images.
	MaxStimulusBytes       int64 `koanf:"max_stimulus_bytes"`
	StimulusFetchTimeoutMS int   `koanf:"stimulus_fetch_timeout_ms"`
}

// New creates a Config with defaults.
func New() *Config {
	return &Config{
		LogLevel:               "info",
		LogFormat:              "text",
		Addr:                   ":9080",
		ClicksRequired:         5,
		TrackingDurationMS:     10_000,
		CalibrationDelayMS:     1_000,
		PermissionTimeoutMS:    30_000,
		HeatmapSigma:           30,
		HeatmapAlpha:           0.4,
		HeatmapColormap:        "jet",
		SynthesisWorkers:       runtime.NumCPU(),
		SynthesisQueueSize:     64,
		DedupeSize:             100_000,
		SessionTTLMS:           int(15 * time.Minute / time.Millisecond),
		MaxSessions:            1_000,
		StorageDriver:          "sqlite",
		StorageDSN:             "file:gazemap.db",
		MaxStimulusBytes:       10 << 20,
		StimulusFetchTimeoutMS: 30_000,
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// TrackingDuration returns the tracking window.
func (c *Config) TrackingDuration() time.Duration { return ms(c.TrackingDurationMS) }

// CalibrationDelay returns the pause between calibration and tracking.
func (c *Config) CalibrationDelay() time.Duration { return ms(c.CalibrationDelayMS) }

// PermissionTimeout returns the camera permission wait.
func (c *Config) PermissionTimeout() time.Duration { return ms(c.PermissionTimeoutMS) }

// SessionTTL returns the session retention.
func (c *Config) SessionTTL() time.Duration { return ms(c.SessionTTLMS) }

// StimulusFetchTimeout returns the remote stimulus fetch timeout.
func (c *Config) StimulusFetchTimeout() time.Duration { return ms(c.StimulusFetchTimeoutMS) }

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Option tunes a Manager before its collectors are built. Options given an
// empty or non-positive value leave the gazemap default in place.
type Option func(*Manager)

// WithNamespace replaces the "gazemap" metric name prefix.
func WithNamespace(namespace string) Option {
	return func(m *Manager) {
		if namespace != "" {
			m.namespace = namespace
		}
	}
}

// WithSubsystem replaces the "pipeline" segment of every metric name.
func WithSubsystem(subsystem string) Option {
	return func(m *Manager) {
		if subsystem != "" {
			m.subsystem = subsystem
		}
	}
}

// WithHistogramBuckets sets the buckets of the HTTP and synthesis latency
// histograms, in milliseconds.
func WithHistogramBuckets(buckets []float64) Option {
	return func(m *Manager) {
		if len(buckets) == 0 {
			return
		}
		m.histogramBuckets = buckets
	}
}

// WithMetricsEnabled turns every Record and Update call on this manager into
// a no-op when false. Collectors are still registered.
func WithMetricsEnabled(enabled bool) Option {
	return func(m *Manager) { m.enabled = enabled }
}

// WithRefreshInterval sets how often the server samples polled gauges such as
// live sessions, queue depth and memory. See RefreshInterval.
func WithRefreshInterval(interval time.Duration) Option {
	return func(m *Manager) {
		if interval <= 0 {
			return
		}
		m.refreshInterval = interval
	}
}

// WithCustomLabels attaches constant labels, such as a deployment name, to
// every gazemap collector.
func WithCustomLabels(labels map[string]string) Option {
	return func(m *Manager) {
		if len(labels) == 0 {
			return
		}
		m.customLabels = labels
	}
}

// WithPrometheusRegistry registers the collectors on registry instead of a
// private one. The package-level helpers use the registry behind GetRegistry.
func WithPrometheusRegistry(registry prometheus.Registerer) Option {
	return func(m *Manager) {
		if registry != nil {
			m.registry = registry
		}
	}
}

// Package metrics provides Prometheus metrics for the gazemap service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Default metrics configuration constants.
const (
	defaultRefreshInterval = 10 * time.Second
)

// Gaze sample outcomes used as label values.
const (
	SampleRecorded     = "recorded"
	SampleNoDetection  = "no_detection"
	SampleAfterStop    = "after_stop"
	SampleDuplicate    = "duplicate_batch"
	SampleOutOfSession = "unknown_session"
)

// Manager manages all Prometheus metrics for the gazemap service.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	refreshInterval  time.Duration
	customLabels     map[string]string
	registry         prometheus.Registerer

	// Session lifecycle
	sessionsStarted  prometheus.Counter
	sessionsActive   prometheus.Gauge
	stateTransitions *prometheus.CounterVec
	sessionsFailed   *prometheus.CounterVec
	sessionsDone     prometheus.Counter

	// Calibration
	calibrationClicks         prometheus.Counter
	calibrationClicksRejected *prometheus.CounterVec
	calibrationCompleted      prometheus.Counter

	// Tracking
	gazeSamples        *prometheus.CounterVec
	capturedSamples    prometheus.Histogram
	timerRaces         *prometheus.CounterVec
	trackingWindowsRun prometheus.Counter

	// Synthesis
	synthesisLatency prometheus.Histogram
	synthesisErrors  *prometheus.CounterVec
	retainedSamples  prometheus.Histogram

	// Queue / workers
	queueCapacity     prometheus.Gauge
	queueSize         prometheus.Gauge
	queueEnqueues     prometheus.Counter
	queueEnqueueError *prometheus.CounterVec
	workerCount       prometheus.Gauge
	workerLatency     prometheus.Histogram

	// Storage
	blobWrites     *prometheus.CounterVec
	blobReadErrors prometheus.Counter
	blobCount      *prometheus.GaugeVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpErrors          *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "gazemap",
		subsystem:        "pipeline",
		histogramBuckets: prometheus.DefBuckets,
		enabled:          true,
		refreshInterval:  defaultRefreshInterval,
		customLabels:     make(map[string]string),
		registry:         prometheus.NewRegistry(),
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
		ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return promauto.With(m.registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
		ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) histogram(name, help string, buckets []float64) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
		Buckets: buckets, ConstLabels: m.customLabels,
	})
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	latencyBuckets := []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	sampleBuckets := []float64{0, 1, 10, 50, 100, 250, 500, 1000, 2500}
	if len(m.histogramBuckets) > 0 && !sameBuckets(m.histogramBuckets, prometheus.DefBuckets) {
		latencyBuckets = m.histogramBuckets
	}

	m.sessionsStarted = m.counter("sessions_started_total", "Total number of gaze capture sessions started")
	m.sessionsActive = m.gauge("sessions_active", "Sessions currently in a non-terminal state")
	m.stateTransitions = m.counterVec("state_transitions_total", "Pipeline state transitions", "from", "to")
	m.sessionsFailed = m.counterVec("sessions_failed_total", "Sessions that ended in Failed, by reason", "reason")
	m.sessionsDone = m.counter("sessions_done_total", "Sessions that produced a heatmap")

	m.calibrationClicks = m.counter("calibration_clicks_total", "Calibration clicks forwarded to the estimator")
	m.calibrationClicksRejected = m.counterVec("calibration_clicks_rejected_total", "Calibration clicks rejected or ignored", "reason")
	m.calibrationCompleted = m.counter("calibration_completed_total", "Calibrations that reached all nine targets")

	m.gazeSamples = m.counterVec("gaze_samples_total", "Gaze estimator callbacks by outcome", "outcome")
	m.capturedSamples = m.histogram("captured_samples", "Samples per completed tracking window", sampleBuckets)
	m.timerRaces = m.counterVec("timer_races_total", "Stale timer or callback invocations ignored by the generation guard", "component")
	m.trackingWindowsRun = m.counter("tracking_windows_total", "Tracking windows that completed")

	m.synthesisLatency = m.histogram("synthesis_latency_milliseconds", "Heatmap synthesis latency in milliseconds", latencyBuckets)
	m.synthesisErrors = m.counterVec("synthesis_errors_total", "Heatmap synthesis failures", "reason")
	m.retainedSamples = m.histogram("retained_samples", "In-bounds samples per synthesized heatmap", sampleBuckets)

	m.queueCapacity = m.gauge("queue_capacity", "Synthesis queue capacity")
	m.queueSize = m.gauge("queue_size", "Synthesis jobs waiting for a worker")
	m.queueEnqueues = m.counter("queue_enqueue_total", "Synthesis jobs enqueued")
	m.queueEnqueueError = m.counterVec("queue_enqueue_errors_total", "Synthesis jobs rejected by the queue", "reason")
	m.workerCount = m.gauge("worker_count", "Synthesis workers running")
	m.workerLatency = m.histogram("worker_processing_latency_milliseconds", "Time from dequeue to reply per synthesis job", latencyBuckets)

	m.blobWrites = m.counterVec("blob_writes_total", "Blob store writes by kind", "kind")
	m.blobReadErrors = m.counter("blob_read_errors_total", "Blob store read failures")
	m.blobCount = m.gaugeVec("blobs", "Stored blobs by kind", "kind")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint, method and status", "endpoint", "method", "status_code")
	m.httpErrors = m.counterVec("http_errors_total", "HTTP error responses by endpoint and error type", "endpoint", "error_type")
	m.httpRequestDuration = promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem,
		Name:    "http_request_duration_milliseconds",
		Help:    "HTTP request duration in milliseconds",
		Buckets: latencyBuckets, ConstLabels: m.customLabels,
	}, []string{"endpoint", "method", "status_code"})

	m.systemMemoryUsage = m.gauge("system_memory_bytes", "Heap bytes allocated")
	m.systemGoroutineCount = m.gauge("system_goroutines", "Number of goroutines")
	m.systemGCPauseTime = m.histogram("system_gc_pause_milliseconds", "Average GC pause in milliseconds", []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10})
}

func sameBuckets(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Enabled reports whether recording is active for this manager.
func (m *Manager) Enabled() bool { return m.enabled }

// RefreshInterval is how often polled gauges (memory, goroutines, queue
// depth, live sessions) should be sampled.
func (m *Manager) RefreshInterval() time.Duration { return m.refreshInterval }

// RecordTransition records a state change of one pipeline.
func (m *Manager) RecordTransition(from, to string) {
	if !m.enabled {
		return
	}
	m.stateTransitions.WithLabelValues(from, to).Inc()
}

// RecordGazeSample records the outcome of one estimator callback.
func (m *Manager) RecordGazeSample(outcome string) {
	if !m.enabled {
		return
	}
	m.gazeSamples.WithLabelValues(outcome).Inc()
}

// Package-level helpers delegate to the global manager.

func RecordSessionStarted() {
	if globalManager.enabled {
		globalManager.sessionsStarted.Inc()
		globalManager.sessionsActive.Inc()
	}
}

func RecordSessionDone() {
	if globalManager.enabled {
		globalManager.sessionsDone.Inc()
		globalManager.sessionsActive.Dec()
	}
}

func RecordSessionFailed(reason string) {
	if globalManager.enabled {
		globalManager.sessionsFailed.WithLabelValues(reason).Inc()
		globalManager.sessionsActive.Dec()
	}
}

func RecordTransition(from, to string) { globalManager.RecordTransition(from, to) }

func RecordCalibrationClick() {
	if globalManager.enabled {
		globalManager.calibrationClicks.Inc()
	}
}

func RecordCalibrationClickRejected(reason string) {
	if globalManager.enabled {
		globalManager.calibrationClicksRejected.WithLabelValues(reason).Inc()
	}
}

func RecordCalibrationCompleted() {
	if globalManager.enabled {
		globalManager.calibrationCompleted.Inc()
	}
}

func RecordGazeSample(outcome string) { globalManager.RecordGazeSample(outcome) }

func RecordTrackingComplete(samples int) {
	if globalManager.enabled {
		globalManager.trackingWindowsRun.Inc()
		globalManager.capturedSamples.Observe(float64(samples))
	}
}

func RecordTimerRace(component string) {
	if globalManager.enabled {
		globalManager.timerRaces.WithLabelValues(component).Inc()
	}
}

func RecordSynthesis(latencyMs float64, retained int) {
	if globalManager.enabled {
		globalManager.synthesisLatency.Observe(latencyMs)
		globalManager.retainedSamples.Observe(float64(retained))
	}
}

func RecordSynthesisError(reason string) {
	if globalManager.enabled {
		globalManager.synthesisErrors.WithLabelValues(reason).Inc()
	}
}

func UpdateQueueCapacity(capacity int) {
	if globalManager.enabled {
		globalManager.queueCapacity.Set(float64(capacity))
	}
}

func UpdateQueueSize(size int) {
	if globalManager.enabled {
		globalManager.queueSize.Set(float64(size))
	}
}

func RecordQueueEnqueue() {
	if globalManager.enabled {
		globalManager.queueEnqueues.Inc()
	}
}

func RecordQueueEnqueueError(reason string) {
	if globalManager.enabled {
		globalManager.queueEnqueueError.WithLabelValues(reason).Inc()
	}
}

func UpdateWorkerCount(count int) {
	if globalManager.enabled {
		globalManager.workerCount.Set(float64(count))
	}
}

func RecordWorkerProcessingLatency(latencyMs float64) {
	if globalManager.enabled {
		globalManager.workerLatency.Observe(latencyMs)
	}
}

func RecordBlobWrite(kind string) {
	if globalManager.enabled {
		globalManager.blobWrites.WithLabelValues(kind).Inc()
	}
}

// UpdateBlobCount sets the number of stored blobs of kind.
func UpdateBlobCount(kind string, n int) {
	if globalManager.enabled {
		globalManager.blobCount.WithLabelValues(kind).Set(float64(n))
	}
}

func RecordBlobReadError() {
	if globalManager.enabled {
		globalManager.blobReadErrors.Inc()
	}
}

func RecordHTTPRequest(endpoint, method, statusCode string) {
	if globalManager.enabled {
		globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
	}
}

func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	if globalManager.enabled {
		globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
	}
}

// RecordHTTPError counts an error response.
func RecordHTTPError(endpoint, errorType string) {
	if globalManager.enabled {
		globalManager.httpErrors.WithLabelValues(endpoint, errorType).Inc()
	}
}

func UpdateSystemMemoryUsage(bytes uint64) {
	if globalManager.enabled {
		globalManager.systemMemoryUsage.Set(float64(bytes))
	}
}

func UpdateSystemGoroutineCount(count int) {
	if globalManager.enabled {
		globalManager.systemGoroutineCount.Set(float64(count))
	}
}

func RecordSystemGCPauseTime(pauseMs float64) {
	if globalManager.enabled {
		globalManager.systemGCPauseTime.Observe(pauseMs)
	}
}

// RefreshInterval returns the gauge sampling period of the global manager.
func RefreshInterval() time.Duration {
	return globalManager.RefreshInterval()
}

// GetRegistry returns the registry backing the package-level helpers.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}

// Package metrics provides Prometheus metrics for the hix capture node.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the capture pipeline.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	constLabels      prometheus.Labels
	registry         prometheus.Registerer

	// Capture
	samplesAccepted prometheus.Counter
	samplesRejected prometheus.Counter
	rewardEarned    prometheus.Counter
	sessionActive   prometheus.Gauge

	// Queue
	queueSize        prometheus.Gauge
	queueCapacity    prometheus.Gauge
	queueUtilization prometheus.Gauge
	queuePushed      prometheus.Counter
	queueSpilled     prometheus.Counter
	queueRequeued    prometheus.Counter
	deadLetters      prometheus.Counter

	// Spool
	spoolSize   prometheus.Gauge
	spoolErrors *prometheus.CounterVec

	// Flush and upload
	flushCycles     *prometheus.CounterVec
	flushDuration   prometheus.Histogram
	uploadedRecords prometheus.Counter
	uploadFailures  prometheus.Counter
	uploadLatency   prometheus.Histogram

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	errorRateByComponent *prometheus.CounterVec
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "hix",
		subsystem:        "capture",
		histogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	})
}

func (m *Manager) histogram(name, help string) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
		Buckets: m.histogramBuckets, ConstLabels: m.constLabels,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, ConstLabels: m.constLabels,
	}, labels)
}

func (m *Manager) initializeMetrics() {
	m.samplesAccepted = m.counter("samples_accepted_total", "Samples that passed the magnitude filter")
	m.samplesRejected = m.counter("samples_rejected_total", "Samples dropped by the magnitude filter")
	m.rewardEarned = m.counter("reward_earned_total", "Reward accrued locally at capture time")
	m.sessionActive = m.gauge("session_active", "1 while a capture session is running")

	m.queueSize = m.gauge("queue_size", "Entries held in the in-memory batch queue")
	m.queueCapacity = m.gauge("queue_capacity", "Capacity of the in-memory batch queue")
	m.queueUtilization = m.gauge("queue_utilization_ratio", "Queue size divided by capacity")
	m.queuePushed = m.counter("queue_pushed_total", "Entries pushed into the batch queue")
	m.queueSpilled = m.counter("queue_spilled_total", "Entries handed to the durable spool at capacity")
	m.queueRequeued = m.counter("queue_requeued_total", "Entries returned to the queue head after a failed upload")
	m.deadLetters = m.counter("dead_letters_total", "Entries that exhausted their upload attempts")

	m.spoolSize = m.gauge("spool_size", "Entries held in the durable spool")
	m.spoolErrors = m.counterVec("spool_errors_total", "Durable store failures by operation", "op")

	m.flushCycles = m.counterVec("flush_cycles_total", "Completed flush cycles by trigger and result", "trigger", "result")
	m.flushDuration = m.histogram("flush_duration_milliseconds", "Duration of a flush cycle in milliseconds")
	m.uploadedRecords = m.counter("uploaded_records_total", "Records acknowledged by the collector")
	m.uploadFailures = m.counter("upload_failures_total", "Batches the collector did not acknowledge")
	m.uploadLatency = m.histogram("upload_latency_milliseconds", "Collector round trip in milliseconds")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint, method and status", "endpoint", "method", "status_code")
	m.httpRequestDuration = promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "http_request_duration_seconds",
		Help:        "HTTP request duration in seconds",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: m.constLabels,
	}, []string{"endpoint", "method", "status_code"})

	m.errorRateByComponent = m.counterVec("errors_by_component_total", "Errors by component and type", "component", "error_type")
}

// RecordSampleAccepted counts an accepted sample and its reward.
func RecordSampleAccepted(reward float64) {
	globalManager.samplesAccepted.Inc()
	if reward > 0 {
		globalManager.rewardEarned.Add(reward)
	}
}

// RecordSampleRejected counts a filtered sample.
func RecordSampleRejected() {
	globalManager.samplesRejected.Inc()
}

// UpdateSessionActive sets the session gauge.
func UpdateSessionActive(active bool) {
	v := 0.0
	if active {
		v = 1
	}
	globalManager.sessionActive.Set(v)
}

// UpdateQueueSize updates the queue size and utilization gauges.
func UpdateQueueSize(size, capacity int) {
	globalManager.queueSize.Set(float64(size))
	if capacity > 0 {
		globalManager.queueUtilization.Set(float64(size) / float64(capacity))
	}
}

// UpdateQueueCapacity sets the queue capacity gauge.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

func RecordQueuePush()           { globalManager.queuePushed.Inc() }
func RecordQueueSpill()          { globalManager.queueSpilled.Inc() }
func RecordQueueRequeue(n int)   { globalManager.queueRequeued.Add(float64(n)) }
func RecordDeadLetters(n int)    { globalManager.deadLetters.Add(float64(n)) }
func UpdateSpoolSize(n int)      { globalManager.spoolSize.Set(float64(n)) }
func RecordSpoolError(op string) { globalManager.spoolErrors.WithLabelValues(op).Inc() }

// RecordFlush records the outcome of one flush cycle.
func RecordFlush(trigger, result string, durationMs float64) {
	globalManager.flushCycles.WithLabelValues(trigger, result).Inc()
	globalManager.flushDuration.Observe(durationMs)
}

// RecordUpload records one collector round trip.
func RecordUpload(records int, ok bool, latencyMs float64) {
	globalManager.uploadLatency.Observe(latencyMs)
	if !ok {
		globalManager.uploadFailures.Inc()
		return
	}
	globalManager.uploadedRecords.Add(float64(records))
}

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByComponent records errors by component and type.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}

package observability

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles Prometheus metrics used across the gateway.
type Metrics struct {
	namespace string

	packetsReceived    prometheus.Counter
	decodeErrors       prometheus.Counter
	duplicatesDropped  prometheus.Counter
	echoesSuppressed   prometheus.Counter
	packetsByKind      *prometheus.CounterVec
	messagesAppended   prometheus.Counter
	historySamples     prometheus.Counter
	sends              *prometheus.CounterVec
	settingsMerges     prometheus.Counter
	persistErrors      prometheus.Counter
	activityRows       prometheus.Counter
	activityErrors     prometheus.Counter
	activityQueueDepth prometheus.Gauge
	pipelineErrors     prometheus.Counter
	droppedMessages    prometheus.Counter
	devices            prometheus.Gauge
	conversations      prometheus.Gauge
	linkConnected      prometheus.Gauge
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec

	healthy atomic.Bool
}

// MetricsOption customises metrics creation.
type MetricsOption func(*metricsConfig)

type metricsConfig struct {
	namespace string
	registry  prometheus.Registerer
}

// WithNamespace overrides the metric namespace (default: meshgate).
func WithNamespace(ns string) MetricsOption {
	return func(cfg *metricsConfig) {
		if ns != "" {
			cfg.namespace = ns
		}
	}
}

// WithRegistry overrides the Prometheus registerer (useful for tests).
func WithRegistry(reg prometheus.Registerer) MetricsOption {
	return func(cfg *metricsConfig) {
		if reg != nil {
			cfg.registry = reg
		}
	}
}

// NewMetrics initialises and registers gateway metrics.
func NewMetrics(opts ...MetricsOption) *Metrics {
	cfg := metricsConfig{
		namespace: "meshgate",
		registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	f := promauto.With(cfg.registry)
	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{Namespace: cfg.namespace, Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Namespace: cfg.namespace, Name: name, Help: help})
	}

	m := &Metrics{
		namespace:         cfg.namespace,
		packetsReceived:   counter("packets_received_total", "Total number of uplink messages received from the link."),
		decodeErrors:      counter("decode_errors_total", "Total number of uplink messages that could not be decoded."),
		duplicatesDropped: counter("duplicates_dropped_total", "Total number of packets dropped as already seen."),
		echoesSuppressed:  counter("echoes_suppressed_total", "Total number of self-sent messages heard back and suppressed."),
		packetsByKind: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "packets_ingested_total",
			Help:      "Total number of packets ingested, partitioned by payload kind.",
		}, []string{"kind"}),
		messagesAppended: counter("messages_appended_total", "Total number of chat messages appended to conversations."),
		historySamples:   counter("history_samples_total", "Total number of history points recorded."),
		sends: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "sends_total",
			Help:      "Total number of outbound text sends, partitioned by outcome.",
		}, []string{"success"}),
		settingsMerges:     counter("settings_merges_total", "Total number of settings merge commands."),
		persistErrors:      counter("settings_persist_errors_total", "Total number of settings load or save failures."),
		activityRows:       counter("activity_rows_total", "Total number of activity log rows written."),
		activityErrors:     counter("activity_errors_total", "Total number of activity log write failures."),
		activityQueueDepth: gauge("activity_queue_depth", "Current number of rows waiting in the activity log queue."),
		pipelineErrors:     counter("pipeline_errors_total", "Total number of pipeline errors forwarded to the supervisor."),
		droppedMessages:    counter("messages_dropped_total", "Total number of uplink messages dropped before decode."),
		devices:            gauge("devices", "Number of devices currently tracked."),
		conversations:      gauge("conversations", "Number of conversations holding messages."),
		linkConnected:      gauge("link_connected", "1 while the radio link is connected."),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.namespace,
			Name:      "http_requests_total",
			Help:      "Total number of API requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	m.healthy.Store(true)
	return m
}

// IncPacketsReceived increments the raw uplink counter.
func (m *Metrics) IncPacketsReceived() {
	if m == nil {
		return
	}
	m.packetsReceived.Inc()
}

// IncDecodeErrors increments the decode error counter.
func (m *Metrics) IncDecodeErrors() {
	if m == nil {
		return
	}
	m.decodeErrors.Inc()
}

func (m *Metrics) IncDuplicates() {
	if m == nil {
		return
	}
	m.duplicatesDropped.Inc()
}

func (m *Metrics) IncEchoesSuppressed() {
	if m == nil {
		return
	}
	m.echoesSuppressed.Inc()
}

// ObservePacket counts an ingested packet by kind.
func (m *Metrics) ObservePacket(kind string) {
	if m == nil {
		return
	}
	m.packetsByKind.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncMessagesAppended() {
	if m == nil {
		return
	}
	m.messagesAppended.Inc()
}

func (m *Metrics) IncHistorySamples() {
	if m == nil {
		return
	}
	m.historySamples.Inc()
}

// ObserveSend records an outbound send outcome.
func (m *Metrics) ObserveSend(ok bool) {
	if m == nil {
		return
	}
	m.sends.WithLabelValues(strconv.FormatBool(ok)).Inc()
}

func (m *Metrics) IncSettingsMerges() {
	if m == nil {
		return
	}
	m.settingsMerges.Inc()
}

// IncPersistErrors counts settings persistence failures and marks the service
// unhealthy.
func (m *Metrics) IncPersistErrors() {
	if m == nil {
		return
	}
	m.persistErrors.Inc()
	m.healthy.Store(false)
}

func (m *Metrics) IncActivityRows(n int) {
	if m == nil {
		return
	}
	m.activityRows.Add(float64(n))
}

// IncActivityErrors counts activity log failures and marks the service
// unhealthy.
func (m *Metrics) IncActivityErrors() {
	if m == nil {
		return
	}
	m.activityErrors.Inc()
	m.healthy.Store(false)
}

// ObserveQueueDepth tracks the activity log queue depth.
func (m *Metrics) ObserveQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.activityQueueDepth.Set(float64(depth))
}

// IncPipelineErrors increments general pipeline error counter.
func (m *Metrics) IncPipelineErrors() {
	if m == nil {
		return
	}
	m.pipelineErrors.Inc()
	m.healthy.Store(false)
}

func (m *Metrics) IncDroppedMessages() {
	if m == nil {
		return
	}
	m.droppedMessages.Inc()
}

// SetTracked refreshes the device and conversation gauges.
func (m *Metrics) SetTracked(devices, conversations int) {
	if m == nil {
		return
	}
	m.devices.Set(float64(devices))
	m.conversations.Set(float64(conversations))
}

func (m *Metrics) SetLinkConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.linkConnected.Set(1)
		return
	}
	m.linkConnected.Set(0)
}

// ObserveHTTPRequest records one API request.
func (m *Metrics) ObserveHTTPRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Healthy reports whether recent operations have seen errors.
func (m *Metrics) Healthy() bool {
	if m == nil {
		return true
	}
	return m.healthy.Load()
}

// MarkHealthy resets the healthy flag.
func (m *Metrics) MarkHealthy() {
	if m == nil {
		return
	}
	m.healthy.Store(true)
}

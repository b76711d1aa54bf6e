// Package observability 中继服务的 Prometheus 指标。
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "chat"
	relaySubsystem   = "relay"
)

type RequestStatus string

const (
	StatusSuccess       RequestStatus = "success"
	StatusBadRequest    RequestStatus = "bad_request"
	StatusUpstreamError RequestStatus = "upstream_error"
	StatusExhausted     RequestStatus = "exhausted"
	StatusStreamError   RequestStatus = "stream_error"
	StatusClientGone    RequestStatus = "client_disconnect"
	StatusRateLimited   RequestStatus = "rate_limited"
)

// RelayMetrics 中继指标集合
type RelayMetrics struct {
	RequestsTotal          *prometheus.CounterVec
	UpstreamAttemptsTotal  *prometheus.CounterVec
	ActiveStreams          prometheus.Gauge
	StreamBytesTotal       prometheus.Counter
	StreamDurationSeconds  *prometheus.HistogramVec
	TimeToFirstByteSeconds prometheus.Histogram
}

// NewRelayMetrics 在 reg 上注册指标；reg 为 nil 时使用默认注册表
func NewRelayMetrics(reg prometheus.Registerer) *RelayMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &RelayMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "requests_total",
				Help:      "Total number of relay requests by status",
			},
			[]string{"status"},
		),
		UpstreamAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "upstream_attempts_total",
				Help:      "Total upstream connection attempts by outcome",
			},
			[]string{"outcome"},
		),
		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "active_streams",
				Help:      "Number of streams currently being relayed",
			},
		),
		StreamBytesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "stream_bytes_total",
				Help:      "Total bytes forwarded from upstream to clients",
			},
		),
		StreamDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		TimeToFirstByteSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: relaySubsystem,
				Name:      "time_to_first_byte_seconds",
				Help:      "Time from request to first upstream byte in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),
	}
}

// 以下方法允许 nil 接收者，未启用指标时直接忽略

func (m *RelayMetrics) RecordRequest(status RequestStatus) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(status)).Inc()
}

func (m *RelayMetrics) RecordAttempt(outcome string) {
	if m == nil {
		return
	}
	m.UpstreamAttemptsTotal.WithLabelValues(outcome).Inc()
}

func (m *RelayMetrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

func (m *RelayMetrics) StreamFinished(status RequestStatus, started time.Time) {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
	m.StreamDurationSeconds.WithLabelValues(string(status)).Observe(time.Since(started).Seconds())
}

func (m *RelayMetrics) RecordBytes(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StreamBytesTotal.Add(float64(n))
}

func (m *RelayMetrics) RecordFirstByte(started time.Time) {
	if m == nil {
		return
	}
	m.TimeToFirstByteSeconds.Observe(time.Since(started).Seconds())
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 指标管理器
type Metrics struct {
	// HTTP请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 位置摄入指标
	ingestTotal    *prometheus.CounterVec
	ingestDuration prometheus.Histogram

	// 广播指标
	broadcastDelivered prometheus.Counter
	broadcastDropped   prometheus.Counter
	broadcastDenied    prometheus.Counter

	// 订阅与告警
	activeSubscriptions prometheus.Gauge
	alertsCreated       *prometheus.CounterVec
	permissionsSwept    prometheus.Counter
}

// New 创建并注册指标
func New() *Metrics {
	return &Metrics{
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safetrace_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "safetrace_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		ingestTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safetrace_ingest_total",
				Help: "Location samples ingested, by result",
			},
			[]string{"result"}, // ok | invalid | store_error
		),
		ingestDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "safetrace_ingest_duration_seconds",
				Help:    "End-to-end ingest pipeline duration",
				Buckets: prometheus.DefBuckets,
			},
		),
		broadcastDelivered: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "safetrace_broadcast_delivered_total",
				Help: "Messages enqueued to subscriber streams",
			},
		),
		broadcastDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "safetrace_broadcast_dropped_total",
				Help: "Oldest-message drops from full subscriber queues",
			},
		),
		broadcastDenied: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "safetrace_broadcast_denied_total",
				Help: "Deliveries skipped because the permission was no longer valid",
			},
		),
		activeSubscriptions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "safetrace_active_subscriptions",
				Help: "Live subscriber bindings in the registry",
			},
		),
		alertsCreated: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "safetrace_alerts_created_total",
				Help: "Alerts created, by type",
			},
			[]string{"type"},
		),
		permissionsSwept: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "safetrace_permissions_expired_total",
				Help: "Permissions transitioned to expired by sweep or lazy check",
			},
		),
	}
}

func (m *Metrics) ObserveIngest(result string, seconds float64) {
	m.ingestTotal.WithLabelValues(result).Inc()
	m.ingestDuration.Observe(seconds)
}

func (m *Metrics) IncDelivered()        { m.broadcastDelivered.Inc() }
func (m *Metrics) IncDropped()          { m.broadcastDropped.Inc() }
func (m *Metrics) IncDenied()           { m.broadcastDenied.Inc() }
func (m *Metrics) IncSubscriptions()    { m.activeSubscriptions.Inc() }
func (m *Metrics) DecSubscriptions()    { m.activeSubscriptions.Dec() }
func (m *Metrics) IncAlert(kind string) { m.alertsCreated.WithLabelValues(kind).Inc() }
func (m *Metrics) IncExpired()          { m.permissionsSwept.Inc() }

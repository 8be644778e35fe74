package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 同步执行指标
	SyncRunsTotal     *prometheus.CounterVec
	SyncRunDuration   *prometheus.HistogramVec
	SyncMessagesTotal *prometheus.CounterVec

	// 租约指标
	LeaseAcquisitions *prometheus.CounterVec

	// 入站事件指标
	InboundEventsTotal *prometheus.CounterVec

	// 上游拉取指标
	ProviderFetchDuration *prometheus.HistogramVec

	// 告警指标
	AlertDispatchTotal *prometheus.CounterVec

	// 保留期清理指标
	PurgedRowsTotal *prometheus.CounterVec

	// 错误指标
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标并注册到全局注册表。
// 进程内只能调用一次，重复注册会 panic。
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith 创建监控指标并注册到指定注册表，测试用独立注册表隔离。
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "syncd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		SyncRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_sync_runs_total",
				Help: "Total number of mailbox sync runs by terminal status",
			},
			[]string{"status", "trigger"},
		),

		SyncRunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "syncd_sync_run_duration_seconds",
				Help:    "Mailbox sync run duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"status"},
		),

		SyncMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_sync_messages_total",
				Help: "Total number of messages processed during sync runs",
			},
			[]string{"outcome"},
		),

		LeaseAcquisitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_lease_acquisitions_total",
				Help: "Total number of sync lease acquisition attempts",
			},
			[]string{"outcome"},
		),

		InboundEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_inbound_events_total",
				Help: "Total number of inbound ingestion events",
			},
			[]string{"status", "reason"},
		),

		ProviderFetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "syncd_provider_fetch_duration_seconds",
				Help:    "Upstream provider page fetch duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		AlertDispatchTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_alert_dispatch_total",
				Help: "Total number of alert dispatch decisions",
			},
			[]string{"scope_kind", "outcome"},
		),

		PurgedRowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_purged_rows_total",
				Help: "Total number of rows removed by retention purge",
			},
			[]string{"table"},
		),

		ErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "syncd_errors_total",
				Help: "Total number of errors",
			},
			[]string{"type", "component"},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "syncd_panics_total",
				Help: "Total number of panics",
			},
		),
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordSyncRun 记录一次同步执行的终态与耗时
func (m *Metrics) RecordSyncRun(status, trigger string, duration time.Duration) {
	m.SyncRunsTotal.WithLabelValues(status, trigger).Inc()
	m.SyncRunDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordSyncMessages 记录同步处理的消息数
func (m *Metrics) RecordSyncMessages(outcome string, count int) {
	if count > 0 {
		m.SyncMessagesTotal.WithLabelValues(outcome).Add(float64(count))
	}
}

// RecordLeaseAcquisition 记录租约获取结果
func (m *Metrics) RecordLeaseAcquisition(outcome string) {
	m.LeaseAcquisitions.WithLabelValues(outcome).Inc()
}

// RecordInboundEvent 记录入站事件结论
func (m *Metrics) RecordInboundEvent(status, reason string) {
	m.InboundEventsTotal.WithLabelValues(status, reason).Inc()
}

// RecordProviderFetch 记录上游拉取耗时
func (m *Metrics) RecordProviderFetch(outcome string, duration time.Duration) {
	m.ProviderFetchDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordAlertDispatch 记录告警处置结论
func (m *Metrics) RecordAlertDispatch(scopeKind, outcome string) {
	m.AlertDispatchTotal.WithLabelValues(scopeKind, outcome).Inc()
}

// RecordPurgedRows 记录保留期清理删除的行数
func (m *Metrics) RecordPurgedRows(table string, count int) {
	if count > 0 {
		m.PurgedRowsTotal.WithLabelValues(table).Add(float64(count))
	}
}

// RecordError 记录错误
func (m *Metrics) RecordError(errorType, component string) {
	m.ErrorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 Prometheus 指标的 HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.Handler()
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 操作结果标签
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Metrics 登记簿的Prometheus指标
type Metrics struct {
	// 各操作调用次数，按结果区分
	Operations *prometheus.CounterVec

	// 当前有效记录数
	Entries prometheus.Gauge

	// 告警数，按风险等级区分
	Alerts *prometheus.CounterVec

	// 暂停状态，1表示暂停
	Paused prometheus.Gauge

	// 审计事件发布失败次数
	PublishFailures prometheus.Counter

	// 提现转账耗时
	TransferLatency prometheus.Histogram
}

// New 在reg上注册全部指标；reg为nil时使用默认注册表
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "txguard_registry_operations_total",
			Help: "Registry operations by name and result",
		}, []string{"operation", "result"}),

		Entries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "txguard_registry_entries",
			Help: "Number of live registry entries",
		}),

		Alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "txguard_registry_alerts_total",
			Help: "Alerts raised by risk level",
		}, []string{"risk"}),

		Paused: factory.NewGauge(prometheus.GaugeOpts{
			Name: "txguard_registry_paused",
			Help: "1 when the registry is paused",
		}),

		PublishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "txguard_audit_publish_failures_total",
			Help: "Audit events that could not be delivered to the sink",
		}),

		TransferLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "txguard_withdraw_transfer_duration_seconds",
			Help:    "Duration of withdraw value transfers",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}

// ObserveOperation 记录一次操作结果
func (m *Metrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.Operations.WithLabelValues(operation, result).Inc()
}

// SetEntries 更新记录数
func (m *Metrics) SetEntries(n int) {
	if m != nil {
		m.Entries.Set(float64(n))
	}
}

// IncrementAlert 记录一条告警
func (m *Metrics) IncrementAlert(risk string) {
	if m != nil {
		m.Alerts.WithLabelValues(risk).Inc()
	}
}

// SetPaused 更新暂停状态
func (m *Metrics) SetPaused(paused bool) {
	if m == nil {
		return
	}
	if paused {
		m.Paused.Set(1)
	} else {
		m.Paused.Set(0)
	}
}

// IncrementPublishFailure 记录一次发布失败
func (m *Metrics) IncrementPublishFailure() {
	if m != nil {
		m.PublishFailures.Inc()
	}
}

// ObserveTransfer 记录转账耗时
func (m *Metrics) ObserveTransfer(d time.Duration) {
	if m != nil {
		m.TransferLatency.Observe(d.Seconds())
	}
}

// Package metrics 同步服务的 Prometheus 指标
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "moovie_etl"

// Metrics 同步周期相关指标，使用独立的 registry
// 所有 Record 方法对 nil 接收者是空操作
type Metrics struct {
	CyclesTotal      *prometheus.CounterVec
	ChangedTotal     *prometheus.CounterVec
	DocumentsIndexed *prometheus.CounterVec
	DocumentsFailed  *prometheus.CounterVec
	DocumentsDropped *prometheus.CounterVec

	CycleDuration *prometheus.HistogramVec
	Watermark     prometheus.Gauge
	Stage         *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New 创建并注册全部指标
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Sync cycles by result",
		},
		[]string{"result"}, // "success", "error", "empty"
	)
	m.ChangedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changed_rows_total",
			Help:      "Changed source rows detected by entity",
		},
		[]string{"entity"},
	)
	m.DocumentsIndexed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_indexed_total",
			Help:      "Documents accepted by the search index",
		},
		[]string{"index"},
	)
	m.DocumentsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_failed_total",
			Help:      "Documents rejected by the search index",
		},
		[]string{"index"},
	)
	m.DocumentsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_dropped_total",
			Help:      "Documents dropped before indexing because validation failed",
		},
		[]string{"index"},
	)
	m.CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of sync cycles",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		},
		[]string{"result"},
	)
	m.Watermark = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "watermark_timestamp_seconds",
			Help:      "Unix time of the committed change watermark",
		},
	)
	m.Stage = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage",
			Help:      "1 for the stage the sync loop is currently in",
		},
		[]string{"stage"},
	)

	m.registry.MustRegister(
		m.CyclesTotal,
		m.ChangedTotal,
		m.DocumentsIndexed,
		m.DocumentsFailed,
		m.DocumentsDropped,
		m.CycleDuration,
		m.Watermark,
		m.Stage,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry 供测试读取
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordCycle(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(result).Inc()
	m.CycleDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) RecordChanged(entity string, n int) {
	if m == nil {
		return
	}
	m.ChangedTotal.WithLabelValues(entity).Add(float64(n))
}

func (m *Metrics) RecordIndexed(index string, indexed, failed, dropped int) {
	if m == nil {
		return
	}
	m.DocumentsIndexed.WithLabelValues(index).Add(float64(indexed))
	m.DocumentsFailed.WithLabelValues(index).Add(float64(failed))
	m.DocumentsDropped.WithLabelValues(index).Add(float64(dropped))
}

func (m *Metrics) SetWatermark(t time.Time) {
	if m == nil {
		return
	}
	m.Watermark.Set(float64(t.Unix()))
}

// SetStage 只保留当前阶段为 1
func (m *Metrics) SetStage(stage string) {
	if m == nil {
		return
	}
	m.Stage.Reset()
	m.Stage.WithLabelValues(stage).Set(1)
}

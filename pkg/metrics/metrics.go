// Package metrics 向 Prometheus 暴露同步和合并的计数器。
//
// nil *Metrics 是合法的，什么都不记录，所以调用方不需要
// 检查是否启用了 metrics。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	reg *prometheus.Registry

	syncs         *prometheus.CounterVec
	opsProposed   prometheus.Counter
	opsObserved   prometheus.Counter
	conflicts     *prometheus.CounterVec
	warnings      prometheus.Counter
	filesWritten  prometheus.Counter
	filesDeleted  prometheus.Counter
	mergeDuration prometheus.Histogram
}

// New 在一个新的 registry 上注册 converge 的 metrics
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		syncs: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "converge_syncs_total",
				Help: "Directory syncs by outcome",
			},
			[]string{"outcome"}, // "ok"、"partial"、"failed"
		),
		opsProposed: f.NewCounter(prometheus.CounterOpts{
			Name: "converge_ops_proposed_total",
			Help: "Operations stamped from local changes",
		}),
		opsObserved: f.NewCounter(prometheus.CounterOpts{
			Name: "converge_ops_observed_total",
			Help: "New operations ingested from other replicas",
		}),
		conflicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "converge_conflicts_total",
				Help: "Automatically resolved conflicts by kind",
			},
			[]string{"kind"},
		),
		warnings: f.NewCounter(prometheus.CounterOpts{
			Name: "converge_sync_warnings_total",
			Help: "Per-path problems reported by syncs",
		}),
		filesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "converge_files_written_total",
			Help: "Files written while materializing snapshots",
		}),
		filesDeleted: f.NewCounter(prometheus.CounterOpts{
			Name: "converge_files_deleted_total",
			Help: "Files removed while materializing snapshots",
		}),
		mergeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "converge_merge_duration_seconds",
			Help:    "Time to interpret an operation set",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Registry 是持有所有 converge metric 的 gatherer
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) RecordSync(outcome string) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordProposed(n int) {
	if m == nil {
		return
	}
	m.opsProposed.Add(float64(n))
}

func (m *Metrics) RecordObserved(n int) {
	if m == nil {
		return
	}
	m.opsObserved.Add(float64(n))
}

func (m *Metrics) RecordConflict(kind string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordWarnings(n int) {
	if m == nil {
		return
	}
	m.warnings.Add(float64(n))
}

func (m *Metrics) RecordMaterialize(written, deleted int) {
	if m == nil {
		return
	}
	m.filesWritten.Add(float64(written))
	m.filesDeleted.Add(float64(deleted))
}

func (m *Metrics) ObserveMerge(d time.Duration) {
	if m == nil {
		return
	}
	m.mergeDuration.Observe(d.Seconds())
}

// WriteTextfile 以文本格式导出所有 metric，供
// node_exporter 的 textfile collector 使用。一次性的 CLI 运行
// 没有抓取端点。
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.reg)
}

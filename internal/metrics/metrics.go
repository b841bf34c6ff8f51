// Package metrics holds the Prometheus collectors for the ingestion
// pipeline and git synchronization.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics owns a private registry so independent instances (and tests) never
// collide on collector registration.
type Metrics struct {
	reg *prometheus.Registry

	Tasks             *prometheus.CounterVec
	TaskDuration      prometheus.Histogram
	MetadataFallbacks prometheus.Counter
	GitOps            *prometheus.CounterVec
	Updates           *prometheus.CounterVec
}

// New creates the collector set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,

		Tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ansuz_pipeline_tasks_total",
			Help: "Processed ingestion tasks by outcome",
		}, []string{"outcome"}), // outcome: "ok", "error", "dropped"

		TaskDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ansuz_pipeline_task_duration_seconds",
			Help:    "End-to-end task processing latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),

		MetadataFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "ansuz_metadata_fallbacks_total",
			Help: "Times AI metadata generation fell back to defaults",
		}),

		GitOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ansuz_git_operations_total",
			Help: "Git operations by kind and result",
		}, []string{"op", "result"}), // op: "pull", "push"; result: "ok", "error", "skipped"

		Updates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ansuz_webhook_updates_total",
			Help: "Inbound webhook updates by disposition",
		}, []string{"status"}), // status: "accepted", "duplicate", "unauthorized", "ignored", "command", "rejected"
	}
}

// Registry exposes the backing registry for the scrape handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// RegisterQueueDepth installs a gauge that reads the queue length on scrape.
func (m *Metrics) RegisterQueueDepth(length func() int) {
	if m == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "ansuz_queue_depth",
			Help: "Tasks queued or in flight",
		},
		func() float64 { return float64(length()) },
	))
}

// All Record helpers tolerate a nil receiver so wiring stays optional in
// tests and the MCP entry point.

func (m *Metrics) RecordTask(outcome string) {
	if m == nil {
		return
	}
	m.Tasks.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveTaskDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.TaskDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordMetadataFallback() {
	if m == nil {
		return
	}
	m.MetadataFallbacks.Inc()
}

func (m *Metrics) RecordGitOp(op, result string) {
	if m == nil {
		return
	}
	m.GitOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) RecordUpdate(status string) {
	if m == nil {
		return
	}
	m.Updates.WithLabelValues(status).Inc()
}

// Package telemetry exposes pipeline and memory metrics over Prometheus.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	PipelineRuns    *prometheus.CounterVec
	PipelineRetries prometheus.Counter
	StageRuns       *prometheus.CounterVec
	StageDuration   *prometheus.HistogramVec
	AuditVerdicts   *prometheus.CounterVec
	MessagesIndexed *prometheus.CounterVec
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finsight_pipeline_runs_total",
			Help: "Completed pipeline runs by terminal status.",
		}, []string{"status"}),
		PipelineRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "finsight_pipeline_retries_total",
			Help: "Repair-loop retries triggered by rejected audits.",
		}),
		StageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finsight_stage_runs_total",
			Help: "Stage executions by stage name and outcome.",
		}, []string{"stage", "status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "finsight_stage_duration_seconds",
			Help:    "Wall-clock duration of each pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"stage"}),
		AuditVerdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finsight_audit_verdicts_total",
			Help: "Audit verdicts by outcome.",
		}, []string{"verdict"}),
		MessagesIndexed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finsight_messages_indexed_total",
			Help: "Messages processed by the memory indexer.",
		}, []string{"status"}),
	}
	reg.MustRegister(
		m.PipelineRuns,
		m.PipelineRetries,
		m.StageRuns,
		m.StageDuration,
		m.AuditVerdicts,
		m.MessagesIndexed,
	)
	return m
}

// Handler serves the /metrics scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package metrics records pipeline stage outcomes as Prometheus metrics.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joescharf/agentflow/internal/models"
	"github.com/joescharf/agentflow/internal/pipeline"
)

// Recorder implements pipeline.Observer on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	stageRuns     *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	pipelineRuns  *prometheus.CounterVec
}

// NewRecorder creates a Recorder with all metrics registered.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		stageRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_stage_runs_total",
				Help: "Total number of pipeline stage executions",
			},
			[]string{"role", "outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentflow_stage_duration_seconds",
				Help:    "Pipeline stage duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~4m
			},
			[]string{"role"},
		),
		pipelineRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentflow_pipeline_runs_total",
				Help: "Total number of pipeline runs by entry point and final status",
			},
			[]string{"mode", "status"},
		),
	}
	r.registry.MustRegister(r.stageRuns, r.stageDuration, r.pipelineRuns)
	return r
}

// ObserveStage records one stage execution.
func (r *Recorder) ObserveStage(role models.AgentRole, outcome string, d time.Duration) {
	r.stageRuns.WithLabelValues(string(role), outcome).Inc()
	r.stageDuration.WithLabelValues(string(role)).Observe(d.Seconds())
}

// ObservePipeline records the final status of a Run or Resume call.
func (r *Recorder) ObservePipeline(res *pipeline.Result) {
	if res == nil {
		return
	}
	mode := "run"
	if res.Resumed {
		mode = "resume"
	}
	r.pipelineRuns.WithLabelValues(mode, string(res.Status)).Inc()
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// WriteTextfile writes the current metrics in the node-exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// Package metrics exports pricing runs and graph sizes as Prometheus metrics.
//
// Every Recorder owns its registry, so several recorders can coexist in one
// process and in parallel tests.
package metrics

import (
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"

	"github.com/born-ml/aad/internal/autodiff"
)

const namespace = "aad"

// Recorder implements pricing.Recorder on top of a Prometheus registry.
type Recorder struct {
	registry *prometheus.Registry

	// RunsTotal counts pricing runs. Labels: method (analytic, monte_carlo)
	RunsTotal *prometheus.CounterVec

	// PathsTotal counts simulated paths. Labels: method
	PathsTotal *prometheus.CounterVec

	// RunDurationSeconds measures the wall time of a run. Labels: method
	RunDurationSeconds *prometheus.HistogramVec

	// GraphsTotal counts graphs that reported their final size.
	GraphsTotal prometheus.Counter

	// GraphCells measures the tape cells allocated by a graph.
	GraphCells prometheus.Histogram

	// GraphLiveCells measures the cells still referenced when a graph reports.
	GraphLiveCells prometheus.Histogram

	// GradBuffers measures the gradient buffers allocated by a graph.
	GradBuffers prometheus.Histogram
}

// NewRecorder creates a Recorder with a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	sizeBuckets := prometheus.ExponentialBuckets(4, 2, 12)

	return &Recorder{
		registry: reg,
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pricing",
				Name:      "runs_total",
				Help:      "Total number of pricing runs by method",
			},
			[]string{"method"},
		),
		PathsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pricing",
				Name:      "paths_total",
				Help:      "Total number of simulated paths by method",
			},
			[]string{"method"},
		),
		RunDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pricing",
				Name:      "run_duration_seconds",
				Help:      "Wall time of a pricing run in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"method"},
		),
		GraphsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "graphs_total",
			Help:      "Total number of graphs that reported their size",
		}),
		GraphCells: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "cells",
			Help:      "Tape cells allocated by a graph",
			Buckets:   sizeBuckets,
		}),
		GraphLiveCells: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "live_cells",
			Help:      "Tape cells still referenced when a graph reports",
			Buckets:   sizeBuckets,
		}),
		GradBuffers: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "graph",
			Name:      "grad_buffers",
			Help:      "Gradient buffers allocated by a graph",
			Buckets:   prometheus.LinearBuckets(1, 1, 8),
		}),
	}
}

// Registry returns the registry holding the recorder's metrics.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// RecordRun records a finished pricing run.
func (r *Recorder) RecordRun(method string, paths int, elapsed time.Duration) {
	r.RunsTotal.WithLabelValues(method).Inc()
	r.PathsTotal.WithLabelValues(method).Add(float64(paths))
	r.RunDurationSeconds.WithLabelValues(method).Observe(elapsed.Seconds())
}

// RecordGraph records the final size of a graph.
func (r *Recorder) RecordGraph(stats autodiff.Stats) {
	r.GraphsTotal.Inc()
	r.GraphCells.Observe(float64(stats.Cells))
	r.GraphLiveCells.Observe(float64(stats.Live))
	r.GradBuffers.Observe(float64(stats.GradBuffers))
}

// WriteText writes every metric in the Prometheus text exposition format.
func (r *Recorder) WriteText(w io.Writer) error {
	families, err := r.registry.Gather()
	if err != nil {
		return fmt.Errorf("failed to gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("failed to write %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

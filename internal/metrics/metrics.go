// Package metrics registers the Prometheus instruments exposed on /metrics.
package metrics

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signforge_jobs_total",
			Help: "Generation jobs by terminal status",
		},
		[]string{"status"},
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "signforge_job_duration_seconds",
			Help:    "Wall-clock duration of completed generations",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signforge_queue_depth",
			Help: "Jobs currently queued",
		},
	)

	QueueMax = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signforge_queue_max",
			Help: "Configured queue capacity (queued plus running)",
		},
	)

	GenerationSteps = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "signforge_generation_steps",
			Help:    "Requested step counts",
			Buckets: []float64{10, 15, 20, 30, 50, 75, 100},
		},
	)

	GenerationResolution = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signforge_generation_resolution_total",
			Help: "Generation resolution distribution",
		},
		[]string{"resolution"},
	)

	AdapterUsage = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signforge_adapter_usage_total",
			Help: "Adapter usage count per composition",
		},
		[]string{"adapter", "domain"},
	)
)

// TrackJob records a terminal job outcome.
func TrackJob(status string, durationSeconds float64) {
	JobsTotal.WithLabelValues(status).Inc()
	if durationSeconds > 0 {
		JobDuration.Observe(durationSeconds)
	}
}

// TrackGeneration records the shape of one accepted generation.
func TrackGeneration(steps, width, height int, adapterNames []string) {
	GenerationSteps.Observe(float64(steps))
	GenerationResolution.WithLabelValues(fmt.Sprintf("%dx%d", width, height)).Inc()
	for _, name := range adapterNames {
		domain := "unknown"
		if i := strings.IndexByte(name, '/'); i > 0 {
			domain = name[:i]
		}
		AdapterUsage.WithLabelValues(name, domain).Inc()
	}
}

// UpdateQueue refreshes the occupancy gauges.
func UpdateQueue(depth, max int) {
	QueueDepth.Set(float64(depth))
	QueueMax.Set(float64(max))
}

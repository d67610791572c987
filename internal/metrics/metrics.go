// Package metrics holds the Prometheus collectors exposed at /metrics,
// grounded on the package-level collector-variable convention used
// elsewhere for service metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazyhaar/malscan/internal/pipeline"
)

var (
	StageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "malscan_stage_latency_seconds",
			Help:    "Duration of a single pipeline stage execution in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage", "status"},
	)

	JobTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "malscan_job_total",
			Help: "Total number of jobs by terminal status",
		},
		[]string{"status"},
	)

	WorkerActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "malscan_worker_active_jobs",
			Help: "Number of jobs currently being processed by this worker",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "malscan_queue_depth",
			Help: "Number of messages currently resident in a queue",
		},
		[]string{"queue"},
	)
)

func init() {
	prometheus.MustRegister(StageLatency)
	prometheus.MustRegister(JobTotal)
	prometheus.MustRegister(WorkerActiveJobs)
	prometheus.MustRegister(QueueDepth)
}

// Handler serves the Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StageObserver adapts the package collectors to pipeline.Observer without
// the pipeline package importing Prometheus.
type StageObserver struct{}

func (StageObserver) ObserveStage(stage string, status pipeline.Status, durationMS int64) {
	StageLatency.WithLabelValues(stage, string(status)).Observe(float64(durationMS) / 1000.0)
}

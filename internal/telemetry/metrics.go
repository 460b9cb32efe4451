package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_jobs_submitted_total", Help: "Reconstruction jobs accepted by the API"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_jobs_completed_total", Help: "Jobs that finished with a usable model"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_jobs_failed_total", Help: "Jobs that failed in a mandatory stage"})
	JobsCancelled    = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_jobs_cancelled_total", Help: "Jobs stopped on user request"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "recon_rate_limit_rejects_total", Help: "Uploads rejected by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "recon_queue_depth", Help: "Jobs waiting for a worker"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "recon_jobs_inflight", Help: "Jobs currently being processed"})

	StageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recon_stage_duration_seconds",
		Help:    "Wall-clock duration of pipeline stages",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34m
	}, []string{"stage"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			JobsCancelled,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			StageDuration,
		)
	})
	return promhttp.Handler()
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Dispatch metrics
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veldt_dispatches_total",
			Help: "Total number of dispatch requests by terminal outcome",
		},
		[]string{"outcome"},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "veldt_dispatch_duration_seconds",
			Help:    "End-to-end dispatch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	FaultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "veldt_faults_total",
			Help: "Total number of dispatch faults by kind",
		},
		[]string{"kind"},
	)

	// Pool metrics
	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "veldt_workers_total",
			Help: "Number of worker processes by state",
		},
		[]string{"state"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "veldt_queue_depth",
			Help: "Current admission queue depth",
		},
	)

	InflightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "veldt_inflight_requests",
			Help: "Dispatch requests currently awaiting a result",
		},
	)

	RedeliveriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veldt_redeliveries_total",
			Help: "Total number of requests redelivered after worker loss",
		},
	)

	WorkerRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veldt_worker_restarts_total",
			Help: "Total number of worker process restarts",
		},
	)

	// Rate limit metrics
	RateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veldt_rate_limited_total",
			Help: "Total number of requests rejected by per-tenant rate limiting",
		},
	)

	// Sweeper metrics
	SweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veldt_sweeps_total",
			Help: "Total number of completed expiry sweeps",
		},
	)

	SweptAttachmentsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "veldt_swept_attachments_total",
			Help: "Total number of attachments suspended by the expiry sweeper",
		},
	)
)

func init() {
	prometheus.MustRegister(DispatchesTotal)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(FaultsTotal)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(InflightRequests)
	prometheus.MustRegister(RedeliveriesTotal)
	prometheus.MustRegister(WorkerRestartsTotal)
	prometheus.MustRegister(RateLimitedTotal)
	prometheus.MustRegister(SweepsTotal)
	prometheus.MustRegister(SweptAttachmentsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

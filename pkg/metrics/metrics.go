package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Farm metrics
	JobsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "farm_jobs_total",
			Help: "Total number of jobs by state",
		},
		[]string{"state"},
	)

	ChunksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "farm_chunks_total",
			Help: "Total number of chunks by state",
		},
		[]string{"state"},
	)

	PeersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "farm_peers_total",
			Help: "Total number of known peers by liveness",
		},
		[]string{"alive"},
	)

	IsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "farm_is_leader",
			Help: "Whether this node currently holds the leader role (1 = leader, 0 = follower)",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "farm_api_requests_total",
			Help: "Total number of mesh API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "farm_api_request_duration_seconds",
			Help:    "Mesh API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Dispatcher metrics
	DispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "farm_dispatch_latency_seconds",
			Help:    "Time taken per dispatcher tick to assign pending chunks",
			Buckets: prometheus.DefBuckets,
		},
	)

	ChunksAssigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farm_chunks_assigned_total",
			Help: "Total number of chunks assigned to a node",
		},
	)

	ChunksCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farm_chunks_completed_total",
			Help: "Total number of chunks reported complete",
		},
	)

	ChunksFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farm_chunks_failed_total",
			Help: "Total number of chunk failures recorded (including retries)",
		},
	)

	ChunksReassigned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farm_chunks_reassigned_total",
			Help: "Total number of chunks reverted to pending after their owner was reaped",
		},
	)

	NodesSuspended = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "farm_nodes_suspended_total",
			Help: "Total number of times a node crossed the failure-suspension threshold",
		},
	)
)

func init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(ChunksTotal)
	prometheus.MustRegister(PeersTotal)
	prometheus.MustRegister(IsLeader)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(ChunksAssigned)
	prometheus.MustRegister(ChunksCompleted)
	prometheus.MustRegister(ChunksFailed)
	prometheus.MustRegister(ChunksReassigned)
	prometheus.MustRegister(NodesSuspended)
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

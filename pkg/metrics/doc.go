// Package metrics defines the Prometheus metrics exposed at /metrics
// (farm_jobs_total, farm_chunks_total, farm_peers_total, farm_dispatch_latency_seconds,
// and friends) plus the component-registry health checker backing /healthz.
package metrics

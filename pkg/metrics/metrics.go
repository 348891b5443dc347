package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// roles exported on the cluster_role gauge
var roles = []string{"follower", "candidate", "leader"}

// RecordHTTPRequest records a request to the status surface
func (r *Registry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRPC records one served peer request
func (r *Registry) RecordRPC(msgType, status string, duration time.Duration) {
	r.RPCRequestsTotal.WithLabelValues(msgType, status).Inc()
	r.RPCDuration.WithLabelValues(msgType).Observe(duration.Seconds())
}

// RecordElection records the outcome of one election round
func (r *Registry) RecordElection(result string, duration time.Duration) {
	r.ClusterElectionsTotal.WithLabelValues(result).Inc()
	r.ClusterElectionDuration.Observe(duration.Seconds())
}

// UpdateMembership updates the view-size gauges
func (r *Registry) UpdateMembership(total, alive int) {
	r.ClusterNodesTotal.Set(float64(total))
	r.ClusterAliveNodes.Set(float64(alive))
}

// SetClusterRole sets the current consensus role; unknown roles clear every label
func (r *Registry) SetClusterRole(role string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, known := range roles {
		value := 0.0
		if known == role {
			value = 1
		}
		r.ClusterRole.WithLabelValues(known).Set(value)
	}
}

// UpdateSystemMetrics samples process-level gauges
func (r *Registry) UpdateSystemMetrics(started time.Time) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	r.UptimeSeconds.Set(time.Since(started).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))
	r.MemoryAllocBytes.Set(float64(mem.Alloc))
}

// Handler serves this registry in the Prometheus exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

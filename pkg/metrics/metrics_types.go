package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "clusoha"

// Registry holds all metrics for a node
type Registry struct {
	// HTTP status surface
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Membership and consensus
	ClusterNodesTotal       prometheus.Gauge
	ClusterAliveNodes       prometheus.Gauge
	ClusterElectionsTotal   *prometheus.CounterVec
	ClusterElectionDuration prometheus.Histogram
	ClusterTerm             prometheus.Gauge
	ClusterRole             *prometheus.GaugeVec
	ClusterVotesTotal       *prometheus.CounterVec
	ClusterViewPushesTotal  *prometheus.CounterVec

	// Failure detection
	HeartbeatsTotal      *prometheus.CounterVec
	PeerStateFlipsTotal  *prometheus.CounterVec
	ElectionTimeoutTotal prometheus.Counter

	// Replication log
	ReplicationEntriesTotal    *prometheus.CounterVec
	ReplicationOrder           prometheus.Gauge
	ReplicationDroppedTotal    prometheus.Counter
	ReplicationRecoveriesTotal *prometheus.CounterVec
	ReplicationRecoveryFiles   prometheus.Histogram

	// Peer RPC
	RPCRequestsTotal *prometheus.CounterVec
	RPCDuration      *prometheus.HistogramVec

	// Process
	UptimeSeconds    prometheus.Gauge
	GoRoutines       prometheus.Gauge
	MemoryAllocBytes prometheus.Gauge

	registry *prometheus.Registry
	mu       sync.Mutex
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a registry with every metric initialised.
// Tests create their own so several in-process nodes do not collide.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}

	r.initHTTPMetrics()
	r.initClusterMetrics()
	r.initHeartbeatMetrics()
	r.initReplicationMetrics()
	r.initRPCMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

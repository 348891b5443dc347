package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initClusterMetrics() {
	r.ClusterNodesTotal = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_nodes_total",
			Help:      "Number of descriptors in the local membership view",
		},
	)

	r.ClusterAliveNodes = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_alive_nodes",
			Help:      "Number of descriptors marked alive in the local membership view",
		},
	)

	r.ClusterElectionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cluster_elections_total",
			Help:      "Election rounds started by this node",
		},
		[]string{"result"}, // won, lost, stepped_down
	)

	r.ClusterElectionDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cluster_election_duration_seconds",
			Help:      "Duration of election rounds in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
	)

	r.ClusterTerm = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_term",
			Help:      "Current consensus term",
		},
	)

	r.ClusterRole = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cluster_role",
			Help:      "Consensus role (1 for current role, 0 otherwise)",
		},
		[]string{"role"},
	)

	r.ClusterVotesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cluster_votes_total",
			Help:      "Vote requests handled by this node",
		},
		[]string{"result"}, // granted, rejected
	)

	r.ClusterViewPushesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cluster_view_pushes_total",
			Help:      "Membership view pushes sent to peers",
		},
		[]string{"result"}, // ok, failed
	)
}

func (r *Registry) initHeartbeatMetrics() {
	r.HeartbeatsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeat probes sent and received",
		},
		[]string{"direction", "result"},
	)

	r.PeerStateFlipsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peer_state_flips_total",
			Help:      "Peers flipped alive or dead by heartbeat outcomes",
		},
		[]string{"state"}, // alive, dead
	)

	r.ElectionTimeoutTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "election_timeouts_total",
			Help:      "Follower election timers that expired without a heartbeat",
		},
	)
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initReplicationMetrics() {
	r.ReplicationEntriesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replication_entries_total",
			Help:      "Replication entries produced, sent, applied or rejected",
		},
		[]string{"direction"}, // produced, sent, applied, rejected
	)

	r.ReplicationOrder = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replication_order",
			Help:      "Highest replication order in the local file log",
		},
	)

	r.ReplicationDroppedTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replication_dropped_events_total",
			Help:      "Watcher events dropped because the file could not be read",
		},
	)

	r.ReplicationRecoveriesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replication_recoveries_total",
			Help:      "Gap recoveries run by this node",
		},
		[]string{"result"}, // ok, failed
	)

	r.ReplicationRecoveryFiles = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "replication_recovery_files",
			Help:      "Files fetched per recovery after deduplication",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 500, 1000},
		},
	)
}

func (r *Registry) initRPCMetrics() {
	r.RPCRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "Peer requests served, by message type and status",
		},
		[]string{"type", "status"}, // ok, error
	)

	r.RPCDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_duration_seconds",
			Help:      "Time spent serving peer requests in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
		},
		[]string{"type"},
	)
}

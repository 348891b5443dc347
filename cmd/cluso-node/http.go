package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/health"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/transport"
)

// statusResponseWriter captures the status code for metrics
type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func instrument(reg *metrics.Registry, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		reg.HTTPRequestsInFlight.Inc()
		defer reg.HTTPRequestsInFlight.Dec()

		wrapper := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		reg.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(wrapper.statusCode), time.Since(start))
	})
}

// registerChecks wires the node into the health checker
func registerChecks(hc *health.HealthChecker, node *cluster.Node, caller transport.Caller, timeout time.Duration) {
	clusterState := func() health.ClusterState {
		info := node.Info()
		alive := 0
		for _, d := range info.View {
			if d.Alive {
				alive++
			}
		}
		return health.ClusterState{
			InCluster: info.InCluster,
			Primary:   info.Primary,
			Role:      info.Consensus.Role.String(),
			Term:      info.Consensus.Term,
			Alive:     alive,
			Members:   len(info.View),
		}
	}
	// round-trips our own control endpoint through the real transport
	ping := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		msg := transport.MustMessage(transport.MsgFetchNodeInfo, node.SelfID(), nil)
		return transport.Invoke(ctx, caller, node.Self().ControlAddr(), msg, nil)
	}

	hc.RegisterCheck("cluster", health.ClusterCheck(clusterState))
	hc.RegisterCheck("replication", health.ReplicationCheck(node.Log().Status))
	hc.RegisterCheck("transport", health.TransportCheck(ping))

	hc.RegisterReadinessCheck("primary", health.PrimaryCheck(clusterState))
	hc.RegisterReadinessCheck("transport", health.TransportCheck(ping))

	hc.RegisterLivenessCheck("process", func() health.Check { return health.SimpleCheck("process") })
}

func newStatusServer(addr string, node *cluster.Node, hc *health.HealthChecker, reg *metrics.Registry) *http.Server {
	mux := http.NewServeMux()
	hc.Register(mux)
	mux.Handle("/metrics", reg.Handler())
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(node.Info())
	})

	return &http.Server{
		Addr:              addr,
		Handler:           instrument(reg, mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

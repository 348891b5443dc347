package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/cluster"
	"github.com/dd0wney/cluso-ha/pkg/filelog"
	"github.com/dd0wney/cluso-ha/pkg/health"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/replication"
	"github.com/dd0wney/cluso-ha/pkg/transport"
)

func newStatusHandler(t *testing.T) (http.Handler, *cluster.Node) {
	t.Helper()
	dir := t.TempDir()
	shared := filepath.Join(dir, "shared")
	require.NoError(t, os.MkdirAll(shared, 0o755))

	files, err := filelog.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { files.Close() })

	cfg := cluster.DefaultConfig()
	cfg.Address = "node-a"
	net := transport.NewMemoryNetwork()
	ep := net.Endpoint(cfg.ControlAddr())
	reg := metrics.NewRegistry()

	node, err := cluster.NewNode(cfg, cluster.Options{
		Caller:      ep,
		Files:       files,
		Replication: replication.DefaultConfig(shared),
		Metrics:     reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { node.Close() })
	require.NoError(t, ep.Listen(cfg.ControlAddr(), node.Handler()))

	hc := health.NewHealthChecker()
	registerChecks(hc, node, ep, time.Second)
	return newStatusServer(":0", node, hc, reg).Handler, node
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

// TestStatusServer tests the status surface before and after cluster creation
func TestStatusServer(t *testing.T) {
	h, node := newStatusHandler(t)

	assert.Equal(t, http.StatusOK, get(h, "/health/live").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(h, "/health/ready").Code, "not ready outside a cluster")

	rec := get(h, "/health")
	assert.Equal(t, http.StatusOK, rec.Code, "standalone is degraded, not down")
	var resp health.Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, health.StatusDegraded, resp.Status)
	assert.Equal(t, health.StatusHealthy, resp.Checks["transport"].Status)

	require.NoError(t, node.CreateCluster(context.Background()))
	assert.Equal(t, http.StatusOK, get(h, "/health/ready").Code)

	rec = get(h, "/info")
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var info cluster.NodeInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.True(t, info.InCluster)
	assert.Equal(t, node.SelfID(), info.Primary)
	assert.Equal(t, cluster.RoleLeader, info.Consensus.Role)

	rec = get(h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "http_requests_total"), "requests are instrumented")
}

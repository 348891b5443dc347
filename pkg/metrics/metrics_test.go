package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var metric dto.Metric
	if err := g.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Gauge.GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var metric dto.Metric
	if err := c.Write(&metric); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r == nil {
		t.Fatal("NewRegistry() returned nil")
	}

	if r.ClusterTerm == nil || r.HeartbeatsTotal == nil || r.ReplicationOrder == nil || r.RPCRequestsTotal == nil {
		t.Error("metrics not initialized")
	}
	if r.GetPrometheusRegistry() == nil {
		t.Error("Prometheus registry not initialized")
	}
}

func TestDefaultRegistry(t *testing.T) {
	if DefaultRegistry() != DefaultRegistry() {
		t.Error("DefaultRegistry() should return the same instance")
	}
}

// TestIndependentRegistries tests that two registries do not share collectors
func TestIndependentRegistries(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()

	a.ClusterTerm.Set(5)
	if got := gaugeValue(t, b.ClusterTerm); got != 0 {
		t.Errorf("registry b term = %v, want 0", got)
	}
}

func TestSetClusterRole(t *testing.T) {
	r := NewRegistry()

	r.SetClusterRole("leader")
	if got := gaugeValue(t, r.ClusterRole.WithLabelValues("leader")); got != 1 {
		t.Errorf("leader gauge = %v, want 1", got)
	}
	if got := gaugeValue(t, r.ClusterRole.WithLabelValues("follower")); got != 0 {
		t.Errorf("follower gauge = %v, want 0", got)
	}

	r.SetClusterRole("follower")
	if got := gaugeValue(t, r.ClusterRole.WithLabelValues("leader")); got != 0 {
		t.Errorf("after switch leader gauge = %v, want 0", got)
	}
	if got := gaugeValue(t, r.ClusterRole.WithLabelValues("follower")); got != 1 {
		t.Errorf("after switch follower gauge = %v, want 1", got)
	}
}

func TestRecordRPC(t *testing.T) {
	r := NewRegistry()

	r.RecordRPC("vote", "ok", 5*time.Millisecond)
	r.RecordRPC("vote", "ok", 7*time.Millisecond)
	r.RecordRPC("vote", "timeout", time.Second)

	if got := counterValue(t, r.RPCRequestsTotal.WithLabelValues("vote", "ok")); got != 2 {
		t.Errorf("ok counter = %v, want 2", got)
	}
	if got := counterValue(t, r.RPCRequestsTotal.WithLabelValues("vote", "timeout")); got != 1 {
		t.Errorf("timeout counter = %v, want 1", got)
	}
}

func TestUpdateMembership(t *testing.T) {
	r := NewRegistry()
	r.UpdateMembership(3, 2)

	if got := gaugeValue(t, r.ClusterNodesTotal); got != 3 {
		t.Errorf("nodes = %v, want 3", got)
	}
	if got := gaugeValue(t, r.ClusterAliveNodes); got != 2 {
		t.Errorf("alive = %v, want 2", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := NewRegistry()
	r.RecordElection("won", 20*time.Millisecond)
	r.UpdateSystemMetrics(time.Now().Add(-time.Minute))

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{
		"clusoha_cluster_elections_total",
		"clusoha_cluster_election_duration_seconds",
		"clusoha_uptime_seconds",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("exposition missing %s", name)
		}
	}
}

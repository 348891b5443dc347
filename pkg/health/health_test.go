package health

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-ha/pkg/replication"
)

func fixed(status Status) CheckFunc {
	return func() Check { return Check{Status: status} }
}

// TestHealthChecker_ProbeSets tests that each probe set runs only its own probes
func TestHealthChecker_ProbeSets(t *testing.T) {
	hc := NewHealthChecker()
	var ran []string
	probe := func(name string) CheckFunc {
		return func() Check {
			ran = append(ran, name)
			return Check{Status: StatusHealthy}
		}
	}
	hc.RegisterCheck("full", probe("full"))
	hc.RegisterReadinessCheck("ready", probe("ready"))
	hc.RegisterLivenessCheck("live", probe("live"))

	resp := hc.Check()
	assert.Equal(t, []string{"full"}, ran)
	assert.Contains(t, resp.Checks, "full")
	assert.Equal(t, "full", resp.Checks["full"].Name, "unnamed checks take the registered name")

	ran = nil
	hc.CheckReadiness()
	assert.Equal(t, []string{"ready"}, ran)

	ran = nil
	hc.CheckLiveness()
	assert.Equal(t, []string{"live"}, ran)
}

// TestHealthChecker_Aggregation tests that the worst status wins
func TestHealthChecker_Aggregation(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"no probes", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"one unhealthy", []Status{StatusHealthy, StatusUnhealthy}, StatusUnhealthy},
		{"degraded and unhealthy", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker()
			for i, s := range tt.statuses {
				hc.RegisterCheck(fmt.Sprintf("check-%d", i), fixed(s))
			}
			assert.Equal(t, tt.want, hc.Check().Status)
		})
	}
}

// TestHealthChecker_Uptime tests that uptime is measured from construction
func TestHealthChecker_Uptime(t *testing.T) {
	hc := NewHealthChecker()
	hc.now = func() time.Time { return hc.started.Add(90 * time.Second) }

	resp := hc.Check()
	assert.Equal(t, 90*time.Second, resp.Uptime)
	assert.Equal(t, hc.started.Add(90*time.Second), resp.Timestamp)
}

// TestClusterCheck tests the cluster probe
func TestClusterCheck(t *testing.T) {
	tests := []struct {
		name  string
		state ClusterState
		want  Status
		msg   string
	}{
		{"standalone", ClusterState{}, StatusDegraded, "Not in a cluster"},
		{"election", ClusterState{InCluster: true, Role: "candidate", Alive: 2, Members: 3}, StatusUnhealthy, "No primary"},
		{"member down", ClusterState{InCluster: true, Primary: "p", Alive: 2, Members: 3}, StatusDegraded, "Some members unreachable"},
		{"healthy", ClusterState{InCluster: true, Primary: "p", Role: "leader", Term: 4, Alive: 3, Members: 3}, StatusHealthy, "Cluster healthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := ClusterCheck(func() ClusterState { return tt.state })()
			assert.Equal(t, "cluster", check.Name)
			assert.Equal(t, tt.want, check.Status)
			assert.Equal(t, tt.msg, check.Message)
			assert.Equal(t, tt.state.Members, check.Details["members"])
			assert.Equal(t, tt.state.Term, check.Details["term"])
		})
	}
}

// TestPrimaryCheck tests the readiness gate on a known primary
func TestPrimaryCheck(t *testing.T) {
	assert.Equal(t, StatusUnhealthy, PrimaryCheck(func() ClusterState { return ClusterState{} })().Status)
	assert.Equal(t, StatusUnhealthy, PrimaryCheck(func() ClusterState { return ClusterState{InCluster: true} })().Status)

	check := PrimaryCheck(func() ClusterState { return ClusterState{InCluster: true, Primary: "node-a"} })()
	assert.Equal(t, StatusHealthy, check.Status)
	assert.Equal(t, "node-a", check.Message)
}

// TestReplicationCheck tests the replication probe
func TestReplicationCheck(t *testing.T) {
	tests := []struct {
		name   string
		status replication.Status
		want   Status
	}{
		{"idle", replication.Status{Order: 7, Entries: 7}, StatusHealthy},
		{"producing", replication.Status{Producing: true}, StatusHealthy},
		{"recovering", replication.Status{Recovering: true}, StatusDegraded},
		{"last error", replication.Status{LastError: "failed to write a.txt"}, StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := ReplicationCheck(func() replication.Status { return tt.status })()
			assert.Equal(t, tt.want, check.Status)
			assert.Equal(t, tt.status.Order, check.Details["order"])
			if tt.status.LastError != "" {
				assert.Equal(t, tt.status.LastError, check.Details["last_error"])
			} else {
				assert.NotContains(t, check.Details, "last_error")
			}
		})
	}
}

// TestTransportCheck tests the transport probe
func TestTransportCheck(t *testing.T) {
	check := TransportCheck(func() error { return nil })()
	assert.Equal(t, StatusHealthy, check.Status)

	check = TransportCheck(func() error { return errors.New("socket closed") })()
	assert.Equal(t, StatusUnhealthy, check.Status)
	assert.Equal(t, "socket closed", check.Message)
}

// TestHTTPHandler tests status codes of the full report
func TestHTTPHandler(t *testing.T) {
	tests := []struct {
		status Status
		code   int
	}{
		{StatusHealthy, http.StatusOK},
		{StatusDegraded, http.StatusOK},
		{StatusUnhealthy, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			hc := NewHealthChecker()
			hc.RegisterCheck("test", fixed(tt.status))

			rec := httptest.NewRecorder()
			hc.HTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var resp Response
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
			assert.Equal(t, tt.status, resp.Status)
			assert.Contains(t, resp.Checks, "test")
		})
	}
}

// TestBinaryHandlers tests that readiness and liveness pass only when healthy
func TestBinaryHandlers(t *testing.T) {
	for _, path := range []string{"/health/ready", "/health/live"} {
		for status, code := range map[Status]int{
			StatusHealthy:   http.StatusOK,
			StatusDegraded:  http.StatusServiceUnavailable,
			StatusUnhealthy: http.StatusServiceUnavailable,
		} {
			t.Run(path+"/"+string(status), func(t *testing.T) {
				hc := NewHealthChecker()
				hc.RegisterReadinessCheck("test", fixed(status))
				hc.RegisterLivenessCheck("test", fixed(status))
				mux := http.NewServeMux()
				hc.Register(mux)

				rec := httptest.NewRecorder()
				mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
				assert.Equal(t, code, rec.Code)
			})
		}
	}
}

// TestConcurrentCheckRegistration tests registration racing with probes
func TestConcurrentCheckRegistration(t *testing.T) {
	hc := NewHealthChecker()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(id int) {
			defer wg.Done()
			hc.RegisterCheck(fmt.Sprintf("check-%d", id), fixed(StatusHealthy))
		}(i)
		go func() {
			defer wg.Done()
			hc.Check()
		}()
	}
	wg.Wait()

	assert.Len(t, hc.Check().Checks, 10)
}

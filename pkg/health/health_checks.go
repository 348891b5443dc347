package health

import (
	"time"

	"github.com/dd0wney/cluso-ha/pkg/replication"
)

// SimpleCheck is a probe result that is always healthy
func SimpleCheck(name string) Check {
	return Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
	}
}

// ClusterCheck reports membership and primary visibility.
func ClusterCheck(getState func() ClusterState) CheckFunc {
	return func() Check {
		s := getState()
		check := Check{
			Name: "cluster",
			Details: map[string]any{
				"in_cluster":    s.InCluster,
				"primary":       s.Primary,
				"role":          s.Role,
				"term":          s.Term,
				"alive_members": s.Alive,
				"members":       s.Members,
			},
		}

		switch {
		case !s.InCluster:
			check.Status = StatusDegraded
			check.Message = "Not in a cluster"
		case s.Primary == "":
			check.Status = StatusUnhealthy
			check.Message = "No primary"
		case s.Alive < s.Members:
			check.Status = StatusDegraded
			check.Message = "Some members unreachable"
		default:
			check.Status = StatusHealthy
			check.Message = "Cluster healthy"
		}
		return check
	}
}

// PrimaryCheck passes only while the node belongs to a cluster with a
// known primary.
func PrimaryCheck(getState func() ClusterState) CheckFunc {
	return func() Check {
		s := getState()
		check := Check{Name: "primary"}
		switch {
		case !s.InCluster:
			check.Status = StatusUnhealthy
			check.Message = "Not in a cluster"
		case s.Primary == "":
			check.Status = StatusUnhealthy
			check.Message = "Election in progress"
		default:
			check.Status = StatusHealthy
			check.Message = s.Primary
		}
		return check
	}
}

// ReplicationCheck reports the file replication log.
func ReplicationCheck(getStatus func() replication.Status) CheckFunc {
	return func() Check {
		s := getStatus()
		check := Check{
			Name: "replication",
			Details: map[string]any{
				"order":      s.Order,
				"entries":    s.Entries,
				"producing":  s.Producing,
				"recovering": s.Recovering,
			},
		}
		if s.LastError != "" {
			check.Details["last_error"] = s.LastError
		}

		switch {
		case s.Recovering:
			check.Status = StatusDegraded
			check.Message = "Recovering missed changes"
		case s.LastError != "":
			check.Status = StatusDegraded
			check.Message = s.LastError
		default:
			check.Status = StatusHealthy
			check.Message = "Replication healthy"
		}
		return check
	}
}

// TransportCheck reports whether the control endpoint is serving.
func TransportCheck(ping func() error) CheckFunc {
	return func() Check {
		check := Check{Name: "transport"}
		if err := ping(); err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
		} else {
			check.Status = StatusHealthy
			check.Message = "Listening"
		}
		return check
	}
}

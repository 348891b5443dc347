package cluster

import (
	"sync"

	"github.com/dd0wney/cluso-ha/pkg/metrics"
)

// MembershipRegistry holds the local copy of the cluster view
//
// Concurrent Safety:
// 1. All public methods use RWMutex for thread-safe access
// 2. Queries return copies; callers never alias the stored view
// 3. Only the primary appends and removes; followers Replace wholesale
type MembershipRegistry struct {
	view    ClusterView
	mu      sync.RWMutex
	metrics *metrics.Registry
}

// NewMembershipRegistry creates an empty registry
func NewMembershipRegistry(reg *metrics.Registry) *MembershipRegistry {
	if reg == nil {
		reg = metrics.DefaultRegistry()
	}
	return &MembershipRegistry{metrics: reg}
}

// updateMetricsLocked must be called with mu held
func (r *MembershipRegistry) updateMetricsLocked() {
	alive := 0
	for _, d := range r.view {
		if d.Alive {
			alive++
		}
	}
	r.metrics.UpdateMembership(len(r.view), alive)
}

// Package health reports node health over HTTP for load balancers and
// process supervisors.
package health

import (
	"sync"
	"time"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is the result of one component probe
type Check struct {
	Name        string         `json:"name"`
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ms"`
}

// CheckFunc performs one probe
type CheckFunc func() Check

// HealthChecker holds the registered probes of a node
type HealthChecker struct {
	mu          sync.RWMutex
	started     time.Time
	now         func() time.Time
	checks      map[string]CheckFunc
	readyChecks map[string]CheckFunc
	liveChecks  map[string]CheckFunc
}

// Response is the aggregate of a set of probes
type Response struct {
	Status    Status           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Checks    map[string]Check `json:"checks"`
	Uptime    time.Duration    `json:"uptime_seconds"`
}

// ClusterState is what the cluster probe inspects
type ClusterState struct {
	InCluster bool
	Primary   string
	Role      string
	Term      uint64
	Alive     int
	Members   int
}

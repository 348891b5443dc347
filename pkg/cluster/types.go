// Package cluster implements cluster membership, Raft-lite leader election
// and heartbeat failure detection for a self-healing primary/replica group.
//
// Each process runs one Node. The primary owns the membership view and
// pushes it to followers wholesale; followers detect a silent primary and
// elect a replacement by term alone.
package cluster

import (
	"fmt"
	"net"
	"strconv"

	"github.com/dd0wney/cluso-ha/pkg/replication"
)

// Role is the consensus role of a node
type Role int

const (
	// RoleFollower follows the current primary
	RoleFollower Role = iota
	// RoleCandidate is requesting votes
	RoleCandidate
	// RoleLeader is the primary
	RoleLeader
)

// String returns the string representation of a Role
func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	default:
		return "unknown"
	}
}

// MarshalText encodes the role by name
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name
func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// ParseRole parses a role name. The empty string is a follower.
func ParseRole(s string) (Role, error) {
	switch s {
	case "follower", "":
		return RoleFollower, nil
	case "candidate":
		return RoleCandidate, nil
	case "leader":
		return RoleLeader, nil
	}
	return RoleFollower, fmt.Errorf("unknown role %q", s)
}

// NodeDescriptor identifies one member of the cluster
type NodeDescriptor struct {
	ID          string `json:"id" validate:"required,uuid"`
	Address     string `json:"address" validate:"required,max=253"`
	ControlPort int    `json:"control_port" validate:"min=1,max=65535"`
	DataPort    int    `json:"data_port" validate:"min=0,max=65535"`
	AppPort     int    `json:"app_port" validate:"min=0,max=65535"`
	Alive       bool   `json:"alive"`
	IsPrimary   bool   `json:"is_primary"`
	// Term is the last replication term this member was known under
	Term uint64 `json:"term"`
}

// ControlAddr returns the peer RPC endpoint of the node
func (d NodeDescriptor) ControlAddr() string {
	return ControlAddr(d.Address, d.ControlPort)
}

// ControlAddr formats a transport endpoint for host and port
func ControlAddr(host string, port int) string {
	return "tcp://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// ClusterView is the membership list in insertion order
type ClusterView []NodeDescriptor

// Primary returns the descriptor flagged primary
func (v ClusterView) Primary() (NodeDescriptor, bool) {
	for _, d := range v {
		if d.IsPrimary {
			return d, true
		}
	}
	return NodeDescriptor{}, false
}

// Find returns the index of id, or -1
func (v ClusterView) Find(id string) int {
	for i, d := range v {
		if d.ID == id {
			return i
		}
	}
	return -1
}

// Clone returns a copy that shares nothing with v
func (v ClusterView) Clone() ClusterView {
	if v == nil {
		return nil
	}
	out := make(ClusterView, len(v))
	copy(out, v)
	return out
}

// ConsensusState is the persisted election state
type ConsensusState struct {
	Term     uint64 `json:"term"`
	VotedFor string `json:"voted_for"`
	Role     Role   `json:"role"`
}

// VoteRequest is sent by candidates
type VoteRequest struct {
	CandidateTerm uint64 `json:"candidate_term" validate:"required"`
	CandidateID   string `json:"candidate_id" validate:"required"`
}

// VoteResponse answers a VoteRequest
type VoteResponse struct {
	Accepted bool   `json:"accepted"`
	Term     uint64 `json:"term"`
	VotedFor string `json:"voted_for,omitempty"`
}

// Heartbeat is the primary's liveness probe
type Heartbeat struct {
	Term     uint64 `json:"term"`
	LeaderID string `json:"leader_id" validate:"required"`
}

// HeartbeatResponse answers a Heartbeat
type HeartbeatResponse struct {
	Accepted bool   `json:"accepted"`
	Term     uint64 `json:"term"`
}

// ViewUpdate carries a whole view; used for view pushes and new-leader notices
type ViewUpdate struct {
	View ClusterView `json:"view"`
	Term uint64      `json:"term"`
}

// JoinResponse answers join and recovery requests
type JoinResponse struct {
	View ClusterView `json:"view"`
	Term uint64      `json:"term"`
}

// JoinTarget names the control endpoint of a cluster member to join through
type JoinTarget struct {
	Target string `json:"target" validate:"required"`
}

// NodeInfo describes a node for operators and for boot-time recovery
type NodeInfo struct {
	Self        NodeDescriptor     `json:"self"`
	View        ClusterView        `json:"view"`
	Primary     string             `json:"primary,omitempty"`
	Consensus   ConsensusState     `json:"consensus"`
	InCluster   bool               `json:"in_cluster"`
	Order       uint64             `json:"order"`
	Replication replication.Status `json:"replication"`
}

package cluster

import (
	"github.com/dd0wney/cluso-ha/pkg/pubsub"
)

// RoleEvent is published on pubsub.TopicRole whenever the node's routines
// are (re)started for a role, and when it leaves the cluster.
type RoleEvent struct {
	NodeID    string
	Role      Role
	Term      uint64
	InCluster bool
}

// Primary reports whether the event makes the node primary
func (e RoleEvent) Primary() bool {
	return e.InCluster && e.Role == RoleLeader
}

// ViewEvent is published on pubsub.TopicView when the view is replaced
type ViewEvent struct {
	View ClusterView
	Term uint64
}

func (n *Node) publishRole() {
	cs := n.engine.State()
	n.events.Publish(pubsub.TopicRole, RoleEvent{
		NodeID:    n.SelfID(),
		Role:      cs.Role,
		Term:      cs.Term,
		InCluster: n.InCluster(),
	})
}

func (n *Node) publishView(view ClusterView, term uint64) {
	n.events.Publish(pubsub.TopicView, ViewEvent{View: view.Clone(), Term: term})
}

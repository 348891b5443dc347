package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/transport"
	"github.com/dd0wney/cluso-ha/pkg/validation"
)

// CreateCluster makes this node the primary of a new single-node cluster
// under a fresh identity.
func (n *Node) CreateCluster(ctx context.Context) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	if n.InCluster() {
		return ErrAlreadyInCluster
	}

	n.engine.Reset()
	term := n.engine.BecomeLeader()

	n.mu.Lock()
	n.self.ID = uuid.NewString()
	n.self.Alive = true
	n.self.IsPrimary = true
	n.self.Term = term
	n.inCluster = true
	self := n.self
	n.mu.Unlock()

	n.registry.Reset()
	if err := n.registry.Append(self); err != nil {
		return err
	}
	n.persist()
	n.startPrimary()
	n.publishView(n.registry.Snapshot(), term)

	n.logger.Info("created cluster", logging.NodeID(self.ID), logging.Term(term))
	return nil
}

// RequestJoin joins the cluster that target belongs to. A target that is
// not the primary is asked for the primary and the request is repeated
// there once.
func (n *Node) RequestJoin(ctx context.Context, target string) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	if n.InCluster() {
		return ErrAlreadyInCluster
	}
	if target == "" {
		return invalid(errors.New("join target is empty"))
	}

	n.mu.Lock()
	n.self.ID = uuid.NewString()
	n.self.Alive = true
	n.self.IsPrimary = false
	desc := n.self
	n.mu.Unlock()

	resp, err := n.sendJoin(ctx, target, desc)
	if errors.Is(err, ErrNotPrimary) {
		info, ierr := n.FetchNodeInfo(ctx, target)
		if ierr == nil {
			if i := info.View.Find(info.Primary); i >= 0 {
				target = info.View[i].ControlAddr()
				resp, err = n.sendJoin(ctx, target, desc)
			}
		}
	}
	if err != nil {
		return fmt.Errorf("failed to join via %s: %w", target, err)
	}

	n.engine.Reset()
	if _, err := n.engine.Follow(resp.Term); err != nil {
		return err
	}
	n.registry.Replace(resp.View)
	n.resetLog()

	n.mu.Lock()
	n.self.Term = resp.Term
	n.inCluster = true
	n.mu.Unlock()

	n.persist()
	n.resumeFollower()
	n.publishView(resp.View, resp.Term)
	n.log.StartRecovery()

	n.logger.Info("joined cluster",
		logging.NodeID(desc.ID),
		logging.Peer(target),
		logging.Term(resp.Term),
		logging.Count(len(resp.View)))
	return nil
}

func (n *Node) sendJoin(ctx context.Context, target string, desc NodeDescriptor) (JoinResponse, error) {
	msg, err := transport.NewMessage(transport.MsgJoin, desc.ID, desc)
	if err != nil {
		return JoinResponse{}, err
	}
	callCtx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
	defer cancel()

	var resp JoinResponse
	if err := transport.Invoke(callCtx, n.caller, target, msg, &resp); err != nil {
		return JoinResponse{}, fromRemote(err)
	}
	return resp, nil
}

// AcceptJoin adds desc to the view. Primary only. A known ID is marked
// alive instead of appended again.
func (n *Node) AcceptJoin(ctx context.Context, desc NodeDescriptor) (JoinResponse, error) {
	return n.admit(ctx, desc, "join")
}

// AcceptRecovery re-admits a restarted member. Primary only.
func (n *Node) AcceptRecovery(ctx context.Context, desc NodeDescriptor) (JoinResponse, error) {
	return n.admit(ctx, desc, "recovery")
}

func (n *Node) admit(ctx context.Context, desc NodeDescriptor, reason string) (JoinResponse, error) {
	if !n.InCluster() {
		return JoinResponse{}, ErrNotInCluster
	}
	if !n.engine.IsLeader() {
		return JoinResponse{}, ErrNotPrimary
	}
	if err := validation.ValidateStruct(desc); err != nil {
		return JoinResponse{}, invalid(err)
	}
	if desc.ID == n.SelfID() {
		return JoinResponse{}, invalid(errors.New("descriptor has the primary's id"))
	}

	desc.Alive = true
	desc.IsPrimary = false
	if _, known := n.registry.Get(desc.ID); known {
		if err := n.registry.Update(desc); err != nil {
			return JoinResponse{}, err
		}
	} else if err := n.registry.Append(desc); err != nil {
		return JoinResponse{}, err
	}

	n.persist()
	n.propagateView(ctx, desc.ID)

	n.logger.Info("admitted member",
		logging.NodeID(desc.ID),
		logging.Peer(desc.ControlAddr()),
		logging.String("reason", reason))
	return JoinResponse{View: n.registry.Snapshot(), Term: n.engine.Term()}, nil
}

// RequestLeave leaves the cluster. A primary removes itself and pushes the
// remaining view; a follower asks the primary to remove it. Local state is
// reset even when the primary cannot be reached.
func (n *Node) RequestLeave(ctx context.Context) error {
	n.opMu.Lock()
	defer n.opMu.Unlock()

	if !n.InCluster() {
		return ErrNotInCluster
	}

	self := n.Self()
	if n.engine.IsLeader() {
		n.registry.Remove(self.ID)
		n.propagateView(ctx)
	} else if primary, ok := n.registry.Primary(); ok {
		msg, err := transport.NewMessage(transport.MsgLeave, self.ID, self)
		if err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
		err = transport.Invoke(callCtx, n.caller, primary.ControlAddr(), msg, nil)
		cancel()
		if err != nil {
			n.logger.Warn("primary did not confirm leave",
				logging.Peer(primary.ControlAddr()),
				logging.Error(err))
		}
	}

	n.reset()
	n.logger.Info("left cluster", logging.NodeID(self.ID))
	return nil
}

// AcceptLeave removes desc from the view. Primary only.
func (n *Node) AcceptLeave(ctx context.Context, desc NodeDescriptor) error {
	if !n.InCluster() {
		return ErrNotInCluster
	}
	if !n.engine.IsLeader() {
		return ErrNotPrimary
	}
	if desc.ID == "" {
		return invalid(errors.New("descriptor has no id"))
	}
	if desc.ID == n.SelfID() {
		return invalid(errors.New("primary leaves through RequestLeave"))
	}

	if n.registry.Remove(desc.ID) {
		n.persist()
		n.logger.Info("removed member", logging.NodeID(desc.ID))
	}
	n.propagateView(ctx)
	return nil
}

// reset returns every piece of cluster state to its defaults
func (n *Node) reset() {
	n.stopRoutines()
	n.registry.Reset()
	n.engine.Reset()
	n.resetLog()

	n.mu.Lock()
	n.inCluster = false
	n.self.IsPrimary = false
	n.self.Term = 0
	n.mu.Unlock()

	n.persist()
	n.publishRole()
	n.publishView(nil, 0)
}

// resetLog drops the replicated history of the cluster this node belonged to
func (n *Node) resetLog() {
	if err := n.log.Reset(); err != nil {
		n.logger.Error("failed to reset replication log", logging.Error(err))
	}
}

// PropagateView pushes the view to every member except self. Failures are
// logged and not retried.
func (n *Node) PropagateView(ctx context.Context) {
	n.propagateView(ctx)
}

func (n *Node) propagateView(ctx context.Context, skip ...string) {
	self := n.SelfID()
	view := n.registry.Snapshot()
	term := n.engine.Term()

	targets := make([]string, 0, len(view))
	for _, d := range view {
		if d.ID == self || contains(skip, d.ID) {
			continue
		}
		targets = append(targets, d.ControlAddr())
	}
	n.publishView(view, term)
	if len(targets) == 0 {
		return
	}

	msg, err := transport.NewMessage(transport.MsgPushView, self, ViewUpdate{View: view, Term: term})
	if err != nil {
		n.logger.Error("failed to encode view", logging.Error(err))
		return
	}
	for r := range transport.Fanout(ctx, n.caller, targets, msg, n.cfg.RPCTimeout) {
		if r.Err != nil {
			n.metrics.ClusterViewPushesTotal.WithLabelValues("failed").Inc()
			n.logger.Warn("failed to push view", logging.Peer(r.Addr), logging.Error(r.Err))
			continue
		}
		n.metrics.ClusterViewPushesTotal.WithLabelValues("ok").Inc()
	}
}

// AcceptView installs a view pushed by the primary
func (n *Node) AcceptView(update ViewUpdate) error {
	if !n.InCluster() {
		return ErrNotInCluster
	}
	if n.engine.IsLeader() {
		return ErrIsPrimary
	}
	from, err := n.engine.Follow(update.Term)
	if err != nil {
		return err
	}

	n.installView(update.View)
	n.persist()
	if from != RoleFollower {
		n.resumeFollower()
	} else {
		n.monitor.ResetElectionTimer()
	}
	n.publishView(update.View, update.Term)
	return nil
}

// AssumeLeadership makes this node the primary of its view after winning
// an election. The local descriptor is removed and appended again as
// primary; a concurrent reader can observe the view without it.
func (n *Node) AssumeLeadership(ctx context.Context) error {
	self := n.Self()
	term := n.engine.Term()

	n.registry.ClearPrimary()
	if d, ok := n.registry.Get(self.ID); ok {
		self = d
	}
	n.registry.Remove(self.ID)
	self.IsPrimary = true
	self.Alive = true
	self.Term = term
	if err := n.registry.Append(self); err != nil {
		return err
	}

	n.mu.Lock()
	n.self = self
	n.mu.Unlock()

	n.startPrimary()
	n.announceLeadership(ctx, term)
	n.persist()

	n.logger.Info("assumed leadership", logging.NodeID(self.ID), logging.Term(term))
	return nil
}

// announceLeadership sends the new view to every alive peer
func (n *Node) announceLeadership(ctx context.Context, term uint64) {
	self := n.SelfID()
	view := n.registry.Snapshot()
	n.publishView(view, term)

	peers := n.registry.AlivePeers(self)
	if len(peers) == 0 {
		return
	}
	targets := make([]string, 0, len(peers))
	for _, p := range peers {
		targets = append(targets, p.ControlAddr())
	}

	msg, err := transport.NewMessage(transport.MsgNewLeader, self, ViewUpdate{View: view, Term: term})
	if err != nil {
		n.logger.Error("failed to encode new-leader notice", logging.Error(err))
		return
	}
	for r := range transport.Fanout(ctx, n.caller, targets, msg, n.cfg.RPCTimeout) {
		if r.Err != nil {
			n.logger.Warn("new-leader notice failed", logging.Peer(r.Addr), logging.Error(r.Err))
		}
	}
}

// AcceptLeadership follows the sender of a new-leader notice. A leader
// yields to a higher term, or to an equal-term primary with a lower ID.
func (n *Node) AcceptLeadership(update ViewUpdate) error {
	if !n.InCluster() {
		return ErrNotInCluster
	}
	if n.engine.IsLeader() && update.Term <= n.engine.Term() {
		primary, _ := update.View.Primary()
		if !n.engine.YieldsTo(update.Term, primary.ID) {
			return ErrIsPrimary
		}
	}
	if _, err := n.engine.Follow(update.Term); err != nil {
		return err
	}

	n.installView(update.View)
	n.persist()
	n.resumeFollower()
	n.publishView(update.View, update.Term)

	if primary, ok := update.View.Primary(); ok {
		n.logger.Info("accepted new leader", logging.NodeID(primary.ID), logging.Term(update.Term))
	}
	return nil
}

// installView replaces the view and refreshes the local descriptor from it
func (n *Node) installView(view ClusterView) {
	n.registry.Replace(view)

	n.mu.Lock()
	defer n.mu.Unlock()
	if i := view.Find(n.self.ID); i >= 0 {
		n.self.IsPrimary = view[i].IsPrimary
		n.self.Term = view[i].Term
	}
}

func contains(ids []string, id string) bool {
	for _, s := range ids {
		if s == id {
			return true
		}
	}
	return false
}

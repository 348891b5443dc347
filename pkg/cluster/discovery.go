package cluster

import (
	"context"
	"errors"
	"fmt"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/transport"
)

// RecoveryCoordinator brings a restarted node back into the cluster its
// persisted state names. It asks each previously known peer, in view
// order, who the primary is and follows the first answer.
type RecoveryCoordinator struct {
	node   *Node
	logger logging.Logger
}

// NewRecoveryCoordinator creates a coordinator for n
func NewRecoveryCoordinator(n *Node) *RecoveryCoordinator {
	return &RecoveryCoordinator{
		node:   n,
		logger: n.logger.With(logging.Component("recovery")),
	}
}

// Run resumes the node. It returns ErrNotInCluster when there is nothing
// to resume. When no peer answers the node resumes as primary with every
// peer marked dead; heartbeats revive them.
func (r *RecoveryCoordinator) Run(ctx context.Context) error {
	n := r.node
	n.opMu.Lock()
	defer n.opMu.Unlock()

	if !n.InCluster() {
		return ErrNotInCluster
	}

	self := n.SelfID()
	for _, peer := range n.registry.Peers(self) {
		addr := peer.ControlAddr()
		info, err := n.FetchNodeInfo(ctx, addr)
		if err != nil {
			r.logger.Info("peer did not answer", logging.Peer(addr), logging.Error(err))
			continue
		}
		if !info.InCluster || info.Primary == "" {
			r.logger.Info("peer knows no primary", logging.Peer(addr))
			continue
		}

		if info.Primary == self {
			r.logger.Info("peer names this node primary", logging.Peer(addr))
			return r.resumePrimary(ctx, false)
		}

		i := info.View.Find(info.Primary)
		if i < 0 {
			continue
		}
		primary := info.View[i]
		err = r.resumeFollower(ctx, primary)
		if err == nil {
			return nil
		}
		r.logger.Warn("primary refused recovery",
			logging.NodeID(primary.ID),
			logging.Peer(primary.ControlAddr()),
			logging.Error(err))
	}

	r.logger.Warn("no known peer answered, resuming as primary", logging.Count(n.registry.Len()-1))
	return r.resumePrimary(ctx, true)
}

// resumePrimary restarts primary routines under the persisted term
func (r *RecoveryCoordinator) resumePrimary(ctx context.Context, isolated bool) error {
	n := r.node
	self := n.SelfID()

	if isolated {
		for _, p := range n.registry.Peers(self) {
			n.registry.SetAlive(p.ID, false)
		}
	}
	term := n.engine.BecomeLeader()

	n.registry.ClearPrimary()
	if _, ok := n.registry.Get(self); !ok {
		if err := n.registry.Append(n.Self()); err != nil {
			return fmt.Errorf("failed to resume as primary: %w", err)
		}
	}
	if err := n.registry.MarkPrimary(self); err != nil {
		return fmt.Errorf("failed to resume as primary: %w", err)
	}
	n.registry.SetAlive(self, true)

	n.mu.Lock()
	n.self.IsPrimary = true
	n.self.Term = term
	n.mu.Unlock()

	n.persist()
	n.startPrimary()
	if isolated {
		n.publishView(n.registry.Snapshot(), term)
	} else {
		n.propagateView(ctx)
	}

	r.logger.Info("resumed as primary", logging.Term(term), logging.Bool("isolated", isolated))
	return nil
}

// resumeFollower asks primary to re-admit this node, then adopts its view
// and catches the replicated tree up before following.
func (r *RecoveryCoordinator) resumeFollower(ctx context.Context, primary NodeDescriptor) error {
	n := r.node
	self := n.Self()
	self.Alive = true
	self.IsPrimary = false

	msg, err := transport.NewMessage(transport.MsgRequestRecovery, self.ID, self)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
	var resp JoinResponse
	err = transport.Invoke(callCtx, n.caller, primary.ControlAddr(), msg, &resp)
	cancel()
	if err != nil {
		return fromRemote(err)
	}

	if _, err := n.engine.Follow(resp.Term); errors.Is(err, ErrStaleTerm) {
		// our higher term reaches the primary through heartbeat replies
		r.logger.Warn("primary term is behind ours",
			logging.Term(resp.Term),
			logging.Uint64("current_term", n.engine.Term()))
	}
	n.installView(resp.View)
	n.persist()

	if err := n.log.Recover(ctx); err != nil {
		r.logger.Error("log recovery failed", logging.Error(err))
	}
	n.resumeFollower()
	n.publishView(resp.View, resp.Term)

	r.logger.Info("resumed as follower",
		logging.NodeID(primary.ID),
		logging.Term(resp.Term),
		logging.Order(n.log.Counter()))
	return nil
}

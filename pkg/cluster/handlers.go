package cluster

import (
	"context"
	"fmt"

	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/transport"
	"github.com/dd0wney/cluso-ha/pkg/validation"
)

// Handler returns the node's control-channel handler. Errors are turned
// into MsgError replies carrying the code from CodeFor, so callers on any
// transport can match them with errors.Is after fromRemote.
func (n *Node) Handler() transport.Handler {
	return transport.HandlerFunc(func(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
		reply, err := n.HandleMessage(ctx, msg)
		if err != nil {
			code := CodeFor(err)
			if code == CodeInternal {
				n.logger.Error("request failed",
					logging.Operation(msg.Type.String()),
					logging.Peer(msg.From),
					logging.Error(err))
			} else {
				n.logger.Debug("request rejected",
					logging.Operation(msg.Type.String()),
					logging.String("code", code),
					logging.Error(err))
			}
			return transport.NewErrorReply(n.SelfID(), code, err.Error()), nil
		}
		return reply, nil
	})
}

// HandleMessage dispatches one control-channel request
func (n *Node) HandleMessage(ctx context.Context, msg *transport.Message) (*transport.Message, error) {
	switch msg.Type {
	case transport.MsgCreateCluster:
		if err := n.CreateCluster(ctx); err != nil {
			return nil, err
		}
		return n.reply(n.Info())

	case transport.MsgRequestJoin:
		var req JoinTarget
		if err := decodeValid(msg, &req); err != nil {
			return nil, err
		}
		if err := n.RequestJoin(ctx, req.Target); err != nil {
			return nil, err
		}
		return n.reply(n.Info())

	case transport.MsgRequestLeave:
		if err := n.RequestLeave(ctx); err != nil {
			return nil, err
		}
		return nil, nil

	case transport.MsgJoin, transport.MsgRequestRecovery:
		var desc NodeDescriptor
		if err := msg.Decode(&desc); err != nil {
			return nil, err
		}
		accept := n.AcceptJoin
		if msg.Type == transport.MsgRequestRecovery {
			accept = n.AcceptRecovery
		}
		resp, err := accept(ctx, desc)
		if err != nil {
			return nil, err
		}
		return n.reply(resp)

	case transport.MsgLeave:
		var desc NodeDescriptor
		if err := msg.Decode(&desc); err != nil {
			return nil, err
		}
		return nil, n.AcceptLeave(ctx, desc)

	case transport.MsgPushView:
		var update ViewUpdate
		if err := msg.Decode(&update); err != nil {
			return nil, err
		}
		return nil, n.AcceptView(update)

	case transport.MsgNewLeader:
		var update ViewUpdate
		if err := msg.Decode(&update); err != nil {
			return nil, err
		}
		return nil, n.AcceptLeadership(update)

	case transport.MsgHeartbeat:
		var hb Heartbeat
		if err := decodeValid(msg, &hb); err != nil {
			return nil, err
		}
		resp, err := n.acceptHeartbeat(hb)
		if err != nil {
			return nil, err
		}
		return n.reply(resp)

	case transport.MsgVote:
		var req VoteRequest
		if err := decodeValid(msg, &req); err != nil {
			return nil, err
		}
		resp, err := n.acceptVote(req)
		if err != nil {
			return nil, err
		}
		return n.reply(resp)

	case transport.MsgFileChange:
		if !n.InCluster() {
			return nil, ErrNotInCluster
		}
		if n.engine.IsLeader() {
			return nil, ErrIsPrimary
		}
		return n.log.HandleMessage(ctx, msg)

	case transport.MsgFetchLog, transport.MsgFetchFile:
		return n.log.HandleMessage(ctx, msg)

	case transport.MsgFetchConsensus:
		return n.reply(n.engine.State())

	case transport.MsgFetchNodeInfo:
		return n.reply(n.Info())
	}

	return nil, fmt.Errorf("%w: %s", ErrUnsupported, msg.Type)
}

func (n *Node) reply(v any) (*transport.Message, error) {
	return transport.NewMessage(transport.MsgReply, n.SelfID(), v)
}

func decodeValid(msg *transport.Message, v any) error {
	if err := msg.Decode(v); err != nil {
		return err
	}
	if err := validation.ValidateStruct(v); err != nil {
		return invalid(err)
	}
	return nil
}

// acceptHeartbeat answers the primary's probe. An accepted heartbeat
// re-arms the election timer and marks the sender alive.
func (n *Node) acceptHeartbeat(hb Heartbeat) (HeartbeatResponse, error) {
	if !n.InCluster() {
		return HeartbeatResponse{}, ErrNotInCluster
	}

	wasFollower := n.engine.Role() == RoleFollower
	if !n.engine.OnHeartbeat(hb.Term, hb.LeaderID) {
		n.metrics.HeartbeatsTotal.WithLabelValues("received", "failed").Inc()
		return HeartbeatResponse{Accepted: false, Term: n.engine.Term()}, nil
	}
	n.metrics.HeartbeatsTotal.WithLabelValues("received", "ok").Inc()

	if wasFollower {
		n.monitor.ResetElectionTimer()
	}
	if n.registry.SetAlive(hb.LeaderID, true) {
		n.metrics.PeerStateFlipsTotal.WithLabelValues("alive").Inc()
		n.persist()
	}
	return HeartbeatResponse{Accepted: true, Term: hb.Term}, nil
}

// acceptVote answers a candidate. The primary never votes.
func (n *Node) acceptVote(req VoteRequest) (VoteResponse, error) {
	if !n.InCluster() {
		return VoteResponse{}, ErrNotInCluster
	}
	if n.engine.IsLeader() {
		return VoteResponse{}, ErrIsPrimary
	}
	return n.engine.OnVoteRequest(req), nil
}

package cluster

import (
	"context"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/transport"
)

// Client sends admin and introspection requests to a node's control
// endpoint. It backs the ctl binary and boot-time recovery.
type Client struct {
	caller  transport.Caller
	from    string
	timeout time.Duration
}

// NewClient creates a client; from identifies the sender in envelopes
func NewClient(caller transport.Caller, from string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultConfig().RPCTimeout
	}
	return &Client{caller: caller, from: from, timeout: timeout}
}

func (c *Client) call(ctx context.Context, addr string, t transport.MessageType, in, out any) error {
	msg, err := transport.NewMessage(t, c.from, in)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return fromRemote(transport.Invoke(ctx, c.caller, addr, msg, out))
}

// Create asks the node at addr to create a cluster
func (c *Client) Create(ctx context.Context, addr string) (NodeInfo, error) {
	var info NodeInfo
	err := c.call(ctx, addr, transport.MsgCreateCluster, nil, &info)
	return info, err
}

// Join asks the node at addr to join the cluster that target belongs to
func (c *Client) Join(ctx context.Context, addr, target string) (NodeInfo, error) {
	var info NodeInfo
	err := c.call(ctx, addr, transport.MsgRequestJoin, JoinTarget{Target: target}, &info)
	return info, err
}

// Leave asks the node at addr to leave its cluster
func (c *Client) Leave(ctx context.Context, addr string) error {
	return c.call(ctx, addr, transport.MsgRequestLeave, nil, nil)
}

// Info fetches the node description of addr
func (c *Client) Info(ctx context.Context, addr string) (NodeInfo, error) {
	var info NodeInfo
	err := c.call(ctx, addr, transport.MsgFetchNodeInfo, nil, &info)
	return info, err
}

// Consensus fetches the consensus state of addr
func (c *Client) Consensus(ctx context.Context, addr string) (ConsensusState, error) {
	var cs ConsensusState
	err := c.call(ctx, addr, transport.MsgFetchConsensus, nil, &cs)
	return cs, err
}

// FetchNodeInfo asks another node to describe itself
func (n *Node) FetchNodeInfo(ctx context.Context, addr string) (NodeInfo, error) {
	return NewClient(n.caller, n.SelfID(), n.cfg.RPCTimeout).Info(ctx, addr)
}

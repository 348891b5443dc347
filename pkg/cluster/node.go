package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/filelog"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/pubsub"
	"github.com/dd0wney/cluso-ha/pkg/replication"
	"github.com/dd0wney/cluso-ha/pkg/state"
	"github.com/dd0wney/cluso-ha/pkg/transport"
)

// Options carries the collaborators of a Node
type Options struct {
	Caller      transport.Caller
	Store       state.Store
	Files       *filelog.FileLog
	Replication replication.Config
	Clock       clock.Clock
	Logger      logging.Logger
	Metrics     *metrics.Registry
	Events      *pubsub.PubSub
	// Random returns values in [0, 1); used for election jitter
	Random func() float64
}

// Node is one member of the cluster: membership, consensus, failure
// detection and the replicated log of a single process.
type Node struct {
	cfg     Config
	caller  transport.Caller
	store   state.Store
	clock   clock.Clock
	logger  logging.Logger
	metrics *metrics.Registry
	events  *pubsub.PubSub

	registry *MembershipRegistry
	engine   *ConsensusEngine
	monitor  *HeartbeatMonitor
	log      *replication.Log

	// ctx bounds background routines; cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	self      NodeDescriptor
	inCluster bool

	// opMu serializes create, join, leave and boot recovery
	opMu      sync.Mutex
	persistMu sync.Mutex
}

// NewNode creates a node and restores any persisted state. Nothing runs
// until the node creates or joins a cluster, or a RecoveryCoordinator
// resumes it.
func NewNode(cfg Config, opts Options) (*Node, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Caller == nil {
		return nil, fmt.Errorf("cluster: caller is required")
	}
	if opts.Files == nil {
		return nil, fmt.Errorf("cluster: file log is required")
	}
	if opts.Store == nil {
		opts.Store = state.NewMemoryStore()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.DefaultRegistry()
	}
	if opts.Events == nil {
		opts.Events = pubsub.NewPubSub()
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:      cfg,
		caller:   opts.Caller,
		store:    opts.Store,
		clock:    opts.Clock,
		logger:   opts.Logger.With(logging.Component("node")),
		metrics:  opts.Metrics,
		events:   opts.Events,
		registry: NewMembershipRegistry(opts.Metrics),
		ctx:      ctx,
		cancel:   cancel,
		self: NodeDescriptor{
			ID:          cfg.NodeID,
			Address:     cfg.Address,
			ControlPort: cfg.ControlPort,
			DataPort:    cfg.DataPort,
			AppPort:     cfg.AppPort,
			Alive:       true,
		},
	}
	if n.self.ID == "" {
		n.self.ID = uuid.NewString()
	}

	n.engine = NewConsensusEngine(cfg, n, opts.Caller, opts.Clock, opts.Logger, opts.Metrics)
	n.monitor = NewHeartbeatMonitor(ctx, cfg, n, opts.Caller, opts.Clock, opts.Logger, opts.Metrics)
	if opts.Random != nil {
		n.engine.random = opts.Random
		n.monitor.random = opts.Random
	}

	log, err := replication.New(opts.Replication, opts.Files, replication.Options{
		Caller:  opts.Caller,
		Cluster: n,
		Clock:   opts.Clock,
		Logger:  opts.Logger,
		Metrics: opts.Metrics,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	n.log = log

	n.engine.hooks = engineHooks{
		onRoleChange:  n.onRoleChange,
		onVoteGranted: n.monitor.ResetElectionTimer,
		persist:       n.persist,
	}
	n.monitor.hooks = monitorHooks{
		term:            n.engine.Term,
		onFlip:          func() { n.PropagateView(n.ctx) },
		onHigherTerm:    n.engine.StepDown,
		onPrimarySilent: n.markPrimaryDead,
		onElection:      func() { n.engine.StartElection(n.ctx) },
	}

	if err := n.restore(); err != nil {
		cancel()
		return nil, err
	}
	return n, nil
}

// restore loads the persisted snapshot, if any
func (n *Node) restore() error {
	snap, ok, err := n.store.Load()
	if err != nil {
		return fmt.Errorf("failed to load node state: %w", err)
	}
	if !ok {
		return nil
	}

	n.mu.Lock()
	if snap.NodeID != "" {
		n.self.ID = snap.NodeID
	}
	n.inCluster = snap.InCluster
	n.mu.Unlock()

	view := viewFromMembers(snap.Members)
	if i := view.Find(n.SelfID()); i >= 0 {
		n.mu.Lock()
		n.self.IsPrimary = view[i].IsPrimary
		n.self.Term = view[i].Term
		n.mu.Unlock()
	}
	n.registry.Replace(view)
	n.engine.Restore(ConsensusState{Term: snap.Term, VotedFor: snap.VotedFor})

	n.logger.Info("restored node state",
		logging.NodeID(n.SelfID()),
		logging.Bool("in_cluster", snap.InCluster),
		logging.Term(snap.Term),
		logging.Count(len(view)),
		logging.Order(n.log.Counter()))
	return nil
}

// persist writes the current snapshot; failures are logged
func (n *Node) persist() {
	n.persistMu.Lock()
	defer n.persistMu.Unlock()

	self := n.Self()
	cs := n.engine.State()
	snap := state.Snapshot{
		NodeID:      self.ID,
		Address:     self.Address,
		ControlPort: self.ControlPort,
		DataPort:    self.DataPort,
		AppPort:     self.AppPort,
		InCluster:   n.InCluster(),
		Members:     membersFromView(n.registry.Snapshot()),
		Term:        cs.Term,
		VotedFor:    cs.VotedFor,
		Role:        cs.Role.String(),
		Order:       n.log.Counter(),
	}
	if err := n.store.Save(snap); err != nil {
		n.logger.Error("failed to persist node state", logging.Error(err))
	}
}

func membersFromView(view ClusterView) []state.Member {
	members := make([]state.Member, 0, len(view))
	for _, d := range view {
		members = append(members, state.Member(d))
	}
	return members
}

func viewFromMembers(members []state.Member) ClusterView {
	view := make(ClusterView, 0, len(members))
	for _, m := range members {
		view = append(view, NodeDescriptor(m))
	}
	return view
}

// Close stops every routine. The store and file log stay open.
func (n *Node) Close() error {
	n.engine.Stop()
	n.monitor.Stop()
	err := n.log.Close()
	n.cancel()
	return err
}

// SelfID returns this node's identity
func (n *Node) SelfID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.self.ID
}

// Self returns this node's descriptor
func (n *Node) Self() NodeDescriptor {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.self
}

// InCluster reports whether the node is a cluster member
func (n *Node) InCluster() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.inCluster
}

// View returns the local copy of the cluster view
func (n *Node) View() ClusterView {
	return n.registry.Snapshot()
}

// Consensus returns the consensus state
func (n *Node) Consensus() ConsensusState {
	return n.engine.State()
}

// IsPrimary reports whether this node leads
func (n *Node) IsPrimary() bool {
	return n.InCluster() && n.engine.IsLeader()
}

// Registry returns the membership registry
func (n *Node) Registry() *MembershipRegistry { return n.registry }

// Engine returns the consensus engine
func (n *Node) Engine() *ConsensusEngine { return n.engine }

// Monitor returns the heartbeat monitor
func (n *Node) Monitor() *HeartbeatMonitor { return n.monitor }

// Log returns the replicated change log
func (n *Node) Log() *replication.Log { return n.log }

// Events returns the node's event bus
func (n *Node) Events() *pubsub.PubSub { return n.events }

// Info describes the node
func (n *Node) Info() NodeInfo {
	view := n.registry.Snapshot()
	primary, _ := view.Primary()
	return NodeInfo{
		Self:        n.Self(),
		View:        view,
		Primary:     primary.ID,
		Consensus:   n.engine.State(),
		InCluster:   n.InCluster(),
		Order:       n.log.Counter(),
		Replication: n.log.Status(),
	}
}

// ReplicaAddrs returns the control endpoints of every other member
func (n *Node) ReplicaAddrs() []string {
	peers := n.registry.Peers(n.SelfID())
	addrs := make([]string, 0, len(peers))
	for _, p := range peers {
		addrs = append(addrs, p.ControlAddr())
	}
	return addrs
}

// PrimaryAddr returns the primary's control endpoint unless this node is it
func (n *Node) PrimaryAddr() (string, bool) {
	primary, ok := n.registry.Primary()
	if !ok || primary.ID == n.SelfID() {
		return "", false
	}
	return primary.ControlAddr(), true
}

func (n *Node) electionPeers() []NodeDescriptor {
	return n.registry.AlivePeers(n.SelfID())
}

func (n *Node) heartbeatPeers() []NodeDescriptor {
	return n.registry.Peers(n.SelfID())
}

func (n *Node) setPeerAlive(id string, alive bool) bool {
	if id == "" {
		return false
	}
	return n.registry.SetAlive(id, alive)
}

// markPrimaryDead runs when the election timer expires
func (n *Node) markPrimaryDead() {
	primary, ok := n.registry.Primary()
	if !ok || primary.ID == n.SelfID() {
		return
	}
	if n.registry.SetAlive(primary.ID, false) {
		n.metrics.PeerStateFlipsTotal.WithLabelValues("dead").Inc()
		n.logger.Warn("primary marked dead", logging.NodeID(primary.ID))
		n.persist()
	}
}

// onRoleChange reacts to transitions the engine made on its own
func (n *Node) onRoleChange(from, to Role, term uint64) {
	n.logger.Info("role changed",
		logging.String("from", from.String()),
		logging.Role(to.String()),
		logging.Term(term))

	switch to {
	case RoleLeader:
		if err := n.AssumeLeadership(n.ctx); err != nil {
			n.logger.Error("failed to assume leadership", logging.Error(err))
		}
	case RoleFollower:
		n.resumeFollower()
	default:
		n.publishRole()
	}
}

// startPrimary runs the primary's routines
func (n *Node) startPrimary() {
	n.monitor.BecomeLeader()
	if err := n.log.StartProducing(n.ctx); err != nil {
		n.logger.Error("failed to start watcher", logging.Error(err))
	}
	n.publishRole()
}

// resumeFollower runs the follower's routines
func (n *Node) resumeFollower() {
	n.log.StopProducing()
	n.monitor.BecomeFollower()
	n.publishRole()
}

func (n *Node) stopRoutines() {
	n.monitor.Stop()
	n.log.StopProducing()
}

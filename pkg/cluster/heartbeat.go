package cluster

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/transport"
)

type monitorMode int

const (
	monitorStopped monitorMode = iota
	monitorLeader
	monitorFollower
)

// probeTargets is the membership the monitor probes and flips
type probeTargets interface {
	SelfID() string
	// heartbeatPeers returns every member except self
	heartbeatPeers() []NodeDescriptor
	// setPeerAlive reports whether the flag flipped
	setPeerAlive(id string, alive bool) bool
}

type monitorHooks struct {
	term            func() uint64
	onFlip          func()
	onHigherTerm    func(term uint64)
	onPrimarySilent func()
	onElection      func()
}

// HeartbeatMonitor probes followers while leading and watches for a
// silent primary while following. Every role change cancels and re-arms
// its timers.
type HeartbeatMonitor struct {
	cfg     Config
	peers   probeTargets
	caller  transport.Caller
	clock   clock.Clock
	logger  logging.Logger
	metrics *metrics.Registry
	random  func() float64
	hooks   monitorHooks
	ctx     context.Context

	mu       sync.Mutex
	mode     monitorMode
	beat     *clock.Task
	election *clock.Task
	desync   *clock.Task
}

// NewHeartbeatMonitor creates a stopped monitor; ctx bounds every probe
func NewHeartbeatMonitor(ctx context.Context, cfg Config, peers probeTargets, caller transport.Caller, c clock.Clock, logger logging.Logger, reg *metrics.Registry) *HeartbeatMonitor {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if reg == nil {
		reg = metrics.DefaultRegistry()
	}
	return &HeartbeatMonitor{
		cfg:     cfg,
		peers:   peers,
		caller:  caller,
		clock:   c,
		logger:  logger.With(logging.Component("heartbeat")),
		metrics: reg,
		random:  rand.Float64,
		ctx:     ctx,
	}
}

// BecomeLeader starts probing every HeartbeatInterval
func (m *HeartbeatMonitor) BecomeLeader() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelLocked()
	m.mode = monitorLeader
	m.beat = clock.Every(m.clock, m.cfg.HeartbeatInterval, m.probe)
}

// BecomeFollower arms the election timer
func (m *HeartbeatMonitor) BecomeFollower() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelLocked()
	m.mode = monitorFollower
	m.election = clock.After(m.clock, m.cfg.ElectionTimeout, m.expire)
}

// ResetElectionTimer re-arms the election timer after an accepted
// heartbeat or a granted vote. It does nothing unless following.
func (m *HeartbeatMonitor) ResetElectionTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mode != monitorFollower {
		return
	}
	m.election.Cancel()
	m.desync.Cancel()
	m.desync = nil
	m.election = clock.After(m.clock, m.cfg.ElectionTimeout, m.expire)
}

// Stop cancels every timer
func (m *HeartbeatMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelLocked()
	m.mode = monitorStopped
}

// ElectionArmed reports whether the follower election timer is pending
func (m *HeartbeatMonitor) ElectionArmed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.election.Active()
}

// Probing reports whether leader probes are scheduled
func (m *HeartbeatMonitor) Probing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.beat.Active()
}

func (m *HeartbeatMonitor) cancelLocked() {
	m.beat.Cancel()
	m.election.Cancel()
	m.desync.Cancel()
	m.beat, m.election, m.desync = nil, nil, nil
}

func (m *HeartbeatMonitor) inMode(mode monitorMode) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.mode == mode
}

// probe sends one heartbeat to every other member and flips liveness
// from the outcomes
func (m *HeartbeatMonitor) probe() {
	if !m.inMode(monitorLeader) {
		return
	}
	peers := m.peers.heartbeatPeers()
	if len(peers) == 0 {
		return
	}

	self := m.peers.SelfID()
	term := m.hooks.term()
	msg, err := transport.NewMessage(transport.MsgHeartbeat, self, Heartbeat{Term: term, LeaderID: self})
	if err != nil {
		m.logger.Error("failed to encode heartbeat", logging.Error(err))
		return
	}

	ids := make(map[string]string, len(peers))
	targets := make([]string, 0, len(peers))
	for _, p := range peers {
		addr := p.ControlAddr()
		ids[addr] = p.ID
		targets = append(targets, addr)
	}

	flipped := false
	var higher uint64
	for r := range transport.Fanout(m.ctx, m.caller, targets, msg, m.cfg.HeartbeatTimeout) {
		id := ids[r.Addr]

		var resp HeartbeatResponse
		if r.Err == nil {
			r.Err = r.Reply.Decode(&resp)
		}
		if r.Err != nil {
			m.metrics.HeartbeatsTotal.WithLabelValues("sent", "failed").Inc()
			if m.peers.setPeerAlive(id, false) {
				flipped = true
				m.metrics.PeerStateFlipsTotal.WithLabelValues("dead").Inc()
				m.logger.Warn("peer marked dead", logging.Peer(r.Addr), logging.Error(r.Err))
			}
			continue
		}

		m.metrics.HeartbeatsTotal.WithLabelValues("sent", "ok").Inc()
		if !resp.Accepted && resp.Term > term && resp.Term > higher {
			higher = resp.Term
		}
		if m.peers.setPeerAlive(id, true) {
			flipped = true
			m.metrics.PeerStateFlipsTotal.WithLabelValues("alive").Inc()
			m.logger.Info("peer marked alive", logging.Peer(r.Addr))
		}
	}

	if higher > 0 {
		m.logger.Info("peer reported higher term", logging.Term(higher))
		m.hooks.onHigherTerm(higher)
		return
	}
	if flipped {
		m.hooks.onFlip()
	}
}

// expire runs when no heartbeat arrived for ElectionTimeout
func (m *HeartbeatMonitor) expire() {
	if !m.inMode(monitorFollower) {
		return
	}

	m.metrics.ElectionTimeoutTotal.Inc()
	m.logger.Warn("no heartbeat from primary", logging.Duration("timeout", m.cfg.ElectionTimeout))
	m.hooks.onPrimarySilent()

	delay := time.Duration(m.random() * float64(m.cfg.ElectionDesync))

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode != monitorFollower {
		return
	}
	m.desync = clock.After(m.clock, delay, func() {
		if m.inMode(monitorFollower) {
			m.hooks.onElection()
		}
	})
}

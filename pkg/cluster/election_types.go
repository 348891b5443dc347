package cluster

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/metrics"
	"github.com/dd0wney/cluso-ha/pkg/transport"
)

// electorate is the membership an election counts against
type electorate interface {
	SelfID() string
	// electionPeers returns alive members except self
	electionPeers() []NodeDescriptor
}

// engineHooks are invoked without the engine lock held
type engineHooks struct {
	// onRoleChange runs after every role transition the engine makes on
	// its own: winning, stepping down, or yielding to a vote or heartbeat.
	onRoleChange func(from, to Role, term uint64)
	// onVoteGranted runs after a vote is granted
	onVoteGranted func()
	// persist runs after term or vote changes
	persist func()
}

// ConsensusEngine runs Raft-lite elections: votes are granted on term
// alone, a candidate wins with ceil(alive/2) votes counting its own, and
// an election without quorum is retried after a randomized backoff.
//
// Concurrent Safety:
// 1. All state access protected by sync.Mutex
// 2. Vote requests are sent with the lock released
// 3. A round only wins if the term and role it started under still hold
// 4. Hooks run after the lock is released
type ConsensusEngine struct {
	cfg     Config
	members electorate
	caller  transport.Caller
	clock   clock.Clock
	logger  logging.Logger
	metrics *metrics.Registry
	random  func() float64
	hooks   engineHooks

	mu           sync.Mutex
	term         uint64
	votedFor     string
	role         Role
	electing     bool
	electionTerm uint64
	retries      int
	retry        *clock.Task
	stopped      bool
}

// NewConsensusEngine creates an engine in the follower role at term 0
func NewConsensusEngine(cfg Config, members electorate, caller transport.Caller, c clock.Clock, logger logging.Logger, reg *metrics.Registry) *ConsensusEngine {
	if c == nil {
		c = clock.New()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if reg == nil {
		reg = metrics.DefaultRegistry()
	}
	return &ConsensusEngine{
		cfg:     cfg,
		members: members,
		caller:  caller,
		clock:   c,
		logger:  logger.With(logging.Component("consensus")),
		metrics: reg,
		random:  rand.Float64,
		role:    RoleFollower,
	}
}

// Quorum returns the votes needed among alive nodes, self included
func Quorum(alive int) int {
	if alive < 1 {
		alive = 1
	}
	return (alive + 1) / 2
}

// Backoff returns min(limit, base*2^retries*factor); factor is drawn from [0.5, 1.5)
func Backoff(base, limit time.Duration, retries int, factor float64) time.Duration {
	if retries < 0 {
		retries = 0
	}
	d := float64(base) * math.Pow(2, float64(retries)) * factor
	if d >= float64(limit) || math.IsInf(d, 0) {
		return limit
	}
	return time.Duration(d)
}

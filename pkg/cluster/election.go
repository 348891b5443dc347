package cluster

import (
	"context"
	"time"

	"github.com/dd0wney/cluso-ha/pkg/clock"
	"github.com/dd0wney/cluso-ha/pkg/logging"
	"github.com/dd0wney/cluso-ha/pkg/transport"
)

// StartElection runs one election round. It is a no-op for a leader, while
// another round is in flight, or after Stop. It returns once every vote
// request has settled.
func (e *ConsensusEngine) StartElection(ctx context.Context) {
	e.mu.Lock()
	if e.stopped || e.role == RoleLeader || e.electing {
		e.mu.Unlock()
		return
	}
	from := e.role
	e.term++
	e.votedFor = e.members.SelfID()
	e.role = RoleCandidate
	e.electing = true
	e.electionTerm = e.term
	e.retry.Cancel()
	e.retry = nil
	term := e.term
	self := e.votedFor
	e.mu.Unlock()

	started := e.clock.Now()
	e.persist()
	e.metrics.ClusterTerm.Set(float64(term))
	if from != RoleCandidate {
		e.roleChanged(from, RoleCandidate, term)
	}

	peers := e.members.electionPeers()
	required := Quorum(len(peers) + 1)
	votes := 1

	e.logger.Info("starting election",
		logging.Term(term),
		logging.Count(len(peers)),
		logging.Int("required", required))

	var won bool
	if votes >= required {
		won = e.win(term, started)
	} else {
		won = e.requestVotes(ctx, term, self, peers, required)
	}

	if !won {
		e.settle(ctx, term, started)
	}
}

// requestVotes fans the request out and tallies replies as they arrive
func (e *ConsensusEngine) requestVotes(ctx context.Context, term uint64, self string, peers []NodeDescriptor, required int) bool {
	msg, err := transport.NewMessage(transport.MsgVote, self, VoteRequest{CandidateTerm: term, CandidateID: self})
	if err != nil {
		e.logger.Error("failed to encode vote request", logging.Error(err))
		return false
	}

	targets := make([]string, 0, len(peers))
	for _, p := range peers {
		targets = append(targets, p.ControlAddr())
	}

	votes := 1
	won := false
	for r := range transport.Fanout(ctx, e.caller, targets, msg, e.cfg.VoteTimeout) {
		if won {
			// later votes are ignored
			continue
		}
		if r.Err != nil {
			e.logger.Debug("vote request failed", logging.Peer(r.Addr), logging.Error(r.Err))
			continue
		}
		var resp VoteResponse
		if err := r.Reply.Decode(&resp); err != nil {
			e.logger.Warn("bad vote reply", logging.Peer(r.Addr), logging.Error(err))
			continue
		}
		if !resp.Accepted {
			if resp.Term > term {
				e.StepDown(resp.Term)
			}
			continue
		}
		votes++
		e.logger.Debug("received vote",
			logging.Peer(r.Addr),
			logging.Int("votes", votes),
			logging.Int("required", required))
		if votes >= required {
			won = e.win(term, e.clock.Now())
		}
	}
	return won
}

// win makes the engine leader if the round for term is still current
func (e *ConsensusEngine) win(term uint64, started time.Time) bool {
	e.mu.Lock()
	if e.role != RoleCandidate || e.term != term || !e.electing {
		e.mu.Unlock()
		return false
	}
	e.role = RoleLeader
	e.electing = false
	e.retries = 0
	e.mu.Unlock()

	e.metrics.RecordElection("won", e.clock.Now().Sub(started))
	e.logger.Info("won election", logging.Term(term))
	e.persist()
	e.roleChanged(RoleCandidate, RoleLeader, term)
	return true
}

// settle schedules a retry when the round for term ended without a leader
func (e *ConsensusEngine) settle(ctx context.Context, term uint64, started time.Time) {
	e.mu.Lock()
	if !e.electing || e.electionTerm != term {
		// a heartbeat or a higher term already ended the round
		e.mu.Unlock()
		return
	}
	e.electing = false
	if e.role != RoleCandidate || e.stopped {
		e.mu.Unlock()
		return
	}
	delay := Backoff(e.cfg.ElectionBackoffBase, e.cfg.ElectionBackoffCap, e.retries, 0.5+e.random())
	e.retries++
	retries := e.retries
	e.retry = clock.After(e.clock, delay, func() { e.StartElection(ctx) })
	e.mu.Unlock()

	e.metrics.RecordElection("lost", e.clock.Now().Sub(started))
	e.logger.Info("election without quorum, retrying",
		logging.Term(term),
		logging.Int("retries", retries),
		logging.Duration("backoff", delay))
}

// StepDown adopts a higher term as follower
func (e *ConsensusEngine) StepDown(term uint64) {
	e.mu.Lock()
	if term <= e.term {
		e.mu.Unlock()
		return
	}
	from := e.role
	e.term = term
	e.votedFor = ""
	e.role = RoleFollower
	e.settleLocked()
	e.mu.Unlock()

	e.logger.Info("stepping down for higher term", logging.Term(term), logging.Role(from.String()))
	if from == RoleCandidate {
		e.metrics.ClusterElectionsTotal.WithLabelValues("stepped_down").Inc()
	}
	e.metrics.ClusterTerm.Set(float64(term))
	e.persist()
	if from != RoleFollower {
		e.roleChanged(from, RoleFollower, term)
	}
}

// settleLocked ends any round and pending retry. Caller holds mu.
func (e *ConsensusEngine) settleLocked() {
	e.electing = false
	e.retries = 0
	e.retry.Cancel()
	e.retry = nil
}

func (e *ConsensusEngine) roleChanged(from, to Role, term uint64) {
	e.metrics.SetClusterRole(to.String())
	if e.hooks.onRoleChange != nil {
		e.hooks.onRoleChange(from, to, term)
	}
}

func (e *ConsensusEngine) persist() {
	if e.hooks.persist != nil {
		e.hooks.persist()
	}
}

// BecomeLeader makes this node leader without an election; used when a
// node creates a cluster or resumes as primary at boot.
func (e *ConsensusEngine) BecomeLeader() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.role = RoleLeader
	e.settleLocked()
	e.metrics.SetClusterRole(RoleLeader.String())
	return e.term
}

// Follow adopts term as follower, cancelling any election. A lower term
// is rejected with ErrStaleTerm.
func (e *ConsensusEngine) Follow(term uint64) (Role, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if term < e.term {
		return e.role, ErrStaleTerm
	}
	from := e.role
	if term > e.term {
		e.term = term
		e.votedFor = ""
	}
	e.role = RoleFollower
	e.settleLocked()
	e.metrics.SetClusterRole(RoleFollower.String())
	e.metrics.ClusterTerm.Set(float64(e.term))
	return from, nil
}

// Restore loads persisted state. The role always restarts as follower.
func (e *ConsensusEngine) Restore(s ConsensusState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.term = s.Term
	e.votedFor = s.VotedFor
	e.role = RoleFollower
	e.settleLocked()
	e.metrics.ClusterTerm.Set(float64(e.term))
}

// Reset returns to follower at term 0 with no vote
func (e *ConsensusEngine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.term = 0
	e.votedFor = ""
	e.role = RoleFollower
	e.settleLocked()
	e.metrics.ClusterTerm.Set(0)
	e.metrics.SetClusterRole(RoleFollower.String())
}

// Stop cancels any pending retry and refuses new elections
func (e *ConsensusEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopped = true
	e.settleLocked()
}

// State returns the current consensus state
func (e *ConsensusEngine) State() ConsensusState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return ConsensusState{Term: e.term, VotedFor: e.votedFor, Role: e.role}
}

// Term returns the current term
func (e *ConsensusEngine) Term() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.term
}

// Role returns the current role
func (e *ConsensusEngine) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.role
}

// IsLeader returns true if this node is the leader
func (e *ConsensusEngine) IsLeader() bool {
	return e.Role() == RoleLeader
}

// Electing reports whether a round is in flight
func (e *ConsensusEngine) Electing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.electing
}

// RetryPending reports whether a retry is scheduled
func (e *ConsensusEngine) RetryPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.retry.Active()
}

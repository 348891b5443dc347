package cluster

import (
	"github.com/dd0wney/cluso-ha/pkg/logging"
)

// OnVoteRequest grants the vote iff the candidate's term is higher than
// ours. Granting adopts that term as follower and records the vote, so at
// most one vote is cast per term. Log completeness is not compared.
func (e *ConsensusEngine) OnVoteRequest(req VoteRequest) VoteResponse {
	e.mu.Lock()
	if req.CandidateTerm <= e.term {
		resp := VoteResponse{Accepted: false, Term: e.term, VotedFor: e.votedFor}
		e.mu.Unlock()

		e.metrics.ClusterVotesTotal.WithLabelValues("rejected").Inc()
		e.logger.Debug("rejected vote",
			logging.String("candidate", req.CandidateID),
			logging.Term(req.CandidateTerm),
			logging.Uint64("current_term", resp.Term))
		return resp
	}

	from := e.role
	e.term = req.CandidateTerm
	e.votedFor = req.CandidateID
	e.role = RoleFollower
	e.settleLocked()
	term := e.term
	e.mu.Unlock()

	e.metrics.ClusterVotesTotal.WithLabelValues("granted").Inc()
	e.metrics.ClusterTerm.Set(float64(term))
	e.logger.Info("granted vote",
		logging.String("candidate", req.CandidateID),
		logging.Term(term))

	e.persist()
	if from != RoleFollower {
		if from == RoleCandidate {
			e.metrics.ClusterElectionsTotal.WithLabelValues("stepped_down").Inc()
		}
		e.roleChanged(from, RoleFollower, term)
	}
	if e.hooks.onVoteGranted != nil {
		e.hooks.onVoteGranted()
	}

	return VoteResponse{Accepted: true, Term: term, VotedFor: req.CandidateID}
}

// OnHeartbeat accepts a heartbeat whose term is at least ours. A leader
// meeting another leader at its own term yields only when that leader's ID
// sorts lower, so two partitions that elected at the same term converge on
// one primary. Accepting makes this node a follower at that term and ends
// any candidacy and pending retry.
func (e *ConsensusEngine) OnHeartbeat(leaderTerm uint64, leaderID string) bool {
	e.mu.Lock()
	if leaderTerm < e.term || (e.role == RoleLeader && leaderTerm == e.term && !e.yieldsTo(leaderID)) {
		e.mu.Unlock()
		return false
	}

	from := e.role
	advanced := leaderTerm > e.term
	e.term = leaderTerm
	if advanced {
		e.votedFor = ""
	}
	e.role = RoleFollower
	e.settleLocked()
	e.mu.Unlock()

	if advanced {
		e.metrics.ClusterTerm.Set(float64(leaderTerm))
	}
	if advanced || from != RoleFollower {
		e.persist()
	}
	if from != RoleFollower {
		e.logger.Info("yielding to leader heartbeat",
			logging.Term(leaderTerm),
			logging.Role(from.String()))
		if from == RoleCandidate {
			e.metrics.ClusterElectionsTotal.WithLabelValues("stepped_down").Inc()
		}
		e.roleChanged(from, RoleFollower, leaderTerm)
	}
	return true
}

// YieldsTo reports whether this node, leading at term, gives way to
// another leader claiming the same term
func (e *ConsensusEngine) YieldsTo(term uint64, leaderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.role == RoleLeader && term == e.term && e.yieldsTo(leaderID)
}

func (e *ConsensusEngine) yieldsTo(leaderID string) bool {
	self := e.members.SelfID()
	return leaderID != "" && leaderID != self && leaderID < self
}

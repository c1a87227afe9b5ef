package consensus

import "go.uber.org/zap"

// lastCommittableLocked returns the term and index of the highest
// committable entry in the log, used both for election up-to-dateness
// comparisons and for the leader's termOfIdx/idx advertisement.
func (n *Node) lastCommittableLocked() (Term, uint64) {
	_, last := n.log.Last()
	for i := last; i > 0; i-- {
		e, ok := n.log.Get(i)
		if !ok {
			break
		}
		if e.Committable {
			return Term(e.Term), e.Index
		}
	}
	return 0, 0
}

func (n *Node) stepDownLocked(term Term) {
	if term > n.currentTerm {
		n.currentTerm = term
		n.votedFor = ""
		n.persistDurable()
		n.adapter.InitialiseTerm(n.currentTerm)
	}
	if n.role == RoleLeader {
		n.logger.Info("stepping down", zap.Uint64("term", uint64(term)))
	}
	n.role = RoleFollower
	n.leaderID = ""
	n.votesGranted = make(map[NodeID]bool)
	n.electionRemaining = n.randomElectionTimeout()
}

func (n *Node) becomeCandidateLocked() {
	if n.role == RoleRetired || n.membership.retirementOf(n.id) != RetirementActive {
		return
	}
	n.currentTerm++
	n.votedFor = n.id
	n.role = RoleCandidate
	n.leaderID = ""
	n.persistDurable()
	n.adapter.InitialiseTerm(n.currentTerm)
	n.electionRemaining = n.randomElectionTimeout()
	n.votesGranted = map[NodeID]bool{n.id: true}

	n.record(func(r Recorder) { r.ElectionStarted(); r.SetTerm(uint64(n.currentTerm)) })
	n.logger.Info("starting election", zap.Uint64("term", uint64(n.currentTerm)))

	lastTerm, lastIdx := n.lastCommittableLocked()
	msg := Encode(Message{Type: MsgRequestVote, RequestVote: &RequestVoteMsg{
		Term:                       n.currentTerm,
		LastCommittableIndex:       lastIdx,
		TermOfLastCommittableIndex: lastTerm,
	}})

	for _, id := range n.membership.active.IDs() {
		if id == n.id {
			continue
		}
		if err := n.transport.Send(id, msg); err != nil {
			n.logger.Debug("send RequestVote failed", zap.String("to", string(id)), zap.Error(err))
		}
	}

	if n.membership.active.QuorumSize() <= len(n.votesGranted) {
		n.becomeLeaderLocked()
	}
}

func (n *Node) becomeLeaderLocked() {
	n.role = RoleLeader
	n.leaderID = n.id
	n.adapter.InitialiseTerm(n.currentTerm)
	_, last := n.log.Last()
	for id := range n.membership.active.Members {
		if id == n.id {
			continue
		}
		n.peers[id] = &PeerProgress{NextIndex: last + 1}
	}
	n.record(func(r Recorder) { r.LeaderChanged() })
	n.logger.Info("became leader", zap.Uint64("term", uint64(n.currentTerm)))

	if _, err := n.replicateLocked(n.currentTerm, [][]byte{nil}, true, KindRaw); err != nil {
		n.logger.Warn("leader no-op append failed", zap.Error(err))
	}
	n.heartbeatRemaining = n.opts.HeartbeatInterval
}

func (n *Node) handleRequestVoteLocked(from NodeID, msg *RequestVoteMsg) {
	if msg.Term < n.currentTerm {
		n.sendLocked(from, Message{Type: MsgRequestVoteResponse, RequestVoteResp: &RequestVoteResponseMsg{
			Term: n.currentTerm, Granted: false,
		}})
		return
	}
	if msg.Term > n.currentTerm {
		n.stepDownLocked(msg.Term)
	}

	ownTerm, ownIdx := n.lastCommittableLocked()
	candidateUpToDate := msg.TermOfLastCommittableIndex > ownTerm ||
		(msg.TermOfLastCommittableIndex == ownTerm && msg.LastCommittableIndex >= ownIdx)

	grant := (n.votedFor == "" || n.votedFor == from) &&
		candidateUpToDate &&
		n.membership.retirementOf(n.id) == RetirementActive

	if grant {
		n.votedFor = from
		n.persistDurable()
		n.electionRemaining = n.randomElectionTimeout()
		n.record(func(r Recorder) { r.VoteGranted() })
	}

	n.sendLocked(from, Message{Type: MsgRequestVoteResponse, RequestVoteResp: &RequestVoteResponseMsg{
		Term: n.currentTerm, Granted: grant,
	}})
}

func (n *Node) handleRequestVoteResponseLocked(from NodeID, msg *RequestVoteResponseMsg) {
	if msg.Term > n.currentTerm {
		n.stepDownLocked(msg.Term)
		return
	}
	if n.role != RoleCandidate || msg.Term != n.currentTerm {
		return
	}
	if !msg.Granted {
		return
	}
	n.votesGranted[from] = true
	if len(n.votesGranted) >= n.membership.active.QuorumSize() {
		n.becomeLeaderLocked()
	}
}

// RequestLeadershipTransfer asks the current known leader to step down once
// this node is caught up, for planned maintenance/drain scenarios. It is a
// deliberate, operator-triggered use of ProposeRequestVote, not something
// the election timeout path invokes automatically.
func (n *Node) RequestLeadershipTransfer() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role == RoleLeader {
		return nil
	}
	if n.leaderID == "" {
		return ErrNotReady
	}
	n.sendLocked(n.leaderID, Message{Type: MsgProposeRequestVote, ProposeRequestVote: &ProposeRequestVoteMsg{
		Term: n.currentTerm,
	}})
	return nil
}

func (n *Node) handleProposeRequestVoteLocked(from NodeID, msg *ProposeRequestVoteMsg) {
	if n.role != RoleLeader || msg.Term < n.currentTerm {
		return
	}
	p, ok := n.peers[from]
	if !ok || p.MatchIndex < n.commitIndex {
		return
	}
	n.logger.Info("stepping down for leadership transfer", zap.String("to", string(from)))
	n.stepDownLocked(n.currentTerm)
}

func (n *Node) sendLocked(to NodeID, msg Message) {
	if err := n.transport.Send(to, Encode(msg)); err != nil {
		n.logger.Debug("send failed", zap.String("to", string(to)), zap.Error(err))
	}
}

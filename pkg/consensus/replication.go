package consensus

import (
	"fmt"

	"github.com/concordkv/replicated-ledger/pkg/ledger"
	"go.uber.org/zap"
)

func (n *Node) broadcastAppendEntriesLocked() {
	for id := range n.peers {
		n.sendAppendEntriesToPeerLocked(id)
	}
}

func (n *Node) sendAppendEntriesToPeerLocked(id NodeID) {
	p, ok := n.peers[id]
	if !ok {
		return
	}

	_, last := n.log.Last()
	next := p.NextIndex
	if next == 0 {
		next = 1
	}

	hi := last
	if hi >= next && n.opts.BatchSize > 0 && hi-next+1 > uint64(n.opts.BatchSize) {
		hi = next + uint64(n.opts.BatchSize) - 1
	}
	entries, _ := n.log.Range(next, hi)

	prevIndex := next - 1
	prevTerm := n.log.TermAt(prevIndex)

	termOfIdx, idx := n.lastCommittableLocked()

	n.sendLocked(id, Message{Type: MsgAppendEntries, AppendEntries: &AppendEntriesMsg{
		Term:         n.currentTerm,
		LeaderID:     n.id,
		PrevIndex:    prevIndex,
		PrevTerm:     Term(prevTerm),
		LeaderCommit: n.commitIndex,
		TermOfIdx:    termOfIdx,
		Idx:          idx,
		Entries:      entries,
	}})
	n.record(func(r Recorder) { r.AppendEntriesSent() })
}

func (n *Node) handleAppendEntriesLocked(from NodeID, msg *AppendEntriesMsg) {
	if msg.Term < n.currentTerm {
		n.sendLocked(from, Message{Type: MsgAppendEntriesResponse, AppendEntriesResp: &AppendEntriesResponseMsg{
			Term: n.currentTerm, LastLogIndex: 0, Result: AppendResult{Ok: true},
		}})
		return
	}
	if msg.Term > n.currentTerm {
		n.stepDownLocked(msg.Term)
	} else if n.role == RoleCandidate {
		n.stepDownLocked(n.currentTerm)
	}

	n.leaderID = from
	n.electionRemaining = n.randomElectionTimeout()

	if msg.PrevIndex > 0 {
		prevTerm := n.log.TermAt(msg.PrevIndex)
		_, lastIdx := n.log.Last()
		if msg.PrevIndex > lastIdx || prevTerm != uint64(msg.PrevTerm) {
			conflictTerm := Term(prevTerm)
			conflictFirst := n.log.FirstIndexOfTerm(prevTerm, msg.PrevIndex)
			if conflictFirst == 0 {
				conflictFirst = msg.PrevIndex
			}
			n.sendLocked(from, Message{Type: MsgAppendEntriesResponse, AppendEntriesResp: &AppendEntriesResponseMsg{
				Term: n.currentTerm, LastLogIndex: lastIdx,
				Result: AppendResult{Ok: false, ConflictTerm: conflictTerm, ConflictFirstIndex: conflictFirst},
			}})
			return
		}
	}

	for _, e := range msg.Entries {
		existing, ok := n.log.Get(e.Index)
		if ok && existing.Term == e.Term {
			continue
		}
		if ok {
			if err := n.truncateForConflictLocked(e.Index); err != nil {
				n.recordFatal(err)
				return
			}
		}
		idx, err := n.log.Append(e.Term, e.Payload, e.Committable, e.Kind)
		if err != nil {
			n.recordFatal(err)
			return
		}
		n.onEntryAppendedLocked(idx, e)
	}

	_, lastIdx := n.log.Last()
	if msg.LeaderCommit > n.commitIndex {
		n.advanceCommitToLocked(minU64(msg.LeaderCommit, lastIdx))
	}

	n.sendLocked(from, Message{Type: MsgAppendEntriesResponse, AppendEntriesResp: &AppendEntriesResponseMsg{
		Term: n.currentTerm, LastLogIndex: lastIdx, Result: AppendResult{Ok: true},
	}})
}

// truncateForConflictLocked discards the log suffix from fromIndex on to make
// room for a conflicting leader entry. A refusal here means the leader is
// asking to rewrite an entry this node has already committed, which can only
// happen if some prior invariant has already been broken elsewhere in the
// cluster; it is not recoverable by continuing to append at the wrong index.
func (n *Node) truncateForConflictLocked(fromIndex uint64) error {
	if err := n.log.TruncateSuffix(fromIndex); err != nil {
		return fmt.Errorf("%w: refused to truncate suffix from %d: %v", ErrInvariantBreach, fromIndex, err)
	}
	if n.membership.pending != nil && n.membership.pending.Index >= fromIndex {
		n.membership.onTruncatePastReconfiguration(n.membership.active)
	}
	if n.lastApplied >= fromIndex {
		n.adapter.Rollback(n.currentTerm)
		n.lastApplied = fromIndex - 1
	}
	return nil
}

func (n *Node) onEntryAppendedLocked(idx uint64, e ledger.Entry) {
	switch e.Kind {
	case KindReconfiguration:
		members, err := DecodeMembers(e.Payload)
		if err != nil {
			n.logger.Warn("malformed reconfiguration entry", zap.Error(err))
			return
		}
		if err := n.membership.onAppendReconfiguration(idx, members); err != nil {
			n.logger.Warn("reconfiguration rejected", zap.Error(err))
			return
		}
		for id := range members {
			if id == n.id {
				continue
			}
			if _, ok := n.peers[id]; !ok {
				n.peers[id] = &PeerProgress{NextIndex: idx + 1}
			}
		}
	}
}

func (n *Node) handleAppendEntriesResponseLocked(from NodeID, msg *AppendEntriesResponseMsg) {
	if msg.Term > n.currentTerm {
		n.stepDownLocked(msg.Term)
		return
	}
	if n.role != RoleLeader || msg.Term != n.currentTerm {
		return
	}
	p, ok := n.peers[from]
	if !ok {
		return
	}

	if msg.Result.Ok {
		if msg.LastLogIndex > p.MatchIndex {
			p.MatchIndex = msg.LastLogIndex
		}
		p.NextIndex = msg.LastLogIndex + 1
		n.tryAdvanceCommitLocked()
		return
	}

	if msg.Result.ConflictFirstIndex > 0 {
		p.NextIndex = msg.Result.ConflictFirstIndex
	} else if p.NextIndex > 1 {
		p.NextIndex--
	}
	n.sendAppendEntriesToPeerLocked(from)
}

// tryAdvanceCommitLocked implements the leader's commit-advancement rule:
// the highest index N such that a quorum of the configuration governing N
// has matched it, N's term equals the current term, and N does not exceed
// the highest committable index.
func (n *Node) tryAdvanceCommitLocked() {
	if n.role != RoleLeader {
		return
	}
	_, last := n.log.Last()
	_, highestCommittable := n.lastCommittableLocked()
	if highestCommittable == 0 {
		return
	}

	upper := last
	if highestCommittable < upper {
		upper = highestCommittable
	}

	for N := upper; N > n.commitIndex; N-- {
		if n.log.TermAt(N) != uint64(n.currentTerm) {
			continue
		}
		cfg := n.membership.quorumConfigForIndex(N)
		count := 0
		for id := range cfg.Members {
			if id == n.id {
				if last >= N {
					count++
				}
				continue
			}
			if p, ok := n.peers[id]; ok && p.MatchIndex >= N {
				count++
			}
		}
		if count >= cfg.QuorumSize() {
			n.advanceCommitToLocked(N)
			return
		}
	}
}

func (n *Node) advanceCommitToLocked(newCommit uint64) {
	if newCommit <= n.commitIndex {
		return
	}
	prev := n.commitIndex
	n.commitIndex = newCommit
	n.log.SetCommitFloor(newCommit)
	n.record(func(r Recorder) { r.SetCommitIndex(newCommit) })

	entries, _ := n.log.Range(prev+1, newCommit)
	for _, e := range entries {
		switch e.Kind {
		case KindReconfiguration:
			n.membership.onCommitReconfiguration(e.Index)
			if members, err := DecodeMembers(e.Payload); err == nil {
				n.adapter.ConfigurationChange(e.Index, members)
			}
		case KindRetiredCommitted:
			if ids, err := DecodeNodeIDs(e.Payload); err == nil {
				n.membership.onCommitRetiredCommitted(ids)
			}
		}
	}
	if len(entries) > 0 {
		n.adapter.Apply(entries, newCommit)
		n.lastApplied = newCommit
	}

	for idx, chans := range n.barrierWaiters {
		if idx > newCommit {
			continue
		}
		for _, ch := range chans {
			close(ch)
		}
		delete(n.barrierWaiters, idx)
	}
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

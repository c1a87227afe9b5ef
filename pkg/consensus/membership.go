package consensus

import "sort"

// Configuration is an immutable membership set committed (or pending
// commit) at a particular ledger index.
type Configuration struct {
	Index   uint64
	Members map[NodeID]Member
}

func newConfiguration(index uint64, members map[NodeID]Member) Configuration {
	copied := make(map[NodeID]Member, len(members))
	for id, m := range members {
		copied[id] = m
	}
	return Configuration{Index: index, Members: copied}
}

// Size is the number of voting members.
func (c Configuration) Size() int { return len(c.Members) }

// QuorumSize is a strict majority of Size().
func (c Configuration) QuorumSize() int { return c.Size()/2 + 1 }

// Has reports whether id is a member of this configuration.
func (c Configuration) Has(id NodeID) bool {
	_, ok := c.Members[id]
	return ok
}

// IDs returns the member ids in deterministic (sorted) order.
func (c Configuration) IDs() []NodeID {
	ids := make([]NodeID, 0, len(c.Members))
	for id := range c.Members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// membershipTracker owns the active/pending configuration split and the
// per-node retirement lifecycle.
type membershipTracker struct {
	active     Configuration
	pending    *Configuration // nil if no reconfiguration entry is in flight
	retirement map[NodeID]RetirementState
}

func newMembershipTracker() *membershipTracker {
	return &membershipTracker{
		retirement: make(map[NodeID]RetirementState),
	}
}

// bootstrap installs the initial configuration (add_configuration), treating
// it as already active at the given index.
func (m *membershipTracker) bootstrap(at uint64, members map[NodeID]Member) error {
	if len(members) == 0 {
		return ErrEmptyConfig
	}
	m.active = newConfiguration(at, members)
	m.pending = nil
	for id := range members {
		m.retirement[id] = RetirementActive
	}
	return nil
}

// onAppendReconfiguration is called when a Reconfiguration entry is appended
// (by the leader appending it, or a follower accepting it in AppendEntries).
// It installs the entry's target set as the new pending configuration; the
// quorum used for indices beyond r switches to it immediately.
func (m *membershipTracker) onAppendReconfiguration(r uint64, members map[NodeID]Member) error {
	if len(members) == 0 {
		return ErrEmptyConfig
	}
	cfg := newConfiguration(r, members)
	m.pending = &cfg

	for id := range members {
		if _, ok := m.retirement[id]; !ok {
			m.retirement[id] = RetirementActive
		}
	}
	for id := range m.active.Members {
		if _, stillPresent := members[id]; !stillPresent {
			if m.retirement[id] == RetirementActive {
				m.retirement[id] = RetirementPending
			}
		}
	}
	return nil
}

// onCommitReconfiguration is called once the reconfiguration entry at index r
// commits: the pending configuration becomes active.
func (m *membershipTracker) onCommitReconfiguration(r uint64) {
	if m.pending != nil && m.pending.Index == r {
		m.active = *m.pending
		m.pending = nil
	}
}

// onTruncatePastReconfiguration reverts the pending configuration to the one
// active immediately before the truncated reconfiguration entry.
func (m *membershipTracker) onTruncatePastReconfiguration(priorActive Configuration) {
	m.pending = nil
	for id, state := range m.retirement {
		if state == RetirementPending && priorActive.Has(id) {
			m.retirement[id] = RetirementActive
		}
	}
}

// onCommitRetiredCommitted marks every node named in a committed
// RetiredCommitted entry as fully retired.
func (m *membershipTracker) onCommitRetiredCommitted(ids []NodeID) {
	for _, id := range ids {
		if m.retirement[id] == RetirementPending {
			m.retirement[id] = RetirementCommitted
		}
	}
}

// markRemoved transitions a retired-committed node to Removed on local
// shutdown.
func (m *membershipTracker) markRemoved(id NodeID) {
	if m.retirement[id] == RetirementCommitted {
		m.retirement[id] = RetirementRemoved
	}
}

// quorumConfigForIndex returns the configuration whose quorum governs
// index i: the pending configuration if i is beyond its reconfiguration
// index, else the active configuration. This implements "a reconfiguration
// entry at index r only changes the required quorum for indices > r once r
// itself commits" combined with the append-time immediate-pending-quorum
// rule in 4.5 used during replication bookkeeping.
func (m *membershipTracker) quorumConfigForIndex(i uint64) Configuration {
	if m.pending != nil && i > m.pending.Index {
		return *m.pending
	}
	return m.active
}

func (m *membershipTracker) retirementOf(id NodeID) RetirementState {
	if s, ok := m.retirement[id]; ok {
		return s
	}
	return RetirementActive
}

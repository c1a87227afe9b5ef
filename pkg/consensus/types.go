// Package consensus implements the Raft-derived replication engine: leader
// election, log-matched replication, commit advancement, and single-step
// membership reconfiguration over a hash-chained ledger (pkg/ledger).
package consensus

import "github.com/concordkv/replicated-ledger/pkg/ledger"

// NodeID is an opaque, string-equatable peer identifier.
type NodeID string

// Term is a monotonically non-decreasing election epoch.
type Term uint64

// Index is a 1-based position in the ledger.
type Index uint64

// Role is the node's current position in the election state machine.
type Role int

const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
	RoleRetired
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "Follower"
	case RoleCandidate:
		return "Candidate"
	case RoleLeader:
		return "Leader"
	case RoleRetired:
		return "Retired"
	default:
		return "Unknown"
	}
}

// RetirementState tracks a node's position in the membership
// reconfiguration and retirement lifecycle.
type RetirementState int

const (
	RetirementActive RetirementState = iota
	RetirementPending
	RetirementCommitted
	RetirementRemoved
)

func (s RetirementState) String() string {
	switch s {
	case RetirementActive:
		return "Active"
	case RetirementPending:
		return "PendingRetirement"
	case RetirementCommitted:
		return "RetiredCommitted"
	case RetirementRemoved:
		return "Removed"
	default:
		return "Unknown"
	}
}

// Member describes one node's address within a configuration.
type Member struct {
	ID       NodeID
	Hostname string
	Port     int
}

// Kind re-exports ledger.Kind so callers of this package rarely need to
// import pkg/ledger directly for the common case.
type Kind = ledger.Kind

const (
	KindRaw              = ledger.KindRaw
	KindReconfiguration  = ledger.KindReconfiguration
	KindRetiredCommitted = ledger.KindRetiredCommitted
	KindSignature        = ledger.KindSignature
)

// PeerProgress is a leader's view of one follower's replication state.
type PeerProgress struct {
	NextIndex    uint64
	MatchIndex   uint64
	SentIndex    uint64
	Inflight     bool
	LastAckTime  int64 // unix nanos, 0 if never acked
}

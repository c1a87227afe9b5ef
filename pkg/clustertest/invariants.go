package clustertest

import (
	"fmt"

	"github.com/concordkv/replicated-ledger/pkg/consensus"
	"github.com/concordkv/replicated-ledger/pkg/ledger"
)

// Violation describes one property failure found by Checker.Verify.
type Violation struct {
	Property    string
	Description string
}

// Checker accumulates samples across a run and verifies the cluster-wide
// safety properties once the scenario has finished driving the cluster:
// log matching, state-machine safety, election safety, monotonicity, and
// quorum commit.
type Checker struct {
	committedByNode map[consensus.NodeID][]ledger.Entry
	leadersOfTerm   map[consensus.Term]map[consensus.NodeID]bool
	commitHistory   map[consensus.NodeID][]uint64
	members         map[consensus.NodeID]bool
}

// NewChecker constructs an empty Checker.
func NewChecker() *Checker {
	return &Checker{
		committedByNode: make(map[consensus.NodeID][]ledger.Entry),
		leadersOfTerm:   make(map[consensus.Term]map[consensus.NodeID]bool),
		commitHistory:   make(map[consensus.NodeID][]uint64),
		members:         make(map[consensus.NodeID]bool),
	}
}

// Sample records the current committed history, commit index, and (if
// applicable) leader/term of every node in the cluster. Call it repeatedly
// through a scenario; Verify checks everything recorded so far.
func (c *Checker) Sample(cluster *Cluster) {
	for id, n := range cluster.Nodes {
		c.members[id] = true
		c.committedByNode[id] = n.History()
		c.commitHistory[id] = append(c.commitHistory[id], n.CommitIndex())
		if n.IsLeader() {
			term := n.CurrentTerm()
			if c.leadersOfTerm[term] == nil {
				c.leadersOfTerm[term] = make(map[consensus.NodeID]bool)
			}
			c.leadersOfTerm[term][id] = true
		}
	}
}

// Verify checks every recorded sample against log matching, election
// safety, monotonicity, and quorum commit.
func (c *Checker) Verify() []Violation {
	var violations []Violation
	violations = append(violations, c.checkLogMatchingAndStateMachineSafety()...)
	violations = append(violations, c.checkElectionSafety()...)
	violations = append(violations, c.checkMonotonicity()...)
	violations = append(violations, c.checkQuorumCommit()...)
	return violations
}

// checkElectionSafety verifies at most one leader claims any given term.
func (c *Checker) checkElectionSafety() []Violation {
	var violations []Violation
	for term, leaders := range c.leadersOfTerm {
		if len(leaders) > 1 {
			violations = append(violations, Violation{
				Property:    "election-safety",
				Description: fmt.Sprintf("term %d had %d simultaneous leaders", term, len(leaders)),
			})
		}
	}
	return violations
}

// checkLogMatchingAndStateMachineSafety verifies that two logs agreeing on
// an entry at some index agree on every prior index, and that no two nodes
// ever commit different entries at the same index: both reduce to
// comparing, index by index, the digest chain every node observed.
func (c *Checker) checkLogMatchingAndStateMachineSafety() []Violation {
	var violations []Violation
	byIndex := make(map[uint64]map[consensus.NodeID]ledger.Entry)

	for id, entries := range c.committedByNode {
		for _, e := range entries {
			if byIndex[e.Index] == nil {
				byIndex[e.Index] = make(map[consensus.NodeID]ledger.Entry)
			}
			byIndex[e.Index][id] = e
		}
	}

	for index, byNode := range byIndex {
		var ref *ledger.Entry
		for id, e := range byNode {
			if ref == nil {
				cp := e
				ref = &cp
				continue
			}
			if e.Digest != ref.Digest {
				violations = append(violations, Violation{
					Property: "log-matching",
					Description: fmt.Sprintf(
						"index %d: node %s digest %x disagrees with reference digest %x",
						index, id, e.Digest, ref.Digest),
				})
			}
		}
	}
	return violations
}

// checkQuorumCommit verifies that every index any node has claimed as
// committed appears in the latest sampled committed history (Node.History)
// of a strict majority of the cluster's members. A node's own commit_index
// is not trustworthy evidence by itself: a leader can be fooled into
// advancing commit_index by a peer that reports a match_index higher than
// what it has actually durably appended. committedByNode is read from each
// node's own ledger rather than from any peer's claim. Presence is checked
// by index only; digests are not compared, and a member that holds the
// entry but has not yet advanced its own commit index past it is not
// counted.
func (c *Checker) checkQuorumCommit() []Violation {
	var violations []Violation
	if len(c.members) == 0 {
		return violations
	}
	quorum := len(c.members)/2 + 1

	highestClaimed := uint64(0)
	for _, samples := range c.commitHistory {
		for _, idx := range samples {
			if idx > highestClaimed {
				highestClaimed = idx
			}
		}
	}

	for index := uint64(1); index <= highestClaimed; index++ {
		holders := 0
		for id := range c.members {
			for _, e := range c.committedByNode[id] {
				if e.Index == index {
					holders++
					break
				}
			}
		}
		if holders < quorum {
			violations = append(violations, Violation{
				Property: "quorum-commit",
				Description: fmt.Sprintf(
					"index %d was treated as committed but is only durably present on %d/%d nodes (need %d)",
					index, holders, len(c.members), quorum),
			})
		}
	}
	return violations
}

// checkMonotonicity verifies a node's commit index never decreases between
// two samples.
func (c *Checker) checkMonotonicity() []Violation {
	var violations []Violation
	for id, samples := range c.commitHistory {
		for i := 1; i < len(samples); i++ {
			if samples[i] < samples[i-1] {
				violations = append(violations, Violation{
					Property: "monotonicity",
					Description: fmt.Sprintf(
						"node %s commit index regressed from %d to %d", id, samples[i-1], samples[i]),
				})
			}
		}
	}
	return violations
}

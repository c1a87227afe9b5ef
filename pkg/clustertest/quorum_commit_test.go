package clustertest

import (
	"testing"
	"time"

	"github.com/concordkv/replicated-ledger/pkg/consensus"
	"github.com/stretchr/testify/require"
)

// TestQuorumCommitFlagsFalselyReportedMatchIndex exercises the case where a
// peer's reported replication progress does not match what it has actually
// persisted. tryAdvanceCommitLocked trusts a peer's self-reported
// LastLogIndex with no independent verification, so a forged
// AppendEntriesResponse is enough to make a leader believe it has quorum on
// an index that, in truth, only the leader itself holds.
func TestQuorumCommitFlagsFalselyReportedMatchIndex(t *testing.T) {
	c := New([]consensus.NodeID{"A", "B", "C"}, defaultOpts())
	checker := NewChecker()

	c.Settle(30, time.Millisecond)
	leader := c.Leader()
	require.NotNil(t, leader)

	var followers []consensus.NodeID
	for id := range c.Nodes {
		if id != leader.ID() {
			followers = append(followers, id)
		}
	}
	require.Len(t, followers, 2)

	// Isolate both followers before the leader replicates, so the new
	// entry reaches nobody's log but the leader's.
	c.Partition(followers[0])
	c.Partition(followers[1])

	indices, err := leader.Replicate(leader.CurrentTerm(), [][]byte{[]byte("only-the-leader-has-this")})
	require.NoError(t, err)
	newIndex := indices[0]

	c.Tick(time.Millisecond)
	checker.Sample(c)
	require.Less(t, leader.CommitIndex(), newIndex, "entry must not be committed while isolated")

	// Forge a response from one follower claiming it has durably
	// appended past newIndex, as a faulty adapter/transport might.
	lie := consensus.Encode(consensus.Message{
		Type: consensus.MsgAppendEntriesResponse,
		AppendEntriesResp: &consensus.AppendEntriesResponseMsg{
			Term:         leader.CurrentTerm(),
			LastLogIndex: newIndex,
			Result:       consensus.AppendResult{Ok: true},
		},
	})
	require.NoError(t, leader.RecvMessage(followers[0], lie))

	require.GreaterOrEqual(t, leader.CommitIndex(), newIndex,
		"forged match index should have fooled the leader into committing")

	checker.Sample(c)

	violations := checker.Verify()
	require.NotEmpty(t, violations, "quorum-commit check must flag the unsafe commit")
	found := false
	for _, v := range violations {
		if v.Property == "quorum-commit" {
			found = true
		}
	}
	require.True(t, found, "expected a quorum-commit violation, got: %+v", violations)
}

package clustertest

import (
	"testing"
	"time"

	"github.com/concordkv/replicated-ledger/pkg/consensus"
	"github.com/stretchr/testify/require"
)

func defaultOpts() consensus.Options {
	return consensus.Options{
		ElectionTimeoutMin: 10 * time.Millisecond,
		ElectionTimeoutMax: 20 * time.Millisecond,
		HeartbeatInterval:  2 * time.Millisecond,
	}
}

func TestClusterElectsLeaderAndCommitsUnderObservation(t *testing.T) {
	c := New([]consensus.NodeID{"A", "B", "C"}, defaultOpts())
	checker := NewChecker()

	for i := 0; i < 30; i++ {
		c.Tick(time.Millisecond)
		checker.Sample(c)
	}

	leader := c.Leader()
	require.NotNil(t, leader)

	_, err := leader.Replicate(leader.CurrentTerm(), [][]byte{[]byte("v1")})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		c.Tick(time.Millisecond)
		checker.Sample(c)
	}

	require.Empty(t, checker.Verify())
	for _, n := range c.Nodes {
		require.Greater(t, n.CommitIndex(), uint64(0))
	}
}

func TestLeaderCompletenessAcrossElection(t *testing.T) {
	c := New([]consensus.NodeID{"A", "B", "C"}, defaultOpts())
	checker := NewChecker()

	c.Settle(30, time.Millisecond)
	first := c.Leader()
	require.NotNil(t, first)

	indices, err := first.Replicate(first.CurrentTerm(), [][]byte{[]byte("committed-before-failover")})
	require.NoError(t, err)
	c.Settle(10, time.Millisecond)
	checker.Sample(c)

	committedIndex := indices[0]
	require.LessOrEqual(t, committedIndex, first.CommitIndex())

	c.Partition(first.ID())
	c.Settle(40, time.Millisecond)
	checker.Sample(c)

	var second *consensus.Node
	for id, n := range c.Nodes {
		if id != first.ID() && n.IsLeader() {
			second = n
		}
	}
	require.NotNil(t, second, "expected a new leader after partitioning the old one")

	e, ok := second.ViewAt(committedIndex)
	require.True(t, ok, "new leader must retain the previously committed entry (leader completeness)")
	require.Equal(t, []byte("committed-before-failover"), e.Payload)

	require.Empty(t, checker.Verify())
}

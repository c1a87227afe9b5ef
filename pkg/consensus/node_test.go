package consensus

import (
	"testing"
	"time"

	"github.com/concordkv/replicated-ledger/pkg/ledger"
	"github.com/stretchr/testify/require"
)

// hubTransport delivers Send synchronously to the addressed node's
// RecvMessage, unless the link has been partitioned.
type hubTransport struct {
	from       NodeID
	nodes      map[NodeID]*Node
	partitions map[[2]NodeID]bool
}

func (h *hubTransport) Send(to NodeID, payload []byte) error {
	if h.partitions[[2]NodeID{h.from, to}] {
		return nil
	}
	target, ok := h.nodes[to]
	if !ok {
		return nil
	}
	return target.RecvMessage(h.from, payload)
}

type memWAL struct{}

func (memWAL) AppendEntry(ledger.Entry) error     { return nil }
func (memWAL) TruncateSuffix(uint64) error        { return nil }

type memDurable struct {
	term     Term
	votedFor NodeID
}

func (d *memDurable) Save(term Term, votedFor NodeID) error {
	d.term, d.votedFor = term, votedFor
	return nil
}
func (d *memDurable) Load() (Term, NodeID, error) { return d.term, d.votedFor, nil }

type recordingAdapter struct {
	applied []ledger.Entry
	configs []map[NodeID]Member
}

func (a *recordingAdapter) InitialiseTerm(Term) {}
func (a *recordingAdapter) Apply(entries []ledger.Entry, commitIndex uint64) {
	a.applied = append(a.applied, entries...)
}
func (a *recordingAdapter) Compact(uint64)   {}
func (a *recordingAdapter) Rollback(Term)    {}
func (a *recordingAdapter) ConfigurationChange(at uint64, members map[NodeID]Member) {
	a.configs = append(a.configs, members)
}

type testCluster struct {
	nodes    map[NodeID]*Node
	adapters map[NodeID]*recordingAdapter
}

func newTestCluster(t *testing.T, ids ...NodeID) *testCluster {
	t.Helper()
	tc := &testCluster{nodes: map[NodeID]*Node{}, adapters: map[NodeID]*recordingAdapter{}}

	members := make(map[NodeID]Member, len(ids))
	for _, id := range ids {
		members[id] = Member{ID: id}
	}

	hubs := map[NodeID]*hubTransport{}
	for _, id := range ids {
		hubs[id] = &hubTransport{from: id, nodes: tc.nodes, partitions: map[[2]NodeID]bool{}}
	}

	for _, id := range ids {
		adapter := &recordingAdapter{}
		tc.adapters[id] = adapter
		n := NewNode(id, Options{
			Ledger:             ledger.New(memWAL{}),
			Transport:          hubs[id],
			Adapter:            adapter,
			Durable:            &memDurable{},
			ElectionTimeoutMin: 10 * time.Millisecond,
			ElectionTimeoutMax: 20 * time.Millisecond,
			HeartbeatInterval:  2 * time.Millisecond,
		})
		require.NoError(t, n.AddConfiguration(0, members))
		tc.nodes[id] = n
	}
	return tc
}

func (tc *testCluster) tick(d time.Duration) {
	for _, n := range tc.nodes {
		n.Periodic(d)
	}
}

func (tc *testCluster) settle(rounds int, step time.Duration) {
	for i := 0; i < rounds; i++ {
		tc.tick(step)
	}
}

func TestSingleNodeClusterCommitsImmediately(t *testing.T) {
	tc := newTestCluster(t, "A")
	a := tc.nodes["A"]

	a.Periodic(25 * time.Millisecond)
	require.True(t, a.IsLeader())

	term := a.CurrentTerm()
	indices, err := a.Replicate(term, [][]byte{[]byte("x")})
	require.NoError(t, err)
	require.Equal(t, a.CommitIndex(), indices[0])
}

func TestThreeNodeClusterElectsAndReplicates(t *testing.T) {
	tc := newTestCluster(t, "A", "B", "C")

	tc.settle(30, time.Millisecond)

	var leader *Node
	for _, n := range tc.nodes {
		if n.IsLeader() {
			leader = n
		}
	}
	require.NotNil(t, leader, "expected a leader to be elected")

	term := leader.CurrentTerm()
	indices, err := leader.Replicate(term, [][]byte{[]byte("hello")})
	require.NoError(t, err)

	tc.settle(10, time.Millisecond)

	for _, n := range tc.nodes {
		require.GreaterOrEqual(t, n.CommitIndex(), indices[0])
		e, ok := n.ViewAt(indices[0])
		require.True(t, ok)
		require.Equal(t, []byte("hello"), e.Payload)
	}
}

func TestReconfigurationAddsMemberAndAdvancesQuorum(t *testing.T) {
	tc := newTestCluster(t, "A", "B", "C")
	tc.settle(30, time.Millisecond)

	var leader *Node
	for _, n := range tc.nodes {
		if n.IsLeader() {
			leader = n
		}
	}
	require.NotNil(t, leader)

	d := NewNode("D", Options{
		Ledger:             ledger.New(memWAL{}),
		Transport:          &hubTransport{from: "D", nodes: tc.nodes, partitions: map[[2]NodeID]bool{}},
		Adapter:            &recordingAdapter{},
		Durable:            &memDurable{},
		ElectionTimeoutMin: 10 * time.Millisecond,
		ElectionTimeoutMax: 20 * time.Millisecond,
		HeartbeatInterval:  2 * time.Millisecond,
	})
	require.NoError(t, d.AddConfiguration(0, leader.ActiveConfiguration().Members))
	tc.nodes["D"] = d

	newMembers := map[NodeID]Member{"A": {ID: "A"}, "B": {ID: "B"}, "C": {ID: "C"}, "D": {ID: "D"}}
	_, err := leader.ProposeReconfiguration(leader.CurrentTerm(), newMembers)
	require.NoError(t, err)

	tc.settle(20, time.Millisecond)

	require.Equal(t, 4, leader.ActiveConfiguration().Size())
}

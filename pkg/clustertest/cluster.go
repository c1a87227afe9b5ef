// Package clustertest is a deterministic, in-memory harness for driving
// several consensus.Node instances against each other: it ticks every
// node's Periodic on a virtual clock, delivers messages through
// pkg/transport/local, and lets tests assert the cluster-wide safety
// properties: log matching, leader completeness, state-machine safety,
// election safety, monotonicity, and quorum commit.
package clustertest

import (
	"time"

	"github.com/concordkv/replicated-ledger/pkg/consensus"
	"github.com/concordkv/replicated-ledger/pkg/ledger"
	"github.com/concordkv/replicated-ledger/pkg/store"
	"github.com/concordkv/replicated-ledger/pkg/transport/local"
)

// memWAL is a no-op ledger.WriteAheadLog for tests that don't need
// durability across restarts.
type memWAL struct{}

func (memWAL) AppendEntry(ledger.Entry) error { return nil }
func (memWAL) TruncateSuffix(uint64) error    { return nil }

// memDurable is an in-memory consensus.DurableState.
type memDurable struct {
	term     consensus.Term
	votedFor consensus.NodeID
}

func (d *memDurable) Save(term consensus.Term, votedFor consensus.NodeID) error {
	d.term, d.votedFor = term, votedFor
	return nil
}
func (d *memDurable) Load() (consensus.Term, consensus.NodeID, error) {
	return d.term, d.votedFor, nil
}

// Cluster wires N nodes together over a local.Network.
type Cluster struct {
	Network *local.Network
	Nodes   map[consensus.NodeID]*consensus.Node
	KVs     map[consensus.NodeID]*store.KV
}

// New builds a cluster of the given ids, all bootstrapped into a single
// active configuration containing each other.
func New(ids []consensus.NodeID, opts consensus.Options) *Cluster {
	c := &Cluster{
		Network: local.NewNetwork(),
		Nodes:   make(map[consensus.NodeID]*consensus.Node, len(ids)),
		KVs:     make(map[consensus.NodeID]*store.KV, len(ids)),
	}

	members := make(map[consensus.NodeID]consensus.Member, len(ids))
	for _, id := range ids {
		members[id] = consensus.Member{ID: id}
	}

	for _, id := range ids {
		kv := store.NewKV()
		c.KVs[id] = kv

		o := opts
		o.Ledger = ledger.New(memWAL{})
		o.Adapter = kv
		o.Durable = &memDurable{}
		o.Transport = local.NewTransport(id, c.Network)

		n := consensus.NewNode(id, o)
		_ = n.AddConfiguration(0, members)
		c.Nodes[id] = n
		c.Network.Register(id, n)
	}
	return c
}

// Tick advances every node's clock by d.
func (c *Cluster) Tick(d time.Duration) {
	for _, n := range c.Nodes {
		n.Periodic(d)
	}
}

// Settle runs rounds ticks of step each, enough for a stable cluster to
// finish an election and a round of replication.
func (c *Cluster) Settle(rounds int, step time.Duration) {
	for i := 0; i < rounds; i++ {
		c.Tick(step)
	}
}

// Leader returns the current leader, or nil if none has emerged.
func (c *Cluster) Leader() *consensus.Node {
	for _, n := range c.Nodes {
		if n.IsLeader() {
			return n
		}
	}
	return nil
}

// Partition isolates id from the rest of the cluster.
func (c *Cluster) Partition(id consensus.NodeID) { c.Network.Partition(id) }

// Heal reconnects id to the rest of the cluster.
func (c *Cluster) Heal(id consensus.NodeID) { c.Network.Heal(id) }

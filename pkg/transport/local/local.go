// Package local provides an in-memory consensus.Transport for tests and the
// single-process demo: every message is delivered by calling the
// destination Node's RecvMessage directly, optionally delayed and subject
// to partition/heal control.
package local

import (
	"math/rand"
	"sync"
	"time"

	"github.com/concordkv/replicated-ledger/pkg/consensus"
)

// DeliveryRecord logs one Send attempt for tests that want to assert on
// message traffic rather than just final state.
type DeliveryRecord struct {
	From      consensus.NodeID
	To        consensus.NodeID
	Delivered bool
}

// Receiver is the narrow slice of *consensus.Node the network needs to
// deliver a message.
type Receiver interface {
	RecvMessage(from consensus.NodeID, payload []byte) error
}

// Network is a shared in-memory switch. Each node gets its own *Transport
// bound to a Network via NewTransport.
type Network struct {
	mu       sync.RWMutex
	nodes    map[consensus.NodeID]Receiver
	disabled map[consensus.NodeID]map[consensus.NodeID]bool
	latency  time.Duration
	dropRate float64
	rng      *rand.Rand

	historyMu sync.Mutex
	history   []DeliveryRecord
}

// NewNetwork creates an empty switch.
func NewNetwork() *Network {
	return &Network{
		nodes:    make(map[consensus.NodeID]Receiver),
		disabled: make(map[consensus.NodeID]map[consensus.NodeID]bool),
		rng:      rand.New(rand.NewSource(1)),
	}
}

// SetDropRate makes Send silently drop a fraction (0..1) of otherwise
// deliverable messages, simulating a lossy link.
func (n *Network) SetDropRate(rate float64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropRate = rate
}

func (n *Network) shouldDrop() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropRate > 0 && n.rng.Float64() < n.dropRate
}

func (n *Network) record(from, to consensus.NodeID, delivered bool) {
	n.historyMu.Lock()
	defer n.historyMu.Unlock()
	n.history = append(n.history, DeliveryRecord{From: from, To: to, Delivered: delivered})
}

// History returns every Send attempt recorded so far, in order.
func (n *Network) History() []DeliveryRecord {
	n.historyMu.Lock()
	defer n.historyMu.Unlock()
	out := make([]DeliveryRecord, len(n.history))
	copy(out, n.history)
	return out
}

// Register attaches a node to the network under id.
func (n *Network) Register(id consensus.NodeID, r Receiver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[id] = r
	if n.disabled[id] == nil {
		n.disabled[id] = make(map[consensus.NodeID]bool)
	}
}

// SetLatency applies a fixed artificial delay to every subsequent delivery.
func (n *Network) SetLatency(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.latency = d
}

// Disconnect makes messages from -> to silently vanish.
func (n *Network) Disconnect(from, to consensus.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.disabled[from] == nil {
		n.disabled[from] = make(map[consensus.NodeID]bool)
	}
	n.disabled[from][to] = true
}

// Connect reverses a prior Disconnect.
func (n *Network) Connect(from, to consensus.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.disabled[from] != nil {
		delete(n.disabled[from], to)
	}
}

// Partition isolates id from every other registered node, in both
// directions.
func (n *Network) Partition(id consensus.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for other := range n.nodes {
		if other == id {
			continue
		}
		if n.disabled[id] == nil {
			n.disabled[id] = make(map[consensus.NodeID]bool)
		}
		if n.disabled[other] == nil {
			n.disabled[other] = make(map[consensus.NodeID]bool)
		}
		n.disabled[id][other] = true
		n.disabled[other][id] = true
	}
}

// Heal reverses a prior Partition for id.
func (n *Network) Heal(id consensus.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.disabled[id] = make(map[consensus.NodeID]bool)
	for other := range n.disabled {
		delete(n.disabled[other], id)
	}
}

func (n *Network) blocked(from, to consensus.NodeID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.disabled[from][to]
}

func (n *Network) receiver(to consensus.NodeID) (Receiver, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	r, ok := n.nodes[to]
	return r, ok
}

func (n *Network) currentLatency() time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.latency
}

// Transport is one node's consensus.Transport handle onto a shared Network.
type Transport struct {
	from consensus.NodeID
	net  *Network
}

// NewTransport binds from to net. Register the owning node on net before
// first use.
func NewTransport(from consensus.NodeID, net *Network) *Transport {
	return &Transport{from: from, net: net}
}

// Send implements consensus.Transport. With nonzero latency, delivery is
// deferred to its own goroutine so a slow peer never blocks the caller;
// under concurrent sends to the same peer this does not guarantee delivery
// order, unlike a real per-peer channel. Tests that depend on strict
// ordering should leave latency at zero, which delivers synchronously.
func (t *Transport) Send(to consensus.NodeID, payload []byte) error {
	from := t.from
	if t.net.blocked(from, to) || t.net.shouldDrop() {
		t.net.record(from, to, false)
		return nil
	}
	r, ok := t.net.receiver(to)
	if !ok {
		t.net.record(from, to, false)
		return nil
	}
	t.net.record(from, to, true)
	delay := t.net.currentLatency()
	if delay == 0 {
		_ = r.RecvMessage(from, payload)
		return nil
	}
	go func() {
		time.Sleep(delay)
		_ = r.RecvMessage(from, payload)
	}()
	return nil
}

package consensus

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/concordkv/replicated-ledger/pkg/ledger"
	"go.uber.org/zap"
)

// DurableState persists the two fields that must survive a restart:
// current_term and voted_for. The ledger persists itself; this is the
// remaining sliver of durable node state.
type DurableState interface {
	Save(term Term, votedFor NodeID) error
	Load() (term Term, votedFor NodeID, err error)
}

// Options configures a new Node. Ledger, Transport, and Adapter are
// required. Durable may be nil, in which case current_term and voted_for
// are not persisted; the rest have sensible defaults.
type Options struct {
	Ledger             *ledger.Ledger
	Transport          Transport
	Adapter            StateStoreAdapter
	Durable            DurableState
	Clock              Clock
	Logger             *zap.Logger
	Metrics            Recorder
	OnFatal            func(error)
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	HeartbeatInterval  time.Duration
	BatchSize          int
}

// Recorder is the narrow metrics surface Node needs; pkg/metrics.Metrics
// satisfies it. A nil Recorder is legal — calls become no-ops.
type Recorder interface {
	ElectionStarted()
	VoteGranted()
	LeaderChanged()
	AppendEntriesSent()
	AppendEntriesReceived()
	SetTerm(uint64)
	SetCommitIndex(uint64)
}

func (o *Options) setDefaults() {
	if o.ElectionTimeoutMin == 0 {
		o.ElectionTimeoutMin = 150 * time.Millisecond
	}
	if o.ElectionTimeoutMax == 0 {
		o.ElectionTimeoutMax = 300 * time.Millisecond
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = o.ElectionTimeoutMin / 3
	}
	if o.BatchSize == 0 {
		o.BatchSize = 64
	}
	if o.Clock == nil {
		o.Clock = RealClock{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.OnFatal == nil {
		o.OnFatal = func(err error) { panic(fmt.Sprintf("consensus: fatal invariant breach: %v", err)) }
	}
}

// Node is the single-threaded-per-node consensus driver (C5, C10). Every
// exported method is safe to call from any goroutine; internally, a single
// mutex gives the same total ordering a dedicated cooperative task would.
type Node struct {
	mu sync.Mutex

	id  NodeID
	log *ledger.Ledger

	currentTerm Term
	votedFor    NodeID
	role        Role
	leaderID    NodeID

	commitIndex uint64
	lastApplied uint64

	peers      map[NodeID]*PeerProgress
	membership *membershipTracker

	electionRemaining  time.Duration
	heartbeatRemaining time.Duration

	votesGranted map[NodeID]bool

	barrierWaiters map[uint64][]chan struct{}

	transport Transport
	adapter   StateStoreAdapter
	durable   DurableState
	clock     Clock
	logger    *zap.Logger
	metrics   Recorder
	onFatal   func(error)

	rng *rand.Rand

	opts Options
}

// NewNode constructs a node in the Follower role with an empty active
// configuration; call AddConfiguration before driving it.
func NewNode(id NodeID, opts Options) *Node {
	opts.setDefaults()

	n := &Node{
		id:             id,
		log:            opts.Ledger,
		role:           RoleFollower,
		peers:          make(map[NodeID]*PeerProgress),
		membership:     newMembershipTracker(),
		votesGranted:   make(map[NodeID]bool),
		barrierWaiters: make(map[uint64][]chan struct{}),
		transport:      opts.Transport,
		adapter:        opts.Adapter,
		durable:        opts.Durable,
		clock:          opts.Clock,
		logger:         opts.Logger.With(zap.String("node", string(id))),
		metrics:        opts.Metrics,
		onFatal:        opts.OnFatal,
		rng:            rand.New(rand.NewSource(int64(hashSeed(id)))),
		opts:           opts,
	}

	if n.durable != nil {
		if term, votedFor, err := n.durable.Load(); err == nil {
			n.currentTerm = term
			n.votedFor = votedFor
		}
	}
	if n.adapter != nil {
		n.adapter.InitialiseTerm(n.currentTerm)
	}

	n.electionRemaining = n.randomElectionTimeout()
	n.heartbeatRemaining = opts.HeartbeatInterval
	return n
}

func hashSeed(id NodeID) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(id); i++ {
		h ^= uint32(id[i])
		h *= 16777619
	}
	if h == 0 {
		h = 1
	}
	return h
}

func (n *Node) randomElectionTimeout() time.Duration {
	lo := n.opts.ElectionTimeoutMin
	hi := n.opts.ElectionTimeoutMax
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(n.rng.Int63n(int64(hi-lo)))
}

func (n *Node) recordFatal(err error) {
	n.logger.Error("fatal invariant breach", zap.Error(err))
	n.onFatal(err)
}

func (n *Node) persistDurable() {
	if n.durable == nil {
		return
	}
	if err := n.durable.Save(n.currentTerm, n.votedFor); err != nil {
		n.recordFatal(fmt.Errorf("%w: %v", ErrLedgerIO, err))
	}
}

func (n *Node) record(fn func(Recorder)) {
	if n.metrics != nil {
		fn(n.metrics)
	}
}

// AddConfiguration bootstraps the initial membership set.
func (n *Node) AddConfiguration(atIndex uint64, members map[NodeID]Member) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.membership.bootstrap(atIndex, members); err != nil {
		return err
	}
	for id := range members {
		if id == n.id {
			continue
		}
		n.peers[id] = &PeerProgress{NextIndex: 1}
	}
	return nil
}

// Periodic advances timers by elapsed and performs whatever election,
// heartbeat, or commit-advancement work is now due (C1, C10).
func (n *Node) Periodic(elapsed time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role == RoleRetired {
		return
	}

	if n.role == RoleLeader {
		n.heartbeatRemaining -= elapsed
		pending := false
		lastIndex := n.lastIndexLocked()
		for _, p := range n.peers {
			if p.NextIndex <= lastIndex {
				pending = true
				break
			}
		}
		if pending || n.heartbeatRemaining <= 0 {
			n.broadcastAppendEntriesLocked()
			n.heartbeatRemaining = n.opts.HeartbeatInterval
		}
		n.tryAdvanceCommitLocked()
		return
	}

	n.electionRemaining -= elapsed
	if n.electionRemaining <= 0 {
		n.becomeCandidateLocked()
	}
}

// RecvMessage dispatches an inbound wire message. Decode failures and
// messages from senders outside the active configuration are dropped
// silently.
func (n *Node) RecvMessage(from NodeID, payload []byte) error {
	msg, err := Decode(payload)
	if err != nil {
		n.logger.Debug("dropping undecodable message", zap.Error(err))
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role == RoleRetired {
		return nil
	}
	if n.membership.retirementOf(n.id) == RetirementCommitted &&
		(msg.Type == MsgAppendEntries || msg.Type == MsgRequestVote) {
		return nil
	}

	higherTermVote := msg.Type == MsgRequestVote && msg.RequestVote.Term > n.currentTerm
	if !n.membership.active.Has(from) && !higherTermVote {
		n.logger.Debug("dropping message from non-member", zap.String("from", string(from)))
		return nil
	}

	switch msg.Type {
	case MsgAppendEntries:
		n.record(func(r Recorder) { r.AppendEntriesReceived() })
		n.handleAppendEntriesLocked(from, msg.AppendEntries)
	case MsgAppendEntriesResponse:
		n.handleAppendEntriesResponseLocked(from, msg.AppendEntriesResp)
	case MsgRequestVote:
		n.handleRequestVoteLocked(from, msg.RequestVote)
	case MsgRequestVoteResponse:
		n.handleRequestVoteResponseLocked(from, msg.RequestVoteResp)
	case MsgProposeRequestVote:
		n.handleProposeRequestVoteLocked(from, msg.ProposeRequestVote)
	}
	return nil
}

// Replicate appends payloads as committable Raw entries at term, iff the
// caller is the leader of that term.
func (n *Node) Replicate(term Term, payloads [][]byte) ([]uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.replicateLocked(term, payloads, true, KindRaw)
}

// ReplicateRaw is the lower-level form used to exercise non-committable
// batching and the Reconfiguration/RetiredCommitted/Signature entry kinds.
func (n *Node) ReplicateRaw(term Term, payloads [][]byte, committable bool, kind Kind) ([]uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.replicateLocked(term, payloads, committable, kind)
}

func (n *Node) replicateLocked(term Term, payloads [][]byte, committable bool, kind Kind) ([]uint64, error) {
	if n.role != RoleLeader || n.membership.retirementOf(n.id) == RetirementCommitted {
		return nil, ErrNotLeader
	}
	if term != n.currentTerm {
		return nil, ErrTermMismatch
	}

	indices := make([]uint64, 0, len(payloads))
	for _, p := range payloads {
		idx, err := n.log.Append(uint64(n.currentTerm), p, committable, kind)
		if err != nil {
			n.recordFatal(fmt.Errorf("%w: %v", ErrLedgerIO, err))
			return indices, fmt.Errorf("%w: %v", ErrLedgerIO, err)
		}
		if e, ok := n.log.Get(idx); ok {
			n.onEntryAppendedLocked(idx, e)
		}
		indices = append(indices, idx)
	}

	n.broadcastAppendEntriesLocked()
	n.tryAdvanceCommitLocked()
	return indices, nil
}

// LinearizableBarrier appends a no-op entry and blocks until it commits,
// giving callers a read-after-write guarantee.
func (n *Node) LinearizableBarrier(ctx context.Context) (uint64, error) {
	n.mu.Lock()
	if n.role != RoleLeader {
		n.mu.Unlock()
		return 0, ErrNotLeader
	}
	term := n.currentTerm
	indices, err := n.replicateLocked(term, [][]byte{nil}, true, KindRaw)
	if err != nil {
		n.mu.Unlock()
		return 0, err
	}
	idx := indices[0]
	if n.commitIndex >= idx {
		n.mu.Unlock()
		return idx, nil
	}
	ch := make(chan struct{})
	n.barrierWaiters[idx] = append(n.barrierWaiters[idx], ch)
	n.mu.Unlock()

	select {
	case <-ch:
		return idx, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Introspection. None of these mutate state.

func (n *Node) ID() NodeID { return n.id }

func (n *Node) IsLeader() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role == RoleLeader
}

func (n *Node) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.role
}

func (n *Node) CurrentTerm() Term {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTerm
}

func (n *Node) CommitIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commitIndex
}

func (n *Node) LastIndex() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastIndexLocked()
}

func (n *Node) lastIndexLocked() uint64 {
	_, idx := n.log.Last()
	return idx
}

func (n *Node) LeaderID() NodeID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leaderID
}

func (n *Node) ViewAt(index uint64) (ledger.Entry, bool) {
	return n.log.Get(index)
}

func (n *Node) History() []ledger.Entry {
	n.mu.Lock()
	commit := n.commitIndex
	n.mu.Unlock()
	entries, _ := n.log.Range(1, commit)
	return entries
}

func (n *Node) ActiveConfiguration() Configuration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.membership.active
}

func (n *Node) RetirementState(id NodeID) RetirementState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.membership.retirementOf(id)
}

// Shutdown transitions a fully retired node to Removed. It is a no-op for
// any node not already in RetiredCommitted.
func (n *Node) Shutdown() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.membership.markRemoved(n.id)
	if n.membership.retirementOf(n.id) == RetirementRemoved {
		n.role = RoleRetired
	}
}

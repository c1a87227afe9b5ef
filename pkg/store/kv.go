package store

import (
	"bytes"
	"encoding/gob"
	"sync"

	"github.com/concordkv/replicated-ledger/pkg/consensus"
	"github.com/concordkv/replicated-ledger/pkg/ledger"
)

// CommandType distinguishes the KV operations a client can submit.
type CommandType int

const (
	CommandSet CommandType = iota
	CommandDelete
)

// Command is the gob-encoded payload carried by a KindRaw ledger entry.
type Command struct {
	Type      CommandType
	Key       string
	Value     []byte
	ClientID  string
	RequestID uint64
}

type clientSession struct {
	LastRequestID uint64
	Applied       bool
}

// KV is an in-memory key-value state machine driven by committed ledger
// entries via Apply. It deduplicates retried client commands by
// (ClientID, RequestID), the same session-tracking scheme the replication
// layer's own wire protocol leaves to the state machine.
type KV struct {
	mu          sync.RWMutex
	data        map[string][]byte
	sessions    map[string]*clientSession
	activeTerm  consensus.Term
	lastApplied uint64
	configs     []consensus.Configuration
}

// NewKV constructs an empty store.
func NewKV() *KV {
	return &KV{
		data:     make(map[string][]byte),
		sessions: make(map[string]*clientSession),
	}
}

// EncodeCommand serializes a Command for use as a Replicate payload.
func EncodeCommand(c Command) []byte {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(c)
	return buf.Bytes()
}

func decodeCommand(payload []byte) (Command, bool) {
	if len(payload) == 0 {
		return Command{}, false
	}
	var c Command
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&c); err != nil {
		return Command{}, false
	}
	return c, true
}

// InitialiseTerm implements consensus.StateStoreAdapter.
func (kv *KV) InitialiseTerm(term consensus.Term) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.activeTerm = term
}

// Apply implements consensus.StateStoreAdapter. Entries that are not
// KindRaw client commands (no-ops, Reconfiguration, RetiredCommitted,
// Signature) pass through as no-ops against the KV data; membership effects
// are handled separately by ConfigurationChange.
func (kv *KV) Apply(entries []ledger.Entry, commitIndex uint64) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	for _, e := range entries {
		if e.Kind != ledger.KindRaw {
			continue
		}
		cmd, ok := decodeCommand(e.Payload)
		if !ok {
			continue // leader no-op barrier entries carry a nil payload
		}

		if s, ok := kv.sessions[cmd.ClientID]; ok && s.LastRequestID >= cmd.RequestID {
			continue
		}

		switch cmd.Type {
		case CommandSet:
			kv.data[cmd.Key] = cmd.Value
		case CommandDelete:
			delete(kv.data, cmd.Key)
		}
		kv.sessions[cmd.ClientID] = &clientSession{LastRequestID: cmd.RequestID, Applied: true}
	}
	kv.lastApplied = commitIndex
}

// Compact implements consensus.StateStoreAdapter. The in-memory KV has
// nothing to discard; a durable deployment would drop snapshotted sessions
// older than index here.
func (kv *KV) Compact(index uint64) {}

// Rollback implements consensus.StateStoreAdapter.
func (kv *KV) Rollback(newTerm consensus.Term) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.activeTerm = newTerm
}

// ConfigurationChange implements consensus.StateStoreAdapter.
func (kv *KV) ConfigurationChange(at uint64, members map[consensus.NodeID]consensus.Member) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.configs = append(kv.configs, consensus.Configuration{Index: at, Members: members})
}

// Get reads a key as of the last Apply call. Callers that need a
// linearizable read should first block on Node.LinearizableBarrier.
func (kv *KV) Get(key string) ([]byte, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	v, ok := kv.data[key]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// LastApplied returns the commit index through which Apply has run.
func (kv *KV) LastApplied() uint64 {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.lastApplied
}

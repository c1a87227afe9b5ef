package consensus

import "github.com/concordkv/replicated-ledger/pkg/ledger"

// StateStoreAdapter is the external key-value store collaborator. The
// consensus engine never inspects KV contents; it only calls these hooks,
// always in this order: InitialiseTerm before the first Apply of a term,
// Apply in index order as entries commit, Rollback on any truncation that
// crosses the adapter's last-applied index, and ConfigurationChange as
// reconfiguration entries commit.
type StateStoreAdapter interface {
	// InitialiseTerm is invoked before any Apply in term.
	InitialiseTerm(term Term)
	// Apply is invoked once per commit-advancement batch, in index order.
	Apply(entries []ledger.Entry, commitIndex uint64)
	// Compact may discard snapshots/log prefix <= index.
	Compact(index uint64)
	// Rollback is called when a truncation crosses the adapter's
	// last-applied index; the adapter must discard any applied state for
	// indices >= the new tail and be prepared to re-apply under newTerm.
	Rollback(newTerm Term)
	// ConfigurationChange notifies the adapter that a reconfiguration
	// entry has committed.
	ConfigurationChange(at uint64, members map[NodeID]Member)
}

// Transport is the outbound channel collaborator: per-peer ordered
// byte-message delivery. The node calls Send for every outbound wire
// message; delivery to the remote node's RecvMessage is the transport's
// responsibility and happens out of band.
type Transport interface {
	Send(to NodeID, payload []byte) error
}

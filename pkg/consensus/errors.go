package consensus

import "errors"

// User-visible errors: the failures the driver API reports for ordinary
// operation (not leader, wrong term, not ready).
var (
	ErrNotLeader    = errors.New("consensus: not leader")
	ErrTermMismatch = errors.New("consensus: term mismatch")
	ErrNotReady     = errors.New("consensus: not ready")
)

// Internal errors, distinguishable via errors.Is. Two of them do reach
// driver API callers: AddConfiguration and ProposeReconfiguration return
// ErrEmptyConfig for an empty member set, and Replicate returns a wrapped
// ErrLedgerIO when a ledger append fails and the OnFatal hook returns
// instead of halting.
var (
	ErrInvariantBreach = errors.New("consensus: invariant breach")
	ErrLedgerIO        = errors.New("consensus: ledger durability failure")
	ErrDecodeFailure   = errors.New("consensus: message decode failure")
	ErrEmptyConfig     = errors.New("consensus: configuration must be non-empty")
	ErrUnknownPeer     = errors.New("consensus: sender not in active configuration")
)

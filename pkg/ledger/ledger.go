// Package ledger implements the append-only, hash-chained replicated log
// that backs the consensus engine. It has no notion of terms, elections, or
// peers beyond its raw ordering contract: contiguous indices,
// non-decreasing terms, and truncation guarded by the caller's commit
// floor.
package ledger

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
)

// Kind tags the purpose of a ledger entry.
type Kind uint8

const (
	KindRaw Kind = iota
	KindReconfiguration
	KindRetiredCommitted
	KindSignature
)

func (k Kind) String() string {
	switch k {
	case KindRaw:
		return "Raw"
	case KindReconfiguration:
		return "Reconfiguration"
	case KindRetiredCommitted:
		return "RetiredCommitted"
	case KindSignature:
		return "Signature"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Entry is one position in the ledger.
type Entry struct {
	Index       uint64
	Term        uint64
	Payload     []byte
	Committable bool
	Kind        Kind
	// Digest chains this entry to every entry before it: sha256(prevDigest ||
	// term || index || kind || committable || payload). Signature entries
	// authenticate a prefix by carrying its digest as payload.
	Digest [32]byte
}

var (
	ErrTermRegression    = fmt.Errorf("ledger: append term must not precede the last entry's term")
	ErrNonContiguous     = fmt.Errorf("ledger: append must extend the log by exactly one index")
	ErrTruncateAtOrBelowCommit = fmt.Errorf("ledger: truncate_suffix at or below the commit floor")
	ErrIndexOutOfRange   = fmt.Errorf("ledger: index out of range")
)

// Ledger is a durable, in-memory-backed append-only log. Callers supply a
// WriteAheadLog to make appends and truncations durable before they are
// acknowledged; Ledger itself only maintains the in-memory view and the
// hash chain.
type Ledger struct {
	mu sync.RWMutex

	entries     []Entry // entries[0] corresponds to index baseIndex+1
	baseIndex   uint64  // highest index compacted away (0 if none)
	commitFloor uint64  // truncate_suffix refuses to remove index <= this

	wal WriteAheadLog
}

// WriteAheadLog is the durability collaborator: every append or truncation
// must be acknowledged here before Ledger returns control to its caller.
// Production wiring is pkg/store's file-backed WAL; tests use an in-memory
// fake that never fails.
type WriteAheadLog interface {
	AppendEntry(e Entry) error
	TruncateSuffix(fromIndex uint64) error
}

// New constructs an empty ledger. A nil wal is legal for tests that do not
// care about durability.
func New(wal WriteAheadLog) *Ledger {
	return &Ledger{wal: wal}
}

// Restore rebuilds a ledger's in-memory view from entries a WriteAheadLog
// recovered at startup, so a restarted node does not lose its replicated
// log even though DurableState separately recovers current_term/voted_for.
// entries must already be contiguous and hash-chained (as anything a
// WriteAheadLog itself wrote back out always is); Restore does not
// recompute digests, only trusts and indexes them.
func Restore(wal WriteAheadLog, entries []Entry) *Ledger {
	l := &Ledger{wal: wal}
	if len(entries) == 0 {
		return l
	}
	l.entries = make([]Entry, len(entries))
	copy(l.entries, entries)
	l.baseIndex = entries[0].Index - 1
	return l
}

func digestOf(prev [32]byte, term, index uint64, kind Kind, committable bool, payload []byte) [32]byte {
	h := sha256.New()
	h.Write(prev[:])
	var hdr [18]byte
	binary.LittleEndian.PutUint64(hdr[0:8], term)
	binary.LittleEndian.PutUint64(hdr[8:16], index)
	hdr[16] = byte(kind)
	if committable {
		hdr[17] = 1
	}
	h.Write(hdr[:])
	h.Write(payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Append adds a new entry at last_index+1, asserting it belongs to term.
// It fails if term regresses relative to the current last entry (terms are
// non-decreasing along the index axis).
func (l *Ledger) Append(term uint64, payload []byte, committable bool, kind Kind) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lastTerm, lastIndex := l.lastLocked()
	if term < lastTerm {
		return 0, ErrTermRegression
	}

	index := lastIndex + 1
	var prevDigest [32]byte
	if len(l.entries) > 0 {
		prevDigest = l.entries[len(l.entries)-1].Digest
	}

	entry := Entry{
		Index:       index,
		Term:        term,
		Payload:     payload,
		Committable: committable,
		Kind:        kind,
	}
	entry.Digest = digestOf(prevDigest, term, index, kind, committable, payload)

	if l.wal != nil {
		if err := l.wal.AppendEntry(entry); err != nil {
			return 0, fmt.Errorf("ledger: durable append failed: %w", err)
		}
	}

	l.entries = append(l.entries, entry)
	return index, nil
}

// Get returns the entry at index, if present and not compacted away.
func (l *Ledger) Get(index uint64) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.atLocked(index)
}

func (l *Ledger) atLocked(index uint64) (Entry, bool) {
	if index <= l.baseIndex || index == 0 {
		return Entry{}, false
	}
	pos := index - l.baseIndex - 1
	if pos >= uint64(len(l.entries)) {
		return Entry{}, false
	}
	return l.entries[pos], true
}

// Range returns a contiguous copy of entries in [lo, hi].
func (l *Ledger) Range(lo, hi uint64) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if lo == 0 {
		lo = 1
	}
	if hi < lo {
		return nil, nil
	}
	out := make([]Entry, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		e, ok := l.atLocked(i)
		if !ok {
			return out, nil
		}
		out = append(out, e)
	}
	return out, nil
}

// TruncateSuffix removes every entry at index >= fromIndex. It refuses to
// truncate at or below the configured commit floor.
func (l *Ledger) TruncateSuffix(fromIndex uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if fromIndex <= l.commitFloor {
		return ErrTruncateAtOrBelowCommit
	}
	if fromIndex <= l.baseIndex {
		return ErrIndexOutOfRange
	}

	if l.wal != nil {
		if err := l.wal.TruncateSuffix(fromIndex); err != nil {
			return fmt.Errorf("ledger: durable truncate failed: %w", err)
		}
	}

	pos := fromIndex - l.baseIndex - 1
	if pos < uint64(len(l.entries)) {
		l.entries = l.entries[:pos]
	}
	return nil
}

// SetCommitFloor records the caller's current commit_index so that a later
// TruncateSuffix cannot remove a committed entry. It is monotonic: a lower
// value is ignored.
func (l *Ledger) SetCommitFloor(index uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index > l.commitFloor {
		l.commitFloor = index
	}
}

// Last returns the term and index of the most recent entry (0, 0 if empty).
func (l *Ledger) Last() (term uint64, index uint64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastLocked()
}

func (l *Ledger) lastLocked() (uint64, uint64) {
	if len(l.entries) == 0 {
		return 0, l.baseIndex
	}
	last := l.entries[len(l.entries)-1]
	return last.Term, last.Index
}

// TermAt returns the term stored at index, or 0 if index is 0 or unknown.
func (l *Ledger) TermAt(index uint64) uint64 {
	if index == 0 {
		return 0
	}
	e, ok := l.Get(index)
	if !ok {
		return 0
	}
	return e.Term
}

// FirstIndexOfTerm returns the lowest index of the unbroken run of entries
// with the given term that ends at before, scanning backward from before.
// Used by the conflict-resolution path in AppendEntries handling. Returns 0
// if the entry at before is absent or has a different term.
func (l *Ledger) FirstIndexOfTerm(term uint64, before uint64) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	first := uint64(0)
	for i := before; i > l.baseIndex; i-- {
		e, ok := l.atLocked(i)
		if !ok || e.Term != term {
			break
		}
		first = i
	}
	return first
}

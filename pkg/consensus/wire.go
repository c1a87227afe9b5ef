package consensus

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/concordkv/replicated-ledger/pkg/ledger"
)

// MessageType is the fixed 1-byte tag prefixing every wire message.
type MessageType uint8

const (
	MsgAppendEntries MessageType = iota + 1
	MsgAppendEntriesResponse
	MsgRequestVote
	MsgRequestVoteResponse
	MsgProposeRequestVote
)

// AppendEntriesMsg is the leader-to-follower replication message.
type AppendEntriesMsg struct {
	Term         Term
	LeaderID     NodeID
	PrevIndex    uint64
	PrevTerm     Term
	LeaderCommit uint64
	TermOfIdx    Term   // term of the highest committable index the leader knows
	Idx          uint64 // that committable index
	Entries      []ledger.Entry
}

// AppendResult distinguishes a successful append from a log-matching
// conflict.
type AppendResult struct {
	Ok                 bool
	ConflictTerm       Term
	ConflictFirstIndex uint64
}

type AppendEntriesResponseMsg struct {
	Term         Term
	LastLogIndex uint64
	Result       AppendResult
}

type RequestVoteMsg struct {
	Term                        Term
	LastCommittableIndex        uint64
	TermOfLastCommittableIndex  Term
}

type RequestVoteResponseMsg struct {
	Term    Term
	Granted bool
}

type ProposeRequestVoteMsg struct {
	Term Term
}

// Message is the decoded form of any wire payload, tagged by Type with
// exactly one of the typed fields populated.
type Message struct {
	Type                MessageType
	AppendEntries       *AppendEntriesMsg
	AppendEntriesResp   *AppendEntriesResponseMsg
	RequestVote         *RequestVoteMsg
	RequestVoteResp     *RequestVoteResponseMsg
	ProposeRequestVote  *ProposeRequestVoteMsg
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func writeString(buf *bytes.Buffer, s string) {
	var lb [2]byte
	binary.LittleEndian.PutUint16(lb[:], uint16(len(s)))
	buf.Write(lb[:])
	buf.WriteString(s)
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var lb [4]byte
	binary.LittleEndian.PutUint32(lb[:], uint32(len(b)))
	buf.Write(lb[:])
	buf.Write(b)
}

type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) needs(n int) error {
	if r.pos+n > len(r.b) {
		return fmt.Errorf("%w: truncated message", ErrDecodeFailure)
	}
	return nil
}

func (r *byteReader) readUint64() (uint64, error) {
	if err := r.needs(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.b[r.pos : r.pos+8])
	r.pos += 8
	return v, nil
}

func (r *byteReader) readUint32() (uint32, error) {
	if err := r.needs(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.b[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *byteReader) readUint16() (uint16, error) {
	if err := r.needs(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.b[r.pos : r.pos+2])
	r.pos += 2
	return v, nil
}

func (r *byteReader) readByte() (byte, error) {
	if err := r.needs(1); err != nil {
		return 0, err
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *byteReader) readBool() (bool, error) {
	v, err := r.readByte()
	return v != 0, err
}

func (r *byteReader) readString() (string, error) {
	n, err := r.readUint16()
	if err != nil {
		return "", err
	}
	if err := r.needs(int(n)); err != nil {
		return "", err
	}
	s := string(r.b[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *byteReader) readBytes() ([]byte, error) {
	n, err := r.readUint32()
	if err != nil {
		return nil, err
	}
	if err := r.needs(int(n)); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, r.b[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return out, nil
}

func writeEntries(buf *bytes.Buffer, entries []ledger.Entry) {
	writeUint64(buf, uint64(len(entries)))
	for _, e := range entries {
		writeUint64(buf, e.Term)
		writeUint64(buf, e.Index)
		writeBool(buf, e.Committable)
		buf.WriteByte(byte(e.Kind))
		writeBytes(buf, e.Payload)
		buf.Write(e.Digest[:])
	}
}

func (r *byteReader) readEntries() ([]ledger.Entry, error) {
	n, err := r.readUint64()
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Entry, 0, n)
	for i := uint64(0); i < n; i++ {
		term, err := r.readUint64()
		if err != nil {
			return nil, err
		}
		index, err := r.readUint64()
		if err != nil {
			return nil, err
		}
		committable, err := r.readBool()
		if err != nil {
			return nil, err
		}
		kindByte, err := r.readByte()
		if err != nil {
			return nil, err
		}
		payload, err := r.readBytes()
		if err != nil {
			return nil, err
		}
		if err := r.needs(32); err != nil {
			return nil, err
		}
		var digest [32]byte
		copy(digest[:], r.b[r.pos:r.pos+32])
		r.pos += 32

		out = append(out, ledger.Entry{
			Term:        term,
			Index:       index,
			Committable: committable,
			Kind:        ledger.Kind(kindByte),
			Payload:     payload,
			Digest:      digest,
		})
	}
	return out, nil
}

// Encode serializes m to the bit-stable wire format: a 1-byte tag followed
// by little-endian fields in declaration order.
func Encode(m Message) []byte {
	buf := &bytes.Buffer{}
	buf.WriteByte(byte(m.Type))

	switch m.Type {
	case MsgAppendEntries:
		a := m.AppendEntries
		writeUint64(buf, uint64(a.Term))
		writeString(buf, string(a.LeaderID))
		writeUint64(buf, a.PrevIndex)
		writeUint64(buf, uint64(a.PrevTerm))
		writeUint64(buf, a.LeaderCommit)
		writeUint64(buf, uint64(a.TermOfIdx))
		writeUint64(buf, a.Idx)
		writeEntries(buf, a.Entries)
	case MsgAppendEntriesResponse:
		a := m.AppendEntriesResp
		writeUint64(buf, uint64(a.Term))
		writeUint64(buf, a.LastLogIndex)
		writeBool(buf, a.Result.Ok)
		writeUint64(buf, uint64(a.Result.ConflictTerm))
		writeUint64(buf, a.Result.ConflictFirstIndex)
	case MsgRequestVote:
		v := m.RequestVote
		writeUint64(buf, uint64(v.Term))
		writeUint64(buf, v.LastCommittableIndex)
		writeUint64(buf, uint64(v.TermOfLastCommittableIndex))
	case MsgRequestVoteResponse:
		v := m.RequestVoteResp
		writeUint64(buf, uint64(v.Term))
		writeBool(buf, v.Granted)
	case MsgProposeRequestVote:
		p := m.ProposeRequestVote
		writeUint64(buf, uint64(p.Term))
	}

	return buf.Bytes()
}

// Decode parses the wire format produced by Encode.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return Message{}, fmt.Errorf("%w: empty message", ErrDecodeFailure)
	}
	r := &byteReader{b: b[1:]}
	typ := MessageType(b[0])

	switch typ {
	case MsgAppendEntries:
		term, err := r.readUint64()
		if err != nil {
			return Message{}, err
		}
		leaderID, err := r.readString()
		if err != nil {
			return Message{}, err
		}
		prevIndex, err := r.readUint64()
		if err != nil {
			return Message{}, err
		}
		prevTerm, err := r.readUint64()
		if err != nil {
			return Message{}, err
		}
		leaderCommit, err := r.readUint64()
		if err != nil {
			return Message{}, err
		}
		termOfIdx, err := r.readUint64()
		if err != nil {
			return Message{}, err
		}
		idx, err := r.readUint64()
		if err != nil {
			return Message{}, err
		}
		entries, err := r.readEntries()
		if err != nil {
			return Message{}, err
		}
		return Message{Type: typ, AppendEntries: &AppendEntriesMsg{
			Term: Term(term), LeaderID: NodeID(leaderID), PrevIndex: prevIndex, PrevTerm: Term(prevTerm),
			LeaderCommit: leaderCommit, TermOfIdx: Term(termOfIdx), Idx: idx, Entries: entries,
		}}, nil

	case MsgAppendEntriesResponse:
		term, err := r.readUint64()
		if err != nil {
			return Message{}, err
		}
		lastLogIndex, err := r.readUint64()
		if err != nil {
			return Message{}, err
		}
		ok, err := r.readBool()
		if err != nil {
			return Message{}, err
		}
		conflictTerm, err := r.readUint64()
		if err != nil {
			return Message{}, err
		}
		conflictFirstIndex, err := r.readUint64()
		if err != nil {
			return Message{}, err
		}
		return Message{Type: typ, AppendEntriesResp: &AppendEntriesResponseMsg{
			Term: Term(term), LastLogIndex: lastLogIndex,
			Result: AppendResult{Ok: ok, ConflictTerm: Term(conflictTerm), ConflictFirstIndex: conflictFirstIndex},
		}}, nil

	case MsgRequestVote:
		term, err := r.readUint64()
		if err != nil {
			return Message{}, err
		}
		lastIdx, err := r.readUint64()
		if err != nil {
			return Message{}, err
		}
		lastTerm, err := r.readUint64()
		if err != nil {
			return Message{}, err
		}
		return Message{Type: typ, RequestVote: &RequestVoteMsg{
			Term: Term(term), LastCommittableIndex: lastIdx, TermOfLastCommittableIndex: Term(lastTerm),
		}}, nil

	case MsgRequestVoteResponse:
		term, err := r.readUint64()
		if err != nil {
			return Message{}, err
		}
		granted, err := r.readBool()
		if err != nil {
			return Message{}, err
		}
		return Message{Type: typ, RequestVoteResp: &RequestVoteResponseMsg{Term: Term(term), Granted: granted}}, nil

	case MsgProposeRequestVote:
		term, err := r.readUint64()
		if err != nil {
			return Message{}, err
		}
		return Message{Type: typ, ProposeRequestVote: &ProposeRequestVoteMsg{Term: Term(term)}}, nil

	default:
		return Message{}, fmt.Errorf("%w: unknown tag %d", ErrDecodeFailure, typ)
	}
}

package consensus

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EncodeMembers serializes a configuration's member set into a
// Reconfiguration entry payload.
func EncodeMembers(members map[NodeID]Member) []byte {
	buf := &bytes.Buffer{}
	writeUint64(buf, uint64(len(members)))
	for _, id := range sortedIDs(members) {
		m := members[id]
		writeString(buf, string(m.ID))
		writeString(buf, m.Hostname)
		var portBuf [4]byte
		binary.LittleEndian.PutUint32(portBuf[:], uint32(m.Port))
		buf.Write(portBuf[:])
	}
	return buf.Bytes()
}

// DecodeMembers parses the payload written by EncodeMembers.
func DecodeMembers(b []byte) (map[NodeID]Member, error) {
	r := &byteReader{b: b}
	n, err := r.readUint64()
	if err != nil {
		return nil, err
	}
	out := make(map[NodeID]Member, n)
	for i := uint64(0); i < n; i++ {
		id, err := r.readString()
		if err != nil {
			return nil, err
		}
		host, err := r.readString()
		if err != nil {
			return nil, err
		}
		if err := r.needs(4); err != nil {
			return nil, err
		}
		port := binary.LittleEndian.Uint32(r.b[r.pos : r.pos+4])
		r.pos += 4
		out[NodeID(id)] = Member{ID: NodeID(id), Hostname: host, Port: int(port)}
	}
	return out, nil
}

// EncodeNodeIDs serializes a RetiredCommitted entry payload.
func EncodeNodeIDs(ids []NodeID) []byte {
	buf := &bytes.Buffer{}
	writeUint64(buf, uint64(len(ids)))
	for _, id := range ids {
		writeString(buf, string(id))
	}
	return buf.Bytes()
}

// DecodeNodeIDs parses the payload written by EncodeNodeIDs.
func DecodeNodeIDs(b []byte) ([]NodeID, error) {
	r := &byteReader{b: b}
	n, err := r.readUint64()
	if err != nil {
		return nil, err
	}
	out := make([]NodeID, 0, n)
	for i := uint64(0); i < n; i++ {
		id, err := r.readString()
		if err != nil {
			return nil, err
		}
		out = append(out, NodeID(id))
	}
	return out, nil
}

func sortedIDs(members map[NodeID]Member) []NodeID {
	ids := make([]NodeID, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

// ProposeReconfiguration appends a Reconfiguration entry naming the target
// member set. The new pending configuration governs quorum for indices
// beyond this entry's index immediately on append; it becomes active once
// the entry commits.
func (n *Node) ProposeReconfiguration(term Term, members map[NodeID]Member) (uint64, error) {
	if len(members) == 0 {
		return 0, fmt.Errorf("%w", ErrEmptyConfig)
	}
	indices, err := n.ReplicateRaw(term, [][]byte{EncodeMembers(members)}, true, KindReconfiguration)
	if err != nil {
		return 0, err
	}
	return indices[0], nil
}

// RetireCommitted appends a RetiredCommitted entry naming nodes whose
// PendingRetirement has been observed by a quorum and may now transition to
// RetiredCommitted once this entry itself commits.
func (n *Node) RetireCommitted(term Term, ids []NodeID) (uint64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	indices, err := n.ReplicateRaw(term, [][]byte{EncodeNodeIDs(ids)}, true, KindRetiredCommitted)
	if err != nil {
		return 0, err
	}
	return indices[0], nil
}

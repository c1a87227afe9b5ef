package consensus

import (
	"testing"

	"github.com/concordkv/replicated-ledger/pkg/ledger"
	"github.com/stretchr/testify/require"
)

func TestWireRoundTripAppendEntries(t *testing.T) {
	msg := Message{
		Type: MsgAppendEntries,
		AppendEntries: &AppendEntriesMsg{
			Term:         7,
			LeaderID:     "node-a",
			PrevIndex:    3,
			PrevTerm:     6,
			LeaderCommit: 2,
			TermOfIdx:    6,
			Idx:          2,
			Entries: []ledger.Entry{
				{Term: 7, Index: 4, Payload: []byte("hi"), Committable: true, Kind: ledger.KindRaw},
			},
		},
	}

	decoded, err := Decode(Encode(msg))
	require.NoError(t, err)
	require.Equal(t, msg.Type, decoded.Type)
	require.Equal(t, msg.AppendEntries.Term, decoded.AppendEntries.Term)
	require.Equal(t, msg.AppendEntries.LeaderID, decoded.AppendEntries.LeaderID)
	require.Equal(t, msg.AppendEntries.Entries[0].Payload, decoded.AppendEntries.Entries[0].Payload)
}

func TestWireRoundTripRequestVote(t *testing.T) {
	msg := Message{
		Type: MsgRequestVote,
		RequestVote: &RequestVoteMsg{
			Term:                       4,
			LastCommittableIndex:       10,
			TermOfLastCommittableIndex: 3,
		},
	}
	decoded, err := Decode(Encode(msg))
	require.NoError(t, err)
	require.Equal(t, *msg.RequestVote, *decoded.RequestVote)
}

func TestWireRoundTripProposeRequestVote(t *testing.T) {
	msg := Message{Type: MsgProposeRequestVote, ProposeRequestVote: &ProposeRequestVoteMsg{Term: 9}}
	decoded, err := Decode(Encode(msg))
	require.NoError(t, err)
	require.Equal(t, Term(9), decoded.ProposeRequestVote.Term)
}

func TestDecodeRejectsTruncated(t *testing.T) {
	full := Encode(Message{Type: MsgRequestVoteResponse, RequestVoteResp: &RequestVoteResponseMsg{Term: 1, Granted: true}})
	_, err := Decode(full[:3])
	require.ErrorIs(t, err, ErrDecodeFailure)
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	_, err := Decode([]byte{99, 0, 0})
	require.ErrorIs(t, err, ErrDecodeFailure)
}

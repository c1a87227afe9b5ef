package store

import (
	"testing"

	"github.com/concordkv/replicated-ledger/pkg/consensus"
	"github.com/concordkv/replicated-ledger/pkg/ledger"
	"github.com/stretchr/testify/require"
)

func TestFileWALRecoversEntriesAndState(t *testing.T) {
	dir := t.TempDir()

	w, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, w.Save(5, "node-a"))
	require.NoError(t, w.AppendEntry(ledger.Entry{Term: 5, Index: 1, Payload: []byte("x")}))
	require.NoError(t, w.Close())

	w2, err := Open(dir)
	require.NoError(t, err)
	term, votedFor, err := w2.Load()
	require.NoError(t, err)
	require.Equal(t, consensus.Term(5), term)
	require.Equal(t, consensus.NodeID("node-a"), votedFor)
	require.Len(t, w2.RecoveredEntries(), 1)
}

func TestFileWALTruncateSuffixPersists(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir)
	require.NoError(t, err)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, w.AppendEntry(ledger.Entry{Term: 1, Index: i}))
	}
	require.NoError(t, w.TruncateSuffix(2))
	require.Len(t, w.RecoveredEntries(), 1)
	require.NoError(t, w.Close())

	w2, err := Open(dir)
	require.NoError(t, err)
	require.Len(t, w2.RecoveredEntries(), 1)
}

func TestKVApplyDedupesByClientRequestID(t *testing.T) {
	kv := NewKV()
	cmd := Command{Type: CommandSet, Key: "k", Value: []byte("v1"), ClientID: "c1", RequestID: 1}
	kv.Apply([]ledger.Entry{{Kind: ledger.KindRaw, Payload: EncodeCommand(cmd)}}, 1)

	retry := Command{Type: CommandSet, Key: "k", Value: []byte("v2"), ClientID: "c1", RequestID: 1}
	kv.Apply([]ledger.Entry{{Kind: ledger.KindRaw, Payload: EncodeCommand(retry)}}, 2)

	v, ok := kv.Get("k")
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)
}

func TestKVApplySkipsNonRawAndNilPayload(t *testing.T) {
	kv := NewKV()
	kv.Apply([]ledger.Entry{
		{Kind: ledger.KindRaw, Payload: nil},
		{Kind: ledger.KindReconfiguration, Payload: []byte("ignored")},
	}, 5)
	require.Equal(t, uint64(5), kv.LastApplied())
	_, ok := kv.Get("k")
	require.False(t, ok)
}

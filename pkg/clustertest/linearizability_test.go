package clustertest

import (
	"testing"
	"time"

	"github.com/concordkv/replicated-ledger/pkg/consensus"
	"github.com/concordkv/replicated-ledger/pkg/store"
	"github.com/stretchr/testify/require"
)

func TestLinearizabilityUnderLossyLinks(t *testing.T) {
	c := New([]consensus.NodeID{"A", "B", "C"}, defaultOpts())
	c.Network.SetDropRate(0.2)
	c.Settle(40, time.Millisecond)

	leader := c.Leader()
	require.NotNil(t, leader)

	h := NewHistory()
	var tick int64

	write := func(key string, value []byte) {
		tick++
		id := h.Invoke("write", key, value, tick)
		cmd := store.EncodeCommand(store.Command{Type: store.CommandSet, Key: key, Value: value, ClientID: "client-1", RequestID: uint64(tick)})
		_, err := leader.Replicate(leader.CurrentTerm(), [][]byte{cmd})
		c.Settle(20, time.Millisecond)
		tick++
		h.Complete(id, err == nil, value, tick)
	}

	read := func(key string) {
		tick++
		id := h.Invoke("read", key, nil, tick)
		kv := c.KVs[leader.ID()]
		v, _ := kv.Get(key)
		tick++
		h.Complete(id, true, v, tick)
	}

	write("x", []byte("1"))
	read("x")
	write("x", []byte("2"))
	read("x")

	violations := CheckLinearizability(h)
	require.Empty(t, violations)
	require.NotEmpty(t, c.Network.History())
}

package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendGetRoundTrip(t *testing.T) {
	l := New(nil)

	idx, err := l.Append(1, []byte("hello"), false, KindRaw)
	require.NoError(t, err)
	require.Equal(t, uint64(1), idx)

	e, ok := l.Get(1)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), e.Payload)
	require.Equal(t, uint64(1), e.Term)
	require.NotEqual(t, [32]byte{}, e.Digest)
}

func TestAppendContiguousIndices(t *testing.T) {
	l := New(nil)
	for i := 0; i < 5; i++ {
		idx, err := l.Append(1, nil, false, KindRaw)
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), idx)
	}
	term, index := l.Last()
	require.Equal(t, uint64(1), term)
	require.Equal(t, uint64(5), index)
}

func TestAppendRejectsTermRegression(t *testing.T) {
	l := New(nil)
	_, err := l.Append(3, nil, false, KindRaw)
	require.NoError(t, err)
	_, err = l.Append(2, nil, false, KindRaw)
	require.ErrorIs(t, err, ErrTermRegression)
}

func TestTruncateSuffixThenLast(t *testing.T) {
	l := New(nil)
	for i := 0; i < 3; i++ {
		_, err := l.Append(1, nil, false, KindRaw)
		require.NoError(t, err)
	}
	require.NoError(t, l.TruncateSuffix(2))
	_, index := l.Last()
	require.Equal(t, uint64(1), index)
}

func TestTruncateSuffixRejectsAtOrBelowCommit(t *testing.T) {
	l := New(nil)
	for i := 0; i < 3; i++ {
		_, err := l.Append(1, nil, false, KindRaw)
		require.NoError(t, err)
	}
	l.SetCommitFloor(2)
	err := l.TruncateSuffix(2)
	require.ErrorIs(t, err, ErrTruncateAtOrBelowCommit)

	err = l.TruncateSuffix(1)
	require.ErrorIs(t, err, ErrTruncateAtOrBelowCommit)

	require.NoError(t, l.TruncateSuffix(3))
}

func TestDigestChainChangesWithContent(t *testing.T) {
	a := New(nil)
	b := New(nil)

	_, err := a.Append(1, []byte("x"), false, KindRaw)
	require.NoError(t, err)
	_, err = b.Append(1, []byte("y"), false, KindRaw)
	require.NoError(t, err)

	ea, _ := a.Get(1)
	eb, _ := b.Get(1)
	require.NotEqual(t, ea.Digest, eb.Digest)
}

func TestFirstIndexOfTerm(t *testing.T) {
	l := New(nil)
	mustAppend := func(term uint64) uint64 {
		idx, err := l.Append(term, nil, false, KindRaw)
		require.NoError(t, err)
		return idx
	}
	mustAppend(1)
	mustAppend(1)
	mustAppend(2)
	mustAppend(2)
	idx := mustAppend(2)

	require.Equal(t, uint64(3), l.FirstIndexOfTerm(2, idx))
	require.Equal(t, uint64(1), l.FirstIndexOfTerm(1, 2))
}

func TestRangeReturnsContiguousPrefix(t *testing.T) {
	l := New(nil)
	for i := 0; i < 5; i++ {
		_, err := l.Append(1, nil, false, KindRaw)
		require.NoError(t, err)
	}
	entries, err := l.Range(2, 4)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, uint64(2), entries[0].Index)
	require.Equal(t, uint64(4), entries[2].Index)
}

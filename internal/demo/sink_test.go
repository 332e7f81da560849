package demo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mathdee/cluster-log-subscriber/internal/fragment"
)

func TestSinkAppliesInOrder(t *testing.T) {
	s := New()

	require.Equal(t, fragment.ActionContinue, s.Apply([]byte("abc"), 0, 3, fragment.Header{Position: 3}))
	require.Equal(t, fragment.ActionContinue, s.Apply([]byte("defgh"), 0, 5, fragment.Header{Position: 8}))

	require.Equal(t, 2, s.Len())

	last, ok := s.Last()
	require.True(t, ok)
	require.Equal(t, int64(8), last.ConsensusPosition)
	require.Equal(t, []byte("defgh"), last.Payload)

	all := s.All()
	require.Len(t, all, 2)
	require.Equal(t, []byte("abc"), all[0].Payload)
}

func TestSinkCopiesPayloadOutOfCallerBuffer(t *testing.T) {
	s := New()
	buf := []byte("mutate-me")
	s.Apply(buf, 0, len(buf), fragment.Header{Position: int64(len(buf))})

	buf[0] = 'X'

	entry, ok := s.Last()
	require.True(t, ok)
	require.Equal(t, byte('m'), entry.Payload[0], "sink must copy, not alias, the caller's buffer")
}

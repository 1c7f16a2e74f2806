package ksync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argentum/internal/kerr"
	"argentum/internal/sched"
)

func TestMailBox_FIFOOrdering(t *testing.T) {
	// Mailbox FIFO invariant (spec §8): messages come out in the exact
	// order they were sent in, and capacity/emptiness are tracked at
	// message granularity, not raw byte count.
	s := sched.New(1)
	mb := NewMailBox(s, 4, 3)

	msgs := [][]byte{[]byte("aaaa"), []byte("bbbb"), []byte("cccc")}
	for _, m := range msgs {
		require.Equal(t, kerr.None, mb.TrySend(0, m))
	}
	assert.Equal(t, kerr.EAGAIN, mb.TrySend(0, []byte("dddd")), "a full mailbox rejects further sends")

	for _, want := range msgs {
		got := make([]byte, 4)
		require.Equal(t, kerr.None, mb.TryReceive(0, got))
		assert.Equal(t, want, got)
	}
	assert.Equal(t, kerr.EAGAIN, mb.TryReceive(0, make([]byte, 4)), "an empty mailbox rejects further receives")
}

func TestMailBox_InterleavedSendReceivePreservesOrder(t *testing.T) {
	s := sched.New(1)
	mb := NewMailBox(s, 2, 2)

	require.Equal(t, kerr.None, mb.TrySend(0, []byte("A1")))
	require.Equal(t, kerr.None, mb.TrySend(0, []byte("A2")))

	got := make([]byte, 2)
	require.Equal(t, kerr.None, mb.TryReceive(0, got))
	assert.Equal(t, "A1", string(got))

	require.Equal(t, kerr.None, mb.TrySend(0, []byte("A3")))

	for _, want := range []string{"A2", "A3"} {
		require.Equal(t, kerr.None, mb.TryReceive(0, got))
		assert.Equal(t, want, string(got))
	}
}

func TestNewMailBox_PanicsOnBadDimensions(t *testing.T) {
	s := sched.New(1)
	assert.Panics(t, func() { NewMailBox(s, 0, 1) })
	assert.Panics(t, func() { NewMailBox(s, 1, 0) })
}

package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmptyFullRoundTrip(t *testing.T) {
	b := New(4)
	require.True(t, b.IsEmpty())
	require.False(t, b.IsFull())
	require.Equal(t, 0, b.Len())

	n := b.Write([]byte{1, 2, 3, 4})
	require.Equal(t, 4, n)
	require.True(t, b.IsFull())
	require.False(t, b.IsEmpty())
	require.Equal(t, 4, b.Len())

	out := make([]byte, 4)
	n = b.Read(out)
	require.Equal(t, 4, n)
	require.Equal(t, []byte{1, 2, 3, 4}, out)
	require.True(t, b.IsEmpty())
}

func TestWrapAround(t *testing.T) {
	b := New(4)
	require.Equal(t, 3, b.Write([]byte{1, 2, 3}))
	out := make([]byte, 2)
	require.Equal(t, 2, b.Read(out))
	require.Equal(t, []byte{1, 2}, out)

	// in=3 out=2, one free slot contiguous then wraps
	n := b.Write([]byte{4, 5, 6})
	require.Equal(t, 3, n)
	require.True(t, b.IsFull())

	rest := make([]byte, 4)
	require.Equal(t, 4, b.Read(rest))
	require.Equal(t, []byte{3, 4, 5, 6}, rest)
	require.True(t, b.IsEmpty())
}

func TestPartialWriteWhenFull(t *testing.T) {
	b := New(4)
	require.Equal(t, 4, b.Write([]byte{1, 2, 3, 4}))
	require.Equal(t, 0, b.Write([]byte{5}))
}

func TestResetClearsOccupancy(t *testing.T) {
	b := New(4)
	b.Write([]byte{1, 2, 3})
	b.Reset()
	require.True(t, b.IsEmpty())
	require.Equal(t, 0, b.Len())
	require.Equal(t, 4, len(b.WritableSpan()))
}

func TestAdvanceOutWrapsIndexToZero(t *testing.T) {
	b := New(4)
	b.Write([]byte{1, 2, 3, 4})
	out := make([]byte, 4)
	b.Read(out)
	// out index should have wrapped/reset; buffer usable again at full capacity
	require.Equal(t, 4, len(b.WritableSpan()))
}

func TestAdvanceInWrapsIndexToZero(t *testing.T) {
	b := New(4)
	b.AdvanceIn(4) // pretend a read deposited 4 bytes directly into the span
	require.True(t, b.IsFull())
	span := b.WritableSpan()
	require.Equal(t, 0, len(span))
}

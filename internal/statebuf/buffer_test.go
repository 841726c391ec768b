package statebuf

import (
	"hash/fnv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kokokino/talonlance/internal/core"
)

func TestSaveLoad_RoundTrips(t *testing.T) {
	b := New()
	data := []byte("hello world")

	b.Save(10, data)

	got := b.Load(10)
	require.Equal(t, data, got)

	// Load returns a copy, not the original slice.
	got[0] = 'H'
	require.Equal(t, byte('h'), b.Load(10)[0])
}

func TestChecksum_IsFNV1a32(t *testing.T) {
	b := New()
	data := []byte("deterministic state")
	b.Save(1, data)

	want := fnv.New32a()
	want.Write(data) //nolint:errcheck

	got, ok := b.Checksum(1)
	require.True(t, ok)
	require.Equal(t, want.Sum32(), got)
}

func TestLoad_NilOnFrameMismatch(t *testing.T) {
	b := New()
	require.Nil(t, b.Load(5))

	b.Save(5, []byte("x"))
	require.NotNil(t, b.Load(5))

	// Overwrite the same ring slot with a different frame (5 and
	// 5+StateRingSize collide).
	b.Save(core.Frame(5+core.StateRingSize), []byte("y"))
	require.Nil(t, b.Load(5))
	require.False(t, b.Has(5))
}

func TestChecksum_NilOnMismatch(t *testing.T) {
	b := New()
	_, ok := b.Checksum(42)
	require.False(t, ok)
}

func TestCell_SaveLoad(t *testing.T) {
	b := New()
	c := b.Cell(7)
	require.Equal(t, core.Frame(7), c.Frame())

	c.Save([]byte("state-at-7"))
	require.Equal(t, []byte("state-at-7"), c.Load())
	require.True(t, b.Has(7))
}

func TestRingSafety_WrapsCorrectly(t *testing.T) {
	// Load(f) returns non-nil iff the slot
	// at f mod 64 has not been overwritten by a subsequent save.
	b := New()
	for f := core.Frame(0); f < core.StateRingSize; f++ {
		b.Save(f, []byte{byte(f)})
	}
	for f := core.Frame(0); f < core.StateRingSize; f++ {
		require.True(t, b.Has(f))
	}

	b.Save(core.StateRingSize, []byte{0xFF}) // wraps onto slot 0

	require.False(t, b.Has(0))
	require.True(t, b.Has(core.StateRingSize))
	for f := core.Frame(1); f < core.StateRingSize; f++ {
		require.True(t, b.Has(f))
	}
}

package blob

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func rawTemplate() []byte {
	raw := make([]byte, 76)
	for i := range raw {
		raw[i] = byte(i)
	}
	return raw
}

func TestNonceFieldRoundTrip(t *testing.T) {
	raw := rawTemplate()
	b, err := New(raw, false, Absent, Absent, Absent)
	require.NoError(t, err)

	b.SetNonce(0xdeadbeef)
	require.Equal(t, uint32(0xdeadbeef), b.Nonce())
	require.Equal(t, byte(0xde), b.NiceHash())
}

func TestSetNiceHashTouchesOnlyHighByte(t *testing.T) {
	raw := rawTemplate()
	b, err := New(raw, false, Absent, Absent, Absent)
	require.NoError(t, err)

	b.SetNonce(0x11223344)
	b.SetNiceHash(0xAB)
	require.Equal(t, uint32(0xAB223344), b.Nonce())
}

func TestOptionalSlotsBigEndian(t *testing.T) {
	raw := rawTemplate()
	b, err := New(raw, true, 43, 47, 51)
	require.NoError(t, err)

	require.NoError(t, b.SetReserved(0x01020304))
	require.NoError(t, b.SetClientNonce(0x05060708))
	require.NoError(t, b.SetClientPool(0x090a0b0c))

	got := b.Bytes()
	require.Equal(t, uint32(0x01020304), binary.BigEndian.Uint32(got[43:47]))
	require.Equal(t, uint32(0x05060708), binary.BigEndian.Uint32(got[47:51]))
	require.Equal(t, uint32(0x090a0b0c), binary.BigEndian.Uint32(got[51:55]))
}

func TestAbsentSlotsRejectWrites(t *testing.T) {
	raw := rawTemplate()
	b, err := New(raw, false, Absent, Absent, Absent)
	require.NoError(t, err)

	require.Error(t, b.SetReserved(1))
	require.Error(t, b.SetClientNonce(1))
	require.Error(t, b.SetClientPool(1))
}

type stubCollapser struct{ out []byte }

func (s stubCollapser) Collapse(template []byte) ([]byte, error) { return s.out, nil }

func TestCollapseNonTemplateIsNoop(t *testing.T) {
	raw := rawTemplate()
	b, err := New(raw, false, Absent, Absent, Absent)
	require.NoError(t, err)

	hashable, err := b.Collapse(nil)
	require.NoError(t, err)
	require.Equal(t, b.Bytes(), hashable.Bytes())
	require.False(t, hashable.IsTemplate())
}

func TestCollapseTemplateDelegates(t *testing.T) {
	raw := rawTemplate()
	b, err := New(raw, true, Absent, Absent, Absent)
	require.NoError(t, err)

	want := make([]byte, 76)
	copy(want, raw)
	want[0] = 0xff

	hashable, err := b.Collapse(stubCollapser{out: want})
	require.NoError(t, err)
	require.Equal(t, want, hashable.Bytes())
	require.False(t, hashable.IsTemplate())
}

func drawOptionalOffset(rt *rapid.T, label string, lo, hi uint32) uint32 {
	if !rapid.Bool().Draw(rt, label+"Present") {
		return Absent
	}
	return rapid.Uint32Range(lo, hi).Draw(rt, label)
}

// TestNonceAndNiceHashNeverCollideWithSlots checks the invariant from:
// writes to niceHash, clientNonce, clientPool and nonce never collide for
// any offsets a pool template may legally provide.
func TestNonceAndNiceHashNeverCollideWithSlots(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		reservedOffset := drawOptionalOffset(rt, "reserved", 0, nonceOffset-4)
		clientNonceOffset := drawOptionalOffset(rt, "clientNonce", 44, 60)
		clientPoolOffset := drawOptionalOffset(rt, "clientPool", 60, 72)

		raw := rawTemplate()
		b, err := New(raw, true, reservedOffset, clientNonceOffset, clientPoolOffset)
		require.NoError(rt, err)

		nonceRange := [2]uint32{nonceOffset, nonceOffset + 4}
		for _, off := range []uint32{reservedOffset, clientNonceOffset, clientPoolOffset} {
			if off == Absent {
				continue
			}
			if off < nonceRange[1] && off+4 > nonceRange[0] {
				rt.Fatalf("slot at %d overlaps nonce field %v", off, nonceRange)
			}
		}
	})
}

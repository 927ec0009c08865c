// Package target implements the 64-bit target / 32-bit difficulty arithmetic
// that gates every share.
package target

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"math/big"
)

// maxUint256 is 2^256 - 1, the numerator of every difficulty↔target
// conversion.
var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// Target is the canonical 64-bit form: a pool's hex target is widened into
// the high half of this value, resolution of the "≤4-byte target expansion"
// open question.
type Target uint64

// ErrZeroDifficulty is returned when a conversion is asked to divide by
// a zero or negative difficulty.
var ErrZeroDifficulty = errors.New("target: difficulty must be positive")

// maxPreciseDifficulty bounds the difficulty range over which narrowing
// the 256-bit quotient to its top 8 bytes preserves the quotient's true
// magnitude to within 2^-24 relative error. Past this point the
// quotient's bit length has dropped far enough below 256 that its
// significant bits no longer live in the window narrowTo64 keeps, and
// the round trip through ToDifficulty loses precision fast. Real
// network and per-worker difficulties (tens to low billions) sit many
// orders of magnitude under this bound.
const maxPreciseDifficulty = 1 << 41

// FromDifficulty computes target = floor((2^256-1) / difficulty),
// narrowed to the top 8 bytes (big-endian) of the 256-bit quotient.
// The round trip through ToDifficulty stays within 2^-24 relative error
// for difficulty values up to maxPreciseDifficulty.
func FromDifficulty(difficulty uint32) (Target, error) {
	if difficulty == 0 {
		return 0, ErrZeroDifficulty
	}
	q := new(big.Int).Div(maxUint256, big.NewInt(int64(difficulty)))
	return narrowTo64(q), nil
}

// narrowTo64 takes the top 8 bytes (big-endian) of a 256-bit quotient.
func narrowTo64(q *big.Int) Target {
	buf := make([]byte, 32)
	q.FillBytes(buf)
	return Target(binary.BigEndian.Uint64(buf[:8]))
}

// expand widens the 64-bit target back into a full 256-bit integer by
// placing it in the high 8 bytes.
func (t Target) expand() *big.Int {
	buf := make([]byte, 32)
	binary.BigEndian.PutUint64(buf[:8], uint64(t))
	return new(big.Int).SetBytes(buf)
}

// ToDifficulty computes floor((2^256-1) / expand(t)), narrowed to 32
// bits (saturating at math.MaxUint32 if the quotient overflows, which
// only happens for a near-zero target).
func (t Target) ToDifficulty() uint32 {
	exp := t.expand()
	if exp.Sign() == 0 {
		return ^uint32(0)
	}
	q := new(big.Int).Div(maxUint256, exp)
	if !q.IsUint64() || q.Uint64() > uint64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(q.Uint64())
}

// DifficultyOfHash interprets a 32-byte hash the way CryptoNight hashes are
// conventionally stored (least-significant byte first) by byte-reversing it
// into big-endian order before the division, and returns floor((2^256-1) /
// bigendian(hash)), narrowed to 32 bits.
func DifficultyOfHash(hash [32]byte) uint32 {
	var reversed [32]byte
	for i := 0; i < 32; i++ {
		reversed[i] = hash[31-i]
	}
	h := new(big.Int).SetBytes(reversed[:])
	if h.Sign() == 0 {
		return ^uint32(0)
	}
	q := new(big.Int).Div(maxUint256, h)
	if !q.IsUint64() || q.Uint64() > uint64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(q.Uint64())
}

// Meets reports whether a hash's difficulty satisfies a required difficulty:
// difficultyOfHash(h) >= required.
func Meets(hash [32]byte, required uint32) bool {
	return DifficultyOfHash(hash) >= required
}

// ToHexString renders the target's top `n` bytes (4 or 8) as little-endian
// hex, matching the wire's narrow target encodings.
func (t Target) ToHexString(n int) string {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t))
	switch n {
	case 4:
		le := make([]byte, 4)
		// top 4 bytes of the 64-bit target, little-endian on the wire
		for i := 0; i < 4; i++ {
			le[i] = buf[3-i]
		}
		return hex.EncodeToString(le)
	case 8:
		le := make([]byte, 8)
		for i := 0; i < 8; i++ {
			le[i] = buf[7-i]
		}
		return hex.EncodeToString(le)
	default:
		return ""
	}
}

// ParseHex parses a wire target: a 4-byte little-endian encoding is widened
// into the high half; an 8-byte little-endian encoding is the full 64-bit
// target.
func ParseHex(s string) (Target, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return 0, err
	}
	switch len(raw) {
	case 4:
		be := make([]byte, 4)
		for i := 0; i < 4; i++ {
			be[i] = raw[3-i]
		}
		var full [8]byte
		copy(full[:4], be)
		return Target(binary.BigEndian.Uint64(full[:])), nil
	case 8:
		be := make([]byte, 8)
		for i := 0; i < 8; i++ {
			be[i] = raw[7-i]
		}
		return Target(binary.BigEndian.Uint64(be)), nil
	default:
		return 0, errors.New("target: hex target must be 4 or 8 bytes")
	}
}

// Raw4Mask narrows a 64-bit target to its top 4 bytes as specified by
// invariant 7: the narrowing equals t & 0xFFFFFFFF00000000.
func (t Target) Raw4Mask() uint64 {
	return uint64(t) & 0xFFFFFFFF00000000
}

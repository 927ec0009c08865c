// Package blob implements the Monero block/hash blob: a fixed-offset
// byte string the proxy slices and rewrites per worker without ever
// touching the bytes outside its named fields.
package blob

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// Absent is the sentinel value for an optional offset that a pool
// template did not provide.
const Absent = ^uint32(0)

// nonceOffset is the fixed byte offset of the 4-byte little-endian
// nonce within every blob, template or not.
const nonceOffset = 39

// minLen/maxLen bound the blob sizes the proxy is expected to see.
const (
	minLen = 76
	maxLen = 84
)

var (
	// ErrTooShort is returned when a blob is shorter than minLen bytes.
	ErrTooShort = errors.New("blob: shorter than the minimum blob length")
	// ErrOffsetOutOfRange is returned when a caller-supplied offset
	// does not fit within the blob.
	ErrOffsetOutOfRange = errors.New("blob: offset out of range")
)

// Blob is an opaque, fixed-offset byte string. Zero value is not
// usable; construct with New or Parse.
type Blob struct {
	raw                []byte
	isTemplate         bool
	reservedOffset     uint32
	clientNonceOffset  uint32
	clientPoolOffset   uint32
}

// New wraps raw bytes as a Blob, copying them so later mutation of the
// caller's slice cannot alias the Blob's state.
func New(raw []byte, isTemplate bool, reservedOffset, clientNonceOffset, clientPoolOffset uint32) (Blob, error) {
	if len(raw) < minLen {
		return Blob{}, ErrTooShort
	}
	if len(raw) > maxLen && !isTemplate {
		return Blob{}, fmt.Errorf("blob: %d bytes exceeds max hashing blob length %d", len(raw), maxLen)
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	b := Blob{
		raw:               cp,
		isTemplate:        isTemplate,
		reservedOffset:    reservedOffset,
		clientNonceOffset: clientNonceOffset,
		clientPoolOffset:  clientPoolOffset,
	}
	for _, off := range []uint32{reservedOffset, clientNonceOffset, clientPoolOffset} {
		if off != Absent && int(off)+4 > len(cp) {
			return Blob{}, ErrOffsetOutOfRange
		}
	}
	return b, nil
}

// Parse decodes a hex-encoded blob.
func Parse(hexBlob string, isTemplate bool, reservedOffset, clientNonceOffset, clientPoolOffset uint32) (Blob, error) {
	raw, err := hex.DecodeString(hexBlob)
	if err != nil {
		return Blob{}, fmt.Errorf("blob: decode hex: %w", err)
	}
	return New(raw, isTemplate, reservedOffset, clientNonceOffset, clientPoolOffset)
}

// Hex renders the blob as lowercase hex.
func (b Blob) Hex() string {
	return hex.EncodeToString(b.raw)
}

// Bytes returns a copy of the underlying bytes.
func (b Blob) Bytes() []byte {
	cp := make([]byte, len(b.raw))
	copy(cp, b.raw)
	return cp
}

// Len returns the blob's length in bytes.
func (b Blob) Len() int {
	return len(b.raw)
}

// IsTemplate reports whether this blob is a pre-hashing block template
// that must be collapsed before it can be hashed.
func (b Blob) IsTemplate() bool {
	return b.isTemplate
}

// HasReserved reports whether the pool supplied a reserved-offset slot.
func (b Blob) HasReserved() bool { return b.reservedOffset != Absent }

// HasClientNonce reports whether the pool supplied a worker-nonce slot.
func (b Blob) HasClientNonce() bool { return b.clientNonceOffset != Absent }

// HasClientPool reports whether the pool supplied a pool-nonce slot.
func (b Blob) HasClientPool() bool { return b.clientPoolOffset != Absent }

// ReservedOffset, ClientNonceOffset and ClientPoolOffset return the
// raw offsets as supplied at construction (Absent if unset).
func (b Blob) ReservedOffset() uint32    { return b.reservedOffset }
func (b Blob) ClientNonceOffset() uint32 { return b.clientNonceOffset }
func (b Blob) ClientPoolOffset() uint32  { return b.clientPoolOffset }

// Nonce reads the 4-byte little-endian nonce at its fixed offset.
func (b Blob) Nonce() uint32 {
	return binary.LittleEndian.Uint32(b.raw[nonceOffset : nonceOffset+4])
}

// SetNonce writes the 4-byte little-endian nonce in place.
func (b *Blob) SetNonce(v uint32) {
	binary.LittleEndian.PutUint32(b.raw[nonceOffset:nonceOffset+4], v)
}

// NiceHash returns the high-order byte of the little-endian nonce —
// the byte the proxy uses to partition the nonce space across
// workers when a pool job carries no pool-nonce/worker-nonce slots.
func (b Blob) NiceHash() byte {
	return b.raw[nonceOffset+3]
}

// SetNiceHash overwrites only the high-order byte of the nonce,
// leaving the remaining three bytes untouched.
func (b *Blob) SetNiceHash(v byte) {
	b.raw[nonceOffset+3] = v
}

// SetReserved writes a big-endian 32-bit value into the reserved slot.
// It is a no-op returning an error if the blob has no reserved slot.
func (b *Blob) SetReserved(v uint32) error {
	if !b.HasReserved() {
		return errors.New("blob: no reserved offset in this blob")
	}
	binary.BigEndian.PutUint32(b.raw[b.reservedOffset:b.reservedOffset+4], v)
	return nil
}

// SetClientNonce writes a big-endian 32-bit worker-nonce value.
func (b *Blob) SetClientNonce(v uint32) error {
	if !b.HasClientNonce() {
		return errors.New("blob: no client-nonce offset in this blob")
	}
	binary.BigEndian.PutUint32(b.raw[b.clientNonceOffset:b.clientNonceOffset+4], v)
	return nil
}

// SetClientPool writes a big-endian 32-bit pool-nonce value.
func (b *Blob) SetClientPool(v uint32) error {
	if !b.HasClientPool() {
		return errors.New("blob: no client-pool offset in this blob")
	}
	binary.BigEndian.PutUint32(b.raw[b.clientPoolOffset:b.clientPoolOffset+4], v)
	return nil
}

// Clone returns an independent copy that shares no backing array with b.
func (b Blob) Clone() Blob {
	cp := make([]byte, len(b.raw))
	copy(cp, b.raw)
	return Blob{
		raw:               cp,
		isTemplate:        b.isTemplate,
		reservedOffset:    b.reservedOffset,
		clientNonceOffset: b.clientNonceOffset,
		clientPoolOffset:  b.clientPoolOffset,
	}
}

// TemplateCollapser is the cryptonote collaborator that turns a block
// template into a ready-to-hash blob.
type TemplateCollapser interface {
	Collapse(template []byte) ([]byte, error)
}

// Collapse turns a template blob into a hashable one via collapser. If
// b is not a template, it is returned unchanged (a defensive copy).
func (b Blob) Collapse(collapser TemplateCollapser) (Blob, error) {
	if !b.isTemplate {
		return b.Clone(), nil
	}
	if collapser == nil {
		return Blob{}, errors.New("blob: template requires a collapser")
	}
	hashable, err := collapser.Collapse(b.raw)
	if err != nil {
		return Blob{}, fmt.Errorf("blob: collapse template: %w", err)
	}
	out := b.Clone()
	out.raw = make([]byte, len(hashable))
	copy(out.raw, hashable)
	out.isTemplate = false
	return out, nil
}

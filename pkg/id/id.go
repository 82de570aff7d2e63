package id

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"sync"
	"time"
)

// ID is a 128-bit identifier that sorts byte-wise in generation order:
// [8 bytes unix ms][8 bytes sequence], both big-endian.
type ID [16]byte

// Zero is the unset ID.
var Zero ID

// Bytes returns a copy of the raw 16-byte representation.
func (i ID) Bytes() []byte { return append([]byte(nil), i[:]...) }

// String returns the 32-character lowercase hex form. It is also the
// on-disk name of attachment blobs, so it must stay filename-safe.
func (i ID) String() string { return hex.EncodeToString(i[:]) }

// IsZero reports whether the ID is unset.
func (i ID) IsZero() bool { return i == Zero }

// Time returns the millisecond component.
func (i ID) Time() time.Time {
	return time.UnixMilli(int64(binary.BigEndian.Uint64(i[0:8])))
}

// Compare returns -1, 0 or 1.
func (i ID) Compare(other ID) int { return bytes.Compare(i[:], other[:]) }

// Parse decodes the hex form produced by String.
func Parse(s string) (ID, error) {
	var out ID
	if len(s) != hex.EncodedLen(len(out)) {
		return Zero, fmt.Errorf("id: invalid length %d", len(s))
	}
	if _, err := hex.Decode(out[:], []byte(s)); err != nil {
		return Zero, fmt.Errorf("id: %w", err)
	}
	return out, nil
}

// FromBytes copies a 16-byte slice into an ID.
func FromBytes(b []byte) (ID, error) {
	var out ID
	if len(b) != len(out) {
		return Zero, fmt.Errorf("id: need %d bytes, got %d", len(out), len(b))
	}
	copy(out[:], b)
	return out, nil
}

// Generator produces strictly increasing IDs. Safe for concurrent use.
type Generator struct {
	mu     sync.Mutex
	now    func() int64
	lastMs int64
	seq    uint64
}

// NewGenerator returns a Generator reading the wall clock.
func NewGenerator() *Generator {
	return NewGeneratorWithClock(func() int64 { return time.Now().UnixMilli() })
}

// NewGeneratorWithClock returns a Generator with an injected millisecond clock.
func NewGeneratorWithClock(now func() int64) *Generator {
	return &Generator{now: now}
}

// Next returns the next ID. A regressing clock is pinned to the last seen
// millisecond; a sequence overflow moves the logical millisecond forward
// instead of waiting for the wall clock.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now()
	switch {
	case ms > g.lastMs:
		g.lastMs = ms
		g.seq = 0
	case g.seq == math.MaxUint64:
		g.lastMs++
		g.seq = 0
	default:
		g.seq++
	}

	var out ID
	binary.BigEndian.PutUint64(out[0:8], uint64(g.lastMs))
	binary.BigEndian.PutUint64(out[8:16], g.seq)
	return out
}

// Observe makes every later Next return an ID greater than seen. Used to
// seed a fresh Generator from IDs that are already persisted.
func (g *Generator) Observe(seen ID) {
	ms := int64(binary.BigEndian.Uint64(seen[0:8]))
	seq := binary.BigEndian.Uint64(seen[8:16])
	g.mu.Lock()
	defer g.mu.Unlock()
	if ms > g.lastMs || (ms == g.lastMs && seq > g.seq) {
		g.lastMs = ms
		g.seq = seq
	}
}

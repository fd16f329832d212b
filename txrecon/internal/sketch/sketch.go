// Package sketch implements a PinSketch-style set digest over GF(2^32).
//
// A sketch of capacity c holds the odd power sums s_1, s_3, ..., s_(2c+1) of
// the set elements, one guard syndrome beyond the stated capacity. Two
// sketches of equal capacity are merged by xor, which subtracts the shared
// elements, so the merge of sketches of two sets is the sketch of their
// symmetric difference. Decoding recovers the encoded set exactly, or reports
// failure; it never returns an approximation.
package sketch

import (
	"encoding/binary"
	"fmt"
	"slices"
)

// ElementSize is the serialized size of one syndrome in bytes.
const ElementSize = 4

// MinSerializedSize is the smallest valid serialized sketch: capacity 1 plus
// the guard syndrome.
const MinSerializedSize = 2 * ElementSize

// Sketch is a fixed-capacity algebraic set digest. The zero value is not
// usable; construct with New or FromBytes.
type Sketch struct {
	odd []uint32
}

// New creates an empty sketch able to decode up to capacity elements.
func New(capacity int) *Sketch {
	if capacity < 1 {
		panic("BUG: sketch capacity must be positive")
	}
	return &Sketch{odd: make([]uint32, capacity+1)}
}

// FromBytes deserializes a sketch produced by Bytes.
func FromBytes(data []byte) (*Sketch, error) {
	if len(data) < MinSerializedSize || len(data)%ElementSize != 0 {
		return nil, fmt.Errorf("invalid sketch size %d", len(data))
	}
	s := &Sketch{odd: make([]uint32, len(data)/ElementSize)}
	for i := range s.odd {
		s.odd[i] = binary.LittleEndian.Uint32(data[i*ElementSize:])
	}
	return s, nil
}

// Capacity returns the number of elements the sketch can decode.
func (s *Sketch) Capacity() int {
	return len(s.odd) - 1
}

// Add includes a non-zero element in the sketch. Adding an element twice
// removes it: the sketch tracks membership modulo 2.
func (s *Sketch) Add(elem uint32) {
	if elem == 0 {
		panic("BUG: zero element cannot be sketched")
	}
	sq := gfSqr(elem)
	p := elem
	for i := range s.odd {
		s.odd[i] ^= p
		p = gfMul(p, sq)
	}
}

// Merge xors the other sketch into s. Merging a sketch with a copy of itself
// yields the empty sketch.
func (s *Sketch) Merge(other *Sketch) error {
	if other.Capacity() != s.Capacity() {
		return fmt.Errorf("sketch capacity mismatch: %d != %d", s.Capacity(), other.Capacity())
	}
	for i := range s.odd {
		s.odd[i] ^= other.odd[i]
	}
	return nil
}

// Clone returns a deep copy of the sketch.
func (s *Sketch) Clone() *Sketch {
	return &Sketch{odd: slices.Clone(s.odd)}
}

// Bytes serializes the sketch as little-endian syndromes. The size is
// determined by the capacity alone, never by the number of added elements.
func (s *Sketch) Bytes() []byte {
	buf := make([]byte, len(s.odd)*ElementSize)
	for i, v := range s.odd {
		binary.LittleEndian.PutUint32(buf[i*ElementSize:], v)
	}
	return buf
}

// Decode recovers the set encoded by the sketch, sorted ascending.
// It returns false whenever the set does not fit the capacity: the minimal
// recurrence behind the syndromes then has degree above capacity, or its
// locator polynomial does not split into distinct linear factors.
func (s *Sketch) Decode() ([]uint32, bool) {
	n := len(s.odd)
	empty := true
	for _, v := range s.odd {
		if v != 0 {
			empty = false
			break
		}
	}
	if empty {
		return nil, true
	}

	// Full syndrome sequence s_1..s_2n: the even power sums follow from
	// squaring since squaring is linear in characteristic 2.
	syn := make([]uint32, 2*n)
	for i, v := range s.odd {
		syn[2*i] = v
	}
	for k := 1; k <= n; k++ {
		syn[2*k-1] = gfSqr(syn[k-1])
	}

	c, l := berlekampMassey(syn)
	if l == 0 || l > s.Capacity() || len(c)-1 != l {
		return nil, false
	}
	loc := polyMonic(c)
	if !fullySplits(loc) {
		return nil, false
	}
	roots := findRoots(loc)
	if len(roots) != l {
		return nil, false
	}
	// The locator has roots 1/m for each element m.
	elems := make([]uint32, l)
	for i, r := range roots {
		elems[i] = gfInv(r)
	}
	slices.Sort(elems)
	return elems, true
}

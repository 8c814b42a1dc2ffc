// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package proto

import (
	"fmt"
	"iter"
	"math/bits"
	"strings"

	"github.com/creachadair/rtps/packet"
)

// A SequenceNumber orders the changes produced by a single writer. Valid
// sequence numbers start at 1; the zero value means "none".
//
// On the wire a sequence number is the pair (high int32, low uint32), which is
// exactly the two's complement encoding of a 64-bit signed value.
type SequenceNumber int64

// SequenceNumberFrom assembles a sequence number from its wire halves.
func SequenceNumberFrom(high int32, low uint32) SequenceNumber {
	return SequenceNumber(int64(high)<<32 | int64(low))
}

// High reports the high-order half of s.
func (s SequenceNumber) High() int32 { return int32(s >> 32) }

// Low reports the low-order half of s.
func (s SequenceNumber) Low() uint32 { return uint32(s) }

// MaxSetSize is the largest number of sequence numbers a [SequenceSet] can
// describe.
const MaxSetSize = 256

// A SequenceSet is a bitmap of up to [MaxSetSize] sequence numbers starting at
// Base. It is used by ACKNACK to request missing changes and by GAP to list
// irrelevant ones.
type SequenceSet struct {
	Base SequenceNumber
	N    uint32 // number of meaningful bits, ≤ MaxSetSize

	bits [MaxSetSize / 32]uint32
}

// NewSequenceSet returns an empty set based at base.
func NewSequenceSet(base SequenceNumber) SequenceSet { return SequenceSet{Base: base} }

// Add adds seq to the set and reports whether it was in range.
func (s *SequenceSet) Add(seq SequenceNumber) bool {
	if seq < s.Base || seq >= s.Base+MaxSetSize {
		return false
	}
	off := uint32(seq - s.Base)
	if off >= s.N {
		s.N = off + 1
	}
	s.bits[off/32] |= 1 << (31 - off%32)
	return true
}

// Contains reports whether seq is a member of the set.
func (s SequenceSet) Contains(seq SequenceNumber) bool {
	if seq < s.Base || seq >= s.Base+SequenceNumber(s.N) {
		return false
	}
	off := uint32(seq - s.Base)
	return s.bits[off/32]&(1<<(31-off%32)) != 0
}

// Len reports the number of members of the set.
func (s SequenceSet) Len() int {
	var n int
	for _, w := range s.bits {
		n += bits.OnesCount32(w)
	}
	return n
}

// All yields the members of the set in increasing order.
func (s SequenceSet) All() iter.Seq[SequenceNumber] {
	return func(yield func(SequenceNumber) bool) {
		for off := range s.N {
			if s.bits[off/32]&(1<<(31-off%32)) == 0 {
				continue
			}
			if !yield(s.Base + SequenceNumber(off)) {
				return
			}
		}
	}
}

func (s SequenceSet) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d/%d:[", s.Base, s.N)
	first := true
	for seq := range s.All() {
		if !first {
			sb.WriteByte(' ')
		}
		first = false
		fmt.Fprint(&sb, seq)
	}
	sb.WriteByte(']')
	return sb.String()
}

func (s SequenceSet) encode(b *packet.Builder) {
	b.Int64(int64(s.Base))
	b.Uint32(s.N)
	for i := range (s.N + 31) / 32 {
		b.Uint32(s.bits[i])
	}
}

func (s *SequenceSet) decode(sc *packet.Scanner) error {
	base, err := sc.Int64()
	if err != nil {
		return err
	}
	n, err := sc.Uint32()
	if err != nil {
		return err
	}
	if n > MaxSetSize {
		return fmt.Errorf("sequence set too large (%d > %d)", n, MaxSetSize)
	}
	*s = SequenceSet{Base: SequenceNumber(base), N: n}
	for i := range (n + 31) / 32 {
		if s.bits[i], err = sc.Uint32(); err != nil {
			return err
		}
	}
	// Bits beyond N are not members even if the sender set them.
	if r := n % 32; r != 0 {
		s.bits[n/32] &^= (1 << (32 - r)) - 1
	}
	return nil
}

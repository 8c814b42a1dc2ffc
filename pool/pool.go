// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package pool implements an arena of payload buffers shared by the histories
// of co-located endpoints.
//
// Buffers are referenced by a [Handle] rather than by pointer. A handle is
// owned by exactly one caller from the moment [Pool.Get] returns it until it
// is passed to [Pool.Release] (or moved to another pool by [Pool.CopyOut]).
// Each handle carries a generation, so a handle that has already been released
// is not mistaken for a later owner of the same slot.
//
// The way buffers are allocated and recycled is selected at construction time
// by a [Policy]:
//
//   - [Preallocated]: every buffer has the configured fixed size. Asking for
//     more than that is a programming error, and Get panics.
//   - [PreallocatedWithRealloc]: buffers start at the configured size and are
//     grown in place (zero-filled) when a caller asks for more.
//   - [DynamicReserve]: each Get allocates a fresh buffer of exactly the
//     requested size, and Release discards it.
//   - [DynamicReusable]: released buffers are kept and reused; a reused buffer
//     grows when needed but never shrinks.
//
// Histories declare how many buffers they may hold with [Pool.Reserve]. The
// pool's ceiling is the sum of the writer reservations plus the largest
// reader reservation; any unbounded reservation removes the ceiling. When
// the ceiling is reached Get reports false, which callers treat as
// backpressure.
package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// ErrExhausted is reported by callers of [Pool.Get] when the pool has reached
// its ceiling.
var ErrExhausted = errors.New("payload pool exhausted")

// A Policy selects how a [Pool] allocates and recycles buffers.
type Policy int

const (
	Preallocated Policy = iota
	PreallocatedWithRealloc
	DynamicReserve
	DynamicReusable
)

var policyNames = []string{
	"PREALLOCATED",
	"PREALLOCATED_WITH_REALLOC",
	"DYNAMIC_RESERVE",
	"DYNAMIC_REUSABLE",
}

func (p Policy) String() string {
	if p >= 0 && int(p) < len(policyNames) {
		return policyNames[p]
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy parses the name of a policy. Names are not case sensitive.
func ParsePolicy(s string) (Policy, error) {
	i := slices.Index(policyNames, strings.ToUpper(strings.TrimSpace(s)))
	if i < 0 {
		return 0, fmt.Errorf("unknown memory policy %q", s)
	}
	return Policy(i), nil
}

// MarshalText implements [encoding.TextMarshaler].
func (p Policy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements [encoding.TextUnmarshaler].
func (p *Policy) UnmarshalText(data []byte) error {
	v, err := ParsePolicy(string(data))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Config carries the settings for a new [Pool].
type Config struct {
	Policy      Policy
	PayloadSize int          // initial (or fixed) buffer size; default 64
	Logger      *slog.Logger // if nil, discard logs
}

const defaultPayloadSize = 64

// A Handle refers to a buffer owned by a [Pool]. The zero Handle is invalid.
type Handle uint64

// NoHandle is the invalid handle.
const NoHandle Handle = 0

func makeHandle(slot int, gen uint32) Handle { return Handle(uint64(gen)<<32 | uint64(slot+1)) }

func (h Handle) slot() int   { return int(uint32(h)) - 1 }
func (h Handle) gen() uint32 { return uint32(h >> 32) }

func (h Handle) String() string {
	if h == NoHandle {
		return "handle:none"
	}
	return fmt.Sprintf("handle:%d.%d", h.slot(), h.gen())
}

// A Reservation describes the number of buffers a history expects to hold.
// Max == 0 means the history is unbounded.
type Reservation struct {
	Initial int
	Max     int
}

// Stats is a snapshot of pool accounting.
type Stats struct {
	Allocated int // buffers currently allocated by the pool
	Free      int // allocated buffers available for reuse
	InUse     int // allocated buffers owned by a caller
	Ceiling   int // maximum allocation; 0 means unbounded
}

func (s Stats) String() string {
	return fmt.Sprintf("allocated=%d free=%d in_use=%d ceiling=%d", s.Allocated, s.Free, s.InUse, s.Ceiling)
}

// A Pool is an arena of payload buffers. A Pool is safe for concurrent use by
// multiple goroutines.
type Pool struct {
	policy Policy
	size   int
	log    *slog.Logger

	μ      sync.Mutex
	slots  []slot
	free   []int // slots holding a buffer available for reuse
	empty  []int // slots without a buffer
	inUse  int
	alloc  int
	writer Reservation   // sum of writer reservations
	reader []Reservation // each reader reservation
	nInf   int           // number of unbounded reservations
}

type slot struct {
	data  []byte // full capacity of the buffer
	size  int    // length requested by the current owner
	gen   uint32
	owned bool
}

// New constructs a new empty pool with the given settings.
func New(cfg Config) *Pool {
	p := &Pool{policy: cfg.Policy, size: cfg.PayloadSize, log: cfg.Logger}
	if p.size <= 0 {
		p.size = defaultPayloadSize
	}
	if p.log == nil {
		p.log = slog.New(slog.DiscardHandler)
	}
	return p
}

// Policy reports the allocation policy of p.
func (p *Pool) Policy() Policy { return p.policy }

// PayloadSize reports the configured buffer size of p.
func (p *Pool) PayloadSize() int { return p.size }

// Get returns a handle to a buffer of at least minSize bytes, owned by the
// caller until it is released. It reports false if the pool has reached its
// ceiling.
//
// Under the [Preallocated] policy, Get panics if minSize exceeds the
// configured payload size.
func (p *Pool) Get(minSize int) (Handle, bool) {
	if minSize < 0 {
		panic(fmt.Sprintf("invalid payload size %d", minSize))
	}
	if p.policy == Preallocated && minSize > p.size {
		panic(fmt.Sprintf("payload size %d exceeds fixed pool size %d", minSize, p.size))
	}

	p.μ.Lock()
	defer p.μ.Unlock()

	if p.policy != DynamicReserve && len(p.free) != 0 {
		i := p.pickFreeLocked(minSize)
		s := &p.slots[i]
		if len(s.data) < minSize {
			// Grow in place. The new tail is zero-filled.
			s.data = append(s.data, make([]byte, minSize-len(s.data))...)
		}
		return p.claimLocked(i, minSize), true
	}

	if c := p.ceilingLocked(); c > 0 && p.alloc >= c {
		return NoHandle, false
	}
	i := p.newSlotLocked(p.allocSize(minSize))
	return p.claimLocked(i, minSize), true
}

// pickFreeLocked removes and returns a free slot, preferring one whose buffer
// is already large enough for minSize.
func (p *Pool) pickFreeLocked(minSize int) int {
	pos := len(p.free) - 1
	if p.policy == DynamicReusable {
		for j := len(p.free) - 1; j >= 0; j-- {
			if len(p.slots[p.free[j]].data) >= minSize {
				pos = j
				break
			}
		}
	}
	i := p.free[pos]
	p.free = slices.Delete(p.free, pos, pos+1)
	return i
}

func (p *Pool) allocSize(minSize int) int {
	switch p.policy {
	case Preallocated:
		return p.size
	case PreallocatedWithRealloc:
		return max(p.size, minSize)
	default:
		return minSize
	}
}

func (p *Pool) newSlotLocked(n int) int {
	p.alloc++
	if k := len(p.empty); k != 0 {
		i := p.empty[k-1]
		p.empty = p.empty[:k-1]
		p.slots[i].data = make([]byte, n)
		return i
	}
	p.slots = append(p.slots, slot{data: make([]byte, n)})
	return len(p.slots) - 1
}

func (p *Pool) claimLocked(i, size int) Handle {
	s := &p.slots[i]
	s.gen++
	s.owned = true
	s.size = size
	p.inUse++
	return makeHandle(i, s.gen)
}

// lookupLocked returns the slot for h if h is a live handle.
func (p *Pool) lookupLocked(h Handle) *slot {
	i := h.slot()
	if i < 0 || i >= len(p.slots) {
		return nil
	}
	s := &p.slots[i]
	if !s.owned || s.gen != h.gen() {
		return nil
	}
	return s
}

// Bytes returns the contents of the buffer for h, with the length requested
// when it was acquired. It returns nil if h is not a live handle. The slice
// remains valid until h is released.
func (p *Pool) Bytes(h Handle) []byte {
	p.μ.Lock()
	defer p.μ.Unlock()
	if s := p.lookupLocked(h); s != nil {
		return s.data[:s.size]
	}
	return nil
}

// Cap reports the capacity of the buffer for h, or 0 if h is not live.
func (p *Pool) Cap(h Handle) int {
	p.μ.Lock()
	defer p.μ.Unlock()
	if s := p.lookupLocked(h); s != nil {
		return len(s.data)
	}
	return 0
}

// Release returns ownership of h to the pool. It reports false without
// effect if h is not a buffer currently owned by a caller of this pool.
func (p *Pool) Release(h Handle) bool {
	p.μ.Lock()
	defer p.μ.Unlock()
	s := p.lookupLocked(h)
	if s == nil {
		p.log.Warn("release of unowned payload", "handle", h)
		return false
	}
	s.owned = false
	s.size = 0
	p.inUse--

	i := h.slot()
	if p.policy == DynamicReserve || p.overCeilingLocked() {
		s.data = nil
		p.alloc--
		p.empty = append(p.empty, i)
	} else {
		p.free = append(p.free, i)
	}
	return true
}

// CopyOut moves the payload of h into dst and reports the handle of the copy
// in dst. On success h is released, so exactly one pool owns the payload at a
// time. If dst == p, CopyOut returns h unchanged. If dst is exhausted, CopyOut
// reports false and h remains owned by the caller.
func (p *Pool) CopyOut(h Handle, dst *Pool) (Handle, bool) {
	if dst == p {
		return h, p.Bytes(h) != nil
	}
	src := p.Bytes(h)
	if src == nil {
		return NoHandle, false
	}
	nh, ok := dst.Get(len(src))
	if !ok {
		return NoHandle, false
	}
	copy(dst.Bytes(nh), src)
	p.Release(h)
	return nh, true
}

// Reserve adds r to the reservations of p. Writer reservations add to the
// ceiling, reader reservations raise it to their maximum. For the
// preallocating policies, the pool allocates enough free buffers to satisfy
// the initial sizes of all current reservations.
func (p *Pool) Reserve(r Reservation, isReader bool) {
	p.μ.Lock()
	defer p.μ.Unlock()
	if r.Max <= 0 {
		p.nInf++
	}
	if isReader {
		p.reader = append(p.reader, r)
	} else {
		p.writer.Initial += r.Initial
		p.writer.Max += max(r.Max, 0)
	}

	if p.policy == Preallocated || p.policy == PreallocatedWithRealloc {
		want := p.writer.Initial
		for _, rr := range p.reader {
			want = max(want, p.writer.Initial+rr.Initial)
		}
		if c := p.ceilingLocked(); c > 0 {
			want = min(want, c)
		}
		for p.alloc < want {
			p.free = append(p.free, p.newSlotLocked(p.size))
		}
	}
}

// Unreserve removes a reservation previously added by [Pool.Reserve] with the
// same arguments. Free buffers beyond the new ceiling are discarded; when no
// reservations remain, all free buffers are discarded.
func (p *Pool) Unreserve(r Reservation, isReader bool) {
	p.μ.Lock()
	defer p.μ.Unlock()
	if isReader {
		i := slices.Index(p.reader, r)
		if i < 0 {
			p.log.Warn("unreserve of unknown reader reservation", "initial", r.Initial, "max", r.Max)
			return
		}
		p.reader = slices.Delete(p.reader, i, i+1)
	} else {
		p.writer.Initial -= r.Initial
		p.writer.Max -= max(r.Max, 0)
	}
	if r.Max <= 0 {
		p.nInf--
	}

	if p.nInf == 0 && len(p.reader) == 0 && p.writer == (Reservation{}) {
		p.trimLocked(0)
	} else if c := p.ceilingLocked(); c > 0 {
		p.trimLocked(c)
	}
}

// trimLocked discards free buffers until at most limit are allocated.
func (p *Pool) trimLocked(limit int) {
	for p.alloc > limit && len(p.free) != 0 {
		k := len(p.free) - 1
		i := p.free[k]
		p.free = p.free[:k]
		p.slots[i].data = nil
		p.empty = append(p.empty, i)
		p.alloc--
	}
}

// ceilingLocked reports the current ceiling, 0 if unbounded.
func (p *Pool) ceilingLocked() int {
	if p.nInf > 0 {
		return 0
	}
	c := p.writer.Max
	var rmax int
	for _, r := range p.reader {
		rmax = max(rmax, r.Max)
	}
	return c + rmax
}

func (p *Pool) overCeilingLocked() bool {
	c := p.ceilingLocked()
	return c > 0 && p.alloc > c
}

// Stats returns a snapshot of the accounting for p.
func (p *Pool) Stats() Stats {
	p.μ.Lock()
	defer p.μ.Unlock()
	return Stats{
		Allocated: p.alloc,
		Free:      len(p.free),
		InUse:     p.inUse,
		Ceiling:   p.ceilingLocked(),
	}
}

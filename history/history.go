// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package history implements the bounded cache of changes kept by a writer or
// a reader endpoint.
//
// A [Cache] owns its changes by value and holds a [pool.Handle] for each
// change's payload. Removing a change releases its payload to the pool.
//
// A writer's cache is ordered by sequence number. A reader's cache keeps
// receipt order, except that a change never follows a later change from the
// same writer; this lets a reader deliver each writer's changes in order by
// scanning from the front.
package history

import (
	"bytes"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/rtps/pool"
	"github.com/creachadair/rtps/proto"
	"github.com/creachadair/rtps/qos"
)

var (
	// ErrFull is reported by [Cache.Add] when the cache is at a resource limit
	// and nothing can be evicted to make room.
	ErrFull = errors.New("history is full")

	// ErrNoPayload is reported when the payload of a change is requested after
	// the change has left the cache.
	ErrNoPayload = errors.New("change is not in the history")

	// ErrDuplicate is reported by [Cache.Add] for a change whose writer and
	// sequence number are already present.
	ErrDuplicate = errors.New("duplicate change")

	// ErrClosed is reported by operations on a closed cache.
	ErrClosed = errors.New("history is closed")
)

// A Change is one versioned sample of an instance.
type Change struct {
	Writer        proto.GUID
	Seq           proto.SequenceNumber
	Kind          proto.ChangeKind
	Instance      proto.InstanceHandle
	Timestamp     time.Time
	Related       proto.SampleIdentity
	Encapsulation proto.Encapsulation

	Payload pool.Handle // assigned by Add; NoHandle for an empty payload
	Size    int         // payload length in bytes
	Read    bool        // reader side: the application has seen the change
}

// Identity returns the sample identity of c.
func (c Change) Identity() proto.SampleIdentity {
	return proto.SampleIdentity{Writer: c.Writer, Seq: c.Seq}
}

func (c Change) String() string {
	return fmt.Sprintf("Change(%v#%d, %v, %v, %d bytes)", c.Writer, c.Seq, c.Kind, c.Instance, c.Size)
}

// Config carries the settings for a new [Cache].
type Config struct {
	History qos.History
	Limits  qos.ResourceLimits

	// Reader marks the cache of a reader endpoint. A reader cache accepts
	// changes from many writers in receipt order.
	Reader bool

	// Removable reports whether a change may be evicted to make room under
	// KEEP_ALL. It is called with the cache locked and must not call back into
	// the cache. If nil, nothing is removable.
	Removable func(Change) bool

	Logger *slog.Logger
}

// A Cache is an ordered, bounded collection of changes. A Cache is safe for
// concurrent use by multiple goroutines.
type Cache struct {
	pool *pool.Pool
	cfg  Config
	res  pool.Reservation
	log  *slog.Logger

	μ       sync.Mutex
	changes []Change
	inst    map[proto.InstanceHandle]int // instance → number of changes
	removed chan struct{}                // closed and replaced on removal
	closed  bool
}

// New constructs an empty cache whose payloads are drawn from p, and reserves
// room for it in p.
func New(p *pool.Pool, cfg Config) *Cache {
	c := &Cache{
		pool:    p,
		cfg:     cfg,
		log:     cfg.Logger,
		inst:    make(map[proto.InstanceHandle]int),
		removed: make(chan struct{}),
	}
	if c.log == nil {
		c.log = slog.New(slog.DiscardHandler)
	}
	c.res = pool.Reservation{Initial: cfg.Limits.InitialSamples, Max: c.maxSamples()}
	p.Reserve(c.res, cfg.Reader)
	return c
}

// maxSamples reports the bound on the number of resident changes, 0 if none.
func (c *Cache) maxSamples() int {
	if m := c.cfg.Limits.MaxSamples; m > 0 {
		return m
	}
	if c.cfg.History.Kind == qos.KeepLast && c.cfg.Limits.MaxInstances > 0 {
		return c.cfg.Limits.MaxInstances * c.depth()
	}
	return 0
}

// depth reports the per-instance bound, 0 if none.
func (c *Cache) depth() int {
	d := c.cfg.Limits.MaxSamplesPerInstance
	if c.cfg.History.Kind == qos.KeepLast && (d == 0 || c.cfg.History.Depth < d) {
		d = c.cfg.History.Depth
	}
	return d
}

// Pool returns the payload pool of c.
func (c *Cache) Pool() *pool.Pool { return c.pool }

// Add adds a copy of ch to the cache with payload data, and on success sets
// ch.Payload and ch.Size. In a writer cache, ch.Seq must exceed the sequence
// number of every resident change.
//
// Under KEEP_LAST, the oldest change of the instance (or of the whole cache)
// is evicted when a limit would be exceeded. Under KEEP_ALL only changes the
// Removable predicate approves are evicted; if none is, Add reports ErrFull.
func (c *Cache) Add(ch *Change, data []byte) error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.cfg.Reader {
		if c.findLocked(ch.Writer, ch.Seq) >= 0 {
			return ErrDuplicate
		}
	} else if n := len(c.changes); n != 0 && ch.Seq <= c.changes[n-1].Seq {
		return fmt.Errorf("sequence %d is not after %d", ch.Seq, c.changes[n-1].Seq)
	}

	// Make room for the instance, then for the sample.
	ninst := c.inst[ch.Instance]
	if ninst == 0 {
		if m := c.cfg.Limits.MaxInstances; m > 0 && len(c.inst) >= m {
			return fmt.Errorf("%w: %d instances", ErrFull, len(c.inst))
		}
	}
	if d := c.depth(); d > 0 && ninst >= d {
		if !c.evictLocked(func(x Change) bool { return x.Instance == ch.Instance }) {
			return fmt.Errorf("%w: %d samples for instance %v", ErrFull, ninst, ch.Instance)
		}
	}
	if m := c.maxSamples(); m > 0 && len(c.changes) >= m {
		if !c.evictLocked(func(Change) bool { return true }) {
			return fmt.Errorf("%w: %d samples", ErrFull, len(c.changes))
		}
	}

	h := pool.NoHandle
	if len(data) != 0 {
		var ok bool
		h, ok = c.pool.Get(len(data))
		if !ok && c.evictLocked(func(Change) bool { return true }) {
			h, ok = c.pool.Get(len(data))
		}
		if !ok {
			return fmt.Errorf("%w: %w", ErrFull, pool.ErrExhausted)
		}
		copy(c.pool.Bytes(h), data)
	}
	ch.Payload = h
	ch.Size = len(data)
	ch.Read = false

	pos := len(c.changes)
	if c.cfg.Reader {
		for i := len(c.changes) - 1; i >= 0; i-- {
			if x := c.changes[i]; x.Writer == ch.Writer && x.Seq > ch.Seq {
				pos = i
			}
		}
	}
	c.changes = slices.Insert(c.changes, pos, *ch)
	c.inst[ch.Instance]++
	c.checkLocked(ch.Instance)
	return nil
}

// evictLocked removes the oldest change satisfying match that may be evicted
// under the history policy, and reports whether it found one.
func (c *Cache) evictLocked(match func(Change) bool) bool {
	for i, x := range c.changes {
		if !match(x) {
			continue
		}
		if c.cfg.History.Kind == qos.KeepAll && (c.cfg.Removable == nil || !c.cfg.Removable(x)) {
			return false // changes are evicted strictly oldest first
		}
		c.log.Debug("evict change", "writer", x.Writer, "seq", x.Seq)
		c.removeAtLocked(i)
		return true
	}
	return false
}

// checkLocked verifies the resource bounds after a mutation.
func (c *Cache) checkLocked(inst proto.InstanceHandle) {
	if m := c.maxSamples(); m > 0 && len(c.changes) > m {
		panic(fmt.Sprintf("history holds %d changes, limit %d", len(c.changes), m))
	}
	if d := c.depth(); d > 0 && c.inst[inst] > d {
		panic(fmt.Sprintf("instance %v holds %d changes, limit %d", inst, c.inst[inst], d))
	}
}

func (c *Cache) removeAtLocked(i int) Change {
	x := c.changes[i]
	if x.Payload != pool.NoHandle && !c.pool.Release(x.Payload) {
		c.log.Warn("history payload was not owned by its pool", "writer", x.Writer, "seq", x.Seq)
	}
	c.changes = slices.Delete(c.changes, i, i+1)
	if n := c.inst[x.Instance] - 1; n > 0 {
		c.inst[x.Instance] = n
	} else {
		delete(c.inst, x.Instance)
	}
	close(c.removed)
	c.removed = make(chan struct{})
	return x
}

func (c *Cache) findLocked(w proto.GUID, seq proto.SequenceNumber) int {
	if !c.cfg.Reader {
		i, ok := slices.BinarySearchFunc(c.changes, seq, func(x Change, s proto.SequenceNumber) int {
			return int(min(max(x.Seq-s, -1), 1))
		})
		if ok && c.changes[i].Writer == w {
			return i
		}
		return -1
	}
	return slices.IndexFunc(c.changes, func(x Change) bool { return x.Writer == w && x.Seq == seq })
}

// Removed returns a channel that is closed the next time a change leaves the
// cache. A writer blocked on a full cache waits on it.
func (c *Cache) Removed() <-chan struct{} {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.removed
}

// Remove removes the change with the given writer and sequence number and
// releases its payload. It reports whether the change was present.
func (c *Cache) Remove(w proto.GUID, seq proto.SequenceNumber) bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	if i := c.findLocked(w, seq); i >= 0 {
		c.removeAtLocked(i)
		return true
	}
	return false
}

// RemoveIf removes every change for which pred reports true, and returns the
// number removed.
func (c *Cache) RemoveIf(pred func(Change) bool) int {
	c.μ.Lock()
	defer c.μ.Unlock()
	var n int
	for i := 0; i < len(c.changes); {
		if pred(c.changes[i]) {
			c.removeAtLocked(i)
			n++
		} else {
			i++
		}
	}
	return n
}

// Find returns the change with the given writer and sequence number.
func (c *Cache) Find(w proto.GUID, seq proto.SequenceNumber) (Change, bool) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if i := c.findLocked(w, seq); i >= 0 {
		return c.changes[i], true
	}
	return Change{}, false
}

// Since returns an iterator over the resident changes with sequence numbers
// at least seq, in cache order. The iterator visits a snapshot taken when
// Since is called, so it may be restarted and is not affected by later
// mutations; the payloads of visited changes may since have been released.
func (c *Cache) Since(seq proto.SequenceNumber) iter.Seq[Change] {
	c.μ.Lock()
	i := 0
	if !c.cfg.Reader {
		i, _ = slices.BinarySearchFunc(c.changes, seq, func(x Change, s proto.SequenceNumber) int {
			return int(min(max(x.Seq-s, -1), 1))
		})
	}
	snap := slices.Clone(c.changes[i:])
	c.μ.Unlock()

	return func(yield func(Change) bool) {
		for _, x := range snap {
			if x.Seq < seq {
				continue
			}
			if !yield(x) {
				return
			}
		}
	}
}

// Select returns the first change in cache order for which pred reports true.
func (c *Cache) Select(pred func(Change) bool) (Change, bool) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if i := slices.IndexFunc(c.changes, pred); i >= 0 {
		return c.changes[i], true
	}
	return Change{}, false
}

// MarkRead marks the first unread change satisfying pred as read, and returns
// it with a copy of its payload.
func (c *Cache) MarkRead(pred func(Change) bool) (Change, []byte, bool) {
	c.μ.Lock()
	defer c.μ.Unlock()
	i := slices.IndexFunc(c.changes, func(x Change) bool { return !x.Read && pred(x) })
	if i < 0 {
		return Change{}, nil, false
	}
	c.changes[i].Read = true
	x := c.changes[i]
	return x, c.payloadLocked(x), true
}

// Take removes the first change satisfying pred, and returns it with a copy
// of its payload.
func (c *Cache) Take(pred func(Change) bool) (Change, []byte, bool) {
	c.μ.Lock()
	defer c.μ.Unlock()
	i := slices.IndexFunc(c.changes, pred)
	if i < 0 {
		return Change{}, nil, false
	}
	data := c.payloadLocked(c.changes[i])
	return c.removeAtLocked(i), data, true
}

// Payload returns a copy of the payload of ch, which must be resident.
func (c *Cache) Payload(ch Change) ([]byte, error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	i := c.findLocked(ch.Writer, ch.Seq)
	if i < 0 {
		return nil, fmt.Errorf("%v#%d: %w", ch.Writer, ch.Seq, ErrNoPayload)
	}
	return c.payloadLocked(c.changes[i]), nil
}

func (c *Cache) payloadLocked(x Change) []byte {
	if x.Payload == pool.NoHandle {
		return nil
	}
	return bytes.Clone(c.pool.Bytes(x.Payload))
}

// Min returns the first change in cache order.
func (c *Cache) Min() (Change, bool) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if len(c.changes) == 0 {
		return Change{}, false
	}
	return c.changes[0], true
}

// Max returns the last change in cache order.
func (c *Cache) Max() (Change, bool) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if n := len(c.changes); n != 0 {
		return c.changes[n-1], true
	}
	return Change{}, false
}

// Len reports the number of resident changes.
func (c *Cache) Len() int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return len(c.changes)
}

// Instances reports the number of instances with resident changes.
func (c *Cache) Instances() int {
	c.μ.Lock()
	defer c.μ.Unlock()
	return len(c.inst)
}

// Close removes every change, releases the cache's reservation in its pool,
// and causes further calls to Add to fail. Close is idempotent.
func (c *Cache) Close() {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed {
		return
	}
	for len(c.changes) != 0 {
		c.removeAtLocked(len(c.changes) - 1)
	}
	c.closed = true
	c.pool.Unreserve(c.res, c.cfg.Reader)
}

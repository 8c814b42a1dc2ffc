// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package rtps

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/creachadair/rtps/history"
	"github.com/creachadair/rtps/proto"
	"github.com/creachadair/rtps/qos"
)

// DefaultHeartbeatResponseDelay is the mean delay before a reader answers a
// heartbeat, if its options do not specify one.
const DefaultHeartbeatResponseDelay = 5 * time.Millisecond

// ReaderOptions are the settings for a new [Reader]. Topic and Type are
// required; other fields have usable zero values.
type ReaderOptions struct {
	Topic string
	Type  string
	Keyed bool

	// QoS is the reader QoS. If nil, [qos.DefaultReader] is used.
	QoS *qos.Endpoint

	// HeartbeatResponseDelay is the mean delay before an acknack answers a
	// heartbeat. The actual delay is jittered so that many readers do not
	// answer at once. If zero, DefaultHeartbeatResponseDelay.
	HeartbeatResponseDelay time.Duration

	// Validate, if set, checks the payload of each incoming sample. A sample
	// it rejects is acknowledged but never delivered.
	Validate func([]byte) error

	// PayloadSize is the initial size of payload buffers.
	PayloadSize int

	Listener Listener
}

// A Sample is a change delivered to the application.
type Sample struct {
	Data []byte
	Info SampleInfo
}

// SampleInfo describes the origin of a [Sample].
type SampleInfo struct {
	Writer          proto.GUID
	Seq             proto.SequenceNumber
	Kind            proto.ChangeKind
	Instance        proto.InstanceHandle
	SourceTimestamp time.Time
	Related         proto.SampleIdentity
	Encapsulation   proto.Encapsulation
}

// Identity returns the sample identity of the sample.
func (s SampleInfo) Identity() proto.SampleIdentity {
	return proto.SampleIdentity{Writer: s.Writer, Seq: s.Seq}
}

// A Reader receives changes on a topic from its matched writers. Changes
// from each writer are delivered in sequence order; a reliable reader
// delivers a change only once every earlier change from the same writer has
// been received or declared irrelevant.
//
// The methods of a Reader are safe for concurrent use by multiple
// goroutines.
type Reader struct {
	p        *Participant
	guid     proto.GUID
	topic    string
	typeName string
	qos      qos.Endpoint
	hist     *history.Cache
	release  func()
	log      *slog.Logger
	listener Listener
	validate func([]byte) error
	ackDelay time.Duration

	μ       sync.Mutex
	writers map[proto.GUID]*writerProxy
	retired map[proto.GUID]proto.SequenceNumber // marks of unmatched writers with samples left
	avail   chan struct{} // closed and replaced when delivery may be possible
	matchCh chan struct{} // closed and replaced when the matched set changes
	closed  bool
}

// A writerProxy is the reader's state for one matched writer.
type writerProxy struct {
	guid     proto.GUID
	locators []proto.Locator
	reliable bool
	started  bool // anything has been heard from the writer

	// Every change ≤ contiguous has been received or is irrelevant. The
	// window records changes above contiguous that were received out of
	// order or declared irrelevant.
	contiguous proto.SequenceNumber
	window     proto.SequenceSet

	available proto.SequenceNumber // highest change the writer has announced
	hbCount   uint32               // count of the last heartbeat processed
	ackCount  uint32
	ack       *timedEvent
}

// mark records seq as received or irrelevant, and reports whether the
// contiguous mark advanced.
func (wp *writerProxy) mark(seq proto.SequenceNumber) bool {
	if seq <= wp.contiguous {
		return false
	} else if seq != wp.contiguous+1 {
		wp.window.Add(seq)
		return false
	}
	wp.contiguous++
	wp.absorb()
	return true
}

// markRange records [lo, hi) as irrelevant, and reports whether the
// contiguous mark advanced.
func (wp *writerProxy) markRange(lo, hi proto.SequenceNumber) bool {
	if hi-1 <= wp.contiguous {
		return false
	}
	if lo <= wp.contiguous+1 {
		wp.contiguous = hi - 1
		wp.absorb()
		return true
	}
	for seq := lo; seq < hi; seq++ {
		if !wp.window.Add(seq) {
			break // beyond the window
		}
	}
	return false
}

// absorb advances the contiguous mark over the window, and rebases the
// window just above it.
func (wp *writerProxy) absorb() {
	for wp.window.Contains(wp.contiguous + 1) {
		wp.contiguous++
	}
	next := proto.NewSequenceSet(wp.contiguous + 1)
	for seq := range wp.window.All() {
		if seq > wp.contiguous {
			next.Add(seq)
		}
	}
	wp.window = next
}

// unseen counts the changes in [lo, hi) above the contiguous mark that are
// not in the window.
func (wp *writerProxy) unseen(lo, hi proto.SequenceNumber) int {
	lo = max(lo, wp.contiguous+1)
	if hi <= lo {
		return 0
	}
	n := int(hi - lo)
	for seq := range wp.window.All() {
		if seq >= lo && seq < hi {
			n--
		}
	}
	return n
}

func newReader(p *Participant, guid proto.GUID, opts ReaderOptions, q qos.Endpoint) *Reader {
	r := &Reader{
		p:        p,
		guid:     guid,
		topic:    opts.Topic,
		typeName: opts.Type,
		qos:      q,
		log:      p.log.With("guid", guid, "topic", opts.Topic),
		listener: opts.Listener,
		validate: opts.Validate,
		ackDelay: cmp.Or(opts.HeartbeatResponseDelay, DefaultHeartbeatResponseDelay),
		writers:  make(map[proto.GUID]*writerProxy),
		retired:  make(map[proto.GUID]proto.SequenceNumber),
		avail:    make(chan struct{}),
		matchCh:  make(chan struct{}),
	}
	pl, release := p.pool(opts.Topic, opts.Type, q.Memory, opts.PayloadSize)
	r.release = release
	r.hist = history.New(pl, history.Config{
		History: q.History,
		Limits:  q.Limits,
		Reader:  true,
		Logger:  r.log,
	})
	return r
}

// GUID returns the globally unique identifier of r.
func (r *Reader) GUID() proto.GUID { return r.guid }

// Topic returns the topic name of r.
func (r *Reader) Topic() string { return r.topic }

// QoS returns the QoS of r.
func (r *Reader) QoS() qos.Endpoint { return r.qos }

// MatchedWriters reports the number of writers currently matched with r.
func (r *Reader) MatchedWriters() int {
	r.μ.Lock()
	defer r.μ.Unlock()
	return len(r.writers)
}

// WaitMatched blocks until at least n writers are matched with r, or until
// ctx ends.
func (r *Reader) WaitMatched(ctx context.Context, n int) error {
	for {
		r.μ.Lock()
		closed, ok, ch := r.closed, len(r.writers) >= n, r.matchCh
		r.μ.Unlock()
		if closed {
			return ErrClosed
		} else if ok {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TakeNextSample removes and returns the next deliverable sample, if any.
func (r *Reader) TakeNextSample() (Sample, bool) { return r.next(r.hist.Take) }

// ReadNextSample returns the next deliverable sample not already read, if
// any, and marks it as read. The sample remains in the history until it is
// taken or evicted.
func (r *Reader) ReadNextSample() (Sample, bool) { return r.next(r.hist.MarkRead) }

func (r *Reader) next(get func(func(history.Change) bool) (history.Change, []byte, bool)) (Sample, bool) {
	c, data, ok := get(r.deliverable())
	if !ok {
		return Sample{}, false
	}
	r.μ.Lock()
	_, retired := r.retired[c.Writer]
	r.μ.Unlock()
	if retired {
		if _, left := r.hist.Select(func(x history.Change) bool { return x.Writer == c.Writer }); !left {
			r.μ.Lock()
			delete(r.retired, c.Writer)
			r.μ.Unlock()
		}
	}
	return Sample{
		Data: data,
		Info: SampleInfo{
			Writer:          c.Writer,
			Seq:             c.Seq,
			Kind:            c.Kind,
			Instance:        c.Instance,
			SourceTimestamp: c.Timestamp,
			Related:         c.Related,
			Encapsulation:   c.Encapsulation,
		},
	}, true
}

// deliverable returns a predicate reporting whether a change may be
// delivered. It captures the contiguous marks of the matched writers, so
// that the history can be consulted without holding r.μ.
func (r *Reader) deliverable() func(history.Change) bool {
	r.μ.Lock()
	marks := make(map[proto.GUID]proto.SequenceNumber, len(r.writers)+len(r.retired))
	for g, m := range r.retired {
		marks[g] = m
	}
	for g, wp := range r.writers {
		marks[g] = wp.contiguous
	}
	r.μ.Unlock()
	return func(c history.Change) bool {
		m, ok := marks[c.Writer]
		return ok && c.Seq <= m
	}
}

func (r *Reader) hasUnread() bool {
	ok := r.deliverable()
	_, found := r.hist.Select(func(c history.Change) bool { return !c.Read && ok(c) })
	return found
}

// Wait blocks until r has an unread deliverable sample, or until ctx ends.
func (r *Reader) Wait(ctx context.Context) error {
	for {
		r.μ.Lock()
		closed, ch := r.closed, r.avail
		r.μ.Unlock()
		if closed {
			return ErrClosed
		} else if r.hasUnread() {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Reader) signalLocked() {
	close(r.avail)
	r.avail = make(chan struct{})
}

// delivered signals waiters and the listener after the contiguous mark of
// some writer advanced.
func (r *Reader) delivered() {
	r.μ.Lock()
	r.signalLocked()
	r.μ.Unlock()
	if r.listener != nil && r.hasUnread() {
		notify(r.listener, DataAvailableEvent{Local: r.guid})
	}
}

func (r *Reader) lost(w proto.GUID, n int) {
	if n <= 0 {
		return
	}
	r.p.metrics.samplesLost.Add(int64(n))
	r.log.Debug("samples lost", "writer", w, "count", n)
	notify(r.listener, SampleLostEvent{Local: r.guid, Writer: w, Count: n})
}

// onData processes a change from a writer in the participant with the given
// prefix.
func (r *Reader) onData(src proto.GUIDPrefix, d proto.Data) {
	wg := proto.GUID{Prefix: src, Entity: d.Writer}
	r.μ.Lock()
	wp, ok := r.writers[wg]
	if !ok || r.closed {
		r.μ.Unlock()
		return
	}
	if wp.reliable {
		if d.Seq <= wp.contiguous || wp.window.Contains(d.Seq) {
			r.μ.Unlock()
			r.log.Debug("duplicate data", "writer", wg, "seq", d.Seq)
			return
		} else if d.Seq >= wp.contiguous+1+proto.MaxSetSize {
			// Beyond the window; the writer will send it again.
			r.μ.Unlock()
			return
		}
	} else if d.Seq <= wp.contiguous {
		r.μ.Unlock()
		return
	}
	wp.available = max(wp.available, d.Seq)
	var missing int
	if wp.reliable {
		missing = wp.unseen(wp.contiguous+1, d.Seq)
	}
	r.μ.Unlock()

	if missing > 0 && !r.roomAhead(missing) {
		// Storing it could leave no room for the changes it waits on.
		r.log.Debug("deferred out-of-order data", "writer", wg, "seq", d.Seq, "missing", missing)
		return
	}

	relevant := true
	if d.Kind == proto.Alive && r.validate != nil {
		if err := r.validate(d.Payload); err != nil {
			r.p.metrics.samplesRejected.Add(1)
			r.log.Warn("rejected invalid sample", "writer", wg, "seq", d.Seq, "err", err)
			relevant = false
		}
	}
	if relevant {
		err := r.hist.Add(&history.Change{
			Writer:        wg,
			Seq:           d.Seq,
			Kind:          d.Kind,
			Instance:      d.Instance,
			Timestamp:     d.Timestamp,
			Related:       d.Related,
			Encapsulation: d.Encapsulation,
		}, d.Payload)
		if err != nil && !errors.Is(err, history.ErrDuplicate) {
			// Not recorded as received, so a reliable writer will repair it.
			r.log.Debug("dropped data", "writer", wg, "seq", d.Seq, "err", err)
			return
		}
		r.p.metrics.samplesRecv.Add(1)
	}

	r.μ.Lock()
	wp, ok = r.writers[wg]
	if !ok {
		r.μ.Unlock()
		r.hist.Remove(wg, d.Seq) // unmatched meanwhile
		return
	}
	var advanced bool
	var nlost int
	if wp.reliable {
		advanced = wp.mark(d.Seq)
	} else {
		if wp.started {
			nlost = int(d.Seq - wp.contiguous - 1)
		}
		wp.contiguous = d.Seq
		advanced = true
	}
	wp.started = true
	r.μ.Unlock()

	r.lost(wg, nlost)
	if advanced {
		r.delivered()
	}
}

// roomAhead reports whether a KEEP_ALL history bounded by MaxSamples can
// store one more change and still hold the given number of missing changes
// that must be delivered first.
func (r *Reader) roomAhead(missing int) bool {
	m := r.qos.Limits.MaxSamples
	if r.qos.History.Kind != qos.KeepAll || m <= 0 {
		return true
	}
	return r.hist.Len()+missing < m
}

// onGap processes a gap from a writer in the participant with the given
// prefix.
func (r *Reader) onGap(src proto.GUIDPrefix, g proto.Gap) {
	wg := proto.GUID{Prefix: src, Entity: g.Writer}
	r.μ.Lock()
	wp, ok := r.writers[wg]
	if !ok || !wp.reliable || r.closed {
		r.μ.Unlock()
		return
	}
	advanced := wp.markRange(g.Start, g.List.Base)
	for seq := range g.List.All() {
		advanced = wp.mark(seq) || advanced
	}
	wp.started = true
	r.μ.Unlock()

	if advanced {
		r.delivered()
	}
}

// onHeartbeat processes a heartbeat from a writer in the participant with
// the given prefix.
func (r *Reader) onHeartbeat(src proto.GUIDPrefix, hb proto.Heartbeat) {
	wg := proto.GUID{Prefix: src, Entity: hb.Writer}
	r.μ.Lock()
	wp, ok := r.writers[wg]
	if !ok || !wp.reliable || r.closed {
		r.μ.Unlock()
		return
	}
	if hb.Count <= wp.hbCount {
		r.μ.Unlock()
		r.log.Debug("stale heartbeat", "writer", wg, "count", hb.Count)
		return
	}
	wp.hbCount = hb.Count
	wp.available = max(wp.available, hb.Last)

	// Changes below the first available are gone for good. Before anything
	// was heard from the writer they were never expected.
	var nlost int
	if wp.started {
		nlost = wp.unseen(wp.contiguous+1, hb.First)
	}
	advanced := wp.markRange(wp.contiguous+1, hb.First)
	wp.started = true

	missing := wp.unseen(wp.contiguous+1, wp.available+1) != 0
	if missing || !hb.Final {
		wp.ack.Trigger(r.jitter())
	}
	r.μ.Unlock()

	r.lost(wg, nlost)
	if advanced {
		r.delivered()
	}
}

func (r *Reader) jitter() time.Duration {
	return r.ackDelay/2 + rand.N(r.ackDelay)
}

// sendAckNack acknowledges what r has from a writer and requests what it is
// missing.
func (r *Reader) sendAckNack(wg proto.GUID) {
	r.μ.Lock()
	wp, ok := r.writers[wg]
	if !ok || r.closed {
		r.μ.Unlock()
		return
	}
	set := proto.NewSequenceSet(wp.contiguous + 1)
	for seq := wp.contiguous + 1; seq <= wp.available; seq++ {
		if !wp.window.Contains(seq) && !set.Add(seq) {
			break
		}
	}
	wp.ackCount++
	an := proto.AckNack{
		Reader: r.guid.Entity,
		Writer: wg.Entity,
		Set:    set,
		Count:  wp.ackCount,
		Final:  set.Len() == 0,
	}
	locs := wp.locators
	r.μ.Unlock()

	r.p.metrics.acknacksSent.Add(1)
	r.p.send(locs, an)
}

// matchWriter adds a proxy for a writer. It reports false if the writer was
// already matched, in which case its locators are updated.
func (r *Reader) matchWriter(guid proto.GUID, locs []proto.Locator, wq qos.Endpoint) bool {
	r.μ.Lock()
	if r.closed {
		r.μ.Unlock()
		return false
	}
	if wp, ok := r.writers[guid]; ok {
		wp.locators = locs
		r.μ.Unlock()
		return false
	}
	wp := &writerProxy{
		guid:     guid,
		locators: locs,
		reliable: r.qos.IsReliable() && wq.IsReliable(),
		window:   proto.NewSequenceSet(1),
	}
	wp.ack = newTimedEvent(0, func() { r.sendAckNack(guid) })
	r.writers[guid] = wp
	delete(r.retired, guid)
	close(r.matchCh)
	r.matchCh = make(chan struct{})
	total := len(r.writers)
	r.μ.Unlock()

	r.p.metrics.matchedWriters.Add(1)
	r.log.Info("matched writer", "writer", guid, "reliable", wp.reliable)
	notify(r.listener, MatchedEvent{Local: r.guid, Remote: guid, Change: 1, Total: total})
	return true
}

// unmatchWriter removes the proxy for a writer and purges its undeliverable
// changes. Changes already deliverable remain available to take. It reports
// whether the writer was matched.
func (r *Reader) unmatchWriter(guid proto.GUID) bool {
	r.μ.Lock()
	wp, ok := r.writers[guid]
	if !ok {
		r.μ.Unlock()
		return false
	}
	delete(r.writers, guid)
	wp.ack.Stop()
	close(r.matchCh)
	r.matchCh = make(chan struct{})
	total := len(r.writers)
	mark := wp.contiguous
	r.μ.Unlock()

	n := r.hist.RemoveIf(func(c history.Change) bool { return c.Writer == guid && c.Seq > mark })
	if _, ok := r.hist.Select(func(c history.Change) bool { return c.Writer == guid }); ok {
		r.μ.Lock()
		if _, rematched := r.writers[guid]; !rematched && !r.closed {
			r.retired[guid] = mark
		}
		r.μ.Unlock()
	}
	r.p.metrics.matchedWriters.Add(-1)
	r.log.Info("unmatched writer", "writer", guid, "purged", n)
	notify(r.listener, MatchedEvent{Local: r.guid, Remote: guid, Change: -1, Total: total})
	return true
}

// unmatchPrefix removes every writer proxy belonging to the given
// participant.
func (r *Reader) unmatchPrefix(prefix proto.GUIDPrefix) {
	r.μ.Lock()
	var gone []proto.GUID
	for g := range r.writers {
		if g.Prefix == prefix {
			gone = append(gone, g)
		}
	}
	r.μ.Unlock()
	for _, g := range gone {
		r.unmatchWriter(g)
	}
}

// Close unmatches all writers, releases the history of r, and withdraws r
// from discovery. Close is idempotent.
func (r *Reader) Close() error {
	if !r.shutdown() {
		return nil
	}
	r.p.removeReader(r)
	return nil
}

func (r *Reader) shutdown() bool {
	r.μ.Lock()
	if r.closed {
		r.μ.Unlock()
		return false
	}
	r.closed = true
	for _, wp := range r.writers {
		wp.ack.Stop()
	}
	n := len(r.writers)
	r.writers = make(map[proto.GUID]*writerProxy)
	r.signalLocked()
	close(r.matchCh)
	r.matchCh = make(chan struct{})
	r.μ.Unlock()

	r.p.metrics.matchedWriters.Add(-int64(n))
	r.hist.Close()
	r.release()
	return true
}

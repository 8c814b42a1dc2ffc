// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package rtps

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creachadair/mds/mapset"
	"github.com/creachadair/rtps/history"
	"github.com/creachadair/rtps/proto"
	"github.com/creachadair/rtps/qos"
	"golang.org/x/time/rate"
)

// DefaultHeartbeatPeriod is the heartbeat period of a reliable writer whose
// options do not specify one.
const DefaultHeartbeatPeriod = time.Second

// WriterOptions are the settings for a new [Writer]. Topic and Type are
// required; other fields have usable zero values.
type WriterOptions struct {
	Topic string
	Type  string
	Keyed bool // samples carry an instance handle

	// QoS is the writer QoS. If nil, [qos.DefaultWriter] is used.
	QoS *qos.Endpoint

	// HeartbeatPeriod is the interval between heartbeats to reliable readers
	// that have not acknowledged everything. If zero, DefaultHeartbeatPeriod.
	HeartbeatPeriod time.Duration

	// RateLimit, if positive, bounds the rate of writes per second, with
	// bursts of up to RateBurst (default 1).
	RateLimit rate.Limit
	RateBurst int

	// PayloadSize is the initial size of payload buffers.
	PayloadSize int

	Listener Listener
}

// WriteParams are optional settings for [Writer.WriteWithParams].
type WriteParams struct {
	Instance  proto.InstanceHandle // for keyed topics
	Related   proto.SampleIdentity // e.g., the request a reply answers
	Timestamp time.Time            // source timestamp; if zero, the current time

	Encapsulation proto.Encapsulation // serialization format of the payload
}

// A Writer publishes changes on a topic to its matched readers. Delivery to
// reliable readers is acknowledged, and lost changes are repaired by
// retransmission or reported as irrelevant.
//
// The methods of a Writer are safe for concurrent use by multiple
// goroutines.
type Writer struct {
	p        *Participant
	guid     proto.GUID
	topic    string
	typeName string
	qos      qos.Endpoint
	hist     *history.Cache
	release  func()
	log      *slog.Logger
	listener Listener
	limiter  *rate.Limiter
	hb       *timedEvent

	// Fixed destinations of a stateless writer, which has no matched readers
	// and addresses its data to a well-known reader entity.
	fixed       []proto.Locator
	fixedReader proto.EntityID

	// The ack watermark: every change with a sequence number at or below it
	// is acknowledged by all reliable matched readers. The history consults
	// it without taking the writer lock.
	acked atomic.Int64

	wμ      sync.Mutex // serializes writes; acquired before μ
	nextSeq proto.SequenceNumber

	μ         sync.Mutex
	last      proto.SequenceNumber // highest sequence number written
	readers   map[proto.GUID]*readerProxy
	nreliable int
	hbCount   uint32
	ackCh     chan struct{} // closed and replaced when the watermark advances
	matchCh   chan struct{} // closed and replaced when the matched set changes
	closed    bool
}

// A readerProxy is the writer's state for one matched reader.
type readerProxy struct {
	guid     proto.GUID
	locators []proto.Locator
	reliable bool
	acked    proto.SequenceNumber // every change ≤ acked is acknowledged
	relevant proto.SequenceNumber // changes below this are irrelevant to the reader
	ackCount uint32               // count of the last acknack processed
}

func newWriter(p *Participant, guid proto.GUID, opts WriterOptions, q qos.Endpoint) *Writer {
	w := &Writer{
		p:        p,
		guid:     guid,
		topic:    opts.Topic,
		typeName: opts.Type,
		qos:      q,
		log:      p.log.With("guid", guid, "topic", opts.Topic),
		listener: opts.Listener,
		readers:  make(map[proto.GUID]*readerProxy),
		ackCh:    make(chan struct{}),
		matchCh:  make(chan struct{}),
	}
	pl, release := p.pool(opts.Topic, opts.Type, q.Memory, opts.PayloadSize)
	w.release = release
	w.hist = history.New(pl, history.Config{
		History:   q.History,
		Limits:    q.Limits,
		Removable: w.removable,
		Logger:    w.log,
	})
	w.hb = newTimedEvent(cmp.Or(opts.HeartbeatPeriod, DefaultHeartbeatPeriod), w.sendHeartbeats)
	if opts.RateLimit > 0 {
		w.limiter = rate.NewLimiter(opts.RateLimit, max(opts.RateBurst, 1))
	}
	return w
}

// GUID returns the globally unique identifier of w.
func (w *Writer) GUID() proto.GUID { return w.guid }

// Topic returns the topic name of w.
func (w *Writer) Topic() string { return w.topic }

// QoS returns the QoS of w.
func (w *Writer) QoS() qos.Endpoint { return w.qos }

// MatchedReaders reports the number of readers currently matched with w.
func (w *Writer) MatchedReaders() int {
	w.μ.Lock()
	defer w.μ.Unlock()
	return len(w.readers)
}

// WaitMatched blocks until at least n readers are matched with w, or until
// ctx ends.
func (w *Writer) WaitMatched(ctx context.Context, n int) error {
	for {
		w.μ.Lock()
		closed, ok, ch := w.closed, len(w.readers) >= n, w.matchCh
		w.μ.Unlock()
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

func (w *Writer) matchChangedLocked() {
	close(w.matchCh)
	w.matchCh = make(chan struct{})
}

func (w *Writer) removable(c history.Change) bool {
	return c.Seq <= proto.SequenceNumber(w.acked.Load())
}

// Write publishes data as a new sample of the unkeyed instance.
// See [Writer.WriteWithParams].
func (w *Writer) Write(ctx context.Context, data []byte) error {
	_, err := w.WriteWithParams(ctx, data, WriteParams{})
	return err
}

// WriteWithParams publishes data as a new sample and returns its identity.
//
// If the history is full, a reliable writer blocks until acknowledgements
// make room, up to the MaxBlockingTime of its QoS or until ctx ends. If there
// is still no room, WriteWithParams reports an error wrapping
// [history.ErrFull] and the sample is not published.
func (w *Writer) WriteWithParams(ctx context.Context, data []byte, wp WriteParams) (proto.SampleIdentity, error) {
	return w.write(ctx, proto.Alive, wp, data)
}

// Dispose publishes a change marking instance as disposed.
func (w *Writer) Dispose(ctx context.Context, instance proto.InstanceHandle) error {
	_, err := w.write(ctx, proto.NotAliveDisposed, WriteParams{Instance: instance}, nil)
	return err
}

// Unregister publishes a change marking instance as unregistered by w.
func (w *Writer) Unregister(ctx context.Context, instance proto.InstanceHandle) error {
	_, err := w.write(ctx, proto.NotAliveUnregistered, WriteParams{Instance: instance}, nil)
	return err
}

func (w *Writer) write(ctx context.Context, kind proto.ChangeKind, wp WriteParams, data []byte) (proto.SampleIdentity, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return proto.SampleIdentity{}, err
		}
	}
	w.wμ.Lock()
	defer w.wμ.Unlock()

	ch := &history.Change{
		Writer:    w.guid,
		Seq:       w.nextSeq + 1,
		Kind:      kind,
		Instance:  wp.Instance,
		Timestamp: wp.Timestamp,
		Related:   wp.Related,

		Encapsulation: wp.Encapsulation,
	}
	if ch.Timestamp.IsZero() {
		ch.Timestamp = time.Now()
	}
	if err := w.addChange(ctx, ch, data); err != nil {
		if errors.Is(err, history.ErrClosed) {
			return proto.SampleIdentity{}, ErrClosed
		}
		w.p.metrics.writesRejected.Add(1)
		return proto.SampleIdentity{}, err
	}
	w.nextSeq = ch.Seq
	first := w.firstSeq()

	w.μ.Lock()
	w.last = ch.Seq
	var advanced bool
	if len(w.readers) != 0 && w.nreliable == 0 {
		// With only best-effort readers, nothing waits for an acknowledgement.
		advanced = w.advanceLocked(ch.Seq)
	}
	dsts := w.dataDestinationsLocked()
	reader := w.fixedReader
	var hb *proto.Heartbeat
	if w.nreliable != 0 {
		hb = w.heartbeatLocked(proto.EntityUnknown, first, 0, false)
	}
	w.μ.Unlock()

	if advanced {
		w.reclaim()
	}
	d := dataFor(*ch, data)
	d.Reader = reader
	if len(dsts) != 0 {
		w.p.metrics.dataSent.Add(1)
		if hb != nil {
			w.p.send(dsts, d, hb)
			w.p.metrics.heartbeatsSent.Add(1)
		} else {
			w.p.send(dsts, d)
		}
	}
	return ch.Identity(), nil
}

// addChange adds ch to the history. If the history is full and w is
// reliable, it waits for room.
func (w *Writer) addChange(ctx context.Context, ch *history.Change, data []byte) error {
	var deadline <-chan time.Time
	for {
		removed := w.hist.Removed()
		acked := w.ackSignal()
		err := w.hist.Add(ch, data)
		if !errors.Is(err, history.ErrFull) || !w.qos.IsReliable() || w.qos.MaxBlockingTime <= 0 {
			return err
		}
		if deadline == nil {
			t := time.NewTimer(w.qos.MaxBlockingTime)
			defer t.Stop()
			deadline = t.C
			w.log.Debug("history full, waiting", "seq", ch.Seq)
		}
		select {
		case <-removed:
		case <-acked:
		case <-deadline:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Writer) ackSignal() <-chan struct{} {
	w.μ.Lock()
	defer w.μ.Unlock()
	return w.ackCh
}

func dataFor(c history.Change, payload []byte) proto.Data {
	return proto.Data{
		Writer:        c.Writer.Entity,
		Seq:           c.Seq,
		Kind:          c.Kind,
		Instance:      c.Instance,
		Timestamp:     c.Timestamp,
		Related:       c.Related,
		Encapsulation: c.Encapsulation,
		Payload:       payload,
	}
}

// dataDestinationsLocked returns the distinct locators of all matched readers
// and fixed destinations.
func (w *Writer) dataDestinationsLocked() []proto.Locator {
	dsts := mapset.New(w.fixed...)
	for _, rp := range w.readers {
		dsts.Add(rp.locators...)
	}
	return dsts.Slice()
}

// firstSeq reports the lowest resident sequence number, or 0 if the history
// is empty.
func (w *Writer) firstSeq() proto.SequenceNumber {
	if c, ok := w.hist.Min(); ok {
		return c.Seq
	}
	return 0
}

// heartbeatLocked constructs the next heartbeat announcing the resident
// range of the history from first, but starting no lower than from.
func (w *Writer) heartbeatLocked(reader proto.EntityID, first, from proto.SequenceNumber, final bool) *proto.Heartbeat {
	w.hbCount++
	if first == 0 {
		first = w.last + 1
	}
	return &proto.Heartbeat{
		Reader: reader,
		Writer: w.guid.Entity,
		First:  min(max(first, from), w.last+1),
		Last:   w.last,
		Count:  w.hbCount,
		Final:  final,
	}
}

// advanceLocked moves the ack watermark to seq if that is an advance, and
// wakes waiters. It reports whether the watermark moved.
func (w *Writer) advanceLocked(seq proto.SequenceNumber) bool {
	if int64(seq) <= w.acked.Load() {
		return false
	}
	w.acked.Store(int64(seq))
	close(w.ackCh)
	w.ackCh = make(chan struct{})
	return true
}

// recomputeLocked recalculates the ack watermark from the reliable readers.
// With none, every change written so far counts as acknowledged.
func (w *Writer) recomputeLocked() bool {
	mark := w.last
	for _, rp := range w.readers {
		if rp.reliable {
			mark = min(mark, rp.acked)
		}
	}
	if w.nreliable != 0 && int64(mark) < w.acked.Load() {
		// A newly matched reader may hold the watermark back.
		w.acked.Store(int64(mark))
		return false
	}
	return w.advanceLocked(mark)
}

// reclaim removes acknowledged changes from the history that the QoS of w
// does not require keeping. A volatile writer keeps no acknowledged change.
// A durable writer keeps them for late joiners, except those of an instance
// whose unregistration every reader has acknowledged.
func (w *Writer) reclaim() {
	mark := proto.SequenceNumber(w.acked.Load())
	if w.qos.Durability == qos.Volatile {
		if n := w.hist.RemoveIf(func(c history.Change) bool { return c.Seq <= mark }); n != 0 {
			w.log.Debug("reclaimed acknowledged changes", "count", n, "acked", mark)
		}
		return
	}

	done := make(map[proto.InstanceHandle]proto.SequenceNumber)
	for c := range w.hist.Since(1) {
		if c.Seq > mark {
			break
		}
		if c.Instance != proto.NoKey && (c.Kind == proto.NotAliveUnregistered || c.Kind == proto.NotAliveDisposedUnregistered) {
			done[c.Instance] = c.Seq
		}
	}
	if len(done) == 0 {
		return
	}
	n := w.hist.RemoveIf(func(c history.Change) bool {
		last, ok := done[c.Instance]
		return ok && c.Seq <= last
	})
	w.log.Debug("removed unregistered instances", "instances", len(done), "count", n, "acked", mark)
}

// WaitForAllAcked blocks until every change written so far has been
// acknowledged by all reliable matched readers, or until ctx ends.
func (w *Writer) WaitForAllAcked(ctx context.Context) error {
	for {
		w.μ.Lock()
		if w.closed {
			w.μ.Unlock()
			return ErrClosed
		}
		done := w.nreliable == 0 || int64(w.last) <= w.acked.Load()
		ch := w.ackCh
		w.μ.Unlock()
		if done {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// matchReader adds a proxy for a reader. It reports false if the reader was
// already matched, in which case its locators are updated.
func (w *Writer) matchReader(guid proto.GUID, locs []proto.Locator, rq qos.Endpoint) bool {
	first := w.firstSeq()
	w.μ.Lock()
	if w.closed {
		w.μ.Unlock()
		return false
	}
	if rp, ok := w.readers[guid]; ok {
		rp.locators = locs
		w.μ.Unlock()
		return false
	}
	rp := &readerProxy{
		guid:     guid,
		locators: locs,
		reliable: rq.IsReliable(),
		relevant: 1,
	}
	replay := w.qos.Durability >= qos.TransientLocal && rq.Durability >= qos.TransientLocal
	if !replay {
		// A late-joining volatile reader does not need what was written
		// before it appeared.
		rp.relevant = w.last + 1
		rp.acked = w.last
	}
	w.readers[guid] = rp
	w.matchChangedLocked()
	if rp.reliable {
		w.nreliable++
		if w.nreliable == 1 {
			w.hb.Start()
		}
	}
	advanced := w.recomputeLocked()
	total := len(w.readers)
	last := w.last
	var hb *proto.Heartbeat
	if rp.reliable {
		hb = w.heartbeatLocked(guid.Entity, first, rp.relevant, false)
	}
	w.μ.Unlock()

	w.p.metrics.matchedReaders.Add(1)
	w.log.Info("matched reader", "reader", guid, "reliable", rp.reliable, "replay", replay)
	if advanced {
		w.reclaim()
	}
	if replay {
		w.replay(rp, hb)
	} else if rp.reliable && last > 0 {
		gap := proto.Gap{
			Reader: guid.Entity,
			Writer: w.guid.Entity,
			Start:  1,
			List:   proto.NewSequenceSet(last + 1),
		}
		w.p.metrics.gapsSent.Add(1)
		w.p.send(locs, gap, hb)
	}
	notify(w.listener, MatchedEvent{Local: w.guid, Remote: guid, Change: 1, Total: total})
	return true
}

// replay sends the resident history to a newly matched reader, followed by
// a heartbeat if it is reliable.
func (w *Writer) replay(rp *readerProxy, hb *proto.Heartbeat) {
	for c := range w.hist.Since(0) {
		data, err := w.hist.Payload(c)
		if err != nil {
			continue // removed since the snapshot
		}
		d := dataFor(c, data)
		d.Reader = rp.guid.Entity
		w.p.metrics.dataSent.Add(1)
		w.p.send(rp.locators, d)
	}
	if hb != nil {
		w.p.metrics.heartbeatsSent.Add(1)
		w.p.send(rp.locators, hb)
	}
}

// unmatchReader removes the proxy for a reader, and reports whether it was
// present.
func (w *Writer) unmatchReader(guid proto.GUID) bool {
	w.μ.Lock()
	rp, ok := w.readers[guid]
	if !ok {
		w.μ.Unlock()
		return false
	}
	delete(w.readers, guid)
	w.matchChangedLocked()
	if rp.reliable {
		w.nreliable--
		if w.nreliable == 0 {
			w.hb.Cancel()
		}
	}
	advanced := w.recomputeLocked()
	total := len(w.readers)
	w.μ.Unlock()

	w.p.metrics.matchedReaders.Add(-1)
	w.log.Info("unmatched reader", "reader", guid)
	if advanced {
		w.reclaim()
	}
	notify(w.listener, MatchedEvent{Local: w.guid, Remote: guid, Change: -1, Total: total})
	return true
}

// unmatchPrefix removes every reader proxy belonging to the given
// participant.
func (w *Writer) unmatchPrefix(prefix proto.GUIDPrefix) {
	for _, g := range w.matchedReaders() {
		if g.Prefix == prefix {
			w.unmatchReader(g)
		}
	}
}

func (w *Writer) matchedReaders() []proto.GUID {
	w.μ.Lock()
	defer w.μ.Unlock()
	out := make([]proto.GUID, 0, len(w.readers))
	for g := range w.readers {
		out = append(out, g)
	}
	return out
}

// onAckNack processes an acknowledgement from a reader in the participant
// with the given prefix.
func (w *Writer) onAckNack(src proto.GUIDPrefix, an proto.AckNack) {
	w.p.metrics.acknacksRecv.Add(1)
	guid := proto.GUID{Prefix: src, Entity: an.Reader}

	w.μ.Lock()
	rp, ok := w.readers[guid]
	if !ok || !rp.reliable {
		w.μ.Unlock()
		w.log.Debug("acknack from unmatched reader", "reader", guid)
		return
	}
	if an.Count <= rp.ackCount {
		w.μ.Unlock()
		w.log.Debug("stale acknack", "reader", guid, "count", an.Count)
		return
	}
	rp.ackCount = an.Count
	if acked := min(an.Acked(), w.last); acked > rp.acked {
		rp.acked = acked
	}
	var requested []proto.SequenceNumber
	for seq := range an.Set.All() {
		if seq <= w.last {
			requested = append(requested, seq)
		}
	}
	advanced := w.recomputeLocked()
	locs := rp.locators
	relevant := rp.relevant
	w.μ.Unlock()

	if advanced {
		w.reclaim()
	}
	if len(requested) != 0 {
		w.resend(guid, locs, relevant, requested)
	}
}

// resend retransmits the requested changes to one reader. Changes no longer
// in the history, or irrelevant to the reader, are reported in gaps.
func (w *Writer) resend(reader proto.GUID, locs []proto.Locator, relevant proto.SequenceNumber, seqs []proto.SequenceNumber) {
	var missing []proto.SequenceNumber
	for _, seq := range seqs {
		if !w.isMatched(reader) {
			return // unmatched while we were working
		}
		c, ok := w.hist.Find(w.guid, seq)
		if !ok || seq < relevant {
			missing = append(missing, seq)
			continue
		}
		data, err := w.hist.Payload(c)
		if err != nil {
			missing = append(missing, seq)
			continue
		}
		d := dataFor(c, data)
		d.Reader = reader.Entity
		w.p.metrics.dataResent.Add(1)
		w.p.send(locs, d)
	}
	if len(missing) != 0 {
		gaps := gapsFor(reader.Entity, w.guid.Entity, missing)
		w.log.Debug("sending gaps", "reader", reader, "missing", len(missing))
		for _, g := range gaps {
			w.p.metrics.gapsSent.Add(1)
			w.p.send(locs, g)
		}
	}
}

// gapsFor returns gap submessages covering exactly the given sequence
// numbers, which must be in increasing order.
func gapsFor(reader, writer proto.EntityID, seqs []proto.SequenceNumber) []proto.Gap {
	var out []proto.Gap
	for len(seqs) != 0 {
		start := seqs[0]
		end := start + 1
		i := 1
		for i < len(seqs) && seqs[i] == end {
			end++
			i++
		}
		g := proto.Gap{Reader: reader, Writer: writer, Start: start, List: proto.NewSequenceSet(end)}
		for i < len(seqs) && g.List.Add(seqs[i]) {
			i++
		}
		out = append(out, g)
		seqs = seqs[i:]
	}
	return out
}

func (w *Writer) isMatched(guid proto.GUID) bool {
	w.μ.Lock()
	defer w.μ.Unlock()
	_, ok := w.readers[guid]
	return ok
}

// sendHeartbeats sends a heartbeat to each reliable reader that has not yet
// acknowledged everything.
func (w *Writer) sendHeartbeats() {
	type target struct {
		locs []proto.Locator
		hb   *proto.Heartbeat
	}
	var targets []target
	first := w.firstSeq()
	w.μ.Lock()
	for _, rp := range w.readers {
		if rp.reliable && rp.acked < w.last {
			targets = append(targets, target{rp.locators, w.heartbeatLocked(rp.guid.Entity, first, rp.relevant, false)})
		}
	}
	w.μ.Unlock()
	for _, t := range targets {
		w.p.metrics.heartbeatsSent.Add(1)
		w.p.send(t.locs, t.hb)
	}
}

// setFixed sets the destinations of a stateless writer.
func (w *Writer) setFixed(reader proto.EntityID, dsts []proto.Locator) {
	w.μ.Lock()
	defer w.μ.Unlock()
	w.fixedReader = reader
	w.fixed = dsts
}

// sendLatest sends the most recent change in the history to dsts, outside
// any reliability state.
func (w *Writer) sendLatest(dsts []proto.Locator) {
	c, ok := w.hist.Max()
	if !ok || len(dsts) == 0 {
		return
	}
	data, err := w.hist.Payload(c)
	if err != nil {
		return
	}
	w.μ.Lock()
	d := dataFor(c, data)
	d.Reader = w.fixedReader
	w.μ.Unlock()
	w.p.metrics.dataSent.Add(1)
	w.p.send(dsts, d)
}

// Close unmatches all readers, releases the history of w, and withdraws w
// from discovery. Close is idempotent.
func (w *Writer) Close() error {
	if !w.shutdown() {
		return nil
	}
	w.p.removeWriter(w)
	return nil
}

// shutdown stops the writer and reports whether it was running.
func (w *Writer) shutdown() bool {
	w.μ.Lock()
	if w.closed {
		w.μ.Unlock()
		return false
	}
	w.closed = true
	close(w.ackCh)
	w.ackCh = make(chan struct{})
	w.matchChangedLocked()
	n := len(w.readers)
	w.readers = make(map[proto.GUID]*readerProxy)
	w.nreliable = 0
	w.μ.Unlock()

	w.hb.Stop()
	w.p.metrics.matchedReaders.Add(-int64(n))
	w.hist.Close()
	w.release()
	return true
}

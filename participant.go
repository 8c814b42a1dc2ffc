// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package rtps

import (
	"cmp"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/rtps/discovery"
	"github.com/creachadair/rtps/pool"
	"github.com/creachadair/rtps/proto"
	"github.com/creachadair/rtps/qos"
	"github.com/creachadair/taskgroup"
)

var (
	// ErrClosed is reported by operations on a closed endpoint or a stopped
	// participant.
	ErrClosed = errors.New("endpoint is closed")

	errUnknownEntity = errors.New("unknown entity")
)

// Default discovery timing, used when [ParticipantOptions] do not specify.
const (
	DefaultLeaseDuration  = 20 * time.Second
	DefaultAnnouncePeriod = 3 * time.Second
)

// ParticipantOptions are the settings for a new [Participant]. The zero value
// is ready for use.
type ParticipantOptions struct {
	// Name is an optional human-readable name announced in discovery.
	Name string

	// Logger receives structured log records. If nil, logs are discarded.
	Logger *slog.Logger

	// LeaseDuration is how long remote participants should consider this one
	// alive without hearing an announcement. If zero, DefaultLeaseDuration.
	LeaseDuration time.Duration

	// AnnouncePeriod is the interval between participant announcements.
	// If zero, DefaultAnnouncePeriod.
	AnnouncePeriod time.Duration

	// InitialPeers are additional locators that receive participant
	// announcements, besides the multicast locators of the transport.
	InitialPeers []proto.Locator

	// HeartbeatPeriod is the heartbeat period of the discovery endpoints.
	// If zero, DefaultHeartbeatPeriod.
	HeartbeatPeriod time.Duration

	// Prefix is the GUID prefix of the participant. If zero, a fresh random
	// prefix is generated.
	Prefix proto.GUIDPrefix
}

// A MessageLogger logs a message exchanged with another participant.
type MessageLogger func(MessageInfo)

// A MessageInfo combines a message, the locator it was sent to or received
// from, and a flag indicating whether it was sent or received.
type MessageInfo struct {
	*proto.Message               // the message being logged
	Addr           proto.Locator // destination or source
	Sent           bool          // whether the message was sent (true) or received (false)
}

func (m MessageInfo) dir() string {
	if m.Sent {
		return "send"
	}
	return "recv"
}

func (m MessageInfo) String() string {
	return fmt.Sprintf("%v %v %v", m.dir(), m.Addr, m.Message)
}

// A Participant is a member of a domain that hosts writers and readers and
// discovers other participants.
//
// Call Start with a transport to start the service routine for the
// participant. Once started, a participant runs until Stop is called or the
// transport closes. Use Wait to wait for the participant to exit and report
// its status.
//
// The methods of a Participant are safe for concurrent use by multiple
// goroutines.
type Participant struct {
	reg     *Registry
	id      int
	prefix  proto.GUIDPrefix
	opts    ParticipantOptions
	log     *slog.Logger
	metrics *participantMetrics
	edp     *edp
	pdp     *pdp

	out struct {
		// Must hold the lock to send to or set tr.
		sync.Mutex
		tr   Transport
		mlog MessageLogger
	}

	μ         sync.Mutex
	tasks     *taskgroup.Group
	started   bool
	stopped   bool
	err       error
	unicast   []proto.Locator
	multicast []proto.Locator
	writers   map[proto.EntityID]*Writer
	readers   map[proto.EntityID]*Reader
	nextKey   uint32
	pools     map[poolKey]*sharedPool
	onExit    func(error)
}

type poolKey struct {
	topic, typeName string
	policy          pool.Policy
	size            int
}

// A sharedPool is a payload pool used by the co-located histories of a topic.
type sharedPool struct {
	*pool.Pool
	refs int
}

func newParticipant(reg *Registry, id int, opts ParticipantOptions) *Participant {
	p := &Participant{
		reg:     reg,
		id:      id,
		prefix:  opts.Prefix,
		opts:    opts,
		log:     opts.Logger,
		metrics: newParticipantMetrics(),
		writers: make(map[proto.EntityID]*Writer),
		readers: make(map[proto.EntityID]*Reader),
		pools:   make(map[poolKey]*sharedPool),
	}
	if p.prefix.IsZero() {
		p.prefix = proto.NewGUIDPrefix()
	}
	if p.log == nil {
		p.log = slog.New(slog.DiscardHandler)
	}
	p.log = p.log.With("participant", p.prefix)
	p.opts.LeaseDuration = cmp.Or(opts.LeaseDuration, DefaultLeaseDuration)
	p.opts.AnnouncePeriod = cmp.Or(opts.AnnouncePeriod, DefaultAnnouncePeriod)
	p.opts.HeartbeatPeriod = cmp.Or(opts.HeartbeatPeriod, DefaultHeartbeatPeriod)
	p.edp = newEDP(p)
	p.pdp = newPDP(p)
	return p
}

// ID returns the participant ID assigned by the registry.
func (p *Participant) ID() int { return p.id }

// GUIDPrefix returns the GUID prefix shared by the entities of p.
func (p *Participant) GUIDPrefix() proto.GUIDPrefix { return p.prefix }

// Name returns the announced name of p.
func (p *Participant) Name() string { return p.opts.Name }

// Metrics returns a metrics map for the participant. It is safe for the
// caller to add additional metrics to the map while the participant is
// active.
func (p *Participant) Metrics() *expvar.Map { return p.metrics.emap }

// Start starts the participant running on the given transport, and begins
// announcing it to the domain. Start does not block; call Wait to wait for
// the participant to exit and report its status. It panics if p was already
// started.
func (p *Participant) Start(tr Transport) *Participant {
	p.μ.Lock()
	if p.started {
		p.μ.Unlock()
		panic("participant is already started")
	}
	g := taskgroup.New(nil)
	p.started = true
	p.tasks = g
	p.unicast, p.multicast = tr.Locators()
	p.μ.Unlock()

	p.out.Lock()
	p.out.tr = tr
	p.out.Unlock()

	g.Go(func() error {
		for {
			dg, err := tr.Recv()
			if err != nil {
				p.fail(err)
				return nil
			}
			p.metrics.datagramRecv.Add(1)
			p.dispatch(dg)
		}
	})
	p.pdp.start()
	return p
}

// Stop withdraws p from the domain, closes its endpoints and transport, and
// blocks until it has exited. It returns the status reported by Wait.
func (p *Participant) Stop() error {
	p.μ.Lock()
	if p.stopped {
		p.μ.Unlock()
		return p.Wait()
	}
	p.stopped = true
	var ws []*Writer
	var rs []*Reader
	for _, w := range p.writers {
		ws = append(ws, w)
	}
	for _, r := range p.readers {
		rs = append(rs, r)
	}
	p.μ.Unlock()

	p.pdp.leave()
	for _, w := range ws {
		w.shutdown()
	}
	for _, r := range rs {
		r.shutdown()
	}
	p.closeOut()
	err := p.Wait()
	p.reg.Remove(p)
	return err
}

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// waitTasks blocks until the service routines have finished, and reports
// whether the participant was started.
func (p *Participant) waitTasks() bool {
	p.μ.Lock()
	t := p.tasks
	p.μ.Unlock()
	if t == nil {
		return false
	}
	t.Wait()
	return true
}

// Wait blocks until p terminates and reports the error that caused it to
// stop. If p is not running, or stopped because its transport closed, Wait
// returns nil.
func (p *Participant) Wait() error {
	if !p.waitTasks() {
		return nil
	}
	p.μ.Lock()
	defer p.μ.Unlock()
	if treatErrorAsSuccess(p.err) {
		return nil
	}
	return p.err
}

// OnExit registers a callback to be invoked when the receive loop of p
// terminates, with the same error value that would be reported by Wait.
// If f == nil the callback is removed.
func (p *Participant) OnExit(f func(error)) *Participant {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.onExit = f
	return p
}

// LogMessages registers a callback that will be invoked for each message
// sent or received by p, including messages that are later discarded.
//
// Passing a nil callback disables message logging. The logger is invoked
// synchronously with dispatch, prior to sending or processing a message.
func (p *Participant) LogMessages(log MessageLogger) *Participant {
	p.out.Lock()
	defer p.out.Unlock()
	p.out.mlog = log
	return p
}

// fail records the error that terminated the receive loop.
func (p *Participant) fail(err error) {
	p.closeOut()

	p.μ.Lock()
	defer p.μ.Unlock()
	p.err = err
	if p.onExit != nil {
		if treatErrorAsSuccess(err) {
			err = nil
		}
		p.onExit(err)
	}
}

func (p *Participant) closeOut() {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.tr != nil {
		p.out.tr.Close()
		p.out.tr = nil
	}
}

// send encodes a message containing subs and sends it to each of dsts.
// Failures are logged; the protocol repairs lost datagrams.
func (p *Participant) send(dsts []proto.Locator, subs ...proto.Encoder) {
	if len(dsts) == 0 {
		return
	}
	msg := proto.NewMessage(p.prefix).Add(subs...)
	data := msg.Encode()

	p.out.Lock()
	defer p.out.Unlock()
	if p.out.tr == nil {
		return
	}
	for _, dst := range dsts {
		if p.out.mlog != nil {
			p.out.mlog(MessageInfo{Message: msg, Addr: dst, Sent: true})
		}
		if err := p.out.tr.Send(data, dst); err != nil {
			p.log.Debug("send failed", "dst", dst, "err", err)
			continue
		}
		p.metrics.datagramSent.Add(1)
	}
}

func (p *Participant) logRecv(msg *proto.Message, src proto.Locator) {
	p.out.Lock()
	defer p.out.Unlock()
	if p.out.mlog != nil {
		p.out.mlog(MessageInfo{Message: msg, Addr: src})
	}
}

// dispatch decodes a datagram and routes its submessages to the local
// endpoints they address. Malformed input is dropped and counted.
func (p *Participant) dispatch(dg *Datagram) {
	var msg proto.Message
	if err := msg.UnmarshalBinary(dg.Data); err != nil {
		p.metrics.datagramDropped.Add(1)
		p.log.Warn("dropped malformed message", "src", dg.Source, "err", err)
		return
	}
	p.logRecv(&msg, dg.Source)
	for _, sm := range msg.Submessages {
		err := p.dispatchSubmessage(msg.Prefix, sm)
		if errors.Is(err, errUnknownEntity) {
			p.metrics.datagramDropped.Add(1)
			p.log.Debug("dropped submessage", "kind", sm.Kind, "src", msg.Prefix, "err", err)
		} else if err != nil {
			p.metrics.datagramDropped.Add(1)
			p.log.Warn("dropped malformed submessage", "kind", sm.Kind, "src", msg.Prefix, "err", err)
		}
	}
}

func (p *Participant) dispatchSubmessage(src proto.GUIDPrefix, sm proto.Submessage) error {
	switch sm.Kind {
	case proto.KindData:
		var d proto.Data
		if err := d.Decode(sm); err != nil {
			return err
		}
		if d.Writer == proto.EntitySPDPWriter {
			p.pdp.onData(src, d)
			return nil
		}
		rs, err := p.readersFor(d.Reader)
		for _, r := range rs {
			r.onData(src, d)
		}
		return err

	case proto.KindHeartbeat:
		var hb proto.Heartbeat
		if err := hb.Decode(sm); err != nil {
			return err
		}
		rs, err := p.readersFor(hb.Reader)
		for _, r := range rs {
			r.onHeartbeat(src, hb)
		}
		return err

	case proto.KindGap:
		var g proto.Gap
		if err := g.Decode(sm); err != nil {
			return err
		}
		rs, err := p.readersFor(g.Reader)
		for _, r := range rs {
			r.onGap(src, g)
		}
		return err

	case proto.KindAckNack:
		var an proto.AckNack
		if err := an.Decode(sm); err != nil {
			return err
		}
		p.μ.Lock()
		w, ok := p.writers[an.Writer]
		p.μ.Unlock()
		if !ok {
			return fmt.Errorf("acknack for writer %v: %w", an.Writer, errUnknownEntity)
		}
		w.onAckNack(src, an)
		return nil

	default:
		return fmt.Errorf("submessage kind %v: %w", sm.Kind, errUnknownEntity)
	}
}

// readersFor returns the reader with the given ID, or all readers if id is
// EntityUnknown.
func (p *Participant) readersFor(id proto.EntityID) ([]*Reader, error) {
	p.μ.Lock()
	defer p.μ.Unlock()
	if id == proto.EntityUnknown {
		rs := make([]*Reader, 0, len(p.readers))
		for _, r := range p.readers {
			rs = append(rs, r)
		}
		return rs, nil
	}
	if r, ok := p.readers[id]; ok {
		return []*Reader{r}, nil
	}
	return nil, fmt.Errorf("reader %v: %w", id, errUnknownEntity)
}

// locators reports the unicast and multicast locators of the transport.
func (p *Participant) locators() (unicast, multicast []proto.Locator) {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.unicast, p.multicast
}

// pool returns the payload pool shared by the histories of the given topic
// and type with the same memory settings, and a function to release it.
func (p *Participant) pool(topic, typeName string, policy pool.Policy, size int) (*pool.Pool, func()) {
	key := poolKey{topic: topic, typeName: typeName, policy: policy, size: size}
	p.μ.Lock()
	defer p.μ.Unlock()
	sp, ok := p.pools[key]
	if !ok {
		sp = &sharedPool{Pool: pool.New(pool.Config{
			Policy:      policy,
			PayloadSize: size,
			Logger:      p.log.With("topic", topic),
		})}
		p.pools[key] = sp
	}
	sp.refs++
	var once sync.Once
	return sp.Pool, func() {
		once.Do(func() {
			p.μ.Lock()
			defer p.μ.Unlock()
			if sp.refs--; sp.refs == 0 {
				delete(p.pools, key)
			}
		})
	}
}

func (p *Participant) newEntityID(kind proto.EntityKind) (proto.EntityID, error) {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.stopped {
		return proto.EntityID{}, ErrClosed
	}
	p.nextKey++
	return proto.MakeEntityID(p.nextKey, kind), nil
}

// NewWriter creates a writer on the given topic and announces it to the
// domain. It is matched with every compatible reader, remote or local.
func (p *Participant) NewWriter(opts WriterOptions) (*Writer, error) {
	if opts.Topic == "" || opts.Type == "" {
		return nil, errors.New("writer requires a topic and a type name")
	}
	q := qos.DefaultWriter()
	if opts.QoS != nil {
		q = *opts.QoS
	}
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("writer qos: %w", err)
	}
	kind := proto.KindUserWriterNoKey
	if opts.Keyed {
		kind = proto.KindUserWriterKeyed
	}
	id, err := p.newEntityID(kind)
	if err != nil {
		return nil, err
	}
	w := newWriter(p, proto.GUID{Prefix: p.prefix, Entity: id}, opts, q)

	p.μ.Lock()
	p.writers[id] = w
	p.μ.Unlock()
	p.edp.addLocalWriter(w)
	return w, nil
}

// NewReader creates a reader on the given topic and announces it to the
// domain. It is matched with every compatible writer, remote or local.
func (p *Participant) NewReader(opts ReaderOptions) (*Reader, error) {
	if opts.Topic == "" || opts.Type == "" {
		return nil, errors.New("reader requires a topic and a type name")
	}
	q := qos.DefaultReader()
	if opts.QoS != nil {
		q = *opts.QoS
	}
	if err := q.Validate(); err != nil {
		return nil, fmt.Errorf("reader qos: %w", err)
	}
	kind := proto.KindUserReaderNoKey
	if opts.Keyed {
		kind = proto.KindUserReaderKeyed
	}
	id, err := p.newEntityID(kind)
	if err != nil {
		return nil, err
	}
	r := newReader(p, proto.GUID{Prefix: p.prefix, Entity: id}, opts, q)

	p.μ.Lock()
	p.readers[id] = r
	p.μ.Unlock()
	p.edp.addLocalReader(r)
	return r, nil
}

// removeWriter forgets a closed writer and withdraws it from discovery.
func (p *Participant) removeWriter(w *Writer) {
	p.μ.Lock()
	delete(p.writers, w.guid.Entity)
	p.μ.Unlock()
	p.edp.removeLocalWriter(w)
}

// removeReader forgets a closed reader and withdraws it from discovery.
func (p *Participant) removeReader(r *Reader) {
	p.μ.Lock()
	delete(p.readers, r.guid.Entity)
	p.μ.Unlock()
	p.edp.removeLocalReader(r)
}

// userWriters returns the local application writers of p.
func (p *Participant) userWriters() []*Writer {
	p.μ.Lock()
	defer p.μ.Unlock()
	var out []*Writer
	for id, w := range p.writers {
		if !id.IsBuiltin() {
			out = append(out, w)
		}
	}
	return out
}

// userReaders returns the local application readers of p.
func (p *Participant) userReaders() []*Reader {
	p.μ.Lock()
	defer p.μ.Unlock()
	var out []*Reader
	for id, r := range p.readers {
		if !id.IsBuiltin() {
			out = append(out, r)
		}
	}
	return out
}

// RemoteParticipants returns the announcements of the remote participants p
// currently considers alive, ordered by GUID prefix.
func (p *Participant) RemoteParticipants() []discovery.ParticipantData {
	return p.pdp.remoteParticipants()
}

// ParseLocator parses a locator string. The accepted forms are
// "host:port" for a UDP address and "mem:port" or "mem:group:port" for an
// in-process channel.
func ParseLocator(s string) (proto.Locator, error) {
	if rest, ok := strings.CutPrefix(s, "mem:"); ok {
		var group uint64
		if g, port, ok := strings.Cut(rest, ":"); ok {
			v, err := strconv.ParseUint(strings.TrimPrefix(g, "group"), 10, 8)
			if err != nil {
				return proto.Locator{}, fmt.Errorf("invalid group %q: %w", g, err)
			}
			group, rest = v, port
		}
		port, err := strconv.ParseUint(rest, 10, 32)
		if err != nil {
			return proto.Locator{}, fmt.Errorf("invalid port %q: %w", rest, err)
		}
		return proto.MemoryLocator(byte(group), uint32(port)), nil
	}
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return proto.Locator{}, err
	}
	return proto.LocatorFromAddrPort(ap), nil
}

// comparePrefix orders participant data by GUID prefix.
func comparePrefix(a, b discovery.ParticipantData) int {
	return slices.Compare(a.Prefix[:], b.Prefix[:])
}

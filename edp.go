// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package rtps

import (
	"context"
	"errors"
	"sync"

	"github.com/creachadair/rtps/discovery"
	"github.com/creachadair/rtps/history"
	"github.com/creachadair/rtps/pool"
	"github.com/creachadair/rtps/proto"
	"github.com/creachadair/rtps/qos"
)

// Builtin topic names of endpoint discovery.
const (
	publicationsTopic  = "DCPSPublication"
	subscriptionsTopic = "DCPSSubscription"
)

// edp is the endpoint discovery protocol of a participant. It announces the
// local writers and readers on builtin reliable endpoints, and matches local
// endpoints with the remote and co-located endpoints it learns of.
type edp struct {
	p         *Participant
	pubWriter *Writer
	subWriter *Writer
	pubReader *Reader
	subReader *Reader

	μ       sync.Mutex
	writers map[proto.GUID]discovery.EndpointData // remote writers
	readers map[proto.GUID]discovery.EndpointData // remote readers
}

// builtinQoS is the QoS of the endpoint discovery endpoints: reliable, with
// the latest announcement of each endpoint kept for late joiners.
func builtinQoS() qos.Endpoint {
	return qos.Endpoint{
		Reliability: qos.Reliable,
		Durability:  qos.TransientLocal,
		History:     qos.History{Kind: qos.KeepLast, Depth: 1},
		Memory:      pool.DynamicReusable,
	}
}

func validEndpointData(data []byte) error {
	var ed discovery.EndpointData
	return ed.Decode(data)
}

func newEDP(p *Participant) *edp {
	e := &edp{
		p:       p,
		writers: make(map[proto.GUID]discovery.EndpointData),
		readers: make(map[proto.GUID]discovery.EndpointData),
	}
	q := builtinQoS()
	guid := func(id proto.EntityID) proto.GUID { return proto.GUID{Prefix: p.prefix, Entity: id} }
	wopts := func(topic string) WriterOptions {
		return WriterOptions{Topic: topic, Type: topic, HeartbeatPeriod: p.opts.HeartbeatPeriod}
	}
	ropts := func(topic string) ReaderOptions {
		return ReaderOptions{
			Topic:    topic,
			Type:     topic,
			Validate: validEndpointData,
			Listener: ListenerFunc(e.onEvent),
		}
	}
	e.pubWriter = newWriter(p, guid(proto.EntitySEDPPubWriter), wopts(publicationsTopic), q)
	e.subWriter = newWriter(p, guid(proto.EntitySEDPSubWriter), wopts(subscriptionsTopic), q)
	e.pubReader = newReader(p, guid(proto.EntitySEDPPubReader), ropts(publicationsTopic), q)
	e.subReader = newReader(p, guid(proto.EntitySEDPSubReader), ropts(subscriptionsTopic), q)

	for _, w := range []*Writer{e.pubWriter, e.subWriter} {
		p.writers[w.guid.Entity] = w
	}
	for _, r := range []*Reader{e.pubReader, e.subReader} {
		p.readers[r.guid.Entity] = r
	}
	return e
}

func (e *edp) onEvent(ev Event) {
	switch ev.(type) {
	case DataAvailableEvent:
		switch ev.Endpoint() {
		case e.pubReader.guid:
			e.drain(e.pubReader)
		case e.subReader.guid:
			e.drain(e.subReader)
		}
	}
}

// drain takes every deliverable announcement from r and applies it.
func (e *edp) drain(r *Reader) {
	for {
		s, ok := r.TakeNextSample()
		if !ok {
			return
		}
		if s.Info.Kind != proto.Alive {
			e.removeRemoteEndpoint(guidFromHandle(s.Info.Instance))
			continue
		}
		var ed discovery.EndpointData
		if err := ed.Decode(s.Data); err != nil {
			e.p.log.Warn("invalid endpoint announcement", "writer", s.Info.Writer, "err", err)
			continue
		}
		e.addRemoteEndpoint(ed)
	}
}

func guidFromHandle(h proto.InstanceHandle) proto.GUID {
	var g proto.GUID
	copy(g.Prefix[:], h[:12])
	copy(g.Entity[:], h[12:])
	return g
}

// announce replaces the announcement of an endpoint in the history of w.
func (e *edp) announce(w *Writer, kind proto.ChangeKind, guid proto.GUID, data []byte) {
	h := guid.Handle()
	w.hist.RemoveIf(func(c history.Change) bool { return c.Instance == h })
	if _, err := w.write(context.Background(), kind, WriteParams{
		Instance:      h,
		Encapsulation: proto.EncapsulationPLCDRBE,
	}, data); err != nil {
		e.p.log.Warn("endpoint announcement failed", "endpoint", guid, "err", err)
	}
}

// processWriterProxyData announces a local writer.
func (e *edp) processWriterProxyData(ed discovery.EndpointData) {
	e.announce(e.pubWriter, proto.Alive, ed.GUID, ed.Encode())
}

// processReaderProxyData announces a local reader.
func (e *edp) processReaderProxyData(ed discovery.EndpointData) {
	e.announce(e.subWriter, proto.Alive, ed.GUID, ed.Encode())
}

func writerData(w *Writer) discovery.EndpointData {
	return discovery.EndpointData{GUID: w.guid, Topic: w.topic, Type: w.typeName, QoS: w.qos}
}

func readerData(r *Reader) discovery.EndpointData {
	return discovery.EndpointData{GUID: r.guid, Topic: r.topic, Type: r.typeName, QoS: r.qos}
}

// addLocalWriter announces a new local writer and matches it with known
// readers.
func (e *edp) addLocalWriter(w *Writer) {
	wd := writerData(w)
	e.processWriterProxyData(wd)
	for _, rd := range e.remoteReaders() {
		e.pair(wd, rd, w, nil)
	}
	for _, r := range e.p.userReaders() {
		e.pair(wd, readerData(r), w, r)
	}
}

// addLocalReader announces a new local reader and matches it with known
// writers.
func (e *edp) addLocalReader(r *Reader) {
	rd := readerData(r)
	e.processReaderProxyData(rd)
	for _, wd := range e.remoteWriters() {
		e.pair(wd, rd, nil, r)
	}
	for _, w := range e.p.userWriters() {
		e.pair(writerData(w), rd, w, r)
	}
}

// removeLocalWriter unmatches a closed writer from co-located readers and
// announces its disposal.
func (e *edp) removeLocalWriter(w *Writer) {
	for _, r := range e.p.userReaders() {
		r.unmatchWriter(w.guid)
	}
	e.announce(e.pubWriter, proto.NotAliveDisposedUnregistered, w.guid, nil)
}

// removeLocalReader unmatches a closed reader from co-located writers and
// announces its disposal.
func (e *edp) removeLocalReader(r *Reader) {
	for _, w := range e.p.userWriters() {
		w.unmatchReader(r.guid)
	}
	e.announce(e.subWriter, proto.NotAliveDisposedUnregistered, r.guid, nil)
}

func (e *edp) remoteWriters() []discovery.EndpointData {
	e.μ.Lock()
	defer e.μ.Unlock()
	out := make([]discovery.EndpointData, 0, len(e.writers))
	for _, wd := range e.writers {
		out = append(out, wd)
	}
	return out
}

func (e *edp) remoteReaders() []discovery.EndpointData {
	e.μ.Lock()
	defer e.μ.Unlock()
	out := make([]discovery.EndpointData, 0, len(e.readers))
	for _, rd := range e.readers {
		out = append(out, rd)
	}
	return out
}

// addRemoteEndpoint records a remote endpoint announcement and matches it
// with the local endpoints of the other kind.
func (e *edp) addRemoteEndpoint(ed discovery.EndpointData) {
	if ed.GUID.Prefix == e.p.prefix {
		return
	}
	e.μ.Lock()
	if ed.IsWriter() {
		e.writers[ed.GUID] = ed
	} else {
		e.readers[ed.GUID] = ed
	}
	e.μ.Unlock()
	e.p.log.Debug("discovered endpoint", "endpoint", ed)

	if ed.IsWriter() {
		for _, r := range e.p.userReaders() {
			e.pair(ed, readerData(r), nil, r)
		}
	} else {
		for _, w := range e.p.userWriters() {
			e.pair(writerData(w), ed, w, nil)
		}
	}
}

// removeRemoteEndpoint forgets a disposed remote endpoint and unmatches it
// everywhere.
func (e *edp) removeRemoteEndpoint(guid proto.GUID) {
	e.μ.Lock()
	delete(e.writers, guid)
	delete(e.readers, guid)
	e.μ.Unlock()

	if guid.Entity.IsWriter() {
		for _, r := range e.p.userReaders() {
			r.unmatchWriter(guid)
		}
	} else {
		for _, w := range e.p.userWriters() {
			w.unmatchReader(guid)
		}
	}
}

// pair matches a writer and a reader if they are compatible, and unmatches
// them otherwise. Either local endpoint may be nil if it is remote.
func (e *edp) pair(wd, rd discovery.EndpointData, w *Writer, r *Reader) {
	err := discovery.MatchWriterReader(wd, rd)
	if err == nil {
		if w != nil {
			w.matchReader(rd.GUID, e.locatorsFor(rd), rd.QoS)
		}
		if r != nil {
			r.matchWriter(wd.GUID, e.locatorsFor(wd), wd.QoS)
		}
		return
	}

	// An updated announcement may invalidate an earlier match.
	if w != nil {
		w.unmatchReader(rd.GUID)
	}
	if r != nil {
		r.unmatchWriter(wd.GUID)
	}
	var m *qos.Mismatch
	if !errors.As(err, &m) {
		return
	}
	e.p.log.Info("incompatible qos", "writer", wd.GUID, "reader", rd.GUID, "policies", m.Policies)
	if w != nil {
		notify(w.listener, IncompatibleQoSEvent{Local: w.guid, Remote: rd.GUID, Policies: m.Policies})
	}
	if r != nil {
		notify(r.listener, IncompatibleQoSEvent{Local: r.guid, Remote: wd.GUID, Policies: m.Policies})
	}
}

// locatorsFor returns the locators at which an endpoint receives data: its
// own if it announced any, otherwise the defaults of its participant.
func (e *edp) locatorsFor(ed discovery.EndpointData) []proto.Locator {
	if ed.GUID.Prefix == e.p.prefix {
		uni, _ := e.p.locators()
		return uni
	}
	if len(ed.Unicast) != 0 {
		return ed.Unicast
	} else if len(ed.Multicast) != 0 {
		return ed.Multicast
	}
	pd, ok := e.p.pdp.remote(ed.GUID.Prefix)
	if !ok {
		return nil
	}
	if len(pd.DefaultUnicast) != 0 {
		return pd.DefaultUnicast
	}
	return pd.DefaultMulticast
}

// assignRemoteEndpoints matches the builtin endpoints of a newly discovered
// participant with the local builtin endpoints, according to the endpoints
// it announces. Matching the local announcers replays the local endpoints.
func (e *edp) assignRemoteEndpoints(pd discovery.ParticipantData) {
	locs := pd.MetatrafficUnicast
	if len(locs) == 0 {
		locs = pd.MetatrafficMulticast
	}
	q := builtinQoS()
	remote := func(id proto.EntityID) proto.GUID { return proto.GUID{Prefix: pd.Prefix, Entity: id} }

	if pd.Builtins.Has(discovery.PublicationsAnnouncer) {
		e.pubReader.matchWriter(remote(proto.EntitySEDPPubWriter), locs, q)
	}
	if pd.Builtins.Has(discovery.SubscriptionsAnnouncer) {
		e.subReader.matchWriter(remote(proto.EntitySEDPSubWriter), locs, q)
	}
	if pd.Builtins.Has(discovery.PublicationsDetector) {
		e.pubWriter.matchReader(remote(proto.EntitySEDPPubReader), locs, q)
	}
	if pd.Builtins.Has(discovery.SubscriptionsDetector) {
		e.subWriter.matchReader(remote(proto.EntitySEDPSubReader), locs, q)
	}
}

// removeRemoteEndpoints forgets every endpoint of a departed participant and
// removes all proxies keyed to its GUID prefix.
func (e *edp) removeRemoteEndpoints(prefix proto.GUIDPrefix) {
	e.μ.Lock()
	for g := range e.writers {
		if g.Prefix == prefix {
			delete(e.writers, g)
		}
	}
	for g := range e.readers {
		if g.Prefix == prefix {
			delete(e.readers, g)
		}
	}
	e.μ.Unlock()

	for _, w := range []*Writer{e.pubWriter, e.subWriter} {
		w.unmatchPrefix(prefix)
	}
	for _, r := range []*Reader{e.pubReader, e.subReader} {
		r.unmatchPrefix(prefix)
	}
	for _, w := range e.p.userWriters() {
		w.unmatchPrefix(prefix)
	}
	for _, r := range e.p.userReaders() {
		r.unmatchPrefix(prefix)
	}
}

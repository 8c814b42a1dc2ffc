// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package rtps

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/creachadair/rtps/discovery"
	"github.com/creachadair/rtps/pool"
	"github.com/creachadair/rtps/proto"
	"github.com/creachadair/rtps/qos"
)

const participantTopic = "DCPSParticipant"

// pdp is the participant discovery protocol. It periodically announces the
// participant to the discovery locators with a stateless best-effort writer,
// tracks the leases of the remote participants it hears from, and hands new
// and departed participants to endpoint discovery.
type pdp struct {
	p        *Participant
	w        *Writer
	announce *timedEvent

	μ       sync.Mutex
	remotes map[proto.GUIDPrefix]*remoteParticipant
	closed  bool
}

type remoteParticipant struct {
	data    discovery.ParticipantData
	expires time.Time
	lease   *time.Timer
}

func newPDP(p *Participant) *pdp {
	d := &pdp{p: p, remotes: make(map[proto.GUIDPrefix]*remoteParticipant)}
	d.w = newWriter(p, proto.GUID{Prefix: p.prefix, Entity: proto.EntitySPDPWriter},
		WriterOptions{Topic: participantTopic, Type: participantTopic},
		qos.Endpoint{
			Reliability: qos.BestEffort,
			Durability:  qos.TransientLocal,
			History:     qos.History{Kind: qos.KeepLast, Depth: 1},
			Memory:      pool.DynamicReusable,
		})
	d.announce = newTimedEvent(p.opts.AnnouncePeriod, d.announceNow)
	return d
}

// data returns the current announcement of the participant.
func (d *pdp) data() discovery.ParticipantData {
	uni, multi := d.p.locators()
	return discovery.ParticipantData{
		Prefix:               d.p.prefix,
		Name:                 d.p.opts.Name,
		DomainID:             d.p.reg.Domain(),
		Vendor:               proto.VendorID,
		ProtocolVersion:      proto.Version,
		MetatrafficUnicast:   uni,
		MetatrafficMulticast: multi,
		DefaultUnicast:       uni,
		LeaseDuration:        d.p.opts.LeaseDuration,
		Builtins:             discovery.AllBuiltins,
	}
}

// start begins periodic announcements to the multicast locators of the
// transport and the initial peers.
func (d *pdp) start() {
	_, multi := d.p.locators()
	dsts := slices.Concat(multi, d.p.opts.InitialPeers)
	d.w.setFixed(proto.EntitySPDPReader, dsts)
	d.announceNow()
	d.announce.Start()
}

func (d *pdp) announceNow() {
	pd := d.data()
	if _, err := d.w.write(context.Background(), proto.Alive, WriteParams{
		Instance:      pd.GUID().Handle(),
		Encapsulation: proto.EncapsulationPLCDRBE,
	}, pd.Encode()); err != nil {
		d.p.log.Debug("participant announcement failed", "err", err)
	}
}

// onData processes a participant announcement. Announcements are handled
// without per-writer reliability state.
func (d *pdp) onData(src proto.GUIDPrefix, data proto.Data) {
	if src == d.p.prefix {
		return
	}
	if data.Kind != proto.Alive {
		d.remove(src, "left")
		return
	}
	var pd discovery.ParticipantData
	if err := pd.Decode(data.Payload); err != nil {
		d.p.metrics.datagramDropped.Add(1)
		d.p.log.Warn("invalid participant announcement", "src", src, "err", err)
		return
	}
	if pd.Prefix == d.p.prefix || pd.DomainID != d.p.reg.Domain() {
		return
	}
	lease := cmp.Or(pd.LeaseDuration, DefaultLeaseDuration)

	d.μ.Lock()
	if d.closed {
		d.μ.Unlock()
		return
	}
	if rp, ok := d.remotes[pd.Prefix]; ok {
		rp.data = pd
		rp.expires = time.Now().Add(lease)
		rp.lease.Reset(lease)
		d.μ.Unlock()
		return
	}
	prefix := pd.Prefix
	rp := &remoteParticipant{data: pd, expires: time.Now().Add(lease)}
	rp.lease = time.AfterFunc(lease, func() { d.expire(prefix) })
	d.remotes[prefix] = rp
	d.μ.Unlock()

	d.p.metrics.participants.Add(1)
	d.p.log.Info("discovered participant", "remote", prefix, "name", pd.Name)
	d.p.edp.assignRemoteEndpoints(pd)

	// Answer promptly so the newcomer need not wait a full period.
	d.w.sendLatest(pd.MetatrafficUnicast)
}

// expire removes a remote participant whose lease has run out.
func (d *pdp) expire(prefix proto.GUIDPrefix) {
	d.μ.Lock()
	rp, ok := d.remotes[prefix]
	if ok {
		if left := time.Until(rp.expires); left > 0 {
			rp.lease.Reset(left) // renewed meanwhile
			d.μ.Unlock()
			return
		}
	}
	d.μ.Unlock()
	if ok {
		d.remove(prefix, "lease expired")
	}
}

// remove forgets a remote participant and all its endpoints.
func (d *pdp) remove(prefix proto.GUIDPrefix, why string) {
	d.μ.Lock()
	rp, ok := d.remotes[prefix]
	if ok {
		rp.lease.Stop()
		delete(d.remotes, prefix)
	}
	d.μ.Unlock()
	if !ok {
		return
	}
	d.p.metrics.participants.Add(-1)
	d.p.log.Info("removed participant", "remote", prefix, "reason", why)
	d.p.edp.removeRemoteEndpoints(prefix)
}

func (d *pdp) remote(prefix proto.GUIDPrefix) (discovery.ParticipantData, bool) {
	d.μ.Lock()
	defer d.μ.Unlock()
	if rp, ok := d.remotes[prefix]; ok {
		return rp.data, true
	}
	return discovery.ParticipantData{}, false
}

func (d *pdp) remoteParticipants() []discovery.ParticipantData {
	d.μ.Lock()
	out := make([]discovery.ParticipantData, 0, len(d.remotes))
	for _, rp := range d.remotes {
		out = append(out, rp.data)
	}
	d.μ.Unlock()
	slices.SortFunc(out, comparePrefix)
	return out
}

// leave announces that the participant is going away, and stops all
// discovery timers.
func (d *pdp) leave() {
	d.μ.Lock()
	if d.closed {
		d.μ.Unlock()
		return
	}
	d.closed = true
	var peers []proto.Locator
	for prefix, rp := range d.remotes {
		rp.lease.Stop()
		peers = append(peers, rp.data.MetatrafficUnicast...)
		delete(d.remotes, prefix)
	}
	d.μ.Unlock()

	d.announce.Stop()
	h := proto.GUID{Prefix: d.p.prefix, Entity: proto.EntityParticipant}.Handle()
	if _, err := d.w.write(context.Background(), proto.NotAliveDisposedUnregistered, WriteParams{Instance: h}, nil); err == nil {
		d.w.sendLatest(peers)
	}
	d.w.shutdown()
	d.p.log.Info("left domain", "domain", d.p.reg.Domain())
}

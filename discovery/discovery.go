// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package discovery defines the metadata participants exchange to find each
// other and to pair their endpoints.
//
// A [ParticipantData] announces a participant, its locators, and the builtin
// discovery endpoints it runs. An [EndpointData] describes one writer or
// reader: its topic, type, QoS and locators. Both are encoded as parameter
// lists, in which each field is tagged with an ID and a length so that a
// receiver can skip fields it does not understand.
package discovery

import (
	"errors"
	"fmt"
	"time"

	"github.com/creachadair/rtps/packet"
	"github.com/creachadair/rtps/proto"
	"github.com/creachadair/rtps/qos"
)

// BuiltinEndpoints is a bit set of the discovery endpoints a participant runs.
type BuiltinEndpoints uint32

const (
	ParticipantAnnouncer   BuiltinEndpoints = 1 << 0
	ParticipantDetector    BuiltinEndpoints = 1 << 1
	PublicationsAnnouncer  BuiltinEndpoints = 1 << 2
	PublicationsDetector   BuiltinEndpoints = 1 << 3
	SubscriptionsAnnouncer BuiltinEndpoints = 1 << 4
	SubscriptionsDetector  BuiltinEndpoints = 1 << 5

	// AllBuiltins is the set of endpoints run by a full participant.
	AllBuiltins = ParticipantAnnouncer | ParticipantDetector |
		PublicationsAnnouncer | PublicationsDetector |
		SubscriptionsAnnouncer | SubscriptionsDetector
)

// Has reports whether all the endpoints in want are in b.
func (b BuiltinEndpoints) Has(want BuiltinEndpoints) bool { return b&want == want }

// ParticipantData is the announcement of a participant.
type ParticipantData struct {
	Prefix          proto.GUIDPrefix
	Name            string
	DomainID        uint32
	Vendor          [2]byte
	ProtocolVersion [2]byte

	MetatrafficUnicast   []proto.Locator // where discovery traffic is received
	MetatrafficMulticast []proto.Locator
	DefaultUnicast       []proto.Locator // where user traffic is received
	DefaultMulticast     []proto.Locator

	LeaseDuration time.Duration
	Builtins      BuiltinEndpoints
}

// GUID returns the GUID of the participant entity.
func (p ParticipantData) GUID() proto.GUID {
	return proto.GUID{Prefix: p.Prefix, Entity: proto.EntityParticipant}
}

func (p ParticipantData) String() string {
	return fmt.Sprintf("Participant(%v, %q, domain %d, lease %v)", p.Prefix, p.Name, p.DomainID, p.LeaseDuration)
}

// Encode encodes p as a parameter list.
func (p ParticipantData) Encode() []byte {
	var w paramWriter
	w.param(pidParticipantGUID, func(b *packet.Builder) { putGUID(b, p.GUID()) })
	if p.Name != "" {
		w.param(pidEntityName, func(b *packet.Builder) { putString(b, truncate(p.Name, maxNameLen)) })
	}
	w.param(pidDomainID, func(b *packet.Builder) { b.Uint32(p.DomainID) })
	w.param(pidVendorID, func(b *packet.Builder) { b.Put(p.Vendor[:]...) })
	w.param(pidProtocolVersion, func(b *packet.Builder) { b.Put(p.ProtocolVersion[:]...) })
	putLocators(&w, pidMetatrafficUnicast, p.MetatrafficUnicast)
	putLocators(&w, pidMetatrafficMulticast, p.MetatrafficMulticast)
	putLocators(&w, pidDefaultUnicast, p.DefaultUnicast)
	putLocators(&w, pidDefaultMulticast, p.DefaultMulticast)
	w.param(pidLeaseDuration, func(b *packet.Builder) { b.Int64(int64(p.LeaseDuration)) })
	w.param(pidBuiltinEndpointSet, func(b *packet.Builder) { b.Uint32(uint32(p.Builtins)) })
	return w.finish()
}

// Decode decodes a parameter list into p.
func (p *ParticipantData) Decode(data []byte) error {
	var np ParticipantData
	var haveGUID bool
	err := readParams(data, func(pid ParameterID, s *packet.Scanner) error {
		var err error
		switch pid {
		case pidParticipantGUID:
			var g proto.GUID
			g, err = getGUID(s)
			np.Prefix = g.Prefix
			haveGUID = true
		case pidEntityName:
			np.Name, err = getString(s)
		case pidDomainID:
			np.DomainID, err = s.Uint32()
		case pidVendorID:
			err = s.Fill(np.Vendor[:])
		case pidProtocolVersion:
			err = s.Fill(np.ProtocolVersion[:])
		case pidMetatrafficUnicast:
			np.MetatrafficUnicast, err = appendLocator(np.MetatrafficUnicast, s)
		case pidMetatrafficMulticast:
			np.MetatrafficMulticast, err = appendLocator(np.MetatrafficMulticast, s)
		case pidDefaultUnicast:
			np.DefaultUnicast, err = appendLocator(np.DefaultUnicast, s)
		case pidDefaultMulticast:
			np.DefaultMulticast, err = appendLocator(np.DefaultMulticast, s)
		case pidLeaseDuration:
			var v int64
			v, err = s.Int64()
			np.LeaseDuration = time.Duration(v)
		case pidBuiltinEndpointSet:
			var v uint32
			v, err = s.Uint32()
			np.Builtins = BuiltinEndpoints(v)
		}
		return err
	})
	if err != nil {
		return err
	} else if !haveGUID {
		return errors.New("participant data has no GUID")
	}
	*p = np
	return nil
}

// EndpointData describes a writer or a reader. Whether it is a writer is
// determined by the entity kind of its GUID.
type EndpointData struct {
	GUID      proto.GUID
	Topic     string
	Type      string
	QoS       qos.Endpoint
	Unicast   []proto.Locator // empty to use the participant's defaults
	Multicast []proto.Locator
}

// IsWriter reports whether e describes a writer.
func (e EndpointData) IsWriter() bool { return e.GUID.Entity.IsWriter() }

// Keyed reports whether the topic of e distinguishes instances by key.
func (e EndpointData) Keyed() bool {
	switch e.GUID.Entity.Kind() {
	case proto.KindUserWriterKeyed, proto.KindUserReaderKeyed:
		return true
	}
	return false
}

func (e EndpointData) String() string {
	kind := "Reader"
	if e.IsWriter() {
		kind = "Writer"
	}
	return fmt.Sprintf("%s(%v, %q/%q, %v)", kind, e.GUID, e.Topic, e.Type, e.QoS.Reliability)
}

// Encode encodes e as a parameter list.
func (e EndpointData) Encode() []byte {
	var w paramWriter
	w.param(pidEndpointGUID, func(b *packet.Builder) { putGUID(b, e.GUID) })
	w.param(pidTopicName, func(b *packet.Builder) { putString(b, e.Topic) })
	w.param(pidTypeName, func(b *packet.Builder) { putString(b, e.Type) })

	q := e.QoS
	w.param(pidReliability, func(b *packet.Builder) {
		b.Int32(int32(q.Reliability))
		b.Int64(int64(q.MaxBlockingTime))
	})
	w.param(pidDurability, func(b *packet.Builder) { b.Int32(int32(q.Durability)) })
	w.param(pidHistory, func(b *packet.Builder) {
		b.Int32(int32(q.History.Kind))
		b.Int32(int32(q.History.Depth))
	})
	w.param(pidResourceLimits, func(b *packet.Builder) {
		b.Int32(int32(q.Limits.MaxSamples))
		b.Int32(int32(q.Limits.MaxInstances))
		b.Int32(int32(q.Limits.MaxSamplesPerInstance))
	})
	w.param(pidOwnership, func(b *packet.Builder) { b.Int32(int32(q.Ownership)) })
	if len(q.Partitions) != 0 {
		w.param(pidPartition, func(b *packet.Builder) {
			b.Uint32(uint32(len(q.Partitions)))
			for _, p := range q.Partitions {
				putString(b, p)
			}
		})
	}
	putLocators(&w, pidUnicastLocator, e.Unicast)
	putLocators(&w, pidMulticastLocator, e.Multicast)
	return w.finish()
}

// Decode decodes a parameter list into e. Fields not present in the list
// take the default value for a writer or reader as appropriate.
func (e *EndpointData) Decode(data []byte) error {
	var ne EndpointData
	var haveGUID bool
	var q qos.Endpoint
	var set []func(*qos.Endpoint)
	err := readParams(data, func(pid ParameterID, s *packet.Scanner) error {
		var err error
		switch pid {
		case pidEndpointGUID:
			ne.GUID, err = getGUID(s)
			haveGUID = true
		case pidTopicName:
			ne.Topic, err = getString(s)
		case pidTypeName:
			ne.Type, err = getString(s)
		case pidReliability:
			k, err1 := s.Int32()
			mbt, err2 := s.Int64()
			if err = errors.Join(err1, err2); err == nil {
				set = append(set, func(q *qos.Endpoint) {
					q.Reliability = qos.ReliabilityKind(k)
					q.MaxBlockingTime = time.Duration(mbt)
				})
			}
		case pidDurability:
			var k int32
			if k, err = s.Int32(); err == nil {
				set = append(set, func(q *qos.Endpoint) { q.Durability = qos.DurabilityKind(k) })
			}
		case pidHistory:
			k, err1 := s.Int32()
			d, err2 := s.Int32()
			if err = errors.Join(err1, err2); err == nil {
				set = append(set, func(q *qos.Endpoint) {
					q.History = qos.History{Kind: qos.HistoryKind(k), Depth: int(d)}
				})
			}
		case pidResourceLimits:
			ms, err1 := s.Int32()
			mi, err2 := s.Int32()
			mpi, err3 := s.Int32()
			if err = errors.Join(err1, err2, err3); err == nil {
				set = append(set, func(q *qos.Endpoint) {
					q.Limits = qos.ResourceLimits{
						MaxSamples:            int(ms),
						MaxInstances:          int(mi),
						MaxSamplesPerInstance: int(mpi),
					}
				})
			}
		case pidOwnership:
			var k int32
			if k, err = s.Int32(); err == nil {
				set = append(set, func(q *qos.Endpoint) { q.Ownership = qos.OwnershipKind(k) })
			}
		case pidPartition:
			var n uint32
			if n, err = s.Uint32(); err != nil {
				return err
			} else if int(n) > s.Len() {
				return fmt.Errorf("partition count %d too large", n)
			}
			parts := make([]string, 0, n)
			for range n {
				p, err := getString(s)
				if err != nil {
					return err
				}
				parts = append(parts, p)
			}
			set = append(set, func(q *qos.Endpoint) { q.Partitions = parts })
		case pidUnicastLocator:
			ne.Unicast, err = appendLocator(ne.Unicast, s)
		case pidMulticastLocator:
			ne.Multicast, err = appendLocator(ne.Multicast, s)
		}
		return err
	})
	if err != nil {
		return err
	} else if !haveGUID {
		return errors.New("endpoint data has no GUID")
	}
	if ne.IsWriter() {
		q = qos.DefaultWriter()
	} else {
		q = qos.DefaultReader()
	}
	for _, f := range set {
		f(&q)
	}
	ne.QoS = q
	*e = ne
	return nil
}

// ErrNoMatch is reported by [MatchWriterReader] when two endpoints are on
// different topics or types.
var ErrNoMatch = errors.New("endpoints do not match")

// MatchWriterReader reports whether the writer w may be paired with the reader
// r. It returns nil if so. If the endpoints name different topics, types, or
// disagree on whether the topic is keyed, it reports an error wrapping
// [ErrNoMatch]. If the QoS is incompatible, it reports the error from
// [qos.Check].
func MatchWriterReader(w, r EndpointData) error {
	if !w.IsWriter() || r.IsWriter() {
		return fmt.Errorf("%w: %v is not a writer or %v is not a reader", ErrNoMatch, w.GUID, r.GUID)
	}
	if w.Topic != r.Topic {
		return fmt.Errorf("%w: topic %q ≠ %q", ErrNoMatch, w.Topic, r.Topic)
	}
	if w.Type != r.Type {
		return fmt.Errorf("%w: type %q ≠ %q", ErrNoMatch, w.Type, r.Type)
	}
	if w.Keyed() != r.Keyed() {
		return fmt.Errorf("%w: topic %q keyed %v ≠ %v", ErrNoMatch, w.Topic, w.Keyed(), r.Keyed())
	}
	return qos.Check(w.QoS, r.QoS)
}

func putGUID(b *packet.Builder, g proto.GUID) {
	b.Put(g.Prefix[:]...)
	b.Put(g.Entity[:]...)
}

func getGUID(s *packet.Scanner) (proto.GUID, error) {
	var g proto.GUID
	if err := s.Fill(g.Prefix[:]); err != nil {
		return g, err
	}
	err := s.Fill(g.Entity[:])
	return g, err
}

func putLocators(w *paramWriter, pid ParameterID, locs []proto.Locator) {
	for _, loc := range locs {
		w.param(pid, func(b *packet.Builder) { proto.EncodeLocator(b, loc) })
	}
}

func appendLocator(locs []proto.Locator, s *packet.Scanner) ([]proto.Locator, error) {
	loc, err := proto.DecodeLocator(s)
	if err != nil {
		return locs, err
	}
	return append(locs, loc), nil
}

// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package proto

import (
	"fmt"
	"time"

	"github.com/creachadair/rtps/packet"
)

// Encapsulation identifies the serialization format of a DATA payload.
type Encapsulation uint16

const (
	EncapsulationCDRBE   Encapsulation = 0x0000
	EncapsulationCDRLE   Encapsulation = 0x0001
	EncapsulationPLCDRBE Encapsulation = 0x0002
	EncapsulationPLCDRLE Encapsulation = 0x0003
)

// Data is the body of a DATA submessage, carrying one change from a writer
// to a reader.
type Data struct {
	Reader        EntityID // EntityUnknown addresses every matched reader
	Writer        EntityID
	Seq           SequenceNumber
	Kind          ChangeKind
	Instance      InstanceHandle
	Timestamp     time.Time // source timestamp
	Related       SampleIdentity
	Encapsulation Encapsulation
	Payload       []byte
}

// Submessage encodes d as a DATA submessage.
func (d Data) Submessage() Submessage {
	var b packet.Builder
	b.Grow(4 + 4 + 8 + 1 + 16 + 8 + 28 + 2 + len(d.Payload))
	b.Put(d.Reader[:]...)
	b.Put(d.Writer[:]...)
	b.Int64(int64(d.Seq))
	b.Put(byte(d.Kind))
	b.Put(d.Instance[:]...)
	b.Int64(timeToWire(d.Timestamp))

	var flags byte
	if !d.Related.IsZero() {
		flags |= FlagIdentity
		b.Put(d.Related.Writer.Prefix[:]...)
		b.Put(d.Related.Writer.Entity[:]...)
		b.Int64(int64(d.Related.Seq))
	}
	if d.Kind != Alive {
		flags |= FlagKeyOnly
	}
	b.Uint16(uint16(d.Encapsulation))
	b.Put(d.Payload...)
	return Submessage{Kind: KindData, Flags: flags, Body: b.Bytes()}
}

// Decode decodes a DATA submessage into d. The payload aliases sm.Body.
func (d *Data) Decode(sm Submessage) error {
	if sm.Kind != KindData {
		return fmt.Errorf("submessage is %v, not %v", sm.Kind, KindData)
	}
	s := sm.scanner()
	var nd Data
	if err := s.Fill(nd.Reader[:]); err != nil {
		return fmt.Errorf("short data: %w", err)
	}
	if err := s.Fill(nd.Writer[:]); err != nil {
		return fmt.Errorf("short data: %w", err)
	}
	seq, err := s.Int64()
	if err != nil {
		return fmt.Errorf("short data: %w", err)
	}
	nd.Seq = SequenceNumber(seq)
	kind, err := s.Byte()
	if err != nil {
		return fmt.Errorf("short data: %w", err)
	} else if kind > byte(NotAliveDisposedUnregistered) {
		return fmt.Errorf("invalid change kind %d", kind)
	}
	nd.Kind = ChangeKind(kind)
	if err := s.Fill(nd.Instance[:]); err != nil {
		return fmt.Errorf("short data: %w", err)
	}
	ts, err := s.Int64()
	if err != nil {
		return fmt.Errorf("short data: %w", err)
	}
	nd.Timestamp = timeFromWire(ts)
	if sm.Flags&FlagIdentity != 0 {
		if err := s.Fill(nd.Related.Writer.Prefix[:]); err != nil {
			return fmt.Errorf("short identity: %w", err)
		}
		if err := s.Fill(nd.Related.Writer.Entity[:]); err != nil {
			return fmt.Errorf("short identity: %w", err)
		}
		rseq, err := s.Int64()
		if err != nil {
			return fmt.Errorf("short identity: %w", err)
		}
		nd.Related.Seq = SequenceNumber(rseq)
	}
	enc, err := s.Uint16()
	if err != nil {
		return fmt.Errorf("short data: %w", err)
	}
	nd.Encapsulation = Encapsulation(enc)
	if s.Len() != 0 {
		nd.Payload = s.Rest()
	}
	if nd.Seq <= 0 {
		return fmt.Errorf("invalid sequence number %d", nd.Seq)
	}
	*d = nd
	return nil
}

// String returns a human-friendly rendering of the data.
func (d Data) String() string {
	return fmt.Sprintf("Data(%v→%v, SN=%d, %v, %v, [%d bytes])",
		d.Writer, d.Reader, d.Seq, d.Kind, d.Instance, len(d.Payload))
}

// Heartbeat is the body of a HEARTBEAT submessage. It announces the range of
// sequence numbers a writer still holds.
type Heartbeat struct {
	Reader     EntityID
	Writer     EntityID
	First      SequenceNumber // first available; Last+1 if the history is empty
	Last       SequenceNumber // last written
	Count      uint32
	Final      bool // the reader need not respond unless it is missing changes
	Liveliness bool
}

// Submessage encodes h as a HEARTBEAT submessage.
func (h Heartbeat) Submessage() Submessage {
	var b packet.Builder
	b.Grow(28)
	b.Put(h.Reader[:]...)
	b.Put(h.Writer[:]...)
	b.Int64(int64(h.First))
	b.Int64(int64(h.Last))
	b.Uint32(h.Count)
	var flags byte
	if h.Final {
		flags |= FlagFinal
	}
	if h.Liveliness {
		flags |= FlagLiveliness
	}
	return Submessage{Kind: KindHeartbeat, Flags: flags, Body: b.Bytes()}
}

// Decode decodes a HEARTBEAT submessage into h.
func (h *Heartbeat) Decode(sm Submessage) error {
	if sm.Kind != KindHeartbeat {
		return fmt.Errorf("submessage is %v, not %v", sm.Kind, KindHeartbeat)
	} else if len(sm.Body) != 28 {
		return fmt.Errorf("invalid heartbeat body (%d bytes)", len(sm.Body))
	}
	s := sm.scanner()
	s.Fill(h.Reader[:])
	s.Fill(h.Writer[:])
	first, _ := s.Int64()
	last, _ := s.Int64()
	h.First, h.Last = SequenceNumber(first), SequenceNumber(last)
	h.Count, _ = s.Uint32()
	h.Final = sm.Flags&FlagFinal != 0
	h.Liveliness = sm.Flags&FlagLiveliness != 0
	if h.First <= 0 || h.Last < h.First-1 {
		return fmt.Errorf("invalid heartbeat range [%d, %d]", h.First, h.Last)
	}
	return nil
}

// String returns a human-friendly rendering of the heartbeat.
func (h Heartbeat) String() string {
	return fmt.Sprintf("Heartbeat(%v→%v, [%d, %d], #%d, final=%v)",
		h.Writer, h.Reader, h.First, h.Last, h.Count, h.Final)
}

// AckNack is the body of an ACKNACK submessage. Every sequence number below
// Set.Base is acknowledged; the members of Set are requested again.
type AckNack struct {
	Reader EntityID
	Writer EntityID
	Set    SequenceSet
	Count  uint32
	Final  bool
}

// Acked reports the highest sequence number acknowledged by a.
func (a AckNack) Acked() SequenceNumber { return a.Set.Base - 1 }

// Submessage encodes a as an ACKNACK submessage.
func (a AckNack) Submessage() Submessage {
	var b packet.Builder
	b.Put(a.Reader[:]...)
	b.Put(a.Writer[:]...)
	a.Set.encode(&b)
	b.Uint32(a.Count)
	var flags byte
	if a.Final {
		flags |= FlagFinal
	}
	return Submessage{Kind: KindAckNack, Flags: flags, Body: b.Bytes()}
}

// Decode decodes an ACKNACK submessage into a.
func (a *AckNack) Decode(sm Submessage) error {
	if sm.Kind != KindAckNack {
		return fmt.Errorf("submessage is %v, not %v", sm.Kind, KindAckNack)
	}
	s := sm.scanner()
	var na AckNack
	if err := s.Fill(na.Reader[:]); err != nil {
		return fmt.Errorf("short acknack: %w", err)
	}
	if err := s.Fill(na.Writer[:]); err != nil {
		return fmt.Errorf("short acknack: %w", err)
	}
	if err := na.Set.decode(s); err != nil {
		return fmt.Errorf("invalid acknack set: %w", err)
	}
	count, err := s.Uint32()
	if err != nil {
		return fmt.Errorf("short acknack: %w", err)
	}
	if na.Set.Base <= 0 {
		return fmt.Errorf("invalid acknack base %d", na.Set.Base)
	}
	na.Count = count
	na.Final = sm.Flags&FlagFinal != 0
	*a = na
	return nil
}

// String returns a human-friendly rendering of the acknack.
func (a AckNack) String() string {
	return fmt.Sprintf("AckNack(%v→%v, %v, #%d)", a.Reader, a.Writer, a.Set, a.Count)
}

// Gap is the body of a GAP submessage. The writer declares that the sequence
// numbers [Start, List.Base) and the members of List are irrelevant to the
// reader and will never be sent.
type Gap struct {
	Reader EntityID
	Writer EntityID
	Start  SequenceNumber
	List   SequenceSet
}

// Contains reports whether g covers seq.
func (g Gap) Contains(seq SequenceNumber) bool {
	return (seq >= g.Start && seq < g.List.Base) || g.List.Contains(seq)
}

// Submessage encodes g as a GAP submessage.
func (g Gap) Submessage() Submessage {
	var b packet.Builder
	b.Put(g.Reader[:]...)
	b.Put(g.Writer[:]...)
	b.Int64(int64(g.Start))
	g.List.encode(&b)
	return Submessage{Kind: KindGap, Body: b.Bytes()}
}

// Decode decodes a GAP submessage into g.
func (g *Gap) Decode(sm Submessage) error {
	if sm.Kind != KindGap {
		return fmt.Errorf("submessage is %v, not %v", sm.Kind, KindGap)
	}
	s := sm.scanner()
	var ng Gap
	if err := s.Fill(ng.Reader[:]); err != nil {
		return fmt.Errorf("short gap: %w", err)
	}
	if err := s.Fill(ng.Writer[:]); err != nil {
		return fmt.Errorf("short gap: %w", err)
	}
	start, err := s.Int64()
	if err != nil {
		return fmt.Errorf("short gap: %w", err)
	}
	ng.Start = SequenceNumber(start)
	if err := ng.List.decode(s); err != nil {
		return fmt.Errorf("invalid gap list: %w", err)
	}
	if ng.Start <= 0 || ng.List.Base < ng.Start {
		return fmt.Errorf("invalid gap range [%d, %d)", ng.Start, ng.List.Base)
	}
	*g = ng
	return nil
}

// String returns a human-friendly rendering of the gap.
func (g Gap) String() string {
	return fmt.Sprintf("Gap(%v→%v, [%d, %d) + %v)", g.Writer, g.Reader, g.Start, g.List.Base, g.List)
}

func timeToWire(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeFromWire(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v)
}

// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/creachadair/rtps/packet"
)

// Version is the protocol version written into message headers.
var Version = [2]byte{2, 3}

// headerLen is the size of an encoded message header: 4 magic, 2 version,
// 2 vendor, 12 prefix.
const headerLen = 20

// A Header is the fixed prefix of every message.
type Header struct {
	Version [2]byte
	Vendor  [2]byte
	Prefix  GUIDPrefix // of the sending participant
}

// A Message is the parsed format of one datagram: a header followed by zero
// or more submessages.
type Message struct {
	Header
	Submessages []Submessage
}

// NewMessage returns an empty message from the participant with prefix src.
func NewMessage(src GUIDPrefix) *Message {
	return &Message{Header: Header{Version: Version, Vendor: VendorID, Prefix: src}}
}

// An Encoder is a typed submessage body that can render itself as a
// [Submessage].
type Encoder interface {
	Submessage() Submessage
}

// Add appends the given submessages to m and returns m to permit chaining.
func (m *Message) Add(subs ...Encoder) *Message {
	for _, s := range subs {
		m.Submessages = append(m.Submessages, s.Submessage())
	}
	return m
}

// Encode encodes m in binary format.
func (m Message) Encode() []byte {
	var b packet.Builder
	size := headerLen
	for _, sm := range m.Submessages {
		size += 6 + len(sm.Body)
	}
	b.Grow(size)
	b.PutString("RTPS")
	b.Put(m.Version[:]...)
	b.Put(m.Vendor[:]...)
	b.Put(m.Prefix[:]...)
	for _, sm := range m.Submessages {
		b.Put(byte(sm.Kind), sm.Flags)
		b.SetOrder(flagOrder(sm.Flags))
		b.Uint32(uint32(len(sm.Body)))
		b.Put(sm.Body...)
	}
	return b.Bytes()
}

// ErrBadMagic is reported when a datagram does not begin with the protocol
// magic number.
var ErrBadMagic = errors.New("invalid protocol magic")

// UnmarshalBinary decodes data into m. It implements
// encoding.BinaryUnmarshaler. Submessage bodies alias data.
func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) < headerLen {
		return fmt.Errorf("short message header (%d bytes)", len(data))
	}
	if string(data[:4]) != "RTPS" {
		return ErrBadMagic
	}
	s := packet.NewScanner(data[4:])
	s.Fill(m.Version[:])
	s.Fill(m.Vendor[:])
	s.Fill(m.Prefix[:])
	if m.Version[0] != Version[0] {
		return fmt.Errorf("unsupported protocol version %d.%d", m.Version[0], m.Version[1])
	}

	m.Submessages = m.Submessages[:0]
	for s.Len() != 0 {
		kind, err := s.Byte()
		if err != nil {
			return err
		}
		flags, err := s.Byte()
		if err != nil {
			return fmt.Errorf("submessage %d: short header: %w", len(m.Submessages)+1, err)
		}
		s.SetOrder(flagOrder(flags))
		n, err := s.Uint32()
		if err != nil {
			return fmt.Errorf("submessage %d: short header: %w", len(m.Submessages)+1, err)
		}
		body, err := packet.Get[[]byte](s, int(n))
		if err != nil {
			return fmt.Errorf("submessage %d: short body: %w", len(m.Submessages)+1, err)
		}
		m.Submessages = append(m.Submessages, Submessage{
			Kind:  SubmessageKind(kind),
			Flags: flags,
			Body:  body,
		})
	}
	return nil
}

// String returns a human-friendly rendering of the message.
func (m *Message) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Message(%v", m.Prefix)
	for _, sm := range m.Submessages {
		sb.WriteString(", ")
		sb.WriteString(sm.String())
	}
	sb.WriteByte(')')
	return sb.String()
}

// SubmessageKind describes the structure of a submessage body.
type SubmessageKind byte

const (
	KindAckNack   SubmessageKind = 0x06 // Reader acknowledgement and request
	KindHeartbeat SubmessageKind = 0x07 // Writer availability announcement
	KindGap       SubmessageKind = 0x08 // Writer marks changes irrelevant
	KindData      SubmessageKind = 0x15 // A serialized change
)

func (k SubmessageKind) String() string {
	switch k {
	case KindAckNack:
		return "ACKNACK"
	case KindHeartbeat:
		return "HEARTBEAT"
	case KindGap:
		return "GAP"
	case KindData:
		return "DATA"
	default:
		return fmt.Sprintf("KIND:%d", byte(k))
	}
}

// Submessage flag bits. The meaning of a bit depends on the kind.
const (
	FlagLittleEndian = 0x01 // all: the length and body are little-endian
	FlagFinal        = 0x02 // HEARTBEAT, ACKNACK: no response is required
	FlagLiveliness   = 0x04 // HEARTBEAT: asserts writer liveliness only
	FlagKeyOnly      = 0x08 // DATA: payload is the serialized key, not a sample
	FlagIdentity     = 0x10 // DATA: carries a related sample identity
)

// A Submessage is one element of a [Message]. Receivers silently skip kinds
// they do not understand.
type Submessage struct {
	Kind  SubmessageKind
	Flags byte
	Body  []byte
}

func flagOrder(flags byte) packet.ByteOrder {
	if flags&FlagLittleEndian != 0 {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// scanner returns a scanner over the body of sm, in the byte order its flags
// declare.
func (sm Submessage) scanner() *packet.Scanner {
	s := packet.NewScanner(sm.Body)
	s.SetOrder(flagOrder(sm.Flags))
	return s
}

// String returns a human-friendly rendering of the submessage.
func (sm Submessage) String() string {
	var body fmt.Stringer
	switch sm.Kind {
	case KindData:
		var d Data
		if d.Decode(sm) == nil {
			body = d
		}
	case KindHeartbeat:
		var h Heartbeat
		if h.Decode(sm) == nil {
			body = h
		}
	case KindAckNack:
		var a AckNack
		if a.Decode(sm) == nil {
			body = a
		}
	case KindGap:
		var g Gap
		if g.Decode(sm) == nil {
			body = g
		}
	}
	if body == nil {
		return fmt.Sprintf("%v[%d bytes]", sm.Kind, len(sm.Body))
	}
	return body.String()
}

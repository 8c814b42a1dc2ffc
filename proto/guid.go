// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package proto defines the identifiers and message formats exchanged by
// participants: GUIDs, sequence numbers, locators, and the DATA, HEARTBEAT,
// ACKNACK and GAP submessages that drive the reliability protocol.
//
// All multi-byte values are encoded in big-endian order.
package proto

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// VendorID identifies the implementation that produced a message.
var VendorID = [2]byte{0x01, 0x7f}

// A GUIDPrefix identifies a participant. All endpoints of the same
// participant share a prefix.
type GUIDPrefix [12]byte

// NewGUIDPrefix returns a fresh prefix. The first two bytes carry the
// [VendorID], the remainder is taken from a random UUID.
func NewGUIDPrefix() GUIDPrefix {
	u := uuid.New()
	var p GUIDPrefix
	copy(p[:2], VendorID[:])
	copy(p[2:], u[:10])
	return p
}

// IsZero reports whether p is the unknown (all-zero) prefix.
func (p GUIDPrefix) IsZero() bool { return p == GUIDPrefix{} }

func (p GUIDPrefix) String() string { return hex.EncodeToString(p[:]) }

// EntityKind is the low-order byte of an [EntityID], describing what sort of
// entity it names.
type EntityKind byte

const (
	KindUserWriterKeyed    EntityKind = 0x02
	KindUserWriterNoKey    EntityKind = 0x03
	KindUserReaderNoKey    EntityKind = 0x04
	KindUserReaderKeyed    EntityKind = 0x07
	KindBuiltinParticipant EntityKind = 0xc1
	KindBuiltinWriter      EntityKind = 0xc2
	KindBuiltinReader      EntityKind = 0xc7
)

// An EntityID identifies an endpoint within a participant. The first three
// bytes are a key unique within the participant, the last is an [EntityKind].
type EntityID [4]byte

// Well-known entity IDs.
var (
	EntityUnknown     = EntityID{}
	EntityParticipant = EntityID{0, 0, 1, byte(KindBuiltinParticipant)}

	EntitySPDPWriter = EntityID{0, 1, 0, byte(KindBuiltinWriter)}
	EntitySPDPReader = EntityID{0, 1, 0, byte(KindBuiltinReader)}

	EntitySEDPPubWriter = EntityID{0, 0, 3, byte(KindBuiltinWriter)}
	EntitySEDPPubReader = EntityID{0, 0, 3, byte(KindBuiltinReader)}
	EntitySEDPSubWriter = EntityID{0, 0, 4, byte(KindBuiltinWriter)}
	EntitySEDPSubReader = EntityID{0, 0, 4, byte(KindBuiltinReader)}
)

// MakeEntityID constructs an entity ID from a 24-bit key and a kind.
// It panics if key does not fit in 24 bits.
func MakeEntityID(key uint32, kind EntityKind) EntityID {
	if key >= 1<<24 {
		panic(fmt.Sprintf("entity key %d out of range", key))
	}
	return EntityID{byte(key >> 16), byte(key >> 8), byte(key), byte(kind)}
}

// Kind reports the entity kind of e.
func (e EntityID) Kind() EntityKind { return EntityKind(e[3]) }

// IsWriter reports whether e names a writer endpoint.
func (e EntityID) IsWriter() bool {
	switch e.Kind() {
	case KindUserWriterKeyed, KindUserWriterNoKey, KindBuiltinWriter:
		return true
	}
	return false
}

// IsReader reports whether e names a reader endpoint.
func (e EntityID) IsReader() bool {
	switch e.Kind() {
	case KindUserReaderKeyed, KindUserReaderNoKey, KindBuiltinReader:
		return true
	}
	return false
}

// IsBuiltin reports whether e names a builtin (discovery) entity.
func (e EntityID) IsBuiltin() bool { return e[3]&0xc0 == 0xc0 }

func (e EntityID) String() string { return hex.EncodeToString(e[:]) }

// A GUID is the globally unique identifier of a participant or endpoint.
type GUID struct {
	Prefix GUIDPrefix
	Entity EntityID
}

// GUIDUnknown is the zero GUID.
var GUIDUnknown GUID

// IsZero reports whether g is the zero GUID.
func (g GUID) IsZero() bool { return g == GUIDUnknown }

// Handle returns the instance handle that keys g in discovery histories.
func (g GUID) Handle() InstanceHandle {
	var h InstanceHandle
	copy(h[:12], g.Prefix[:])
	copy(h[12:], g.Entity[:])
	return h
}

func (g GUID) String() string { return g.Prefix.String() + "|" + g.Entity.String() }

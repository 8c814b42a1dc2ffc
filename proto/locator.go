// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package proto

import (
	"fmt"
	"net/netip"

	"github.com/creachadair/rtps/packet"
)

// LocatorKind identifies the transport a [Locator] belongs to.
type LocatorKind int32

const (
	LocatorInvalid LocatorKind = -1
	LocatorUDPv4   LocatorKind = 1
	LocatorUDPv6   LocatorKind = 2
	LocatorMemory  LocatorKind = 16 // in-process channels
)

func (k LocatorKind) String() string {
	switch k {
	case LocatorUDPv4:
		return "udpv4"
	case LocatorUDPv6:
		return "udpv6"
	case LocatorMemory:
		return "mem"
	case LocatorInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("kind:%d", int32(k))
	}
}

// A Locator is a transport address at which an endpoint can be reached.
// Locators are comparable; two equal locators denote the same channel.
type Locator struct {
	Kind    LocatorKind
	Port    uint32
	Address [16]byte
}

// LocatorFromAddrPort returns a UDP locator for ap.
func LocatorFromAddrPort(ap netip.AddrPort) Locator {
	loc := Locator{Port: uint32(ap.Port())}
	if a := ap.Addr().Unmap(); a.Is4() {
		loc.Kind = LocatorUDPv4
		v4 := a.As4()
		copy(loc.Address[12:], v4[:])
	} else {
		loc.Kind = LocatorUDPv6
		loc.Address = a.As16()
	}
	return loc
}

// MemoryLocator returns an in-process locator with the given port and
// group. Group 0 is unicast; any other group is a multicast address.
func MemoryLocator(group byte, port uint32) Locator {
	loc := Locator{Kind: LocatorMemory, Port: port}
	loc.Address[0] = group
	return loc
}

// AddrPort returns the IP address and port of a UDP locator. For other kinds
// it returns an invalid AddrPort.
func (l Locator) AddrPort() netip.AddrPort {
	switch l.Kind {
	case LocatorUDPv4:
		return netip.AddrPortFrom(netip.AddrFrom4([4]byte(l.Address[12:])), uint16(l.Port))
	case LocatorUDPv6:
		return netip.AddrPortFrom(netip.AddrFrom16(l.Address), uint16(l.Port))
	}
	return netip.AddrPort{}
}

// IsMulticast reports whether l addresses a group rather than a single
// receiver.
func (l Locator) IsMulticast() bool {
	switch l.Kind {
	case LocatorUDPv4, LocatorUDPv6:
		return l.AddrPort().Addr().IsMulticast()
	case LocatorMemory:
		return l.Address[0] != 0
	}
	return false
}

// Equal reports whether l and o denote the same channel.
func (l Locator) Equal(o Locator) bool { return l == o }

func (l Locator) String() string {
	switch l.Kind {
	case LocatorUDPv4, LocatorUDPv6:
		return fmt.Sprintf("%v:%v", l.Kind, l.AddrPort())
	case LocatorMemory:
		if l.Address[0] != 0 {
			return fmt.Sprintf("mem:group%d:%d", l.Address[0], l.Port)
		}
		return fmt.Sprintf("mem:%d", l.Port)
	}
	return fmt.Sprintf("%v:%x:%d", l.Kind, l.Address, l.Port)
}

// EncodeLocator appends the binary encoding of l to b.
func EncodeLocator(b *packet.Builder, l Locator) {
	b.Int32(int32(l.Kind))
	b.Uint32(l.Port)
	b.Put(l.Address[:]...)
}

// DecodeLocator parses a locator encoded by [EncodeLocator] from s.
func DecodeLocator(s *packet.Scanner) (Locator, error) {
	var l Locator
	kind, err := s.Int32()
	if err != nil {
		return l, err
	}
	l.Kind = LocatorKind(kind)
	if l.Port, err = s.Uint32(); err != nil {
		return l, err
	}
	if err := s.Fill(l.Address[:]); err != nil {
		return l, err
	}
	return l, nil
}

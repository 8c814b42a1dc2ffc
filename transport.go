// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package rtps

import "github.com/creachadair/rtps/proto"

// A Transport moves datagrams between participants. Delivery is unreliable
// and unordered: a datagram may be lost, duplicated, or reordered, and the
// protocol recovers.
//
// The methods of an implementation must be safe for concurrent use by
// multiple senders and one receiver.
type Transport interface {
	// Send the datagram to the given locator. An unreachable destination is
	// not an error.
	Send(data []byte, dst proto.Locator) error

	// Receive the next available datagram.
	Recv() (*Datagram, error)

	// Locators reports the unicast and multicast locators at which the
	// transport receives datagrams.
	Locators() (unicast, multicast []proto.Locator)

	// Close the transport, causing any pending receive to terminate and
	// report an error. After a transport is closed, all further operations
	// on it must report an error.
	Close() error
}

// A Datagram is a single message received from a transport.
type Datagram struct {
	Data   []byte
	Source proto.Locator // where the datagram came from, if known
	Dest   proto.Locator // the locator at which it was received
}

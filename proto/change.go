// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package proto

import (
	"encoding/hex"
	"fmt"
)

// An InstanceHandle identifies a keyed instance of a topic.
type InstanceHandle [16]byte

// NoKey is the instance handle shared by all samples of an unkeyed topic.
var NoKey InstanceHandle

func (h InstanceHandle) String() string {
	if h == NoKey {
		return "nokey"
	}
	return hex.EncodeToString(h[:])
}

// ChangeKind describes the liveness state a change reports for its instance.
type ChangeKind byte

const (
	Alive                        ChangeKind = 0
	NotAliveDisposed             ChangeKind = 1
	NotAliveUnregistered         ChangeKind = 2
	NotAliveDisposedUnregistered ChangeKind = 3
)

func (k ChangeKind) String() string {
	switch k {
	case Alive:
		return "ALIVE"
	case NotAliveDisposed:
		return "NOT_ALIVE_DISPOSED"
	case NotAliveUnregistered:
		return "NOT_ALIVE_UNREGISTERED"
	case NotAliveDisposedUnregistered:
		return "NOT_ALIVE_DISPOSED_UNREGISTERED"
	default:
		return fmt.Sprintf("kind:%d", byte(k))
	}
}

// A SampleIdentity names one sample globally: the writer that produced it and
// its sequence number. It is used to correlate requests with replies.
type SampleIdentity struct {
	Writer GUID
	Seq    SequenceNumber
}

// IsZero reports whether id is unset.
func (id SampleIdentity) IsZero() bool { return id == SampleIdentity{} }

func (id SampleIdentity) String() string { return fmt.Sprintf("%v#%d", id.Writer, id.Seq) }

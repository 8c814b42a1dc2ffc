// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package rtps

import (
	"fmt"
	"strings"

	"github.com/creachadair/rtps/proto"
)

// An Event reports a change in the status of an endpoint. The concrete type
// of an Event is one of [MatchedEvent], [DataAvailableEvent],
// [SampleLostEvent], or [IncompatibleQoSEvent].
type Event interface {
	// Endpoint reports the GUID of the local endpoint the event concerns.
	Endpoint() proto.GUID

	isEvent()
}

// A MatchedEvent reports that a remote endpoint was matched (Change > 0) or
// unmatched (Change < 0) with a local endpoint.
type MatchedEvent struct {
	Local  proto.GUID
	Remote proto.GUID
	Change int // +1 or -1
	Total  int // matched count after the change
}

// A DataAvailableEvent reports that a reader has a sample ready to take.
type DataAvailableEvent struct {
	Local proto.GUID
}

// A SampleLostEvent reports that a reader will never receive Count changes
// from the given writer.
type SampleLostEvent struct {
	Local  proto.GUID
	Writer proto.GUID
	Count  int
}

// An IncompatibleQoSEvent reports that a remote endpoint on the same topic
// could not be matched because of the named QoS policies.
type IncompatibleQoSEvent struct {
	Local    proto.GUID
	Remote   proto.GUID
	Policies []string
}

func (e MatchedEvent) Endpoint() proto.GUID         { return e.Local }
func (e DataAvailableEvent) Endpoint() proto.GUID   { return e.Local }
func (e SampleLostEvent) Endpoint() proto.GUID      { return e.Local }
func (e IncompatibleQoSEvent) Endpoint() proto.GUID { return e.Local }

func (MatchedEvent) isEvent()         {}
func (DataAvailableEvent) isEvent()   {}
func (SampleLostEvent) isEvent()      {}
func (IncompatibleQoSEvent) isEvent() {}

func (e MatchedEvent) String() string {
	return fmt.Sprintf("Matched(%v, %v, %+d, total=%d)", e.Local, e.Remote, e.Change, e.Total)
}

func (e DataAvailableEvent) String() string { return fmt.Sprintf("DataAvailable(%v)", e.Local) }

func (e SampleLostEvent) String() string {
	return fmt.Sprintf("SampleLost(%v, %v, %d)", e.Local, e.Writer, e.Count)
}

func (e IncompatibleQoSEvent) String() string {
	return fmt.Sprintf("IncompatibleQoS(%v, %v, %s)", e.Local, e.Remote, strings.Join(e.Policies, ","))
}

// A Listener receives events from an endpoint. Events are delivered
// synchronously from the goroutine that caused them, with no endpoint locks
// held; a listener may call methods of the endpoint, but should not block.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to the [Listener] interface.
type ListenerFunc func(Event)

// OnEvent implements [Listener] by calling f.
func (f ListenerFunc) OnEvent(e Event) { f(e) }

func notify(l Listener, evs ...Event) {
	if l == nil {
		return
	}
	for _, e := range evs {
		l.OnEvent(e)
	}
}

// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the rtps.Transport interface.
package channel

import (
	"net"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/creachadair/rtps"
	"github.com/creachadair/rtps/proto"
)

// DefaultQueueLen is the receive queue length of a hub port, if the hub
// options do not specify one.
const DefaultQueueLen = 256

// HubOptions are the settings for a [Hub]. The zero value is ready for use.
type HubOptions struct {
	// QueueLen is the number of datagrams each port buffers before further
	// arrivals are dropped. If zero, DefaultQueueLen.
	QueueLen int

	// Group is the multicast group number of the hub. If zero, 1.
	Group byte
}

// A Hub is an in-memory datagram network. Each port joined to the hub has a
// unique unicast locator, and all ports share one multicast locator.
// Delivery is unreliable in the way of a datagram network: a port whose
// queue is full drops new arrivals, and a drop filter may discard datagrams
// to simulate loss.
type Hub struct {
	qlen  int
	group proto.Locator

	dropped atomic.Int64

	μ     sync.Mutex
	ports map[proto.Locator]*Port
	next  uint32
	drop  func(*rtps.Datagram) bool
}

// NewHub constructs a new empty hub.
func NewHub(opts *HubOptions) *Hub {
	var o HubOptions
	if opts != nil {
		o = *opts
	}
	if o.QueueLen <= 0 {
		o.QueueLen = DefaultQueueLen
	}
	if o.Group == 0 {
		o.Group = 1
	}
	return &Hub{
		qlen:  o.QueueLen,
		group: proto.MemoryLocator(o.Group, 7400),
		ports: make(map[proto.Locator]*Port),
	}
}

// Multicast returns the multicast locator of h.
func (h *Hub) Multicast() proto.Locator { return h.group }

// SetDrop sets a filter that is consulted for each delivery of a datagram
// to a port. If f reports true the delivery is discarded. If f == nil, no
// datagrams are discarded except by queue overflow.
func (h *Hub) SetDrop(f func(*rtps.Datagram) bool) {
	h.μ.Lock()
	defer h.μ.Unlock()
	h.drop = f
}

// Dropped reports the number of deliveries discarded by h, whether by the
// drop filter or by queue overflow.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Join adds a new port to h and returns it.
func (h *Hub) Join() *Port {
	h.μ.Lock()
	defer h.μ.Unlock()
	h.next++
	p := &Port{
		hub:  h,
		loc:  proto.MemoryLocator(0, h.next),
		q:    make(chan *rtps.Datagram, h.qlen),
		done: make(chan struct{}),
	}
	h.ports[p.loc] = p
	return p
}

// Ports returns the locators of the ports currently joined to h.
func (h *Hub) Ports() []proto.Locator {
	h.μ.Lock()
	defer h.μ.Unlock()
	out := make([]proto.Locator, 0, len(h.ports))
	for loc := range h.ports {
		out = append(out, loc)
	}
	slices.SortFunc(out, func(a, b proto.Locator) int { return int(a.Port) - int(b.Port) })
	return out
}

// route returns the ports that should receive a datagram from src sent to
// dst, and the current drop filter.
func (h *Hub) route(src, dst proto.Locator) ([]*Port, func(*rtps.Datagram) bool) {
	h.μ.Lock()
	defer h.μ.Unlock()
	if dst == h.group {
		out := make([]*Port, 0, len(h.ports))
		for loc, p := range h.ports {
			if loc != src {
				out = append(out, p)
			}
		}
		return out, h.drop
	}
	if p, ok := h.ports[dst]; ok {
		return []*Port{p}, h.drop
	}
	return nil, nil
}

func (h *Hub) leave(p *Port) {
	h.μ.Lock()
	defer h.μ.Unlock()
	delete(h.ports, p.loc)
}

// A Port is one endpoint of a [Hub]. It implements the [rtps.Transport]
// interface.
type Port struct {
	hub  *Hub
	loc  proto.Locator
	q    chan *rtps.Datagram
	done chan struct{}
	once sync.Once
}

// Send implements a method of the [rtps.Transport] interface. A datagram
// addressed to a locator not on the hub is silently discarded.
func (p *Port) Send(data []byte, dst proto.Locator) error {
	if p.isClosed() {
		return net.ErrClosed
	}
	ports, drop := p.hub.route(p.loc, dst)
	for _, tp := range ports {
		dg := &rtps.Datagram{Data: slices.Clone(data), Source: p.loc, Dest: dst}
		if drop != nil && drop(dg) {
			p.hub.dropped.Add(1)
			continue
		}
		if !tp.deliver(dg) {
			p.hub.dropped.Add(1)
		}
	}
	return nil
}

func (p *Port) deliver(dg *rtps.Datagram) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.q <- dg:
		return true
	default:
		return false // queue full
	}
}

// Recv implements a method of the [rtps.Transport] interface. After the
// port is closed, Recv reports [net.ErrClosed].
func (p *Port) Recv() (*rtps.Datagram, error) {
	select {
	case <-p.done:
		return nil, net.ErrClosed
	default:
	}
	select {
	case dg := <-p.q:
		return dg, nil
	case <-p.done:
		return nil, net.ErrClosed
	}
}

// Locators implements a method of the [rtps.Transport] interface.
func (p *Port) Locators() (unicast, multicast []proto.Locator) {
	return []proto.Locator{p.loc}, []proto.Locator{p.hub.group}
}

// Locator returns the unicast locator of p.
func (p *Port) Locator() proto.Locator { return p.loc }

// Close implements a method of the [rtps.Transport] interface.
func (p *Port) Close() error {
	err := net.ErrClosed
	p.once.Do(func() {
		close(p.done)
		p.hub.leave(p)
		err = nil
	})
	return err
}

func (p *Port) isClosed() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package channel

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/creachadair/rtps"
	"github.com/creachadair/rtps/proto"
	"github.com/creachadair/taskgroup"
)

// maxDatagram is the largest datagram a UDP transport will receive.
const maxDatagram = 64 << 10

// UDPOptions are the settings for [ListenUDP].
type UDPOptions struct {
	// Unicast is the address of the unicast socket, for example
	// "127.0.0.1:7410". A zero port selects any free port.
	Unicast string

	// Multicast, if set, is a multicast group address to join, for example
	// "239.255.0.1:7400".
	Multicast string

	// Interface is the name of the network interface for the multicast
	// group. If empty, the system chooses.
	Interface string
}

// UDP is a transport over UDP sockets. It implements the [rtps.Transport]
// interface.
type UDP struct {
	conns     []*net.UDPConn
	unicast   []proto.Locator
	multicast []proto.Locator
	recv      chan *rtps.Datagram
	done      chan struct{}
	tasks     *taskgroup.Group

	μ   sync.Mutex
	err error // the first receive error, or net.ErrClosed
}

// ListenUDP opens the sockets described by opts and returns a transport
// that receives from all of them. Datagrams are sent from the unicast
// socket.
func ListenUDP(opts UDPOptions) (*UDP, error) {
	uaddr, err := net.ResolveUDPAddr("udp", opts.Unicast)
	if err != nil {
		return nil, fmt.Errorf("unicast address: %w", err)
	}
	uc, err := net.ListenUDP("udp", uaddr)
	if err != nil {
		return nil, err
	}
	u := &UDP{
		conns: []*net.UDPConn{uc},
		recv:  make(chan *rtps.Datagram, 64),
		done:  make(chan struct{}),
	}
	ap := uc.LocalAddr().(*net.UDPAddr).AddrPort()
	if ap.Addr().IsUnspecified() {
		ap = netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), ap.Port())
	}
	u.unicast = []proto.Locator{proto.LocatorFromAddrPort(ap)}

	if opts.Multicast != "" {
		maddr, err := net.ResolveUDPAddr("udp", opts.Multicast)
		if err != nil {
			uc.Close()
			return nil, fmt.Errorf("multicast address: %w", err)
		}
		var ifi *net.Interface
		if opts.Interface != "" {
			ifi, err = net.InterfaceByName(opts.Interface)
			if err != nil {
				uc.Close()
				return nil, err
			}
		}
		mc, err := net.ListenMulticastUDP("udp", ifi, maddr)
		if err != nil {
			uc.Close()
			return nil, err
		}
		u.conns = append(u.conns, mc)
		u.multicast = []proto.Locator{proto.LocatorFromAddrPort(maddr.AddrPort())}
	}

	u.tasks = taskgroup.New(nil)
	for i, c := range u.conns {
		var dest proto.Locator
		if i == 0 {
			dest = u.unicast[0]
		} else {
			dest = u.multicast[0]
		}
		u.tasks.Go(func() error { return u.receive(c, dest) })
	}
	return u, nil
}

func (u *UDP) receive(c *net.UDPConn, dest proto.Locator) error {
	for {
		buf := make([]byte, maxDatagram)
		n, src, err := c.ReadFromUDPAddrPort(buf)
		if err != nil {
			u.fail(err)
			return nil
		}
		dg := &rtps.Datagram{Data: buf[:n], Source: proto.LocatorFromAddrPort(src), Dest: dest}
		select {
		case u.recv <- dg:
		case <-u.done:
			return nil
		}
	}
}

// fail records err as the reason the transport stopped, if it is the first.
func (u *UDP) fail(err error) bool {
	u.μ.Lock()
	defer u.μ.Unlock()
	if u.err != nil {
		return false
	}
	u.err = err
	close(u.done)
	return true
}

// Send implements a method of the [rtps.Transport] interface. Locators that
// are not UDP addresses are ignored.
func (u *UDP) Send(data []byte, dst proto.Locator) error {
	ap := dst.AddrPort()
	if !ap.IsValid() {
		return nil
	}
	_, err := u.conns[0].WriteToUDPAddrPort(data, ap)
	return err
}

// Recv implements a method of the [rtps.Transport] interface.
func (u *UDP) Recv() (*rtps.Datagram, error) {
	select {
	case dg := <-u.recv:
		return dg, nil
	case <-u.done:
		u.μ.Lock()
		defer u.μ.Unlock()
		return nil, u.err
	}
}

// Locators implements a method of the [rtps.Transport] interface.
func (u *UDP) Locators() (unicast, multicast []proto.Locator) {
	return u.unicast, u.multicast
}

// Close implements a method of the [rtps.Transport] interface.
func (u *UDP) Close() error {
	u.fail(net.ErrClosed)
	var errs []error
	for _, c := range u.conns {
		if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	u.tasks.Wait()
	return errors.Join(errs...)
}

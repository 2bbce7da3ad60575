// Package udp provides the datagram transport adapter over the host's UDP
// facility. It is the only place in the stack that touches OS sockets

package udp

import (
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/KMFtcy/capstack/buffer"
	"github.com/KMFtcy/capstack/types"
)

// Endpoint wraps a net.UDPConn behind the types.DatagramEndpoint interface.
// It is single-reader, single-writer within one CAP instance
type Endpoint struct {
	conn  *net.UDPConn
	local types.FullAddress
	mtu   uint32
}

// New creates an unbound UDP endpoint with the given maximum datagram size
func New(mtu uint32) *Endpoint {
	return &Endpoint{mtu: mtu}
}

// Bind implements types.DatagramEndpoint.Bind
func (e *Endpoint) Bind(addr types.FullAddress) error {
	if e.conn != nil {
		return types.ErrAlreadyBound
	}

	conn, err := net.ListenUDP("udp4", fullToUDPAddr(addr))
	if err != nil {
		if strings.Contains(err.Error(), "address already in use") {
			return types.ErrAddressInUse
		}
		return types.ErrTransport
	}

	e.conn = conn
	e.local = udpToFullAddr(conn.LocalAddr().(*net.UDPAddr))
	return nil
}

// LocalAddress implements types.DatagramEndpoint.LocalAddress
func (e *Endpoint) LocalAddress() types.FullAddress {
	return e.local
}

// Send implements types.DatagramEndpoint.Send. Failures are reported to the
// caller but treated as transient there; retransmission covers them
func (e *Endpoint) Send(peer types.FullAddress, v buffer.View) error {
	if e.conn == nil {
		return types.ErrInvalidEndpointState
	}
	if _, err := e.conn.WriteToUDP(v, fullToUDPAddr(peer)); err != nil {
		return errors.Wrap(err, "udp send")
	}
	return nil
}

// Recv implements types.DatagramEndpoint.Recv
func (e *Endpoint) Recv(deadline time.Time) (types.FullAddress, buffer.View, error) {
	if e.conn == nil {
		return types.FullAddress{}, nil, types.ErrInvalidEndpointState
	}

	if err := e.conn.SetReadDeadline(deadline); err != nil {
		return types.FullAddress{}, nil, types.ErrTransport
	}

	b := buffer.NewView(int(e.mtu))
	n, peer, err := e.conn.ReadFromUDP(b)
	if err != nil {
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return types.FullAddress{}, nil, types.ErrTimeout
		}
		return types.FullAddress{}, nil, types.ErrTransport
	}

	b.CapLength(n)
	return udpToFullAddr(peer), b, nil
}

// MTU implements types.DatagramEndpoint.MTU
func (e *Endpoint) MTU() uint32 {
	return e.mtu
}

// Close implements types.DatagramEndpoint.Close
func (e *Endpoint) Close() {
	if e.conn != nil {
		e.conn.Close()
	}
}

func fullToUDPAddr(addr types.FullAddress) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IP(addr.Address), Port: int(addr.Port)}
}

func udpToFullAddr(addr *net.UDPAddr) types.FullAddress {
	ip := addr.IP.To4()
	if ip == nil {
		ip = addr.IP
	}
	return types.FullAddress{Address: types.Address(ip), Port: uint16(addr.Port)}
}

// ParseAddress turns a "host:port" string into a FullAddress
func ParseAddress(s string) (types.FullAddress, error) {
	addr, err := net.ResolveUDPAddr("udp4", s)
	if err != nil {
		return types.FullAddress{}, errors.Wrapf(err, "resolve %q", s)
	}
	return udpToFullAddr(addr), nil
}

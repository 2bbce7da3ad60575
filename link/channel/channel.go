// Package channel provides an in-memory datagram endpoint that stores
// outbound datagrams in a channel and allows injection of inbound datagrams.
// Tests use it to script loss, duplication and reordering

package channel

import (
	"time"

	"github.com/KMFtcy/capstack/buffer"
	"github.com/KMFtcy/capstack/types"
)

// PacketInfo holds all the information about a datagram traversing the
// endpoint
type PacketInfo struct {
	// Peer is the destination for outbound datagrams, the source for
	// injected ones
	Peer types.FullAddress

	// Data is the full datagram, header included
	Data buffer.View
}

// Endpoint is a datagram endpoint that stores outbound datagrams in a channel
// and delivers injected datagrams to Recv
type Endpoint struct {
	local  types.FullAddress
	mtu    uint32
	closed chan struct{}

	// C holds the outbound datagrams
	C chan PacketInfo

	in chan PacketInfo
}

// New creates a new channel endpoint
func New(size int, mtu uint32) *Endpoint {
	return &Endpoint{
		C:      make(chan PacketInfo, size),
		in:     make(chan PacketInfo, size),
		closed: make(chan struct{}),
		mtu:    mtu,
	}
}

// Inject delivers an inbound datagram, as if it had arrived from peer
func (e *Endpoint) Inject(peer types.FullAddress, v buffer.View) {
	data := append(buffer.View(nil), v...)
	select {
	case e.in <- PacketInfo{Peer: peer, Data: data}:
	case <-e.closed:
	}
}

// Bind implements types.DatagramEndpoint.Bind
func (e *Endpoint) Bind(addr types.FullAddress) error {
	e.local = addr
	return nil
}

// LocalAddress implements types.DatagramEndpoint.LocalAddress
func (e *Endpoint) LocalAddress() types.FullAddress {
	return e.local
}

// Send implements types.DatagramEndpoint.Send. The datagram is copied so the
// caller may reuse its buffer
func (e *Endpoint) Send(peer types.FullAddress, v buffer.View) error {
	p := PacketInfo{
		Peer: peer,
		Data: append(buffer.View(nil), v...),
	}

	select {
	case e.C <- p:
		return nil
	case <-e.closed:
		return types.ErrTransport
	}
}

// Recv implements types.DatagramEndpoint.Recv
func (e *Endpoint) Recv(deadline time.Time) (types.FullAddress, buffer.View, error) {
	var expired <-chan time.Time
	if !deadline.IsZero() {
		t := time.NewTimer(time.Until(deadline))
		defer t.Stop()
		expired = t.C
	}

	select {
	case p := <-e.in:
		return p.Peer, p.Data, nil
	case <-expired:
		return types.FullAddress{}, nil, types.ErrTimeout
	case <-e.closed:
		return types.FullAddress{}, nil, types.ErrTransport
	}
}

// MTU implements types.DatagramEndpoint.MTU
func (e *Endpoint) MTU() uint32 {
	return e.mtu
}

// Close implements types.DatagramEndpoint.Close
func (e *Endpoint) Close() {
	select {
	case <-e.closed:
	default:
		close(e.closed)
	}
}

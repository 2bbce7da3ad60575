package types

import (
	"time"

	"github.com/KMFtcy/capstack/buffer"
)

// DatagramEndpoint is the interface implemented by the datagram substrates
// CAP runs on (the host's UDP facility, or an in-memory pipe in tests). It is
// the only place that touches sockets; the protocol engine above it deals in
// (peer, bytes) tuples only
type DatagramEndpoint interface {
	// Bind associates the endpoint with a local address. Binding an
	// address already in use fails with ErrAddressInUse
	Bind(addr FullAddress) error

	// LocalAddress returns the bound local address
	LocalAddress() FullAddress

	// Send transmits a single datagram to the given peer. It must not
	// block on the network
	Send(peer FullAddress, v buffer.View) error

	// Recv blocks until a datagram arrives or the deadline passes, in
	// which case it returns ErrTimeout. A zero deadline blocks until the
	// endpoint is closed
	Recv(deadline time.Time) (FullAddress, buffer.View, error)

	// MTU is the maximum datagram size the endpoint can carry
	MTU() uint32

	// Close releases the endpoint. Blocked Recv calls unblock with
	// ErrTransport
	Close()
}

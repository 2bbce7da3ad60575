package types

import (
	"time"
)

// Endpoint is the application contract of a CAP connection. The methods mirror
// the classic socket calls; it is legal to have concurrent goroutines make
// calls into the endpoint, they are properly synchronized
type Endpoint interface {
	// Bind binds the endpoint's datagram socket to a local address
	Bind(addr FullAddress) error

	// Connect performs the three-way handshake with the given peer. It
	// blocks until the connection is established or fails with
	// ErrConnectTimeout
	Connect(addr FullAddress) error

	// Listen marks the endpoint as passive. Idempotent
	Listen() error

	// Accept blocks until an inbound connection is established and
	// returns a handle to it
	Accept() (Endpoint, error)

	// Write sends the given bytes as one message. It blocks while the
	// send window is full, unless NonBlockOption is set in which case it
	// fails with ErrWouldBlock
	Write(p []byte) error

	// Read blocks until a complete message has been reassembled, copies
	// it into p and returns the number of bytes copied. Once the peer's
	// FIN has drained all data it fails with ErrConnectionClosed
	Read(p []byte) (int, error)

	// Close initiates the FIN exchange on the active side, or completes
	// the passive close from CLOSE_WAIT
	Close() error

	// SetSockOpt sets a socket option
	SetSockOpt(opt interface{}) error

	// GetSockOpt gets a socket option
	GetSockOpt(opt interface{}) error
}

// WindowOption is the maximum count of unacknowledged segments in flight
type WindowOption int

// PayloadMaxOption is the per-segment payload cap, in bytes
type PayloadMaxOption int

// RTOInitialOption is the retransmission timeout used before the first RTT
// sample is taken
type RTOInitialOption time.Duration

// RTOMinOption is the lower clamp on the retransmission timeout
type RTOMinOption time.Duration

// RTOMaxOption is the upper clamp on the retransmission timeout
type RTOMaxOption time.Duration

// MaxRetriesOption is the per-segment retransmission bound
type MaxRetriesOption int

// HandshakeRetriesOption is the SYN/FIN retransmission bound
type HandshakeRetriesOption int

// TimeWaitOption is the duration the active closer lingers in TIME_WAIT
type TimeWaitOption time.Duration

// NonBlockOption makes blocking operations fail with ErrWouldBlock instead.
// Non-zero means non-blocking
type NonBlockOption int

// Package sniffer provides a datagram endpoint that wraps another endpoint
// and logs segments as they traverse it

package sniffer

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/KMFtcy/capstack/buffer"
	"github.com/KMFtcy/capstack/header"
	"github.com/KMFtcy/capstack/types"
)

// LogPackets is 1 when segment logging is enabled. It can be flipped at
// runtime without synchronization
var LogPackets uint32 = 1

type endpoint struct {
	lower types.DatagramEndpoint
}

// New creates a new sniffer endpoint. It wraps around lower and logs segments
// as they traverse the endpoint
func New(lower types.DatagramEndpoint) types.DatagramEndpoint {
	return &endpoint{lower: lower}
}

func (e *endpoint) Bind(addr types.FullAddress) error {
	return e.lower.Bind(addr)
}

func (e *endpoint) LocalAddress() types.FullAddress {
	return e.lower.LocalAddress()
}

func (e *endpoint) Send(peer types.FullAddress, v buffer.View) error {
	if atomic.LoadUint32(&LogPackets) == 1 {
		logPacket("send", peer, v)
	}
	return e.lower.Send(peer, v)
}

func (e *endpoint) Recv(deadline time.Time) (types.FullAddress, buffer.View, error) {
	peer, v, err := e.lower.Recv(deadline)
	if err == nil && atomic.LoadUint32(&LogPackets) == 1 {
		logPacket("recv", peer, v)
	}
	return peer, v, err
}

func (e *endpoint) MTU() uint32 {
	return e.lower.MTU()
}

func (e *endpoint) Close() {
	e.lower.Close()
}

func logPacket(direction string, peer types.FullAddress, v buffer.View) {
	f, payload, err := header.Parse(v)
	if err != nil {
		logrus.Debugf("%s %v: malformed datagram, %d bytes", direction, peer, len(v))
		return
	}

	logrus.Debugf("%s %v: %v seq=%d ack=%d len=%d", direction, peer, f.Type, f.SeqNum, f.AckNum, len(payload))
}

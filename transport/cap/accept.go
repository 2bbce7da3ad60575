package cap

import (
	"time"

	"github.com/KMFtcy/capstack/header"
	"github.com/KMFtcy/capstack/types"
)

// listenLoop is the main loop of a listening CAP endpoint. It demultiplexes
// inbound datagrams to the passive connection owning the peer address and
// turns fresh SYNs into new SYN_RCVD endpoints
func (e *endpoint) listenLoop() {
	defer e.listenCleanup()

	for {
		remote, v, err := e.link.Recv(time.Time{})
		switch err {
		case nil:
		case types.ErrTimeout:
			continue
		default:
			return
		}

		s, perr := parseSegment(remote, v)
		if perr != nil {
			e.mu.Lock()
			e.stats.MalformedReceived++
			e.mu.Unlock()
			e.logger.Debugf("malformed datagram from %v, dropped", remote)
			continue
		}

		e.mu.Lock()
		e.stats.SegmentsReceived++
		e.mu.Unlock()

		if child := e.demuxLookup(remote); child != nil {
			select {
			case child.segq <- s:
			default:
				child.logger.Debugf("segment queue full, dropped %v seq=%d", s.segType, s.sequenceNumber)
			}
			continue
		}

		if s.segType == header.SegmentSyn {
			e.handleListenSyn(s)
			continue
		}

		e.logger.Debugf("%v from %v with no connection, dropped", s.segType, remote)
	}
}

// handleListenSyn creates a passive endpoint for a fresh SYN: choose an ISN,
// answer SYN_ACK and wait for the establishing ack. At most one connection
// per peer address exists at a time, enforced by the demultiplexer
func (e *endpoint) handleListenSyn(s *segment) {
	n := e.createPassiveEndpoint(s)

	e.demuxMu.Lock()
	e.demux[s.remote] = n
	e.demuxMu.Unlock()

	n.sendFields(n.cachedSynAck)
	n.armHandshakeTimer(n.opts.rtoInitial)

	go n.protocolMainLoop()

	e.logger.Debugf("syn from %v, iss=%d, irs=%d", s.remote, n.iss, s.sequenceNumber)
}

// createPassiveEndpoint creates a new endpoint in SYN_RCVD with the
// connection parameters given by the inbound SYN. It shares the listener's
// datagram socket and inherits its options
func (e *endpoint) createPassiveEndpoint(s *segment) *endpoint {
	n := newEndpoint(e.link, nil)
	n.ownsLink = false
	n.listener = e
	n.bound = true

	e.mu.Lock()
	n.opts = e.opts
	e.mu.Unlock()

	n.initLoopState()
	n.peer = s.remote
	n.iss = generateISN()
	n.snd = newSender(n, n.iss, n.opts)
	n.rcv = newReceiver(n, s.sequenceNumber, n.opts)
	n.handshakeRetriesLeft = n.opts.handshakeRetries

	n.cachedSynAck = header.CAPFields{
		Type:   header.SegmentSynAck,
		SeqNum: uint32(n.iss),
		AckNum: uint32(s.sequenceNumber + 1),
	}
	n.haveSynAck = true

	n.mu.Lock()
	n.state = stateSynRcvd
	n.mu.Unlock()

	return n
}

// deliverAccepted hands a newly-established endpoint to Accept. If the
// listener has shut down in the meantime the endpoint is torn down instead
func (e *endpoint) deliverAccepted(n *endpoint) {
	select {
	case e.acceptedChan <- n:
	case <-e.loopDone:
		n.teardown(types.ErrConnectionClosed)
	}
}

func (e *endpoint) demuxLookup(peer types.FullAddress) *endpoint {
	e.demuxMu.Lock()
	defer e.demuxMu.Unlock()
	return e.demux[peer]
}

// demuxRemove releases the peer's demultiplexer slot, allowing a future
// connection from the same address
func (e *endpoint) demuxRemove(peer types.FullAddress) {
	e.demuxMu.Lock()
	defer e.demuxMu.Unlock()
	delete(e.demux, peer)
}

// closeListener shuts the listening endpoint: the socket is closed, the
// listen loop exits and every passive connection is torn down
func (e *endpoint) closeListener() {
	e.mu.Lock()
	if e.state != stateListen {
		e.mu.Unlock()
		return
	}
	e.state = stateClosed
	e.mu.Unlock()

	e.link.Close()
}

// listenCleanup runs when the listen loop exits
func (e *endpoint) listenCleanup() {
	e.mu.Lock()
	e.state = stateClosed
	e.mu.Unlock()

	close(e.loopDone)

	e.demuxMu.Lock()
	children := make([]*endpoint, 0, len(e.demux))
	for _, n := range e.demux {
		children = append(children, n)
	}
	e.demuxMu.Unlock()

	for _, n := range children {
		select {
		case n.killc <- types.ErrConnectionClosed:
		case <-n.loopDone:
		}
	}
}

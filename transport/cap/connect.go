package cap

import (
	"time"

	"github.com/KMFtcy/capstack/header"
	"github.com/KMFtcy/capstack/seqnum"
	"github.com/KMFtcy/capstack/timer"
	"github.com/KMFtcy/capstack/types"
	"github.com/KMFtcy/capstack/waiter"
)

// dispatchLoop reads datagrams off the link, parses them and feeds them to
// the protocol loop. It runs in its own goroutine for endpoints that own
// their link; passive endpoints are fed by their listener's demultiplexer
// instead
func (e *endpoint) dispatchLoop() {
	for {
		remote, v, err := e.link.Recv(time.Time{})
		switch err {
		case nil:
		case types.ErrTimeout:
			continue
		default:
			// The link is gone. If we closed it ourselves the loop
			// is already winding down; otherwise report upstream
			if e.stateNow() != stateClosed {
				select {
				case e.killc <- types.ErrTransport:
				default:
				}
			}
			return
		}

		s, perr := parseSegment(remote, v)
		if perr != nil {
			e.mu.Lock()
			e.stats.MalformedReceived++
			e.mu.Unlock()
			e.logger.Debugf("malformed datagram from %v, %d bytes, dropped", remote, len(v))
			continue
		}

		select {
		case e.segq <- s:
		default:
			// The loop is saturated; the substrate is lossy anyway
			e.logger.Debugf("segment queue full, dropped %v seq=%d", s.segType, s.sequenceNumber)
		}
	}
}

// protocolMainLoop is the main loop of a connected CAP endpoint. It owns all
// connection state: every state transition, buffer mutation and outgoing
// reply triggered by one input happens before the next input is consumed
func (e *endpoint) protocolMainLoop() {
	defer e.loopCleanup()

	for e.stateNow() != stateClosed {
		var timerC <-chan time.Time
		var tm *time.Timer
		if deadline, ok := e.timers.NextDeadline(); ok {
			tm = time.NewTimer(time.Until(deadline))
			timerC = tm.C
		}

		select {
		case s := <-e.segq:
			e.handleSegment(s)
		case <-e.mailboxWake:
			e.handleMailbox()
		case err := <-e.killc:
			e.teardown(err)
		case <-timerC:
		}

		if tm != nil {
			tm.Stop()
		}

		for _, f := range e.timers.PollExpired(time.Now()) {
			e.handleTimer(f)
		}
	}
}

// handleSegment drives the state machine for one inbound segment. Segments
// that are not admissible in the current state are silently dropped
func (e *endpoint) handleSegment(s *segment) {
	e.mu.Lock()
	e.stats.SegmentsReceived++
	st := e.state
	e.mu.Unlock()

	if s.remote != e.peer {
		e.logger.Debugf("segment from unknown peer %v, dropped", s.remote)
		return
	}

	switch st {
	case stateSynSent:
		e.handleSegmentSynSent(s)
	case stateSynRcvd:
		e.handleSegmentSynRcvd(s)
	case stateEstablished:
		e.handleSegmentEstablished(s)
	case stateFinWait:
		e.handleSegmentFinWait(s)
	case stateCloseWait:
		e.handleSegmentCloseWait(s)
	case stateTimeWait:
		e.handleSegmentTimeWait(s)
	default:
		e.logger.Debugf("%v segment in state %v, dropped", s.segType, st)
	}
}

func (e *endpoint) handleSegmentSynSent(s *segment) {
	if s.segType != header.SegmentSynAck || s.ackNumber != e.iss+1 {
		e.logger.Debugf("%v seq=%d ack=%d in SYN_SENT, dropped", s.segType, s.sequenceNumber, s.ackNumber)
		return
	}

	e.cancelHandshakeTimer()

	e.snd.sndUna = e.iss + 1
	e.snd.sndNxt = e.iss + 1
	e.rcv = newReceiver(e, s.sequenceNumber, e.opts)

	e.setState(stateEstablished)
	e.sendRaw(header.SegmentDataAck, e.snd.sndNxt, e.rcv.rcvNxt, nil)

	if !e.connectNotified {
		e.connectNotified = true
		e.connectDone <- nil
	}
	e.waiterQueue.Notify(waiter.EventOut)
}

func (e *endpoint) handleSegmentSynRcvd(s *segment) {
	switch s.segType {
	case header.SegmentSyn:
		// Retransmitted SYN; our SYN_ACK may have been lost
		e.sendFields(e.cachedSynAck)
	case header.SegmentDataAck:
		if s.ackNumber != e.iss+1 {
			e.logger.Debugf("ack=%d in SYN_RCVD, want %d, dropped", s.ackNumber, e.iss+1)
			return
		}
		e.cancelHandshakeTimer()
		e.snd.sndUna = e.iss + 1
		e.snd.sndNxt = e.iss + 1
		e.setState(stateEstablished)
		if e.listener != nil {
			e.listener.deliverAccepted(e)
		}
	default:
		e.logger.Debugf("%v in SYN_RCVD, dropped", s.segType)
	}
}

func (e *endpoint) handleSegmentEstablished(s *segment) {
	switch s.segType {
	case header.SegmentData:
		e.rcv.handleData(s)
	case header.SegmentDataAck:
		e.snd.handleAck(s.ackNumber)
		e.maybeSendFin()
		e.waiterQueue.Notify(waiter.EventOut)
	case header.SegmentSyn:
		// A duplicate SYN from before establishment; answer with the
		// most recent SYN_ACK so the peer can finish its handshake
		if e.haveSynAck {
			e.sendFields(e.cachedSynAck)
		}
	case header.SegmentSynAck:
		// The peer never saw our establishing ack and is retrying its
		// SYN_ACK; re-ack so it can leave SYN_RCVD
		if s.ackNumber == e.iss+1 {
			e.sendRaw(header.SegmentDataAck, e.snd.sndNxt, e.rcv.rcvNxt, nil)
		}
	case header.SegmentFin:
		e.handleFin(s)
	default:
		e.logger.Debugf("%v in ESTABLISHED, dropped", s.segType)
	}
}

// handleFin processes the peer's FIN: acknowledge it, signal end-of-stream to
// the application and wait for our own close
func (e *endpoint) handleFin(s *segment) {
	e.cachedFinalAck = header.CAPFields{
		Type:   header.SegmentFinAck,
		SeqNum: uint32(e.snd.sndNxt),
		AckNum: uint32(s.sequenceNumber + 1),
	}
	e.sendFields(e.cachedFinalAck)

	e.setState(stateCloseWait)

	e.rcvMu.Lock()
	e.rcvClosed = true
	e.rcvMu.Unlock()
	e.waiterQueue.Notify(waiter.EventIn | waiter.EventHup)
}

func (e *endpoint) handleSegmentFinWait(s *segment) {
	switch s.segType {
	case header.SegmentFinAck:
		e.cancelHandshakeTimer()

		// Cache the final ack so stray retransmitted FINs arriving in
		// TIME_WAIT can be answered
		e.cachedFinalAck = header.CAPFields{
			Type:   header.SegmentDataAck,
			SeqNum: uint32(e.snd.sndNxt),
			AckNum: uint32(s.sequenceNumber + 1),
		}
		e.sendFields(e.cachedFinalAck)

		e.setState(stateTimeWait)
		e.timers.Arm(timerTimeWait, 0, e.opts.timeWait)

		e.resolveCloseWaiters(nil)
		e.waiterQueue.Notify(waiter.EventHup)
	case header.SegmentDataAck:
		// Acks for data can still arrive while our FIN is in flight
		e.snd.handleAck(s.ackNumber)
	case header.SegmentData:
		// The active side has declared end-of-output; in CAP's
		// unidirectional model no data is expected here
		e.logger.Debugf("data seq=%d in FIN_WAIT, dropped", s.sequenceNumber)
	default:
		e.logger.Debugf("%v in FIN_WAIT, dropped", s.segType)
	}
}

func (e *endpoint) handleSegmentCloseWait(s *segment) {
	if s.segType == header.SegmentFin {
		// Retransmitted FIN; our FIN_ACK was lost
		e.sendFields(e.cachedFinalAck)
		return
	}
	e.logger.Debugf("%v in CLOSE_WAIT, dropped", s.segType)
}

func (e *endpoint) handleSegmentTimeWait(s *segment) {
	switch s.segType {
	case header.SegmentFin, header.SegmentFinAck:
		// The peer never saw our final ack; answer from the cache
		e.sendFields(e.cachedFinalAck)
	default:
		e.logger.Debugf("%v in TIME_WAIT, dropped", s.segType)
	}
}

// handleMailbox services every application intent queued since the last wake
func (e *endpoint) handleMailbox() {
	for {
		e.mu.Lock()
		if len(e.mailboxQ) == 0 {
			e.mu.Unlock()
			return
		}
		r := e.mailboxQ[0]
		e.mailboxQ = e.mailboxQ[1:]
		e.mu.Unlock()

		switch r.kind {
		case reqWrite:
			e.handleWrite(r)
		case reqClose:
			e.handleClose(r)
		}
	}
}

func (e *endpoint) handleWrite(r *endpointRequest) {
	if e.stateNow() != stateEstablished || e.closing {
		r.done <- types.ErrNotConnected
		return
	}

	nslots := len(r.payload)/e.snd.payloadMax + 1
	if r.nonblock && (e.snd.pendingSlots() || e.snd.inFlight+nslots > e.snd.window) {
		r.done <- types.ErrWouldBlock
		return
	}

	w := &writeRequest{done: r.done}
	e.snd.fragment(r.payload, w)
	e.pendingWrites = append(e.pendingWrites, w)
	e.snd.sendData()
	e.reapPendingWrites()

	e.mu.Lock()
	e.stats.MessagesSent++
	e.mu.Unlock()
}

// reapPendingWrites drops completed write requests from the pending list
func (e *endpoint) reapPendingWrites() {
	live := e.pendingWrites[:0]
	for _, w := range e.pendingWrites {
		if w.remaining > 0 {
			live = append(live, w)
		}
	}
	e.pendingWrites = live
}

func (e *endpoint) handleClose(r *endpointRequest) {
	switch e.stateNow() {
	case stateEstablished:
		e.closing = true
		e.closeWaiters = append(e.closeWaiters, r.done)
		e.failPendingWrites(types.ErrConnectionClosed)
		e.maybeSendFin()
	case stateCloseWait:
		// Passive close: the peer's FIN already drained the stream
		e.teardown(nil)
		r.done <- nil
	case stateFinWait:
		e.closeWaiters = append(e.closeWaiters, r.done)
	case stateTimeWait:
		r.done <- nil
	case stateSynSent, stateSynRcvd:
		e.teardown(types.ErrConnectionClosed)
		r.done <- nil
	default:
		r.done <- nil
	}
}

// failPendingWrites cancels every in-flight Write: the blocked calls fail
// with err and their slots not yet admitted into the window are dropped.
// Slots already on the wire stay until acknowledged, so the FIN cannot outrun
// them
func (e *endpoint) failPendingWrites(err error) {
	for _, w := range e.pendingWrites {
		if w.remaining > 0 {
			w.remaining = 0
			w.done <- err
		}
	}
	e.pendingWrites = nil
	if e.snd != nil {
		e.snd.dropUnsent()
	}
}

// maybeSendFin emits our FIN once every enqueued segment has been
// acknowledged, so close never outruns data
func (e *endpoint) maybeSendFin() {
	if !e.closing || e.stateNow() != stateEstablished {
		return
	}
	if !e.snd.allAcked() {
		return
	}

	e.setState(stateFinWait)
	e.handshakeRetriesLeft = e.opts.handshakeRetries
	e.sendRaw(header.SegmentFin, e.snd.sndNxt, 0, nil)
	e.armHandshakeTimer(e.snd.rtt.rto())
}

// handleTimer services one expired timer
func (e *endpoint) handleTimer(f timer.Fired) {
	switch f.Kind {
	case timerRetransmit:
		if !e.snd.retransmit(seqnum.Value(f.Data)) {
			e.logger.Infof("retry bound exhausted for seq=%d", f.Data)
			e.teardown(types.ErrPeerUnreachable)
		}
	case timerHandshakeRetry:
		e.handshakeTimerArmed = false
		e.handleHandshakeRetry()
	case timerTimeWait:
		e.teardown(nil)
	}
}

func (e *endpoint) handleHandshakeRetry() {
	if e.handshakeRetriesLeft <= 0 {
		switch e.stateNow() {
		case stateSynSent:
			e.teardown(types.ErrConnectTimeout)
		case stateSynRcvd:
			e.teardown(types.ErrConnectTimeout)
		case stateFinWait:
			e.teardown(types.ErrPeerUnreachable)
		}
		return
	}
	e.handshakeRetriesLeft--

	switch e.stateNow() {
	case stateSynSent:
		e.sendRaw(header.SegmentSyn, e.iss, 0, nil)
		e.armHandshakeTimer(e.opts.rtoInitial)
	case stateSynRcvd:
		e.sendFields(e.cachedSynAck)
		e.armHandshakeTimer(e.opts.rtoInitial)
	case stateFinWait:
		e.sendRaw(header.SegmentFin, e.snd.sndNxt, 0, nil)
		e.armHandshakeTimer(e.snd.rtt.rto())
	}
}

// resolveCloseWaiters unblocks every Close call parked on the FIN exchange
func (e *endpoint) resolveCloseWaiters(err error) {
	for _, c := range e.closeWaiters {
		c <- err
	}
	e.closeWaiters = nil
}

// teardown moves the endpoint to CLOSED, cancels every timer, fails parked
// application calls and releases the connection record. A nil error is a
// clean release
func (e *endpoint) teardown(err error) {
	e.mu.Lock()
	if e.state == stateClosed {
		e.mu.Unlock()
		return
	}
	e.state = stateClosed
	e.hardError = err
	e.mu.Unlock()

	if err != nil {
		e.logger.Debugf("teardown: %v", err)
	} else {
		e.logger.Debugf("connection released")
	}

	if e.snd != nil {
		e.snd.cancelTimers()
	}
	e.timers.Reset()

	if !e.connectNotified {
		e.connectNotified = true
		if err != nil {
			e.connectDone <- err
		} else {
			e.connectDone <- types.ErrConnectionClosed
		}
	}

	writeErr := err
	if writeErr == nil {
		writeErr = types.ErrConnectionClosed
	}
	e.failPendingWrites(writeErr)

	e.resolveCloseWaiters(err)

	e.rcvMu.Lock()
	e.rcvClosed = true
	e.rcvMu.Unlock()

	if e.listener != nil {
		e.listener.demuxRemove(e.peer)
	}
	if e.ownsLink {
		e.link.Close()
	}

	e.waiterQueue.Notify(waiter.EventIn | waiter.EventOut | waiter.EventErr | waiter.EventHup)
}

// loopCleanup runs when the protocol loop exits: it publishes loop
// termination and fails any request still parked in the mailbox. Once
// loopExited is set, post resolves new requests itself
func (e *endpoint) loopCleanup() {
	e.mu.Lock()
	e.loopExited = true
	q := e.mailboxQ
	e.mailboxQ = nil
	e.mu.Unlock()

	for _, r := range q {
		if r.kind == reqWrite {
			r.done <- e.takeError(types.ErrConnectionClosed)
		} else {
			r.done <- nil
		}
	}

	close(e.loopDone)
}

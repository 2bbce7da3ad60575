package cap

import (
	"github.com/KMFtcy/capstack/header"
	"github.com/KMFtcy/capstack/seqnum"
	"github.com/KMFtcy/capstack/waiter"
)

// receiver holds the state necessary to accept in-order Data segments and
// turn them back into the messages the peer's application sent. It only ever
// acknowledges cumulatively: out-of-order segments are dropped and re-fetched
// by the peer's retransmission
type receiver struct {
	ep *endpoint

	// rcvNxt is the next expected inbound sequence number
	rcvNxt seqnum.Value

	payloadMax int

	// msg accumulates the payload of the message currently being
	// reassembled. A segment shorter than payloadMax completes it
	msg []byte

	// lastAckSent backs the cumulative-ack monotonicity invariant
	lastAckSent seqnum.Value
	ackedOnce   bool
}

func newReceiver(ep *endpoint, irs seqnum.Value, opts options) *receiver {
	return &receiver{
		ep:         ep,
		rcvNxt:     irs + 1,
		payloadMax: opts.payloadMax,
	}
}

// handleData processes one inbound DATA segment. Every DATA elicits a
// cumulative acknowledgment, whether or not it advanced the window
func (r *receiver) handleData(s *segment) {
	if s.sequenceNumber == r.rcvNxt {
		r.msg = append(r.msg, s.payload...)
		r.rcvNxt++

		if len(s.payload) < r.payloadMax {
			r.deliver()
		}
	} else if s.sequenceNumber.LessThan(r.rcvNxt) {
		// Duplicate of something already delivered; never handed to
		// the application again, but re-acked so the peer advances
		r.ep.logger.Debugf("duplicate data seq=%d, rcvNxt=%d", s.sequenceNumber, r.rcvNxt)
	} else {
		// Out of order; cumulative-only acknowledgment means we drop
		// it and let retransmission fill the gap
		r.ep.logger.Debugf("out-of-order data seq=%d, rcvNxt=%d, dropped", s.sequenceNumber, r.rcvNxt)
	}

	r.sendAck()
}

// deliver hands the completed message to the application side and signals
// any blocked Read
func (r *receiver) deliver() {
	msg := r.msg
	r.msg = nil

	r.ep.rcvMu.Lock()
	r.ep.rcvList = append(r.ep.rcvList, msg)
	r.ep.rcvMu.Unlock()

	r.ep.mu.Lock()
	r.ep.stats.MessagesReceived++
	r.ep.mu.Unlock()

	r.ep.waiterQueue.Notify(waiter.EventIn)
}

// sendAck emits a pure cumulative acknowledgment. In unidirectional CAP there
// is never outbound data to piggyback on, so the ack rides an empty DATA_ACK
func (r *receiver) sendAck() {
	if r.ackedOnce && r.rcvNxt.LessThan(r.lastAckSent) {
		// Must never happen: acks are monotonically non-decreasing
		r.ep.logger.Warnf("ack regression: %d after %d", r.rcvNxt, r.lastAckSent)
		return
	}
	r.lastAckSent = r.rcvNxt
	r.ackedOnce = true

	r.ep.sendRaw(header.SegmentDataAck, r.ep.snd.sndNxt, r.rcvNxt, nil)
}

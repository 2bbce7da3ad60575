package cap

import (
	"time"

	"github.com/KMFtcy/capstack/buffer"
	"github.com/KMFtcy/capstack/header"
	"github.com/KMFtcy/capstack/seqnum"
	"github.com/KMFtcy/capstack/timer"
)

// sendSlot is one segment's worth of queued payload. Slots are created when a
// message is fragmented, receive their sequence number when admitted into the
// window, and are released when a cumulative ack covers them
type sendSlot struct {
	sequenceNumber seqnum.Value
	payload        buffer.View

	// sent is true once the slot has been admitted into the window and
	// transmitted for the first time
	sent bool

	firstSentAt time.Time
	lastSentAt  time.Time

	// retries counts retransmissions; the first transmission is not a
	// retry
	retries int

	// retransmitted disqualifies the slot from RTT sampling per Karn's
	// rule
	retransmitted bool

	timer      timer.ID
	timerArmed bool

	// owner is the write request that enqueued this slot, signalled when
	// the message's last slot is admitted
	owner *writeRequest

	next *sendSlot
	prev *sendSlot
}

// slotList keeps the unacknowledged slots in message order. Slots link into
// the list directly, so enqueueing allocates nothing beyond the slot itself
type slotList struct {
	head *sendSlot
	tail *sendSlot
}

func (l *slotList) empty() bool {
	return l.head == nil
}

func (l *slotList) front() *sendSlot {
	return l.head
}

func (l *slotList) pushBack(s *sendSlot) {
	s.next = nil
	s.prev = l.tail
	if l.tail != nil {
		l.tail.next = s
	} else {
		l.head = s
	}
	l.tail = s
}

func (l *slotList) remove(s *sendSlot) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	} else {
		l.tail = s.prev
	}
	s.next = nil
	s.prev = nil
}

// sender holds the state necessary to fragment messages into segments, keep
// the sliding window of unacknowledged segments and drive retransmission
type sender struct {
	ep *endpoint

	// sndUna is the oldest unacknowledged sequence number
	sndUna seqnum.Value

	// sndNxt is the sequence number that will be assigned to the next
	// segment admitted into the window
	sndNxt seqnum.Value

	// window is the bound W on segments in flight
	window int

	payloadMax int
	maxRetries int

	rtt rttEstimator

	// slots holds every unacknowledged slot, sent and unsent, in message
	// order. writeNext is the first slot not yet admitted
	slots     slotList
	writeNext *sendSlot

	// inFlight is the count of sent, unacknowledged slots
	inFlight int
}

func newSender(ep *endpoint, iss seqnum.Value, opts options) *sender {
	return &sender{
		ep:         ep,
		sndUna:     iss + 1,
		sndNxt:     iss + 1,
		window:     opts.window,
		payloadMax: opts.payloadMax,
		maxRetries: opts.maxRetries,
		rtt:        newRTTEstimator(opts.rtoInitial, opts.rtoMin, opts.rtoMax),
	}
}

// fragment splits a message into payloadMax-sized slots and appends them to
// the send list. End-of-message is marked by a final segment shorter than
// payloadMax; a message that is an exact multiple of the cap gets an empty
// final segment
func (s *sender) fragment(p []byte, owner *writeRequest) {
	var chunks []buffer.View
	for len(p) >= s.payloadMax {
		chunks = append(chunks, buffer.NewViewFromBytes(p[:s.payloadMax]))
		p = p[s.payloadMax:]
	}
	chunks = append(chunks, buffer.NewViewFromBytes(p))

	owner.remaining = len(chunks)
	for _, c := range chunks {
		seg := &sendSlot{payload: c, owner: owner}
		s.slots.pushBack(seg)
		if s.writeNext == nil {
			s.writeNext = seg
		}
	}
}

// pendingSlots reports whether any slot is waiting for window admission
func (s *sender) pendingSlots() bool {
	return s.writeNext != nil
}

// allAcked reports whether every enqueued segment has been acknowledged
func (s *sender) allAcked() bool {
	return s.slots.empty()
}

// dropUnsent discards every slot not yet admitted into the window. Close uses
// it to cancel in-flight writes; slots already on the wire stay until
// acknowledged
func (s *sender) dropUnsent() {
	for seg := s.writeNext; seg != nil; {
		next := seg.next
		s.slots.remove(seg)
		seg = next
	}
	s.writeNext = nil
}

// sendData admits queued slots into the window and transmits them. It is
// called when data is enqueued and whenever an ack opens the window
func (s *sender) sendData() {
	for s.writeNext != nil && s.inFlight < s.window {
		seg := s.writeNext

		seg.sequenceNumber = s.sndNxt
		s.sndNxt++
		seg.sent = true
		seg.firstSentAt = time.Now()
		s.inFlight++

		s.transmit(seg)

		if seg.owner != nil {
			seg.owner.remaining--
			if seg.owner.remaining == 0 {
				seg.owner.done <- nil
				seg.owner = nil
			}
		}

		s.writeNext = seg.next
	}
}

// transmit sends the slot and arms its retransmission timer
func (s *sender) transmit(seg *sendSlot) {
	seg.lastSentAt = time.Now()
	s.ep.sendRaw(header.SegmentData, seg.sequenceNumber, 0, seg.payload)

	if seg.timerArmed {
		s.ep.timers.Cancel(seg.timer)
	}
	seg.timer = s.ep.timers.Arm(timerRetransmit, uint32(seg.sequenceNumber), s.rtt.rto())
	seg.timerArmed = true

	s.ep.mu.Lock()
	s.ep.stats.CurrentRTO = s.rtt.rto()
	s.ep.mu.Unlock()
}

// handleAck processes the cumulative acknowledgment A: every slot with a
// sequence number strictly below A is released, clean slots contribute RTT
// samples, and the window is refilled
func (s *sender) handleAck(ack seqnum.Value) {
	if ack == s.sndUna {
		s.ep.mu.Lock()
		s.ep.stats.DupAcksReceived++
		s.ep.mu.Unlock()
		return
	}

	// The ack must fall in (sndUna, sndNxt]; anything else is stale or
	// corrupt and is dropped
	if !(ack - 1).InRange(s.sndUna, s.sndNxt) {
		s.ep.logger.Debugf("ack %d outside (%d, %d], dropped", ack, s.sndUna, s.sndNxt)
		return
	}

	now := time.Now()
	for seg := s.slots.front(); seg != nil && seg.sent && seg.sequenceNumber.LessThan(ack); seg = s.slots.front() {
		s.slots.remove(seg)
		s.inFlight--

		if seg.timerArmed {
			s.ep.timers.Cancel(seg.timer)
		}

		// Karn's rule: only segments never retransmitted produce an
		// unambiguous sample
		if !seg.retransmitted {
			s.rtt.sample(now.Sub(seg.firstSentAt))
		}
	}

	s.sndUna = ack
	s.sendData()
}

// retransmit is the Retransmit(seq) timer handler. It returns false when the
// retry bound is exhausted and the connection must be torn down
func (s *sender) retransmit(seq seqnum.Value) bool {
	var seg *sendSlot
	for it := s.slots.front(); it != nil; it = it.next {
		if it.sent && it.sequenceNumber == seq {
			seg = it
			break
		}
	}
	if seg == nil {
		// Acked between firing and handling
		return true
	}

	if seg.retries >= s.maxRetries {
		return false
	}

	seg.retries++
	seg.retransmitted = true
	s.rtt.backoff()

	s.ep.mu.Lock()
	s.ep.stats.Retransmissions++
	s.ep.mu.Unlock()

	s.ep.logger.Debugf("retransmit seq=%d retry=%d rto=%v", seq, seg.retries, s.rtt.rto())
	s.transmit(seg)
	return true
}

// cancelTimers cancels every armed retransmission timer, used at teardown
func (s *sender) cancelTimers() {
	for it := s.slots.front(); it != nil; it = it.next {
		if it.timerArmed {
			s.ep.timers.Cancel(it.timer)
			it.timerArmed = false
		}
	}
}

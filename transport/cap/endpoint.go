// Package cap provides the implementation of the Cumulative ACK Protocol, a
// connection-oriented reliable message-delivery protocol layered on an
// unreliable datagram substrate. One active sender and one passive receiver
// form a connection; messages are fragmented into sequenced segments,
// acknowledged cumulatively and retransmitted on timeout
package cap

import (
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/KMFtcy/capstack/buffer"
	"github.com/KMFtcy/capstack/header"
	"github.com/KMFtcy/capstack/seqnum"
	"github.com/KMFtcy/capstack/timer"
	"github.com/KMFtcy/capstack/types"
	"github.com/KMFtcy/capstack/waiter"
)

const (
	// ProtocolName is the string representation of the cap protocol name
	ProtocolName = "cap"

	// DefaultWindowSize is the default bound on unacknowledged segments
	// in flight
	DefaultWindowSize = 32

	// DefaultMaxRetries is the default per-segment retransmission bound
	DefaultMaxRetries = 8

	// DefaultHandshakeRetries is the default SYN/SYN_ACK/FIN
	// retransmission bound
	DefaultHandshakeRetries = 5

	// DefaultTimeWaitDuration is how long the active closer lingers so
	// that late duplicates cannot be mistaken for a new connection
	DefaultTimeWaitDuration = 2 * time.Second

	// DefaultRTOInitial is the retransmission timeout before the first
	// RTT sample
	DefaultRTOInitial = time.Second

	// DefaultRTOMin and DefaultRTOMax clamp the computed timeout
	DefaultRTOMin = 200 * time.Millisecond
	DefaultRTOMax = 60 * time.Second
)

// Timer kinds scheduled by the protocol loop
const (
	timerRetransmit = iota
	timerHandshakeRetry
	timerTimeWait
)

type endpointState int

const (
	stateClosed endpointState = iota
	stateListen
	stateSynSent
	stateSynRcvd
	stateEstablished
	stateFinWait
	stateCloseWait
	stateTimeWait
)

// String implements fmt.Stringer.String
func (s endpointState) String() string {
	switch s {
	case stateClosed:
		return "CLOSED"
	case stateListen:
		return "LISTEN"
	case stateSynSent:
		return "SYN_SENT"
	case stateSynRcvd:
		return "SYN_RCVD"
	case stateEstablished:
		return "ESTABLISHED"
	case stateFinWait:
		return "FIN_WAIT"
	case stateCloseWait:
		return "CLOSE_WAIT"
	case stateTimeWait:
		return "TIME_WAIT"
	}
	return "UNKNOWN"
}

type options struct {
	window           int
	payloadMax       int
	rtoInitial       time.Duration
	rtoMin           time.Duration
	rtoMax           time.Duration
	maxRetries       int
	handshakeRetries int
	timeWait         time.Duration
	nonblock         bool
}

func defaultOptions() options {
	return options{
		window:           DefaultWindowSize,
		payloadMax:       header.DefaultPayloadMax,
		rtoInitial:       DefaultRTOInitial,
		rtoMin:           DefaultRTOMin,
		rtoMax:           DefaultRTOMax,
		maxRetries:       DefaultMaxRetries,
		handshakeRetries: DefaultHandshakeRetries,
		timeWait:         DefaultTimeWaitDuration,
	}
}

// Stats is a snapshot of an endpoint's counters, as exposed to the metrics
// exporter and to tests
type Stats struct {
	SegmentsSent      uint64
	SegmentsReceived  uint64
	Retransmissions   uint64
	DupAcksReceived   uint64
	MalformedReceived uint64
	MessagesSent      uint64
	MessagesReceived  uint64
	CurrentRTO        time.Duration
	State             string
}

const (
	reqWrite = iota
	reqClose
)

// endpointRequest is an application intent posted to the protocol loop's
// mailbox. The application goroutine blocks on done until the loop resolves
// the request
type endpointRequest struct {
	kind     int
	payload  []byte
	nonblock bool
	done     chan error
}

// writeRequest tracks one in-progress message enqueue. It completes when the
// last slot of the message has been admitted into the send window
type writeRequest struct {
	remaining int
	done      chan error
}

// endpoint represents a CAP endpoint. This struct serves as the interface
// between users of the endpoint and the protocol implementation; it is legal
// to have concurrent goroutines make calls into the endpoint, they are
// properly synchronized. The protocol implementation, however, runs in a
// single goroutine per connection
type endpoint struct {
	connID      xid.ID
	logger      *logrus.Entry
	link        types.DatagramEndpoint
	ownsLink    bool
	waiterQueue *waiter.Queue

	// mu protects the fields visible to application goroutines: state,
	// options, counters and the hard error
	mu        sync.Mutex
	state     endpointState
	opts      options
	hardError error
	bound     bool
	stats     Stats

	// rcvMu protects the reassembled-message list drained by Read
	rcvMu     sync.Mutex
	rcvList   [][]byte
	rcvClosed bool

	// Loop plumbing. segq carries parsed inbound segments, killc carries
	// asynchronous teardown requests (link failure, listener shutdown).
	// Application intents queue in mailboxQ under mu; mailboxWake nudges
	// the loop
	segq        chan *segment
	killc       chan error
	loopDone    chan struct{}
	connectDone chan error
	mailboxQ    []*endpointRequest
	mailboxWake chan struct{}
	loopExited  bool

	// The following fields are owned by the protocol goroutine once the
	// loop has started
	timers               *timer.Queue
	snd                  *sender
	rcv                  *receiver
	peer                 types.FullAddress
	iss                  seqnum.Value
	handshakeRetriesLeft int
	handshakeTimer       timer.ID
	handshakeTimerArmed  bool
	connectNotified      bool
	closing              bool
	closeWaiters         []chan error
	pendingWrites        []*writeRequest
	cachedSynAck         header.CAPFields
	haveSynAck           bool
	cachedFinalAck       header.CAPFields

	// Listener-only state. demux routes inbound segments to the passive
	// endpoint owning the peer address
	acceptedChan chan *endpoint
	demuxMu      sync.Mutex
	demux        map[types.FullAddress]*endpoint
	listener     *endpoint
}

// NewEndpoint creates a new CAP endpoint on top of the given datagram
// endpoint. The waiter queue may be nil, in which case a private one is used
func NewEndpoint(link types.DatagramEndpoint, wq *waiter.Queue) types.Endpoint {
	return newEndpoint(link, wq)
}

func newEndpoint(link types.DatagramEndpoint, wq *waiter.Queue) *endpoint {
	if wq == nil {
		wq = &waiter.Queue{}
	}

	id := xid.New()
	e := &endpoint{
		connID:      id,
		logger:      logrus.WithFields(logrus.Fields{"proto": ProtocolName, "conn": id.String()}),
		link:        link,
		ownsLink:    true,
		waiterQueue: wq,
		opts:        defaultOptions(),
		state:       stateClosed,
	}

	return e
}

// ID returns the endpoint's connection id, used as a metrics label
func (e *endpoint) ID() string {
	return e.connID.String()
}

// State returns the connection state name
func (e *endpoint) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.String()
}

// Stats returns a snapshot of the endpoint's counters
func (e *endpoint) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.State = e.state.String()
	return s
}

// Bind implements types.Endpoint.Bind
func (e *endpoint) Bind(addr types.FullAddress) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.bound {
		return types.ErrAlreadyBound
	}
	if e.state != stateClosed {
		return types.ErrInvalidEndpointState
	}

	if err := e.link.Bind(addr); err != nil {
		return err
	}

	e.bound = true
	return nil
}

// Connect implements types.Endpoint.Connect. It performs the three-way
// handshake and blocks until the connection is established
func (e *endpoint) Connect(addr types.FullAddress) error {
	e.mu.Lock()

	switch e.state {
	case stateClosed:
	case stateSynSent:
		e.mu.Unlock()
		return types.ErrAlreadyConnecting
	case stateEstablished:
		e.mu.Unlock()
		return types.ErrAlreadyConnected
	default:
		e.mu.Unlock()
		return types.ErrInvalidEndpointState
	}

	if !e.bound {
		if err := e.link.Bind(types.FullAddress{}); err != nil {
			e.mu.Unlock()
			return err
		}
		e.bound = true
	}

	e.initLoopState()
	e.peer = addr
	e.iss = generateISN()
	e.snd = newSender(e, e.iss, e.opts)
	e.handshakeRetriesLeft = e.opts.handshakeRetries
	e.state = stateSynSent
	e.mu.Unlock()

	e.logger.Debugf("connect: %v -> %v, iss=%d", e.link.LocalAddress(), addr, e.iss)

	// The loop owns all connection state from here on
	e.sendRaw(header.SegmentSyn, e.iss, 0, nil)
	e.armHandshakeTimer(e.opts.rtoInitial)

	go e.dispatchLoop()
	go e.protocolMainLoop()

	return <-e.connectDone
}

// Listen implements types.Endpoint.Listen. Idempotent
func (e *endpoint) Listen() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == stateListen {
		return nil
	}
	if e.state != stateClosed {
		return types.ErrInvalidEndpointState
	}
	if !e.bound {
		return types.ErrDestinationRequired
	}

	e.state = stateListen
	e.acceptedChan = make(chan *endpoint, 16)
	e.demux = make(map[types.FullAddress]*endpoint)
	e.loopDone = make(chan struct{})

	go e.listenLoop()
	return nil
}

// Accept implements types.Endpoint.Accept
func (e *endpoint) Accept() (types.Endpoint, error) {
	e.mu.Lock()
	if e.state != stateListen {
		e.mu.Unlock()
		return nil, types.ErrInvalidEndpointState
	}
	nonblock := e.opts.nonblock
	e.mu.Unlock()

	if nonblock {
		select {
		case n := <-e.acceptedChan:
			return n, nil
		default:
			return nil, types.ErrWouldBlock
		}
	}

	select {
	case n := <-e.acceptedChan:
		return n, nil
	case <-e.loopDone:
		return nil, types.ErrInvalidEndpointState
	}
}

// Write implements types.Endpoint.Write. The bytes form one message, closed
// on the wire by a short final segment
func (e *endpoint) Write(p []byte) error {
	e.mu.Lock()
	if e.state != stateEstablished {
		err := e.hardError
		e.mu.Unlock()
		if err != nil {
			return err
		}
		return types.ErrNotConnected
	}
	nonblock := e.opts.nonblock
	e.mu.Unlock()

	req := &endpointRequest{
		kind:     reqWrite,
		payload:  append([]byte(nil), p...),
		nonblock: nonblock,
		done:     make(chan error, 1),
	}

	e.post(req)
	return <-req.done
}

// Read implements types.Endpoint.Read. It blocks until a complete message is
// available, then copies it into p
func (e *endpoint) Read(p []byte) (int, error) {
	waitEntry, notifyCh := waiter.NewChannelEntry(nil)
	e.waiterQueue.EventRegister(&waitEntry, waiter.EventIn|waiter.EventErr|waiter.EventHup)
	defer e.waiterQueue.EventUnregister(&waitEntry)

	for {
		e.rcvMu.Lock()
		if len(e.rcvList) > 0 {
			msg := e.rcvList[0]
			e.rcvList = e.rcvList[1:]
			e.rcvMu.Unlock()
			return copy(p, msg), nil
		}
		closed := e.rcvClosed
		e.rcvMu.Unlock()

		if closed {
			return 0, e.takeError(types.ErrConnectionClosed)
		}

		e.mu.Lock()
		st := e.state
		nonblock := e.opts.nonblock
		connected := e.snd != nil
		e.mu.Unlock()

		switch st {
		case stateEstablished, stateCloseWait, stateFinWait, stateTimeWait:
		case stateClosed:
			if !connected {
				return 0, types.ErrNotConnected
			}
			return 0, e.takeError(types.ErrConnectionClosed)
		default:
			return 0, types.ErrNotConnected
		}

		if nonblock {
			return 0, types.ErrWouldBlock
		}

		<-notifyCh
	}
}

// Close implements types.Endpoint.Close
func (e *endpoint) Close() error {
	e.mu.Lock()
	st := e.state
	e.mu.Unlock()

	switch st {
	case stateClosed:
		return nil
	case stateListen:
		e.closeListener()
		return nil
	}

	req := &endpointRequest{kind: reqClose, done: make(chan error, 1)}
	e.post(req)
	return <-req.done
}

// post hands an application request to the protocol loop. The request's done
// channel always resolves: the loop services it, the loop's cleanup fails it,
// or post itself resolves it when the loop is already gone
func (e *endpoint) post(r *endpointRequest) {
	e.mu.Lock()
	if e.loopExited {
		e.mu.Unlock()
		if r.kind == reqWrite {
			r.done <- e.takeError(types.ErrConnectionClosed)
		} else {
			r.done <- nil
		}
		return
	}
	e.mailboxQ = append(e.mailboxQ, r)
	e.mu.Unlock()

	select {
	case e.mailboxWake <- struct{}{}:
	default:
	}
}

// SetSockOpt implements types.Endpoint.SetSockOpt. Engine-tuning options can
// only be changed before the handshake commits them
func (e *endpoint) SetSockOpt(opt interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if v, ok := opt.(types.NonBlockOption); ok {
		e.opts.nonblock = v != 0
		return nil
	}

	if e.state != stateClosed && e.state != stateListen {
		return types.ErrInvalidEndpointState
	}

	switch v := opt.(type) {
	case types.WindowOption:
		if v <= 0 {
			return types.ErrInvalidOptionValue
		}
		e.opts.window = int(v)
	case types.PayloadMaxOption:
		if v <= 0 {
			return types.ErrInvalidOptionValue
		}
		e.opts.payloadMax = int(v)
	case types.RTOInitialOption:
		if v <= 0 {
			return types.ErrInvalidOptionValue
		}
		e.opts.rtoInitial = time.Duration(v)
	case types.RTOMinOption:
		if v <= 0 {
			return types.ErrInvalidOptionValue
		}
		e.opts.rtoMin = time.Duration(v)
	case types.RTOMaxOption:
		if v <= 0 {
			return types.ErrInvalidOptionValue
		}
		e.opts.rtoMax = time.Duration(v)
	case types.MaxRetriesOption:
		if v < 0 {
			return types.ErrInvalidOptionValue
		}
		e.opts.maxRetries = int(v)
	case types.HandshakeRetriesOption:
		if v <= 0 {
			return types.ErrInvalidOptionValue
		}
		e.opts.handshakeRetries = int(v)
	case types.TimeWaitOption:
		if v < 0 {
			return types.ErrInvalidOptionValue
		}
		e.opts.timeWait = time.Duration(v)
	default:
		return types.ErrUnknownOption
	}

	return nil
}

// GetSockOpt implements types.Endpoint.GetSockOpt. opt must be a pointer to
// one of the option types
func (e *endpoint) GetSockOpt(opt interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch v := opt.(type) {
	case *types.WindowOption:
		*v = types.WindowOption(e.opts.window)
	case *types.PayloadMaxOption:
		*v = types.PayloadMaxOption(e.opts.payloadMax)
	case *types.RTOInitialOption:
		*v = types.RTOInitialOption(e.opts.rtoInitial)
	case *types.RTOMinOption:
		*v = types.RTOMinOption(e.opts.rtoMin)
	case *types.RTOMaxOption:
		*v = types.RTOMaxOption(e.opts.rtoMax)
	case *types.MaxRetriesOption:
		*v = types.MaxRetriesOption(e.opts.maxRetries)
	case *types.HandshakeRetriesOption:
		*v = types.HandshakeRetriesOption(e.opts.handshakeRetries)
	case *types.TimeWaitOption:
		*v = types.TimeWaitOption(e.opts.timeWait)
	case *types.NonBlockOption:
		if e.opts.nonblock {
			*v = 1
		} else {
			*v = 0
		}
	default:
		return types.ErrUnknownOption
	}

	return nil
}

// initLoopState allocates the channels and timer queue owned by the protocol
// loop. Caller holds e.mu
func (e *endpoint) initLoopState() {
	e.segq = make(chan *segment, 128)
	e.mailboxWake = make(chan struct{}, 1)
	e.killc = make(chan error, 1)
	e.loopDone = make(chan struct{})
	e.connectDone = make(chan error, 1)
	e.timers = timer.NewQueue()
}

// takeError returns the recorded hard error, or the fallback when the
// connection went down cleanly
func (e *endpoint) takeError(fallback error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hardError != nil {
		return e.hardError
	}
	return fallback
}

func (e *endpoint) setState(s endpointState) {
	e.mu.Lock()
	old := e.state
	e.state = s
	e.mu.Unlock()

	if old != s {
		e.logger.Debugf("state %v -> %v", old, s)
	}
}

func (e *endpoint) stateNow() endpointState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// sendRaw encodes and transmits a single segment to the peer. Transport
// failures are transient: the segment stays in the send buffer and the
// retransmission path covers it
func (e *endpoint) sendRaw(t header.SegmentType, seq, ack seqnum.Value, payload buffer.View) {
	v := buffer.NewView(header.CAPMinimumSize + len(payload))
	header.CAP(v).Encode(&header.CAPFields{
		Type:   t,
		SeqNum: uint32(seq),
		AckNum: uint32(ack),
	})
	copy(v[header.CAPMinimumSize:], payload)

	if err := e.link.Send(e.peer, v); err != nil {
		e.logger.Debugf("send %v seq=%d: %v", t, seq, err)
		return
	}

	e.mu.Lock()
	e.stats.SegmentsSent++
	e.mu.Unlock()
}

func (e *endpoint) sendFields(f header.CAPFields) {
	e.sendRaw(f.Type, seqnum.Value(f.SeqNum), seqnum.Value(f.AckNum), nil)
}

func (e *endpoint) armHandshakeTimer(d time.Duration) {
	if e.handshakeTimerArmed {
		e.timers.Cancel(e.handshakeTimer)
	}
	e.handshakeTimer = e.timers.Arm(timerHandshakeRetry, 0, d)
	e.handshakeTimerArmed = true
}

func (e *endpoint) cancelHandshakeTimer() {
	if e.handshakeTimerArmed {
		e.timers.Cancel(e.handshakeTimer)
		e.handshakeTimerArmed = false
	}
}

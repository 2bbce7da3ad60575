// Package context provides an initialized CAP endpoint on a scriptable
// in-memory link for use in protocol tests, plus a Pair harness wiring two
// real endpoints through filters that can drop, duplicate, reorder and delay
// datagrams

package context

import (
	"testing"
	"time"

	"github.com/KMFtcy/capstack/buffer"
	"github.com/KMFtcy/capstack/checker"
	"github.com/KMFtcy/capstack/header"
	"github.com/KMFtcy/capstack/link/channel"
	"github.com/KMFtcy/capstack/link/sniffer"
	"github.com/KMFtcy/capstack/seqnum"
	"github.com/KMFtcy/capstack/transport/cap"
	"github.com/KMFtcy/capstack/types"
	"github.com/KMFtcy/capstack/waiter"
)

const (
	// StackAddr is the address assigned to the endpoint under test
	StackAddr = types.Address("\x0a\x00\x00\x01")

	// StackPort is used as the listening port in tests for passive
	// connects
	StackPort = 1234

	// TestAddr is the source address for datagrams sent to the endpoint
	// under test
	TestAddr = types.Address("\x0a\x00\x00\x02")

	// TestPort is the port used for datagrams sent to the endpoint under
	// test
	TestPort = 4096

	// defaultMTU covers the default payload cap plus the CAP header
	defaultMTU = header.DefaultPayloadMax + header.CAPMinimumSize
)

// StackFullAddr and TestFullAddr are the two ends of every scripted exchange
var (
	StackFullAddr = types.FullAddress{Address: StackAddr, Port: StackPort}
	TestFullAddr  = types.FullAddress{Address: TestAddr, Port: TestPort}
)

// Context provides an initialized CAP endpoint on an in-memory link. The
// test plays the part of the peer by reading outbound datagrams with
// GetPacket and injecting inbound ones with SendPacket
type Context struct {
	t      *testing.T
	linkEP *channel.Endpoint

	// WQ is the waiter queue associated with EP
	WQ waiter.Queue

	// EP is the endpoint under test
	EP types.Endpoint

	// ISS is the endpoint's initial sequence number, captured from its
	// SYN or SYN_ACK during the scripted handshake
	ISS seqnum.Value
}

// New allocates and initializes a test context containing a new endpoint on
// a channel link
func New(t *testing.T, opts ...interface{}) *Context {
	linkEP := channel.New(256, defaultMTU)

	var link types.DatagramEndpoint = linkEP
	if testing.Verbose() {
		link = sniffer.New(linkEP)
	}

	c := &Context{
		t:      t,
		linkEP: linkEP,
	}
	c.EP = cap.NewEndpoint(link, &c.WQ)

	if err := c.EP.Bind(StackFullAddr); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	for _, o := range opts {
		if err := c.EP.SetSockOpt(o); err != nil {
			t.Fatalf("SetSockOpt(%#v) failed: %v", o, err)
		}
	}

	return c
}

// Cleanup closes the link, tearing the endpoint down
func (c *Context) Cleanup() {
	c.linkEP.Close()
	time.Sleep(10 * time.Millisecond)
}

// GetPacket reads one outbound datagram, failing the test after a timeout
func (c *Context) GetPacket() []byte {
	c.t.Helper()

	select {
	case p := <-c.linkEP.C:
		return p.Data
	case <-time.After(5 * time.Second):
		c.t.Fatalf("Packet wasn't written out")
	}
	return nil
}

// WantNoPacket fails the test if an outbound datagram shows up within the
// given duration
func (c *Context) WantNoPacket(d time.Duration) {
	c.t.Helper()

	select {
	case p := <-c.linkEP.C:
		f, _, _ := header.Parse(p.Data)
		c.t.Fatalf("Unexpected packet: %v seq=%d ack=%d", f.Type, f.SeqNum, f.AckNum)
	case <-time.After(d):
	}
}

// Headers is the set of CAP header fields for a packet sent via SendPacket
type Headers struct {
	// Type is the segment type
	Type header.SegmentType

	// SeqNum is the value of the sequence number field
	SeqNum seqnum.Value

	// AckNum is the value of the ack number field
	AckNum seqnum.Value
}

// SendPacket injects a datagram built from the given headers and payload, as
// if sent by the test peer
func (c *Context) SendPacket(h *Headers, payload []byte) {
	b := buffer.NewView(header.CAPMinimumSize + len(payload))
	header.CAP(b).Encode(&header.CAPFields{
		Type:   h.Type,
		SeqNum: uint32(h.SeqNum),
		AckNum: uint32(h.AckNum),
	})
	copy(b[header.CAPMinimumSize:], payload)

	c.linkEP.Inject(TestFullAddr, b)
}

// CreateConnected performs the scripted three-way handshake for an active
// connect, leaving the endpoint in ESTABLISHED. irs is the sequence number
// the scripted peer starts from
func (c *Context) CreateConnected(irs seqnum.Value) {
	c.t.Helper()

	done := make(chan error, 1)
	go func() {
		done <- c.EP.Connect(TestFullAddr)
	}()

	b := c.GetPacket()
	checker.Segment(c.t, b, checker.SegType(header.SegmentSyn))
	f, _, _ := header.Parse(b)
	c.ISS = seqnum.Value(f.SeqNum)

	c.SendPacket(&Headers{
		Type:   header.SegmentSynAck,
		SeqNum: irs,
		AckNum: c.ISS + 1,
	}, nil)

	checker.Segment(c.t, c.GetPacket(),
		checker.SegType(header.SegmentDataAck),
		checker.AckNum(uint32(irs)+1),
	)

	if err := <-done; err != nil {
		c.t.Fatalf("Connect failed: %v", err)
	}
}

// PassiveConnect performs the scripted handshake against a listening
// endpoint and returns the accepted connection. irs is the scripted peer's
// initial sequence number
func (c *Context) PassiveConnect(irs seqnum.Value) types.Endpoint {
	c.t.Helper()

	if err := c.EP.Listen(); err != nil {
		c.t.Fatalf("Listen failed: %v", err)
	}

	c.SendPacket(&Headers{Type: header.SegmentSyn, SeqNum: irs}, nil)

	b := c.GetPacket()
	checker.Segment(c.t, b,
		checker.SegType(header.SegmentSynAck),
		checker.AckNum(uint32(irs)+1),
	)
	f, _, _ := header.Parse(b)
	c.ISS = seqnum.Value(f.SeqNum)

	c.SendPacket(&Headers{
		Type:   header.SegmentDataAck,
		AckNum: c.ISS + 1,
	}, nil)

	ep, err := c.EP.Accept()
	if err != nil {
		c.t.Fatalf("Accept failed: %v", err)
	}
	return ep
}

// Filter decides the fate of a datagram traversing a Pair. It receives the
// raw datagram and returns the datagrams to deliver now, in order: return
// nil to drop, the input to pass, held-back packets to reorder
type Filter func(data []byte) [][]byte

// Pass is the identity filter
func Pass(data []byte) [][]byte {
	return [][]byte{data}
}

// Pair wires a client and a server endpoint through in-memory links with a
// filter per direction, for end-to-end scenarios under scripted loss,
// duplication and reordering
type Pair struct {
	t *testing.T

	clientLink *channel.Endpoint
	serverLink *channel.Endpoint

	// ClientWQ and ServerWQ are the endpoints' waiter queues
	ClientWQ waiter.Queue
	ServerWQ waiter.Queue

	// Client is the active endpoint, Server the listening one
	Client types.Endpoint
	Server types.Endpoint

	done chan struct{}
}

// NewPair creates a connected pair harness. Both endpoints get the given
// options applied before any traffic flows. The filters run on the
// forwarding goroutines; tests install them before calling Connect
func NewPair(t *testing.T, ctos, stoc Filter, opts ...interface{}) *Pair {
	p := &Pair{
		t:          t,
		clientLink: channel.New(256, defaultMTU),
		serverLink: channel.New(256, defaultMTU),
		done:       make(chan struct{}),
	}

	if ctos == nil {
		ctos = Pass
	}
	if stoc == nil {
		stoc = Pass
	}

	p.Client = cap.NewEndpoint(p.clientLink, &p.ClientWQ)
	p.Server = cap.NewEndpoint(p.serverLink, &p.ServerWQ)

	for _, o := range opts {
		if err := p.Client.SetSockOpt(o); err != nil {
			t.Fatalf("client SetSockOpt(%#v) failed: %v", o, err)
		}
		if err := p.Server.SetSockOpt(o); err != nil {
			t.Fatalf("server SetSockOpt(%#v) failed: %v", o, err)
		}
	}

	if err := p.Client.Bind(TestFullAddr); err != nil {
		t.Fatalf("client Bind failed: %v", err)
	}
	if err := p.Server.Bind(StackFullAddr); err != nil {
		t.Fatalf("server Bind failed: %v", err)
	}
	if err := p.Server.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}

	go p.forward(p.clientLink, p.serverLink, TestFullAddr, ctos)
	go p.forward(p.serverLink, p.clientLink, StackFullAddr, stoc)

	return p
}

func (p *Pair) forward(from, to *channel.Endpoint, source types.FullAddress, f Filter) {
	for {
		select {
		case pkt := <-from.C:
			for _, d := range f(pkt.Data) {
				to.Inject(source, d)
			}
		case <-p.done:
			return
		}
	}
}

// Connect establishes the connection and returns the server-side endpoint
func (p *Pair) Connect() types.Endpoint {
	p.t.Helper()

	if err := p.Client.Connect(StackFullAddr); err != nil {
		p.t.Fatalf("Connect failed: %v", err)
	}

	ep, err := p.Server.Accept()
	if err != nil {
		p.t.Fatalf("Accept failed: %v", err)
	}
	return ep
}

// Cleanup stops the forwarding goroutines and closes both links
func (p *Pair) Cleanup() {
	close(p.done)
	p.clientLink.Close()
	p.serverLink.Close()
	time.Sleep(10 * time.Millisecond)
}

package cap_test

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/KMFtcy/capstack/header"
	"github.com/KMFtcy/capstack/link/udp"
	"github.com/KMFtcy/capstack/transport/cap"
	"github.com/KMFtcy/capstack/transport/cap/testing/context"
	"github.com/KMFtcy/capstack/types"
)

// maxTransmissions asks a dataSeqCounter getter for the highest per-segment
// transmission count observed
const maxTransmissions = ^uint32(0)

// dataSeqCounter builds a filter that counts DATA transmissions per sequence
// number and consults decide for each one's fate. Handshake and control
// segments always pass. The returned getter reports the count for one
// sequence number, or the maximum over all of them for maxTransmissions
func dataSeqCounter(decide func(seq uint32, nth int) bool) (context.Filter, func(seq uint32) int) {
	var mu sync.Mutex
	counts := make(map[uint32]int)

	filter := func(data []byte) [][]byte {
		f, _, err := header.Parse(data)
		if err != nil || f.Type != header.SegmentData {
			return [][]byte{data}
		}

		mu.Lock()
		counts[f.SeqNum]++
		nth := counts[f.SeqNum]
		mu.Unlock()

		if decide != nil && !decide(f.SeqNum, nth) {
			return nil
		}
		return [][]byte{data}
	}

	get := func(seq uint32) int {
		mu.Lock()
		defer mu.Unlock()
		if seq == maxTransmissions {
			max := 0
			for _, n := range counts {
				if n > max {
					max = n
				}
			}
			return max
		}
		return counts[seq]
	}

	return filter, get
}

func TestCleanTransfer(t *testing.T) {
	filter, counts := dataSeqCounter(nil)
	p := context.NewPair(t, filter, nil, types.PayloadMaxOption(3))
	defer p.Cleanup()

	server := p.Connect()

	if err := p.Client.Write([]byte("HELLO")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	buf := make([]byte, 64)
	n, err := server.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf[:n]) != "HELLO" {
		t.Fatalf("Read returned %q, want %q", buf[:n], "HELLO")
	}

	// Under zero loss nothing is transmitted twice
	if max := counts(maxTransmissions); max > 1 {
		t.Fatalf("a segment was transmitted %d times under zero loss", max)
	}
}

func TestLossRecovery(t *testing.T) {
	// Drop the second DATA segment's first transmission only
	var firstDataSeq uint32
	var haveFirst bool
	var mu sync.Mutex

	decide := func(seq uint32, nth int) bool {
		mu.Lock()
		defer mu.Unlock()
		if !haveFirst {
			firstDataSeq = seq
			haveFirst = true
		}
		return !(seq == firstDataSeq+1 && nth == 1)
	}

	filter, counts := dataSeqCounter(decide)
	p := context.NewPair(t, filter, nil,
		types.PayloadMaxOption(2),
		types.RTOInitialOption(100*time.Millisecond),
	)
	defer p.Cleanup()

	server := p.Connect()

	if err := p.Client.Write([]byte("ABCD")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	buf := make([]byte, 64)
	n, err := server.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf[:n]) != "ABCD" {
		t.Fatalf("Read returned %q, want %q", buf[:n], "ABCD")
	}

	mu.Lock()
	dropped := firstDataSeq + 1
	mu.Unlock()
	if got := counts(dropped); got != 2 {
		t.Fatalf("dropped segment transmitted %d times, want 2", got)
	}
}

func TestReorderRecovery(t *testing.T) {
	// Deliver the first three DATA segments as 1, 3, 2. The receiver
	// drops 3 on arrival, catches up on 2, and 3 arrives again via
	// retransmission
	var mu sync.Mutex
	var seen int
	var held []byte

	filter := func(data []byte) [][]byte {
		f, _, err := header.Parse(data)
		if err != nil || f.Type != header.SegmentData {
			return [][]byte{data}
		}

		mu.Lock()
		defer mu.Unlock()
		seen++
		switch seen {
		case 2:
			held = data
			return nil
		case 3:
			out := [][]byte{data}
			if held != nil {
				out = append(out, held)
				held = nil
			}
			return out
		}
		return [][]byte{data}
	}

	p := context.NewPair(t, filter, nil,
		types.PayloadMaxOption(2),
		types.RTOInitialOption(100*time.Millisecond),
	)
	defer p.Cleanup()

	server := p.Connect()

	if err := p.Client.Write([]byte("AABBC")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	buf := make([]byte, 64)
	n, err := server.Read(buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(buf[:n]) != "AABBC" {
		t.Fatalf("Read returned %q, want %q", buf[:n], "AABBC")
	}
}

func TestDuplicationSuppressed(t *testing.T) {
	// Every DATA segment is delivered twice; the stream must still come
	// out exactly once
	filter := func(data []byte) [][]byte {
		f, _, err := header.Parse(data)
		if err != nil || f.Type != header.SegmentData {
			return [][]byte{data}
		}
		return [][]byte{data, data}
	}

	p := context.NewPair(t, filter, nil, types.PayloadMaxOption(2))
	defer p.Cleanup()

	server := p.Connect()

	for _, msg := range []string{"AABB", "CC", "D"} {
		if err := p.Client.Write([]byte(msg)); err != nil {
			t.Fatalf("Write(%q) failed: %v", msg, err)
		}
	}

	var got bytes.Buffer
	for i := 0; i < 3; i++ {
		buf := make([]byte, 64)
		n, err := server.Read(buf)
		if err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		got.Write(buf[:n])
	}

	if got.String() != "AABBCCD" {
		t.Fatalf("stream came out as %q, want %q", got.String(), "AABBCCD")
	}
}

func TestMultipleMessagesInOrder(t *testing.T) {
	p := context.NewPair(t, nil, nil, types.PayloadMaxOption(4))
	defer p.Cleanup()

	server := p.Connect()

	msgs := []string{"first", "second message", "x", "", "last"}
	go func() {
		for _, m := range msgs {
			p.Client.Write([]byte(m))
		}
	}()

	for _, want := range msgs {
		buf := make([]byte, 64)
		n, err := server.Read(buf)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if string(buf[:n]) != want {
			t.Fatalf("Read returned %q, want %q", buf[:n], want)
		}
	}
}

func TestPeerVanishes(t *testing.T) {
	// After establishment the server side goes dark: every DATA from the
	// client disappears
	var mu sync.Mutex
	dark := false

	filter := func(data []byte) [][]byte {
		mu.Lock()
		defer mu.Unlock()
		if f, _, err := header.Parse(data); err == nil && f.Type == header.SegmentData {
			dark = true
		}
		if dark {
			return nil
		}
		return [][]byte{data}
	}

	p := context.NewPair(t, filter, nil,
		types.RTOInitialOption(20*time.Millisecond),
		types.MaxRetriesOption(3),
	)
	defer p.Cleanup()

	p.Connect()

	if err := p.Client.Write([]byte("hello?")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// The retry bound must eventually surface on the API
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := p.Client.Write([]byte("again"))
		if err == types.ErrPeerUnreachable {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Write kept returning %v, want %v", err, types.ErrPeerUnreachable)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestOverRealUDP(t *testing.T) {
	// The same exchange as TestCleanTransfer, but across actual loopback
	// UDP sockets instead of the in-memory pipe
	localhost := types.Address("\x7f\x00\x00\x01")

	serverLink := udp.New(2048)
	server := cap.NewEndpoint(serverLink, nil)
	if err := server.Bind(types.FullAddress{Address: localhost}); err != nil {
		t.Fatalf("server Bind failed: %v", err)
	}
	if err := server.Listen(); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer server.Close()

	client := cap.NewEndpoint(udp.New(2048), nil)
	if err := client.Connect(serverLink.LocalAddress()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	conn, err := server.Accept()
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	want := bytes.Repeat([]byte("0123456789"), 400)
	if err := client.Write(want); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	buf := make([]byte, len(want)+1)
	n, rerr := conn.Read(buf)
	if rerr != nil {
		t.Fatalf("Read failed: %v", rerr)
	}
	if !bytes.Equal(buf[:n], want) {
		t.Fatalf("Read returned %d bytes that do not match the %d sent", n, len(want))
	}

	if err := client.Close(); err != nil {
		t.Fatalf("client Close failed: %v", err)
	}
}

func TestCleanCloseReleasesConnection(t *testing.T) {
	p := context.NewPair(t, nil, nil, types.TimeWaitOption(100*time.Millisecond))
	defer p.Cleanup()

	server := p.Connect()

	if err := p.Client.Write([]byte("bye")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	buf := make([]byte, 16)
	if _, err := server.Read(buf); err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if err := p.Client.Close(); err != nil {
		t.Fatalf("client Close failed: %v", err)
	}

	// The server sees end-of-stream and completes the passive close
	if _, err := server.Read(buf); err != types.ErrConnectionClosed {
		t.Fatalf("Read returned %v, want %v", err, types.ErrConnectionClosed)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("server Close failed: %v", err)
	}
}

package udp

import (
	"bytes"
	"testing"
	"time"

	"github.com/KMFtcy/capstack/buffer"
	"github.com/KMFtcy/capstack/types"
)

var localhost = types.Address("\x7f\x00\x00\x01")

func newBound(t *testing.T) *Endpoint {
	t.Helper()

	e := New(2048)
	if err := e.Bind(types.FullAddress{Address: localhost}); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func TestSendRecv(t *testing.T) {
	a := newBound(t)
	b := newBound(t)

	msg := buffer.View("over the loopback")
	if err := a.Send(b.LocalAddress(), msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	peer, got, err := b.Recv(time.Now().Add(5 * time.Second))
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("Recv returned %q, want %q", got, msg)
	}
	if peer != a.LocalAddress() {
		t.Fatalf("Recv reported peer %v, want %v", peer, a.LocalAddress())
	}
}

func TestRecvDeadline(t *testing.T) {
	e := newBound(t)

	start := time.Now()
	_, _, err := e.Recv(time.Now().Add(50 * time.Millisecond))
	if err != types.ErrTimeout {
		t.Fatalf("Recv returned %v, want %v", err, types.ErrTimeout)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatal("Recv returned before the deadline")
	}
}

func TestBindTwice(t *testing.T) {
	e := newBound(t)
	if err := e.Bind(types.FullAddress{Address: localhost}); err != types.ErrAlreadyBound {
		t.Fatalf("second Bind returned %v, want %v", err, types.ErrAlreadyBound)
	}
}

func TestAddressInUse(t *testing.T) {
	a := newBound(t)

	b := New(2048)
	defer b.Close()
	if err := b.Bind(a.LocalAddress()); err != types.ErrAddressInUse {
		t.Fatalf("Bind returned %v, want %v", err, types.ErrAddressInUse)
	}
}

func TestParseAddress(t *testing.T) {
	full, err := ParseAddress("127.0.0.1:9999")
	if err != nil {
		t.Fatalf("ParseAddress failed: %v", err)
	}
	if full.Port != 9999 || full.Address != localhost {
		t.Fatalf("ParseAddress returned %v", full)
	}

	if _, err := ParseAddress("not an address"); err == nil {
		t.Fatal("ParseAddress accepted garbage")
	}
}

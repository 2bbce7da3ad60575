// Package checker provides helper functions to check networking packets for
// validity

package checker

import (
	"bytes"
	"testing"

	"github.com/KMFtcy/capstack/header"
)

// SegmentChecker is a function to check a property of a CAP segment
type SegmentChecker func(*testing.T, header.CAPFields, []byte)

// Segment checks the validity and properties of the given CAP datagram. It
// is expected to be used in conjunction with other checkers for specific
// properties. For example, to check the type and sequence number, one would
// call:
//
//	checker.Segment(t, b, checker.SegType(header.SegmentData), checker.SeqNum(42))
func Segment(t *testing.T, b []byte, checkers ...SegmentChecker) {
	t.Helper()

	f, payload, err := header.Parse(b)
	if err != nil {
		t.Fatalf("Not a valid CAP segment: %v", err)
	}

	for _, c := range checkers {
		c(t, f, payload)
	}
}

// SegType creates a checker that checks the segment type
func SegType(want header.SegmentType) SegmentChecker {
	return func(t *testing.T, f header.CAPFields, _ []byte) {
		t.Helper()
		if f.Type != want {
			t.Fatalf("Bad segment type, got %v, want %v", f.Type, want)
		}
	}
}

// SeqNum creates a checker that checks the sequence number
func SeqNum(want uint32) SegmentChecker {
	return func(t *testing.T, f header.CAPFields, _ []byte) {
		t.Helper()
		if f.SeqNum != want {
			t.Fatalf("Bad sequence number, got %d, want %d", f.SeqNum, want)
		}
	}
}

// AckNum creates a checker that checks the acknowledgment number
func AckNum(want uint32) SegmentChecker {
	return func(t *testing.T, f header.CAPFields, _ []byte) {
		t.Helper()
		if f.AckNum != want {
			t.Fatalf("Bad ack number, got %d, want %d", f.AckNum, want)
		}
	}
}

// Payload creates a checker that checks the segment payload
func Payload(want []byte) SegmentChecker {
	return func(t *testing.T, _ header.CAPFields, payload []byte) {
		t.Helper()
		if !bytes.Equal(payload, want) {
			t.Fatalf("Bad payload, got %q, want %q", payload, want)
		}
	}
}

// PayloadLen creates a checker that checks the payload length
func PayloadLen(want int) SegmentChecker {
	return func(t *testing.T, _ header.CAPFields, payload []byte) {
		t.Helper()
		if len(payload) != want {
			t.Fatalf("Bad payload length, got %d, want %d", len(payload), want)
		}
	}
}

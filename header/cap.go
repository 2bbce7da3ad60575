// Package header provides the implementation of the CAP wire format. A CAP
// datagram is a 12-byte header followed by an optional payload

package header

import (
	"encoding/binary"

	"github.com/KMFtcy/capstack/types"
)

const (
	capType = 0
	capSeq  = 4
	capAck  = 8
)

// SegmentType identifies the kind of a CAP segment, carried in the high
// nibble of the first header byte
type SegmentType uint8

// The CAP segment types
const (
	SegmentSyn SegmentType = iota + 1
	SegmentSynAck
	SegmentData
	SegmentDataAck
	SegmentFin
	SegmentFinAck
)

// String implements fmt.Stringer.String
func (t SegmentType) String() string {
	switch t {
	case SegmentSyn:
		return "SYN"
	case SegmentSynAck:
		return "SYN_ACK"
	case SegmentData:
		return "DATA"
	case SegmentDataAck:
		return "DATA_ACK"
	case SegmentFin:
		return "FIN"
	case SegmentFinAck:
		return "FIN_ACK"
	}
	return "UNKNOWN"
}

// CAPFields contains the fields of a CAP segment. It is used to describe the
// fields of a segment that needs to be encoded
type CAPFields struct {
	// Type is the segment type stored in the high nibble of byte 0
	Type SegmentType

	// SeqNum is the "sequence number" field of a CAP segment
	SeqNum uint32

	// AckNum is the "acknowledgment number" field of a CAP segment. It is
	// meaningful only on SYN_ACK, DATA_ACK and FIN_ACK segments; zero on
	// the wire otherwise
	AckNum uint32
}

// CAP represents a CAP header stored in a byte array
type CAP []byte

const (
	// CAPMinimumSize is the size of the fixed CAP header, and therefore
	// the minimum size of a valid CAP datagram
	CAPMinimumSize = 12

	// DefaultPayloadMax is the default per-segment payload cap, in bytes
	DefaultPayloadMax = 1024
)

// Type returns the segment type held in the high nibble of byte 0. The low
// nibble and bytes 1-3 are reserved: zero on send, ignored on receive
func (b CAP) Type() SegmentType {
	return SegmentType(b[capType] >> 4)
}

// SequenceNumber returns the "sequence number" field of the CAP header
func (b CAP) SequenceNumber() uint32 {
	return binary.BigEndian.Uint32(b[capSeq:])
}

// AckNumber returns the "acknowledgment number" field of the CAP header
func (b CAP) AckNumber() uint32 {
	return binary.BigEndian.Uint32(b[capAck:])
}

// Payload returns the bytes following the fixed header
func (b CAP) Payload() []byte {
	return b[CAPMinimumSize:]
}

// IsValid performs basic validation on the header: the buffer must hold the
// whole fixed header and the type nibble must name a known segment type
func (b CAP) IsValid() bool {
	if len(b) < CAPMinimumSize {
		return false
	}
	t := b.Type()
	return t >= SegmentSyn && t <= SegmentFinAck
}

// Encode encodes all the fields of the CAP header, zeroing the reserved bits
func (b CAP) Encode(c *CAPFields) {
	b[capType] = byte(c.Type) << 4
	b[1] = 0
	b[2] = 0
	b[3] = 0
	binary.BigEndian.PutUint32(b[capSeq:], c.SeqNum)
	binary.BigEndian.PutUint32(b[capAck:], c.AckNum)
}

// Parse validates the given datagram and splits it into header fields and
// payload. It fails with ErrMalformedSegment when the datagram is shorter
// than the fixed header or carries an unknown type
func Parse(b []byte) (CAPFields, []byte, error) {
	h := CAP(b)
	if !h.IsValid() {
		return CAPFields{}, nil, types.ErrMalformedSegment
	}

	f := CAPFields{
		Type:   h.Type(),
		SeqNum: h.SequenceNumber(),
		AckNum: h.AckNumber(),
	}

	return f, h.Payload(), nil
}

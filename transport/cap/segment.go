package cap

import (
	"github.com/KMFtcy/capstack/buffer"
	"github.com/KMFtcy/capstack/header"
	"github.com/KMFtcy/capstack/seqnum"
	"github.com/KMFtcy/capstack/types"
)

// segment represents a parsed inbound CAP segment
type segment struct {
	remote         types.FullAddress
	segType        header.SegmentType
	sequenceNumber seqnum.Value
	ackNumber      seqnum.Value
	payload        buffer.View
}

// parseSegment validates and parses a raw datagram into a segment. It returns
// ErrMalformedSegment for datagrams the engine must drop
func parseSegment(remote types.FullAddress, v buffer.View) (*segment, error) {
	f, payload, err := header.Parse(v)
	if err != nil {
		return nil, err
	}

	return &segment{
		remote:         remote,
		segType:        f.Type,
		sequenceNumber: seqnum.Value(f.SeqNum),
		ackNumber:      seqnum.Value(f.AckNum),
		payload:        payload,
	}, nil
}

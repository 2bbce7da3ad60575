package cap

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/KMFtcy/capstack/seqnum"
)

// generateISN returns a uniformly distributed initial sequence number. Unlike
// TCP's clock-driven ISNs there is no generation ordering requirement, only
// unpredictability across connections
func generateISN() seqnum.Value {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("isn: no entropy available")
	}
	return seqnum.Value(binary.BigEndian.Uint32(b[:]))
}

package types

import (
	"fmt"
)

// Address is a byte slice cast as a string that represents the address of a
// network node. For CAP this is the 4-byte IPv4 address of the host
type Address string

// FullAddress represents a full transport node address, as required by the
// Connect() and Bind() methods
type FullAddress struct {
	// Address is the network address
	Address Address

	// Port is the transport port
	Port uint16
}

// String implements fmt.Stringer.String
func (a FullAddress) String() string {
	if len(a.Address) == 4 {
		return fmt.Sprintf("%d.%d.%d.%d:%d", a.Address[0], a.Address[1], a.Address[2], a.Address[3], a.Port)
	}
	return fmt.Sprintf("%s:%d", string(a.Address), a.Port)
}

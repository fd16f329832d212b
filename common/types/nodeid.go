package types

import "strconv"

// NodeID identifies a connected peer. IDs are assigned by the connection
// manager when a peer connects and are never reused while the peer entry is
// alive.
type NodeID int64

// String implements the Stringer interface.
func (id NodeID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

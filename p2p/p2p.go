// Package p2p holds peer connection vocabulary shared by the transport and
// the relay layer.
package p2p

import "github.com/libp2p/go-libp2p/core/peer"

// Peer is a libp2p peer identity.
type Peer = peer.ID

// NoPeer is a canonical empty Peer.
const NoPeer = Peer("")

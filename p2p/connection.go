package p2p

// ConnectionType captures why a connection to a peer exists. The type fixes
// the reconciliation role on the link: the dialing side initiates rounds.
type ConnectionType uint8

const (
	// ConnInbound is a connection the peer opened to us.
	ConnInbound ConnectionType = iota
	// ConnOutboundFullRelay is a dialed connection relaying everything.
	ConnOutboundFullRelay
	// ConnManual is a dialed connection requested by the operator.
	ConnManual
	// ConnFeeler is a short-lived dialed connection probing an address.
	ConnFeeler
	// ConnBlockRelay is a dialed connection that does not relay transactions.
	ConnBlockRelay
	// ConnAddrFetch is a short-lived dialed connection for address gossip.
	ConnAddrFetch
)

func (c ConnectionType) String() string {
	switch c {
	case ConnInbound:
		return "inbound"
	case ConnOutboundFullRelay:
		return "outbound-full-relay"
	case ConnManual:
		return "manual"
	case ConnFeeler:
		return "feeler"
	case ConnBlockRelay:
		return "block-relay-only"
	case ConnAddrFetch:
		return "addr-fetch"
	default:
		panic("BUG: unmapped connection type")
	}
}

// IsInbound reports whether the peer dialed us.
func (c ConnectionType) IsInbound() bool {
	return c == ConnInbound
}

// RelaysTransactions reports whether transactions flow on this connection at
// all. Feelers and addr-fetch connections are too short-lived; block-relay
// connections opt out explicitly.
func (c ConnectionType) RelaysTransactions() bool {
	switch c {
	case ConnInbound, ConnOutboundFullRelay, ConnManual:
		return true
	default:
		return false
	}
}

// TransportProtocolType is the framing version of the underlying transport.
type TransportProtocolType uint8

const (
	// TransportDetecting means the peer's transport version is not known yet.
	TransportDetecting TransportProtocolType = iota
	// TransportV1 is the plaintext transport.
	TransportV1
	// TransportV2 is the encrypted transport.
	TransportV2
)

func (t TransportProtocolType) String() string {
	switch t {
	case TransportDetecting:
		return "detecting"
	case TransportV1:
		return "v1"
	case TransportV2:
		return "v2"
	default:
		panic("BUG: unmapped transport protocol type")
	}
}

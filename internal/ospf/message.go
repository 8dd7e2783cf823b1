package ospf

import (
	"net/netip"
	"time"
)

// MessageType tags which field of Message is populated. As with the bgp
// package, messages are decoded Go values rather than wire octets — full
// protocol wire conformance is out of scope for the simulator.
type MessageType uint8

const (
	MsgHello MessageType = iota
	MsgLinkState
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "HELLO"
	case MsgLinkState:
		return "LINK_STATE_UPDATE"
	default:
		return "UNKNOWN"
	}
}

// Message is one OSPF protocol message exchanged between routers.
type Message struct {
	Type       MessageType
	Hello      *HelloMessage
	LinkState  *LinkStateMessage
}

// HelloMessage drives adjacency bring-up and keeps it alive, mirroring
// OSPF's dual role for its Hello packet (both the neighbor-discovery and
// the keepalive/detect mechanism).
type HelloMessage struct {
	RouterID      uint32
	AreaID        uint32
	HelloInterval time.Duration
	DeadInterval  time.Duration
}

// LinkStateMessage floods one or more LSAs, analogous to a Link State
// Update packet.
type LinkStateMessage struct {
	LSAs []LSA
}

// Link is one edge of a RouterLSA: an adjacency to another router at a
// given cost, as learned from an Established Hello neighbor.
type Link struct {
	NeighborRouterID uint32
	Cost             uint32
}

// StubNetwork is a directly attached prefix a router originates into its
// own RouterLSA, analogous to an OSPF stub network link.
type StubNetwork struct {
	Prefix netip.Prefix
	Cost   uint32
}

// LSA is a simplified Router LSA: the advertising router's adjacencies
// and directly attached stub networks, aged and refreshed as a unit
// rather than split into Router/Network/Summary LSA types.
type LSA struct {
	AreaID            uint32
	AdvertisingRouter uint32
	SeqNum            uint32
	Age               time.Duration
	Links             []Link
	StubNetworks      []StubNetwork
}

// Transport sends an already-decoded Message to peer.
type Transport interface {
	Send(peer netip.Addr, msg Message) error
}

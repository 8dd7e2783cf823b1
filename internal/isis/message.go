package isis

import (
	"net/netip"
	"time"
)

// Level distinguishes IS-IS's two independent link-state levels; a
// router may run both over the same neighbor set (L1L2) but this
// simulator, like the component it drives, tracks them as two
// completely independent databases/SPF runs keyed by Level.
type Level uint8

const (
	Level1 Level = 1
	Level2 Level = 2
)

func (l Level) String() string {
	switch l {
	case Level1:
		return "L1"
	case Level2:
		return "L2"
	default:
		return "unknown"
	}
}

// MessageType tags which field of Message is populated. As with bgp/ospf,
// messages are decoded Go values rather than wire octets — full protocol
// conformance is out of scope for the simulator.
type MessageType uint8

const (
	MsgHello MessageType = iota
	MsgLinkState
)

func (t MessageType) String() string {
	switch t {
	case MsgHello:
		return "IIH"
	case MsgLinkState:
		return "LSP"
	default:
		return "UNKNOWN"
	}
}

// Message is one IS-IS protocol message exchanged between routers.
type Message struct {
	Type      MessageType
	Hello     *HelloMessage
	LinkState *LinkStateMessage
}

// HelloMessage drives adjacency bring-up and DIS election on a LAN,
// mirroring IS-IS's IIH PDU's dual role. As with OSPF's Hello, it also
// keeps the adjacency alive.
type HelloMessage struct {
	SystemID      [6]byte
	Level         Level
	Priority      uint8 // DIS election priority, 0-127; higher wins
	HelloInterval time.Duration
	HoldTime      time.Duration
}

// LinkStateMessage floods one or more LSPs, analogous to an IS-IS Link
// State PDU carried in an LSP/CSNP/PSNP exchange (CSNP/PSNP
// synchronization itself is not modeled: every LSP is flooded directly).
type LinkStateMessage struct {
	LSPs []LSP
}

// AdjLink is one edge of an LSP: an adjacency to another system at a
// given metric, as learned from an Established Hello neighbor.
type AdjLink struct {
	NeighborSystemID [6]byte
	Metric           uint32
}

// StubNetwork is a directly attached prefix a router originates into its
// own LSP, analogous to an IS-IS IP Reachability TLV.
type StubNetwork struct {
	Prefix netip.Prefix
	Metric uint32
}

// LSP is a simplified Link State PDU: one system's adjacencies and
// directly attached prefixes at one level, aged and refreshed as a unit.
type LSP struct {
	Level             Level
	AdvertisingSystem [6]byte
	SeqNum            uint32
	Age               time.Duration
	Links             []AdjLink
	StubNetworks      []StubNetwork
}

// Transport sends an already-decoded Message to peer.
type Transport interface {
	Send(peer netip.Addr, msg Message) error
}

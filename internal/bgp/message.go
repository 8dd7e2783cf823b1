package bgp

import (
	"net/netip"
	"time"

	"github.com/routersim/routersim/internal/routeattr"
)

// MessageType tags which field of Message is populated. routersim models
// BGP messages as decoded Go values rather than wire octets — full wire
// conformance is explicitly out of scope for the simulator, and a
// structured message keeps the FSM/decision-ladder code paths exercised
// without a byte-level encoder/parser neither this exercise nor the
// original source implements.
type MessageType uint8

const (
	MsgOpen MessageType = iota
	MsgUpdate
	MsgKeepalive
	MsgNotification
)

func (t MessageType) String() string {
	switch t {
	case MsgOpen:
		return "OPEN"
	case MsgUpdate:
		return "UPDATE"
	case MsgKeepalive:
		return "KEEPALIVE"
	case MsgNotification:
		return "NOTIFICATION"
	default:
		return "UNKNOWN"
	}
}

// Message is one BGP protocol message exchanged between speakers.
type Message struct {
	Type         MessageType
	Open         *OpenMessage
	Update       *UpdateMessage
	Notification *NotificationMessage
}

// OpenMessage negotiates session parameters.
type OpenMessage struct {
	AS       uint32
	RouterID uint32
	HoldTime time.Duration
}

// UpdateMessage carries a batch of advertisements and withdrawals, as in
// RFC 4271's NLRI/WITHDRAWN_ROUTES split.
type UpdateMessage struct {
	Advertised []Route
	Withdrawn  []netip.Prefix
}

// NotificationMessage signals a session-ending error.
type NotificationMessage struct {
	Reason string
}

// Route is one path as carried over the wire: a prefix, its next hop, and
// the BGP path attributes that feed the decision ladder.
type Route struct {
	Prefix  netip.Prefix
	NextHop netip.Addr
	Attrs   routeattr.BGP
}

// Transport sends an already-decoded Message to peer. The production
// binding is a netio.Link; tests use an in-memory fake.
type Transport interface {
	Send(peer netip.Addr, msg Message) error
}

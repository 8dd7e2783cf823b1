// Package packet defines the canonical, immutable packet record used
// throughout routersim's forwarding pipeline, and a minimal decoder for
// the L2/L3/L4 fields the FIB, classifier, and impairment pipeline need.
//
// A Packet is immutable between pipeline stages. Stages that must mutate
// payload bytes (corruption) or reorder position copy the packet first via
// Clone — nothing here ever mutates wire bytes shared with another stage.
package packet

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/routersim/routersim/internal/rerrors"
)

// Protocol numbers used by the parsed view (IANA assigned numbers, the
// subset the classifier and tests care about).
const (
	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17
)

// ipv4HeaderMinLen is the minimum IPv4 header length in bytes (no options).
const ipv4HeaderMinLen = 20

// View holds the parsed L2/L3/L4 fields of a Packet. Only IPv4 is
// modeled; Decode rejects packets of any other IP version.
type View struct {
	SrcIP    [4]byte
	DstIP    [4]byte
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
	DSCP     uint8
	Length   int
	Priority uint8
}

// Packet is the canonical, immutable packet value flowing through the
// orchestrator.
type Packet struct {
	ID        uint64
	IngressTS time.Time
	Wire      []byte
	Parsed    View

	// ClassID is assigned by the classifier stage and read by the
	// shaping/impairment stages downstream.
	ClassID uint8

	// IngressInterface/EgressInterface name the interfaces this packet
	// entered/will leave on; EgressInterface is populated by FIB.Lookup.
	IngressInterface string
	EgressInterface  string
	NextHop          string
}

// idCounter is the monotonic packet-id generator.
var idCounter atomic.Uint64

// NextID returns the next monotonically increasing packet id.
func NextID() uint64 {
	return idCounter.Add(1)
}

// Clone returns a deep copy of p suitable for in-place mutation (used by
// the Corrupt impairment stage and by Duplicate, which must give each
// child packet independent wire bytes so corrupting one never affects the
// other).
func (p *Packet) Clone() *Packet {
	cp := *p
	cp.Wire = make([]byte, len(p.Wire))
	copy(cp.Wire, p.Wire)
	return &cp
}

// Decode parses wire bytes (assumed to start at the IPv4 header) into a
// Packet with a populated View. Returns rerrors.ErrMalformedPacket if the
// bytes are too short or not IPv4.
func Decode(ingressIface string, wire []byte, now time.Time) (*Packet, error) {
	if len(wire) < ipv4HeaderMinLen {
		return nil, fmt.Errorf("decode packet (%d bytes): %w", len(wire), rerrors.ErrMalformedPacket)
	}

	versionIHL := wire[0]
	version := versionIHL >> 4
	ihl := int(versionIHL&0x0f) * 4
	if version != 4 {
		return nil, fmt.Errorf("decode packet: version %d: %w", version, rerrors.ErrMalformedPacket)
	}
	if ihl < ipv4HeaderMinLen || len(wire) < ihl {
		return nil, fmt.Errorf("decode packet: IHL %d: %w", ihl, rerrors.ErrMalformedPacket)
	}

	totalLen := int(binary.BigEndian.Uint16(wire[2:4]))
	if totalLen < ihl || totalLen > len(wire) {
		totalLen = len(wire)
	}

	view := View{
		DSCP:     wire[1] >> 2,
		Protocol: wire[9],
		Length:   totalLen,
	}
	copy(view.SrcIP[:], wire[12:16])
	copy(view.DstIP[:], wire[16:20])

	if (view.Protocol == ProtoTCP || view.Protocol == ProtoUDP) && len(wire) >= ihl+4 {
		view.SrcPort = binary.BigEndian.Uint16(wire[ihl : ihl+2])
		view.DstPort = binary.BigEndian.Uint16(wire[ihl+2 : ihl+4])
	}

	return &Packet{
		ID:               NextID(),
		IngressTS:        now,
		Wire:             wire,
		Parsed:           view,
		IngressInterface: ingressIface,
	}, nil
}

// Encode is the inverse of Decode over the DSCP/protocol/address fields
// this package models: decode . encode on a well-formed record is the
// identity modulo timestamps. It mutates a copy of the IPv4 header bytes
// to match p.Parsed — callers that only touched Parsed fields without
// re-deriving Wire get their header patched here.
func Encode(p *Packet) []byte {
	out := make([]byte, len(p.Wire))
	copy(out, p.Wire)
	if len(out) < ipv4HeaderMinLen {
		return out
	}
	out[1] = (out[1] & 0x03) | (p.Parsed.DSCP << 2)
	out[9] = p.Parsed.Protocol
	copy(out[12:16], p.Parsed.SrcIP[:])
	copy(out[16:20], p.Parsed.DstIP[:])
	return out
}

// DefaultClassifier assigns a traffic-class id from DSCP:
// DSCP >= 48 -> class 1, DSCP >= 32 -> class 2, else class 3.
func DefaultClassifier(p *Packet) uint8 {
	switch {
	case p.Parsed.DSCP >= 48:
		return 1
	case p.Parsed.DSCP >= 32:
		return 2
	default:
		return 3
	}
}

// Classifier assigns a traffic-class id to a packet. The orchestrator
// accepts a pluggable Classifier; DefaultClassifier is used when none is
// configured.
type Classifier func(p *Packet) uint8

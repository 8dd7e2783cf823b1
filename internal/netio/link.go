package netio

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
)

// Link abstracts one interface's ingress/egress transport, per spec.md
// §6: "any transport (live NIC, PCAP replay, in-memory loopback for
// tests) provides a Link that yields timestamped byte buffers and
// accepts byte buffers for transmission." Unlike the teacher's
// Listener/UDPSender split (framed around a single BFD Control packet
// shape), a Link here carries opaque byte payloads — the orchestrator
// owns decoding.
type Link interface {
	// Send transmits wire to dst. The caller retains ownership of wire
	// after Send returns.
	Send(ctx context.Context, dst netip.Addr, wire []byte) error

	// Recv blocks until a buffer arrives or ctx is cancelled, returning
	// the payload and the peer address it arrived from.
	Recv(ctx context.Context) (wire []byte, src netip.Addr, err error)

	// Close releases the underlying transport.
	Close() error
}

// ErrLinkClosed is returned by Recv/Send on a Link that has been closed.
var ErrLinkClosed = errors.New("netio: link closed")

// LoopbackLink is an in-memory Link with no underlying socket, used for
// tests and single-process simulation topologies. Two LoopbackLinks
// wired together with NewLoopbackPair deliver each other's sends.
type LoopbackLink struct {
	self netip.Addr
	in   chan loopbackFrame
	mu   sync.Mutex
	peer *LoopbackLink
	done chan struct{}
}

type loopbackFrame struct {
	wire []byte
	src  netip.Addr
}

// NewLoopbackPair returns two LoopbackLinks that deliver to each other,
// addressed a and b respectively.
func NewLoopbackPair(a, b netip.Addr) (*LoopbackLink, *LoopbackLink) {
	la := &LoopbackLink{self: a, in: make(chan loopbackFrame, 256), done: make(chan struct{})}
	lb := &LoopbackLink{self: b, in: make(chan loopbackFrame, 256), done: make(chan struct{})}
	la.peer = lb
	lb.peer = la
	return la, lb
}

func (l *LoopbackLink) Send(ctx context.Context, _ netip.Addr, wire []byte) error {
	cp := make([]byte, len(wire))
	copy(cp, wire)

	l.mu.Lock()
	peer := l.peer
	l.mu.Unlock()
	if peer == nil {
		return fmt.Errorf("loopback send: %w", ErrLinkClosed)
	}

	select {
	case peer.in <- loopbackFrame{wire: cp, src: l.self}:
		return nil
	case <-peer.done:
		return fmt.Errorf("loopback send: %w", ErrLinkClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *LoopbackLink) Recv(ctx context.Context) ([]byte, netip.Addr, error) {
	select {
	case f := <-l.in:
		return f.wire, f.src, nil
	case <-l.done:
		return nil, netip.Addr{}, fmt.Errorf("loopback recv: %w", ErrLinkClosed)
	case <-ctx.Done():
		return nil, netip.Addr{}, ctx.Err()
	}
}

func (l *LoopbackLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.done:
	default:
		close(l.done)
	}
	return nil
}

// UDPLink is a Link backed by a live UDP socket, carrying opaque byte
// payloads rather than the teacher's BFD-framed packets.
type UDPLink struct {
	conn *net.UDPConn
	port uint16

	mu     sync.Mutex
	closed bool
}

// NewUDPLink binds a UDP socket at localAddr:srcPort, sending to peers
// on dstPort.
func NewUDPLink(localAddr netip.Addr, srcPort, dstPort uint16) (*UDPLink, error) {
	conn, err := net.ListenUDP(udpNetwork(localAddr), net.UDPAddrFromAddrPort(netip.AddrPortFrom(localAddr, srcPort)))
	if err != nil {
		return nil, fmt.Errorf("netio: listen udp %s:%d: %w", localAddr, srcPort, err)
	}
	return &UDPLink{conn: conn, port: dstPort}, nil
}

func udpNetwork(addr netip.Addr) string {
	if addr.Is4() || addr.Is4In6() {
		return "udp4"
	}
	return "udp6"
}

func (u *UDPLink) Send(_ context.Context, dst netip.Addr, wire []byte) error {
	_, err := u.conn.WriteToUDP(wire, net.UDPAddrFromAddrPort(netip.AddrPortFrom(dst, u.port)))
	if err != nil {
		return fmt.Errorf("netio: udp send to %s: %w", dst, err)
	}
	return nil
}

func (u *UDPLink) Recv(ctx context.Context) ([]byte, netip.Addr, error) {
	buf := make([]byte, 65535)
	if dl, ok := ctx.Deadline(); ok {
		_ = u.conn.SetReadDeadline(dl)
	}
	n, addr, err := u.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, netip.Addr{}, fmt.Errorf("netio: udp recv: %w", err)
	}
	return buf[:n], addr.AddrPort().Addr(), nil
}

func (u *UDPLink) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	if err := u.conn.Close(); err != nil {
		return fmt.Errorf("netio: close udp link: %w", err)
	}
	return nil
}

// VXLANLink wraps a UDPLink, encapsulating every outbound payload in a
// VXLAN header (RFC 7348) fixed to a single VNI, and decapsulating
// inbound frames. Grounded on vxlan.go's header codec, generalized from
// BFD-Control-packet framing to an opaque inner payload.
type VXLANLink struct {
	inner *UDPLink
	vni   uint32
}

// NewVXLANLink binds a VXLAN-encapsulating link at localAddr, using the
// standard VXLAN destination port unless dstPort overrides it.
func NewVXLANLink(localAddr netip.Addr, srcPort uint16, vni uint32, dstPort uint16) (*VXLANLink, error) {
	if dstPort == 0 {
		dstPort = VXLANPort
	}
	inner, err := NewUDPLink(localAddr, srcPort, dstPort)
	if err != nil {
		return nil, err
	}
	return &VXLANLink{inner: inner, vni: vni}, nil
}

func (v *VXLANLink) Send(ctx context.Context, dst netip.Addr, wire []byte) error {
	buf := make([]byte, VXLANHeaderSize+len(wire))
	if _, err := MarshalVXLANHeader(buf, v.vni); err != nil {
		return fmt.Errorf("netio: vxlan encap: %w", err)
	}
	copy(buf[VXLANHeaderSize:], wire)
	return v.inner.Send(ctx, dst, buf)
}

func (v *VXLANLink) Recv(ctx context.Context) ([]byte, netip.Addr, error) {
	for {
		raw, src, err := v.inner.Recv(ctx)
		if err != nil {
			return nil, netip.Addr{}, err
		}
		hdr, err := UnmarshalVXLANHeader(raw)
		if err != nil || hdr.VNI != v.vni {
			continue // not ours: drop silently and keep listening.
		}
		return raw[VXLANHeaderSize:], src, nil
	}
}

func (v *VXLANLink) Close() error { return v.inner.Close() }

// GENEVELink wraps a UDPLink, encapsulating every outbound payload in a
// Geneve header (RFC 8926) carrying an IPv4 inner protocol type, fixed
// to a single VNI. Grounded on geneve.go's header codec.
type GENEVELink struct {
	inner *UDPLink
	vni   uint32
}

// NewGENEVELink binds a Geneve-encapsulating link at localAddr, using
// the standard Geneve destination port unless dstPort overrides it.
func NewGENEVELink(localAddr netip.Addr, srcPort uint16, vni uint32, dstPort uint16) (*GENEVELink, error) {
	if dstPort == 0 {
		dstPort = GenevePort
	}
	inner, err := NewUDPLink(localAddr, srcPort, dstPort)
	if err != nil {
		return nil, err
	}
	return &GENEVELink{inner: inner, vni: vni}, nil
}

func (g *GENEVELink) Send(ctx context.Context, dst netip.Addr, wire []byte) error {
	hdr := GeneveHeader{ProtocolType: GeneveProtocolIPv4, VNI: g.vni}
	buf := make([]byte, hdr.TotalHeaderSize()+len(wire))
	n, err := MarshalGeneveHeader(buf, hdr)
	if err != nil {
		return fmt.Errorf("netio: geneve encap: %w", err)
	}
	copy(buf[n:], wire)
	return g.inner.Send(ctx, dst, buf)
}

func (g *GENEVELink) Recv(ctx context.Context) ([]byte, netip.Addr, error) {
	for {
		raw, src, err := g.inner.Recv(ctx)
		if err != nil {
			return nil, netip.Addr{}, err
		}
		hdr, err := UnmarshalGeneveHeader(raw)
		if err != nil || hdr.VNI != g.vni {
			continue
		}
		return raw[hdr.TotalHeaderSize():], src, nil
	}
}

func (g *GENEVELink) Close() error { return g.inner.Close() }

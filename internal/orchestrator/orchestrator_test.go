package orchestrator

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/routersim/routersim/internal/fib"
	"github.com/routersim/routersim/internal/netio"
	"github.com/routersim/routersim/internal/packet"
	"github.com/routersim/routersim/internal/shaping/wfq"
)

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

// ipv4Packet builds a minimal well-formed IPv4/UDP wire buffer.
func ipv4Packet(t *testing.T, src, dst string) []byte {
	t.Helper()
	wire := make([]byte, 28)
	wire[0] = 0x45 // version 4, IHL 5
	binary16(wire[2:4], 28)
	srcAddr := mustAddr(t, src).As4()
	dstAddr := mustAddr(t, dst).As4()
	copy(wire[12:16], srcAddr[:])
	copy(wire[16:20], dstAddr[:])
	wire[9] = packet.ProtoUDP
	return wire
}

func binary16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

func newWFQShaper() *wfq.Scheduler {
	return wfq.New([]wfq.ClassConfig{
		{ClassID: 1, Weight: 1, MaxDepth: 64},
		{ClassID: 2, Weight: 1, MaxDepth: 64},
		{ClassID: 3, Weight: 1, MaxDepth: 64},
	})
}

func TestOrchestratorForwardsBetweenTwoInterfaces(t *testing.T) {
	aAddr := mustAddr(t, "192.0.2.1")
	bAddr := mustAddr(t, "192.0.2.2")
	linkA, hostA := netio.NewLoopbackPair(aAddr, bAddr)
	linkB, hostB := netio.NewLoopbackPair(bAddr, aAddr)

	table := &fib.Table{}
	if err := table.Install(mustPrefix(t, "198.51.100.0/24"), bAddr, "eth1"); err != nil {
		t.Fatal(err)
	}

	o := New(Config{
		FIB: table,
		Interfaces: []InterfaceConfig{
			{Name: "eth0", Link: linkA, IngressShaper: newWFQShaper(), EgressShaper: newWFQShaper()},
			{Name: "eth1", Link: linkB, IngressShaper: newWFQShaper(), EgressShaper: newWFQShaper()},
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	// hostA and hostB are the far ends of eth0's and eth1's links; a packet
	// destined to 198.51.100.5 sent into eth0 should come out of eth1.
	if err := hostA.Send(ctx, aAddr, ipv4Packet(t, "192.0.2.1", "198.51.100.5")); err != nil {
		t.Fatal(err)
	}

	recvCtx, recvCancel := context.WithTimeout(context.Background(), time.Second)
	defer recvCancel()
	wire, _, err := hostB.Recv(recvCtx)
	if err != nil {
		t.Fatalf("expected forwarded packet on eth1's link, got error: %v", err)
	}
	if len(wire) == 0 {
		t.Error("forwarded wire is empty")
	}

	cancel()
	<-done
}

func TestOrchestratorDropsOnNoRoute(t *testing.T) {
	aAddr := mustAddr(t, "192.0.2.1")
	bAddr := mustAddr(t, "192.0.2.2")
	linkA, hostA := netio.NewLoopbackPair(aAddr, bAddr)

	table := &fib.Table{} // no routes installed

	var dropped int
	o := New(Config{
		FIB: table,
		Interfaces: []InterfaceConfig{
			{Name: "eth0", Link: linkA, IngressShaper: newWFQShaper(), EgressShaper: newWFQShaper()},
		},
		Metrics: &countingMetrics{dropped: &dropped},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	if err := hostA.Send(context.Background(), aAddr, ipv4Packet(t, "192.0.2.1", "203.0.113.1")); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	if dropped == 0 {
		t.Error("expected at least one no-route drop to be recorded")
	}
}

type countingMetrics struct {
	dropped *int
}

func (m *countingMetrics) PacketsIn(string)  {}
func (m *countingMetrics) PacketsOut(string) {}
func (m *countingMetrics) PacketsDropped(string, DropReason) {
	*m.dropped++
}
func (m *countingMetrics) ForwardLatency(string, time.Duration) {}
func (m *countingMetrics) QueueDepth(string, uint8, int)        {}

package bgp

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/routersim/routersim/internal/adjacency"
	"github.com/routersim/routersim/internal/rib"
	"github.com/routersim/routersim/internal/routeattr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatalf("ParsePrefix(%q): %v", s, err)
	}
	return p
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("ParseAddr(%q): %v", s, err)
	}
	return a
}

// loopbackTransport delivers Send calls directly into a peer Speaker's
// HandleMessage, modeling two speakers wired back-to-back without any
// real socket.
type loopbackTransport struct {
	mu   sync.Mutex
	self netip.Addr
	peer *Speaker
}

func (lt *loopbackTransport) Send(_ netip.Addr, msg Message) error {
	lt.mu.Lock()
	peer := lt.peer
	lt.mu.Unlock()
	return peer.HandleMessage(lt.self, msg)
}

func TestDecisionLadderPrefersShorterASPath(t *testing.T) {
	long := &Route{Attrs: routeattr.BGP{ASPath: []uint32{1, 2, 3}}}
	short := &Route{Attrs: routeattr.BGP{ASPath: []uint32{1, 2}}}
	if !better(short, long) {
		t.Error("shorter AS-path should be preferred")
	}
	if better(long, short) {
		t.Error("longer AS-path must not be preferred")
	}
}

func TestDecisionLadderLocalPrefBeatsASPath(t *testing.T) {
	lowPrefShortPath := &Route{Attrs: routeattr.BGP{LocalPref: 50, ASPath: []uint32{1}}}
	highPrefLongPath := &Route{Attrs: routeattr.BGP{LocalPref: 200, ASPath: []uint32{1, 2, 3, 4}}}
	if !better(highPrefLongPath, lowPrefShortPath) {
		t.Error("local-pref must outrank AS-path length")
	}
}

func TestDecisionLadderEBGPBeatsIBGP(t *testing.T) {
	ebgp := &Route{Attrs: routeattr.BGP{EBGP: true}}
	ibgp := &Route{Attrs: routeattr.BGP{EBGP: false}}
	if !better(ebgp, ibgp) {
		t.Error("eBGP route should be preferred over an otherwise-tied iBGP route")
	}
}

func TestDecisionLadderRouterIDTieBreak(t *testing.T) {
	lowID := &Route{Attrs: routeattr.BGP{RouterID: 1}}
	highID := &Route{Attrs: routeattr.BGP{RouterID: 2}}
	if !better(lowID, highID) {
		t.Error("lowest router-id must win the final tie-break")
	}
}

func TestSpeakerFullBringUpAndRoutePropagation(t *testing.T) {
	r := rib.New(nil)
	pfx := mustPrefix(t, "10.2.0.0/16")

	speakerA := NewSpeaker(Config{
		LocalAS:           65001,
		RouterID:          1,
		HoldTime:          2 * time.Second,
		KeepaliveInterval: 200 * time.Millisecond,
		RetryInterval:     time.Hour,
	}, nil, rib.New(nil), nil) // speaker A's own RIB isn't under test

	speakerB := NewSpeaker(Config{
		LocalAS:           65002,
		RouterID:          2,
		HoldTime:          2 * time.Second,
		KeepaliveInterval: 200 * time.Millisecond,
		RetryInterval:     time.Hour,
	}, nil, r, nil)

	addrA := mustAddr(t, "192.0.2.1")
	addrB := mustAddr(t, "192.0.2.2")

	transportA := &loopbackTransport{self: addrA, peer: speakerB}
	transportB := &loopbackTransport{self: addrB, peer: speakerA}
	speakerA.transport = transportA
	speakerB.transport = transportB

	adjA := speakerA.AddNeighbor(NeighborConfig{Addr: addrB, RemoteAS: 65002})
	speakerB.AddNeighbor(NeighborConfig{Addr: addrA, RemoteAS: 65001})

	speakerA.AdvertiseLocal(Route{
		Prefix:  pfx,
		NextHop: addrA,
		Attrs:   routeattr.BGP{ASPath: []uint32{65001}, Origin: routeattr.OriginIGP, EBGP: true, RouterID: 1},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); speakerA.Run(ctx) }()
	go func() { defer wg.Done(); speakerB.Run(ctx) }()

	adjA.Start()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if best, ok := r.Best(pfx); ok && best.Source == rib.SourceBGP {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	best, ok := r.Best(pfx)
	if !ok {
		t.Fatal("expected speaker B's RIB to learn the advertised prefix")
	}
	if best.Source != rib.SourceBGP {
		t.Errorf("best.Source = %v, want BGP", best.Source)
	}
	if best.NextHop != addrA {
		t.Errorf("best.NextHop = %v, want %v", best.NextHop, addrA)
	}

	cancel()
	wg.Wait()
}

func TestSpeakerNeighborDownWithdrawsRoutes(t *testing.T) {
	r := rib.New(nil)
	pfx := mustPrefix(t, "10.3.0.0/16")
	peer := mustAddr(t, "192.0.2.9")

	s := NewSpeaker(Config{LocalAS: 1, RouterID: 1}, nil, r, nil)
	s.AddNeighbor(NeighborConfig{Addr: peer, RemoteAS: 2})

	s.applyUpdate(peer, UpdateMessage{
		Advertised: []Route{{Prefix: pfx, NextHop: peer, Attrs: routeattr.BGP{ASPath: []uint32{2}}}},
	})
	if _, ok := r.Best(pfx); !ok {
		t.Fatal("expected route to be installed after applyUpdate")
	}

	s.onNeighborDown(peer, "hold timer expired")

	if _, ok := r.Best(pfx); ok {
		t.Error("expected route to be withdrawn once its only peer goes down")
	}
}

func TestSpeakerRejectsOpenWithWrongAS(t *testing.T) {
	r := rib.New(nil)
	peer := mustAddr(t, "192.0.2.10")
	s := NewSpeaker(Config{LocalAS: 1, RouterID: 1, HoldTime: time.Second, KeepaliveInterval: 100 * time.Millisecond, RetryInterval: time.Hour}, &recordingTransport{}, r, nil)
	adj := s.AddNeighbor(NeighborConfig{Addr: peer, RemoteAS: 65099})

	adj.Start()
	// Drive the FSM far enough to accept an OpenReceived event.
	adj.TransportUp()

	err := s.HandleMessage(peer, Message{Type: MsgOpen, Open: &OpenMessage{AS: 1}})
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); adj.Run(ctx) }()
	<-ctx.Done()
	wg.Wait()

	if got := adj.State(); got == adjacency.StateEstablished {
		t.Error("adjacency must not establish after an AS-mismatched OPEN")
	}
}

type recordingTransport struct {
	mu   sync.Mutex
	sent []Message
}

func (rt *recordingTransport) Send(_ netip.Addr, msg Message) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.sent = append(rt.sent, msg)
	return nil
}

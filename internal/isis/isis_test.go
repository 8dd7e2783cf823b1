package isis

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/routersim/routersim/internal/adjacency"
	"github.com/routersim/routersim/internal/rib"
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

func TestDatabaseInstallRejectsStaleSeq(t *testing.T) {
	db := NewDatabase()
	if !db.Install(LSP{Level: Level2, AdvertisingSystem: [6]byte{1}, SeqNum: 5}) {
		t.Fatal("first install of a new LSP must report changed=true")
	}
	if db.Install(LSP{Level: Level2, AdvertisingSystem: [6]byte{1}, SeqNum: 3}) {
		t.Error("a lower sequence number must not overwrite the newer LSP")
	}
	if !db.Install(LSP{Level: Level2, AdvertisingSystem: [6]byte{1}, SeqNum: 6}) {
		t.Error("a higher sequence number must be accepted")
	}
}

func TestDatabaseLevelsAreIndependent(t *testing.T) {
	db := NewDatabase()
	db.Install(LSP{Level: Level1, AdvertisingSystem: [6]byte{1}, SeqNum: 1})
	db.Install(LSP{Level: Level2, AdvertisingSystem: [6]byte{1}, SeqNum: 1})

	if len(db.All(Level1)) != 1 || len(db.All(Level2)) != 1 {
		t.Fatalf("All(L1)=%d All(L2)=%d, want 1 and 1", len(db.All(Level1)), len(db.All(Level2)))
	}
}

func TestDatabaseAgeTickEvictsExpired(t *testing.T) {
	db := NewDatabase()
	db.Install(LSP{Level: Level2, AdvertisingSystem: [6]byte{1}, SeqNum: 1})

	evicted := db.AgeTick(MaxAge + time.Second)
	if len(evicted) != 1 || evicted[0] != Level2 {
		t.Fatalf("evicted = %v, want [L2]", evicted)
	}
	if len(db.All(Level2)) != 0 {
		t.Error("expired LSP should be removed from the database")
	}
}

func TestComputeRoutesDirectNeighborAndStubNetwork(t *testing.T) {
	db := NewDatabase()
	targetPfx := mustPrefix(t, "10.0.2.0/24")
	self := [6]byte{1}
	other := [6]byte{2}

	db.Install(LSP{Level: Level2, AdvertisingSystem: self, SeqNum: 1,
		Links: []AdjLink{{NeighborSystemID: other, Metric: 10}}})
	db.Install(LSP{Level: Level2, AdvertisingSystem: other, SeqNum: 1,
		Links:        []AdjLink{{NeighborSystemID: self, Metric: 10}},
		StubNetworks: []StubNetwork{{Prefix: targetPfx, Metric: 5}}})

	results := ComputeRoutes(db, Level2, self)
	var found *SPFResult
	for i := range results {
		if results[i].Prefix == targetPfx {
			found = &results[i]
		}
	}
	if found == nil {
		t.Fatal("expected route to the other system's stub network")
	}
	if found.Metric != 15 {
		t.Errorf("metric = %d, want 15 (10 link + 5 stub)", found.Metric)
	}
	if found.NextHopSystemID != other {
		t.Errorf("next-hop system = %v, want %v", found.NextHopSystemID, other)
	}
	if found.Local {
		t.Error("a route to another system's network must not be marked Local")
	}
}

func TestComputeRoutesPrefersLowerMetricPath(t *testing.T) {
	db := NewDatabase()
	pfx := mustPrefix(t, "10.0.9.0/24")
	s1, s2, s3, s4 := [6]byte{1}, [6]byte{2}, [6]byte{3}, [6]byte{4}

	db.Install(LSP{Level: Level2, AdvertisingSystem: s1, SeqNum: 1, Links: []AdjLink{
		{NeighborSystemID: s2, Metric: 100},
		{NeighborSystemID: s3, Metric: 1},
	}})
	db.Install(LSP{Level: Level2, AdvertisingSystem: s2, SeqNum: 1, Links: []AdjLink{{NeighborSystemID: s4, Metric: 1}}})
	db.Install(LSP{Level: Level2, AdvertisingSystem: s3, SeqNum: 1, Links: []AdjLink{{NeighborSystemID: s4, Metric: 1}}})
	db.Install(LSP{Level: Level2, AdvertisingSystem: s4, SeqNum: 1, StubNetworks: []StubNetwork{{Prefix: pfx, Metric: 1}}})

	results := ComputeRoutes(db, Level2, s1)
	var found *SPFResult
	for i := range results {
		if results[i].Prefix == pfx {
			found = &results[i]
		}
	}
	if found == nil {
		t.Fatal("expected a route via the cheaper path")
	}
	if found.Metric != 3 {
		t.Errorf("metric = %d, want 3 (via system 3)", found.Metric)
	}
	if found.NextHopSystemID != s3 {
		t.Errorf("next-hop system = %v, want s3 (cheaper path)", found.NextHopSystemID)
	}
}

// loopbackTransport wires two Routers back-to-back without real sockets.
type loopbackTransport struct {
	self netip.Addr
	peer *Router
}

func (lt *loopbackTransport) Send(_ netip.Addr, msg Message) error {
	return lt.peer.HandleMessage(lt.self, msg)
}

func TestRouterFullAdjacencyAndRoutePropagation(t *testing.T) {
	ribA := rib.New(nil)
	ribB := rib.New(nil)

	pfxA := mustPrefix(t, "10.0.1.0/24")
	pfxB := mustPrefix(t, "10.0.2.0/24")

	addrA := mustAddr(t, "192.0.2.1")
	addrB := mustAddr(t, "192.0.2.2")

	cfgA := Config{
		SystemID: [6]byte{1}, Levels: []Level{Level2},
		HelloInterval: 50 * time.Millisecond, HoldTime: 2 * time.Second,
		SPFDampening: 20 * time.Millisecond,
		StubNetworks: []StubNetwork{{Prefix: pfxA, Metric: 1}},
	}
	cfgB := Config{
		SystemID: [6]byte{2}, Levels: []Level{Level2},
		HelloInterval: 50 * time.Millisecond, HoldTime: 2 * time.Second,
		SPFDampening: 20 * time.Millisecond,
		StubNetworks: []StubNetwork{{Prefix: pfxB, Metric: 1}},
	}

	routerA := NewRouter(cfgA, nil, NewDatabase(), ribA, nil)
	routerB := NewRouter(cfgB, nil, NewDatabase(), ribB, nil)
	routerA.transport = &loopbackTransport{self: addrA, peer: routerB}
	routerB.transport = &loopbackTransport{self: addrB, peer: routerA}

	adjA := routerA.AddNeighbor(addrB, Level2)
	routerB.AddNeighbor(addrA, Level2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); routerA.Run(ctx) }()
	go func() { defer wg.Done(); routerB.Run(ctx) }()

	adjA.Start()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := ribA.Best(pfxB); ok {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	best, ok := ribA.Best(pfxB)
	if !ok {
		t.Fatal("expected router A's RIB to learn router B's stub network via IS-IS")
	}
	if best.Source != rib.SourceISIS {
		t.Errorf("best.Source = %v, want ISIS", best.Source)
	}
	if best.NextHop != addrB {
		t.Errorf("best.NextHop = %v, want %v", best.NextHop, addrB)
	}

	cancel()
	wg.Wait()
}

func TestDISElectionPrefersHighestPriorityThenSystemID(t *testing.T) {
	r := NewRouter(Config{SystemID: [6]byte{1}, Priority: 64}, nil, NewDatabase(), rib.New(nil), nil)

	// No established neighbors yet: self is DIS.
	if got := r.DIS(Level2); got != ([6]byte{1}) {
		t.Fatalf("DIS with no neighbors = %v, want self", got)
	}

	peerAddr := mustAddr(t, "192.0.2.9")
	adj := adjacency.NewNeighbor(peerAddr, adjacency.Config{HoldTime: time.Second, KeepaliveInterval: time.Second}, noopDriver{}, nil)
	r.mu.Lock()
	r.neighbors[peerAddr] = &neighborState{adj: adj, level: Level2, remoteSystemID: [6]byte{2}, priority: 200}
	r.mu.Unlock()

	// Not yet Established: self still wins.
	if got := r.DIS(Level2); got != ([6]byte{1}) {
		t.Fatalf("DIS before establishment = %v, want self", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() { defer close(runDone); adj.Run(ctx) }()
	defer func() { cancel(); <-runDone }()

	adj.Start()
	adj.TransportUp()
	adj.OpenReceived()
	adj.KeepaliveReceived()
	deadline := time.Now().Add(time.Second)
	for adj.State() != adjacency.StateEstablished && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if adj.State() != adjacency.StateEstablished {
		t.Fatalf("test setup: adjacency state = %v, want Established", adj.State())
	}

	if got := r.DIS(Level2); got != ([6]byte{2}) {
		t.Fatalf("DIS = %v, want the higher-priority peer", got)
	}
}

type noopDriver struct{}

func (noopDriver) InitiateTransport(context.Context) {}
func (noopDriver) SendOpen(context.Context)          {}
func (noopDriver) SendKeepalive(context.Context)     {}
func (noopDriver) NotifyUp()                         {}
func (noopDriver) NotifyDown(string)                 {}

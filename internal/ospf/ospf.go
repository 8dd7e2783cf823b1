// Package ospf implements a simulated OSPF router: Hello-driven adjacency
// (reusing internal/adjacency's generic FSM, since OSPF's Hello both forms
// and keeps alive a neighbor exactly the way the generic FSM's
// Open+Keepalive pair does), a per-area link-state database, and Dijkstra
// SPF recomputation coalesced behind a dampening window so link flaps
// don't thrash the RIB.
//
// As with internal/bgp, messages are decoded Go values over a pluggable
// Transport rather than wire octets — full protocol conformance is out of
// scope for the simulator.
package ospf

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/routersim/routersim/internal/adjacency"
	"github.com/routersim/routersim/internal/rib"
	"github.com/routersim/routersim/internal/routeattr"
)

// Config holds router-wide OSPF parameters.
type Config struct {
	RouterID        uint32
	AreaID          uint32
	HelloInterval   time.Duration
	DeadInterval    time.Duration
	SPFDampening    time.Duration // coalescing window before SPF recomputes, e.g. 200ms
	AgeTickInterval time.Duration
	StubNetworks    []StubNetwork
}

type neighborState struct {
	remoteRouterID uint32
	adj            *adjacency.Neighbor
}

// Router is one simulated OSPF speaker.
type Router struct {
	cfg       Config
	transport Transport
	db        *Database
	rib       *rib.RIB
	logger    *slog.Logger

	mu               sync.Mutex
	neighbors        map[netip.Addr]*neighborState
	neighborAddrByID map[uint32]netip.Addr
	seqNum           uint32

	spfMu    sync.Mutex
	spfTimer *time.Timer

	publishedMu sync.Mutex
	published   map[netip.Prefix]bool
}

// NewRouter constructs an idle Router over a shared link-state database
// (callers wanting independent per-router views should each pass their own
// NewDatabase(); a single shared *Database is also valid for tests that
// want to skip the flooding step).
func NewRouter(cfg Config, transport Transport, db *Database, r *rib.RIB, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SPFDampening <= 0 {
		cfg.SPFDampening = 200 * time.Millisecond
	}
	return &Router{
		cfg:              cfg,
		transport:        transport,
		db:               db,
		rib:              r,
		logger:           logger.With(slog.String("component", "ospf")),
		neighbors:        make(map[netip.Addr]*neighborState),
		neighborAddrByID: make(map[uint32]netip.Addr),
		published:        make(map[netip.Prefix]bool),
	}
}

// AddNeighbor registers a Hello adjacency to peer and returns it so the
// caller can drive it (normally via Router.Run, which drives every
// neighbor).
func (r *Router) AddNeighbor(peer netip.Addr) *adjacency.Neighbor {
	driver := &neighborDriver{router: r, peer: peer}
	acfg := adjacency.Config{
		HoldTime:          r.cfg.DeadInterval,
		KeepaliveInterval: r.cfg.HelloInterval,
		RetryInterval:     r.cfg.HelloInterval,
	}
	adj := adjacency.NewNeighbor(peer, acfg, driver, r.logger)
	driver.neighbor = adj

	r.mu.Lock()
	r.neighbors[peer] = &neighborState{adj: adj}
	r.mu.Unlock()
	return adj
}

// Run drives every neighbor's adjacency FSM and the LSA aging ticker
// until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	r.mu.Lock()
	states := make([]*neighborState, 0, len(r.neighbors))
	for _, ns := range r.neighbors {
		states = append(states, ns)
	}
	r.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, ns := range states {
		ns := ns
		g.Go(func() error {
			ns.adj.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		r.ageLoop(gctx)
		return nil
	})
	return g.Wait()
}

func (r *Router) ageLoop(ctx context.Context) {
	interval := r.cfg.AgeTickInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := r.db.AgeTick(interval); len(evicted) > 0 {
				r.scheduleSPF()
			}
		}
	}
}

// NeighborStates snapshots every configured neighbor's adjacency state.
func (r *Router) NeighborStates() map[netip.Addr]adjacency.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[netip.Addr]adjacency.State, len(r.neighbors))
	for addr, ns := range r.neighbors {
		out[addr] = ns.adj.State()
	}
	return out
}

// HandleMessage feeds one received protocol message from peer into the
// router.
func (r *Router) HandleMessage(peer netip.Addr, msg Message) error {
	r.mu.Lock()
	ns, ok := r.neighbors[peer]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	switch msg.Type {
	case MsgHello:
		if msg.Hello != nil {
			r.mu.Lock()
			ns.remoteRouterID = msg.Hello.RouterID
			r.neighborAddrByID[msg.Hello.RouterID] = peer
			r.mu.Unlock()
		}
		// OSPF's Hello both forms and refreshes the adjacency; pushing the
		// full bring-up sequence each time converges immediately on the
		// first exchange and keeps it alive on every subsequent one
		// (transitions invalid for the current state are silently
		// ignored by the FSM).
		ns.adj.Start()
		ns.adj.TransportUp()
		ns.adj.OpenReceived()
		ns.adj.KeepaliveReceived()
	case MsgLinkState:
		if msg.LinkState == nil {
			return nil
		}
		changed := false
		for _, lsa := range msg.LinkState.LSAs {
			if lsa.AdvertisingRouter == r.cfg.RouterID {
				continue // never re-accept our own LSA reflected back
			}
			if r.db.Install(lsa) {
				changed = true
			}
		}
		if changed {
			r.floodExcept(peer, msg.LinkState.LSAs)
			r.scheduleSPF()
		}
	}
	return nil
}

func (r *Router) floodExcept(origin netip.Addr, lsas []LSA) {
	r.mu.Lock()
	peers := make([]netip.Addr, 0, len(r.neighbors))
	for addr, ns := range r.neighbors {
		if addr != origin && ns.adj.State() == adjacency.StateEstablished {
			peers = append(peers, addr)
		}
	}
	r.mu.Unlock()

	for _, p := range peers {
		if err := r.transport.Send(p, Message{Type: MsgLinkState, LinkState: &LinkStateMessage{LSAs: lsas}}); err != nil {
			r.logger.Warn("flood failed", slog.String("peer", p.String()), slog.Any("error", err))
		}
	}
}

// originateAndFlood rebuilds this router's own LSA from its currently
// Established neighbors and stub networks, installs it locally, and
// floods it to every Established neighbor.
func (r *Router) originateAndFlood() {
	r.mu.Lock()
	r.seqNum++
	links := make([]Link, 0, len(r.neighbors))
	peers := make([]netip.Addr, 0, len(r.neighbors))
	for addr, ns := range r.neighbors {
		if ns.adj.State() != adjacency.StateEstablished {
			continue
		}
		links = append(links, Link{NeighborRouterID: ns.remoteRouterID, Cost: 10})
		peers = append(peers, addr)
	}
	lsa := LSA{
		AreaID:            r.cfg.AreaID,
		AdvertisingRouter: r.cfg.RouterID,
		SeqNum:            r.seqNum,
		Links:             links,
		StubNetworks:      r.cfg.StubNetworks,
	}
	r.mu.Unlock()

	r.db.Install(lsa)
	for _, p := range peers {
		if err := r.transport.Send(p, Message{Type: MsgLinkState, LinkState: &LinkStateMessage{LSAs: []LSA{lsa}}}); err != nil {
			r.logger.Warn("originate flood failed", slog.String("peer", p.String()), slog.Any("error", err))
		}
	}
	r.scheduleSPF()
}

// scheduleSPF coalesces pending SPF triggers behind a dampening window.
func (r *Router) scheduleSPF() {
	r.spfMu.Lock()
	defer r.spfMu.Unlock()
	if r.spfTimer == nil {
		r.spfTimer = time.AfterFunc(r.cfg.SPFDampening, r.runSPF)
		return
	}
	r.spfTimer.Reset(r.cfg.SPFDampening)
}

func (r *Router) runSPF() {
	results := ComputeRoutes(r.db, r.cfg.RouterID)

	r.mu.Lock()
	neighborAddrByID := make(map[uint32]netip.Addr, len(r.neighborAddrByID))
	for k, v := range r.neighborAddrByID {
		neighborAddrByID[k] = v
	}
	r.mu.Unlock()

	newSet := make(map[netip.Prefix]bool, len(results))
	for _, res := range results {
		newSet[res.Prefix] = true
		cand := rib.Candidate{
			Prefix: res.Prefix,
			Source: rib.SourceOSPF,
			Metric: res.Cost,
			Attrs:  routeattr.OSPF{AreaID: r.cfg.AreaID, AdvertisingRouter: r.cfg.RouterID},
		}
		if res.Local {
			r.rib.Update(cand)
			continue
		}
		nh, ok := neighborAddrByID[res.NextHopRouterID]
		if !ok {
			continue
		}
		cand.NextHop = nh
		cand.Attrs = routeattr.OSPF{AreaID: r.cfg.AreaID, AdvertisingRouter: res.NextHopRouterID}
		r.rib.Update(cand)
	}

	r.publishedMu.Lock()
	for pfx := range r.published {
		if !newSet[pfx] {
			r.rib.Withdraw(pfx, rib.SourceOSPF)
		}
	}
	r.published = newSet
	r.publishedMu.Unlock()
}

type neighborDriver struct {
	router   *Router
	peer     netip.Addr
	neighbor *adjacency.Neighbor
}

func (d *neighborDriver) InitiateTransport(_ context.Context) {
	// As in internal/bgp, the simulator treats a configured peer as
	// immediately reachable: there is no separate dial step.
	d.neighbor.TransportUp()
}

func (d *neighborDriver) SendOpen(_ context.Context) { d.sendHello() }

func (d *neighborDriver) SendKeepalive(_ context.Context) { d.sendHello() }

func (d *neighborDriver) sendHello() {
	msg := Message{Type: MsgHello, Hello: &HelloMessage{
		RouterID:      d.router.cfg.RouterID,
		AreaID:        d.router.cfg.AreaID,
		HelloInterval: d.router.cfg.HelloInterval,
		DeadInterval:  d.router.cfg.DeadInterval,
	}}
	if err := d.router.transport.Send(d.peer, msg); err != nil {
		d.router.logger.Warn("send hello failed", slog.String("peer", d.peer.String()), slog.Any("error", err))
	}
}

func (d *neighborDriver) NotifyUp() { d.router.originateAndFlood() }

func (d *neighborDriver) NotifyDown(reason string) {
	d.router.logger.Warn("ospf neighbor down", slog.String("peer", d.peer.String()), slog.String("reason", reason))
	d.router.originateAndFlood()
}

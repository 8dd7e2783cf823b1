// Package isis implements a simulated IS-IS router: Hello-driven adjacency
// (reusing internal/adjacency's generic FSM, exactly as internal/ospf
// does), DIS election per LAN, independent level-1/level-2 link-state
// databases, and per-level Dijkstra SPF recomputation coalesced behind a
// dampening window.
//
// As with internal/bgp and internal/ospf, messages are decoded Go values
// over a pluggable Transport rather than wire octets — full protocol
// conformance is out of scope for the simulator.
package isis

import (
	"bytes"
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

// Config holds router-wide IS-IS parameters. A router can run one or
// both levels simultaneously; Levels lists which.
type Config struct {
	SystemID        [6]byte
	Levels          []Level
	Priority        uint8 // DIS election priority, 0-127; higher wins
	HelloInterval   time.Duration
	HoldTime        time.Duration
	SPFDampening    time.Duration // coalescing window before SPF recomputes, e.g. 200ms
	AgeTickInterval time.Duration
	StubNetworks    []StubNetwork
}

type neighborState struct {
	remoteSystemID [6]byte
	priority       uint8
	level          Level
	adj            *adjacency.Neighbor
}

// Router is one simulated IS-IS speaker.
type Router struct {
	cfg       Config
	transport Transport
	db        *Database
	rib       *rib.RIB
	logger    *slog.Logger

	mu                 sync.Mutex
	neighbors          map[netip.Addr]*neighborState
	neighborAddrBySys  map[[6]byte]netip.Addr
	seqNum             map[Level]uint32

	spfMu     sync.Mutex
	spfTimers map[Level]*time.Timer

	publishedMu sync.Mutex
	published   map[netip.Prefix]bool
}

// NewRouter constructs an idle Router over a shared link-state database.
func NewRouter(cfg Config, transport Transport, db *Database, r *rib.RIB, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SPFDampening <= 0 {
		cfg.SPFDampening = 200 * time.Millisecond
	}
	if len(cfg.Levels) == 0 {
		cfg.Levels = []Level{Level2}
	}
	return &Router{
		cfg:               cfg,
		transport:         transport,
		db:                db,
		rib:               r,
		logger:            logger.With(slog.String("component", "isis")),
		neighbors:         make(map[netip.Addr]*neighborState),
		neighborAddrBySys: make(map[[6]byte]netip.Addr),
		seqNum:            make(map[Level]uint32),
		spfTimers:         make(map[Level]*time.Timer),
		published:         make(map[netip.Prefix]bool),
	}
}

// AddNeighbor registers a Hello adjacency to peer at level and returns it
// so the caller can drive it (normally via Router.Run).
func (r *Router) AddNeighbor(peer netip.Addr, level Level) *adjacency.Neighbor {
	driver := &neighborDriver{router: r, peer: peer, level: level}
	acfg := adjacency.Config{
		HoldTime:          r.cfg.HoldTime,
		KeepaliveInterval: r.cfg.HelloInterval,
		RetryInterval:     r.cfg.HelloInterval,
	}
	adj := adjacency.NewNeighbor(peer, acfg, driver, r.logger)
	driver.neighbor = adj

	r.mu.Lock()
	r.neighbors[peer] = &neighborState{adj: adj, level: level}
	r.mu.Unlock()
	return adj
}

// Run drives every neighbor's adjacency FSM and the LSP aging ticker
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
			for _, level := range r.db.AgeTick(interval) {
				r.scheduleSPF(level)
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

// DIS returns the currently elected Designated Intermediate System's
// system id for level, among this router and its Established neighbors
// at that level: highest Priority wins, ties broken by highest system id
// (IS-IS's actual tie-break uses the LAN MAC address; system id serves
// the same total-order role here).
func (r *Router) DIS(level Level) [6]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	best := r.cfg.SystemID
	bestPriority := r.cfg.Priority
	for _, ns := range r.neighbors {
		if ns.level != level || ns.adj.State() != adjacency.StateEstablished {
			continue
		}
		if ns.priority > bestPriority ||
			(ns.priority == bestPriority && bytes.Compare(ns.remoteSystemID[:], best[:]) > 0) {
			best = ns.remoteSystemID
			bestPriority = ns.priority
		}
	}
	return best
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
			ns.remoteSystemID = msg.Hello.SystemID
			ns.priority = msg.Hello.Priority
			r.neighborAddrBySys[msg.Hello.SystemID] = peer
			r.mu.Unlock()
		}
		// As with OSPF's Hello, IS-IS's IIH both forms and refreshes the
		// adjacency; pushing the full bring-up sequence each time converges
		// immediately on the first exchange and keeps it alive on every
		// subsequent one.
		ns.adj.Start()
		ns.adj.TransportUp()
		ns.adj.OpenReceived()
		ns.adj.KeepaliveReceived()
	case MsgLinkState:
		if msg.LinkState == nil {
			return nil
		}
		changed := false
		for _, lsp := range msg.LinkState.LSPs {
			if lsp.AdvertisingSystem == r.cfg.SystemID {
				continue // never re-accept our own LSP reflected back
			}
			if r.db.Install(lsp) {
				changed = true
			}
		}
		if changed {
			r.floodExcept(peer, msg.LinkState.LSPs)
			r.scheduleSPF(ns.level)
		}
	}
	return nil
}

func (r *Router) floodExcept(origin netip.Addr, lsps []LSP) {
	r.mu.Lock()
	peers := make([]netip.Addr, 0, len(r.neighbors))
	for addr, ns := range r.neighbors {
		if addr != origin && ns.adj.State() == adjacency.StateEstablished {
			peers = append(peers, addr)
		}
	}
	r.mu.Unlock()

	for _, p := range peers {
		if err := r.transport.Send(p, Message{Type: MsgLinkState, LinkState: &LinkStateMessage{LSPs: lsps}}); err != nil {
			r.logger.Warn("flood failed", slog.String("peer", p.String()), slog.Any("error", err))
		}
	}
}

// originateAndFlood rebuilds this router's own LSP for level from its
// currently Established same-level neighbors and stub networks, installs
// it locally, and floods it to every Established same-level neighbor.
func (r *Router) originateAndFlood(level Level) {
	r.mu.Lock()
	r.seqNum[level]++
	links := make([]AdjLink, 0, len(r.neighbors))
	peers := make([]netip.Addr, 0, len(r.neighbors))
	for addr, ns := range r.neighbors {
		if ns.level != level || ns.adj.State() != adjacency.StateEstablished {
			continue
		}
		links = append(links, AdjLink{NeighborSystemID: ns.remoteSystemID, Metric: 10})
		peers = append(peers, addr)
	}
	lsp := LSP{
		Level:             level,
		AdvertisingSystem: r.cfg.SystemID,
		SeqNum:            r.seqNum[level],
		Links:             links,
		StubNetworks:      r.cfg.StubNetworks,
	}
	r.mu.Unlock()

	r.db.Install(lsp)
	for _, p := range peers {
		if err := r.transport.Send(p, Message{Type: MsgLinkState, LinkState: &LinkStateMessage{LSPs: []LSP{lsp}}}); err != nil {
			r.logger.Warn("originate flood failed", slog.String("peer", p.String()), slog.Any("error", err))
		}
	}
	r.scheduleSPF(level)
}

// scheduleSPF coalesces pending SPF triggers for level behind a
// dampening window.
func (r *Router) scheduleSPF(level Level) {
	r.spfMu.Lock()
	defer r.spfMu.Unlock()
	t, ok := r.spfTimers[level]
	if !ok {
		r.spfTimers[level] = time.AfterFunc(r.cfg.SPFDampening, func() { r.runSPF(level) })
		return
	}
	t.Reset(r.cfg.SPFDampening)
}

func (r *Router) runSPF(level Level) {
	results := ComputeRoutes(r.db, level, r.cfg.SystemID)

	r.mu.Lock()
	neighborAddrBySys := make(map[[6]byte]netip.Addr, len(r.neighborAddrBySys))
	for k, v := range r.neighborAddrBySys {
		neighborAddrBySys[k] = v
	}
	r.mu.Unlock()

	newSet := make(map[netip.Prefix]bool, len(results))
	for _, res := range results {
		newSet[res.Prefix] = true
		cand := rib.Candidate{
			Prefix: res.Prefix,
			Source: rib.SourceISIS,
			Metric: res.Metric,
			Attrs:  routeattr.ISIS{Level: uint8(level), AdvertisingSystem: r.cfg.SystemID},
		}
		if res.Local {
			r.rib.Update(cand)
			continue
		}
		nh, ok := neighborAddrBySys[res.NextHopSystemID]
		if !ok {
			continue
		}
		cand.NextHop = nh
		cand.Attrs = routeattr.ISIS{Level: uint8(level), AdvertisingSystem: res.NextHopSystemID}
		r.rib.Update(cand)
	}

	r.publishedMu.Lock()
	for pfx := range r.published {
		if !newSet[pfx] {
			r.rib.Withdraw(pfx, rib.SourceISIS)
		}
	}
	r.published = newSet
	r.publishedMu.Unlock()
}

type neighborDriver struct {
	router   *Router
	peer     netip.Addr
	level    Level
	neighbor *adjacency.Neighbor
}

func (d *neighborDriver) InitiateTransport(_ context.Context) {
	// As in internal/bgp and internal/ospf, the simulator treats a
	// configured peer as immediately reachable.
	d.neighbor.TransportUp()
}

func (d *neighborDriver) SendOpen(_ context.Context) { d.sendHello() }

func (d *neighborDriver) SendKeepalive(_ context.Context) { d.sendHello() }

func (d *neighborDriver) sendHello() {
	msg := Message{Type: MsgHello, Hello: &HelloMessage{
		SystemID:      d.router.cfg.SystemID,
		Level:         d.level,
		Priority:      d.router.cfg.Priority,
		HelloInterval: d.router.cfg.HelloInterval,
		HoldTime:      d.router.cfg.HoldTime,
	}}
	if err := d.router.transport.Send(d.peer, msg); err != nil {
		d.router.logger.Warn("send hello failed", slog.String("peer", d.peer.String()), slog.Any("error", err))
	}
}

func (d *neighborDriver) NotifyUp() { d.router.originateAndFlood(d.level) }

func (d *neighborDriver) NotifyDown(reason string) {
	d.router.logger.Warn("isis neighbor down", slog.String("peer", d.peer.String()), slog.String("reason", reason))
	d.router.originateAndFlood(d.level)
}

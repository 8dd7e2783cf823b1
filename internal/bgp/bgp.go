// Package bgp implements a simulated BGP speaker: one per-neighbor
// adjacency (reusing internal/adjacency's generic FSM), an Adj-RIB-In per
// neighbor, and the canonical BGP decision ladder selecting the single
// best path per prefix handed to the shared internal/rib merger.
//
// Wire encoding is intentionally not byte-level: full protocol wire
// conformance is out of scope for the simulator, so Message carries
// already-decoded values across a pluggable Transport instead of raw
// octets. The neighbor/adjacency wiring, timer jitter, and event dispatch
// follow internal/adjacency exactly as a BGP-specific Driver.
package bgp

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/routersim/routersim/internal/adjacency"
	"github.com/routersim/routersim/internal/rerrors"
	"github.com/routersim/routersim/internal/rib"
)

// Config holds speaker-wide session defaults.
type Config struct {
	LocalAS           uint32
	RouterID          uint32
	HoldTime          time.Duration
	KeepaliveInterval time.Duration
	RetryInterval     time.Duration
}

// NeighborConfig identifies one configured peer.
type NeighborConfig struct {
	Addr     netip.Addr
	RemoteAS uint32
}

type neighborState struct {
	cfg NeighborConfig
	adj *adjacency.Neighbor
}

// Speaker is one simulated BGP router: it owns every configured neighbor
// adjacency, the per-prefix Adj-RIB-In-derived candidate set, and the
// locally originated routes it advertises outward.
type Speaker struct {
	cfg       Config
	transport Transport
	rib       *rib.RIB
	logger    *slog.Logger

	mu          sync.RWMutex
	neighbors   map[netip.Addr]*neighborState
	localRoutes map[netip.Prefix]*Route

	bgpMu    sync.Mutex
	bgpTable map[netip.Prefix]map[netip.Addr]*Route
}

// NewSpeaker constructs an idle Speaker. Call AddNeighbor for each peer,
// then Run to start driving every adjacency.
func NewSpeaker(cfg Config, transport Transport, r *rib.RIB, logger *slog.Logger) *Speaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Speaker{
		cfg:         cfg,
		transport:   transport,
		rib:         r,
		logger:      logger.With(slog.String("component", "bgp")),
		neighbors:   make(map[netip.Addr]*neighborState),
		localRoutes: make(map[netip.Prefix]*Route),
		bgpTable:    make(map[netip.Prefix]map[netip.Addr]*Route),
	}
}

// AddNeighbor registers a peer and returns its adjacency so the caller
// can drive it (normally via Speaker.Run, which drives every neighbor).
func (s *Speaker) AddNeighbor(nc NeighborConfig) *adjacency.Neighbor {
	driver := &neighborDriver{speaker: s, peer: nc.Addr}
	acfg := adjacency.Config{
		HoldTime:          s.cfg.HoldTime,
		KeepaliveInterval: s.cfg.KeepaliveInterval,
		RetryInterval:     s.cfg.RetryInterval,
	}
	adj := adjacency.NewNeighbor(nc.Addr, acfg, driver, s.logger)
	driver.neighbor = adj

	s.mu.Lock()
	s.neighbors[nc.Addr] = &neighborState{cfg: nc, adj: adj}
	s.mu.Unlock()
	return adj
}

// Run drives every neighbor's adjacency FSM until ctx is cancelled.
func (s *Speaker) Run(ctx context.Context) error {
	s.mu.RLock()
	states := make([]*neighborState, 0, len(s.neighbors))
	for _, ns := range s.neighbors {
		states = append(states, ns)
	}
	s.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, ns := range states {
		ns := ns
		g.Go(func() error {
			ns.adj.Run(gctx)
			return nil
		})
	}
	return g.Wait()
}

// NeighborStates snapshots every configured neighbor's adjacency state.
func (s *Speaker) NeighborStates() map[netip.Addr]adjacency.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[netip.Addr]adjacency.State, len(s.neighbors))
	for addr, ns := range s.neighbors {
		out[addr] = ns.adj.State()
	}
	return out
}

// AdvertiseLocal originates a route (e.g. from static/connected
// redistribution) and announces it to every Established peer.
func (s *Speaker) AdvertiseLocal(route Route) {
	s.mu.Lock()
	rc := route
	s.localRoutes[route.Prefix] = &rc
	peers := s.establishedPeersLocked()
	s.mu.Unlock()

	for _, p := range peers {
		if err := s.transport.Send(p, Message{Type: MsgUpdate, Update: &UpdateMessage{Advertised: []Route{route}}}); err != nil {
			s.logger.Warn("send update failed", slog.String("peer", p.String()), slog.Any("error", err))
		}
	}
}

// WithdrawLocal stops advertising a locally originated prefix.
func (s *Speaker) WithdrawLocal(pfx netip.Prefix) {
	s.mu.Lock()
	delete(s.localRoutes, pfx)
	peers := s.establishedPeersLocked()
	s.mu.Unlock()

	for _, p := range peers {
		if err := s.transport.Send(p, Message{Type: MsgUpdate, Update: &UpdateMessage{Withdrawn: []netip.Prefix{pfx}}}); err != nil {
			s.logger.Warn("send withdraw failed", slog.String("peer", p.String()), slog.Any("error", err))
		}
	}
}

func (s *Speaker) establishedPeersLocked() []netip.Addr {
	var out []netip.Addr
	for addr, ns := range s.neighbors {
		if ns.adj.State() == adjacency.StateEstablished {
			out = append(out, addr)
		}
	}
	return out
}

// HandleMessage feeds one received protocol message from peer into the
// speaker: OPEN/KEEPALIVE/NOTIFICATION drive the adjacency FSM, UPDATE
// additionally mutates the per-prefix Adj-RIB-In and republishes the
// BGP-local best path to the shared RIB.
func (s *Speaker) HandleMessage(peer netip.Addr, msg Message) error {
	s.mu.RLock()
	ns, ok := s.neighbors[peer]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: message from unconfigured neighbor %s", rerrors.ErrMalformedMessage, peer)
	}

	switch msg.Type {
	case MsgOpen:
		if msg.Open == nil || msg.Open.AS != ns.cfg.RemoteAS {
			ns.adj.OpenRejected("AS number mismatch")
			return nil
		}
		if ns.adj.State() == adjacency.StateIdle {
			// Passive side: bring our own end up to OpenSent first so the
			// queued OpenReceived is not ignored by the FSM.
			ns.adj.Start()
			ns.adj.TransportUp()
		}
		ns.adj.OpenReceived()
	case MsgKeepalive:
		ns.adj.KeepaliveReceived()
	case MsgUpdate:
		if msg.Update == nil {
			return fmt.Errorf("%w: UPDATE with no body", rerrors.ErrMalformedMessage)
		}
		s.applyUpdate(peer, *msg.Update)
		ns.adj.KeepaliveReceived() // an UPDATE also resets the hold timer
	case MsgNotification:
		reason := ""
		if msg.Notification != nil {
			reason = msg.Notification.Reason
		}
		ns.adj.NotificationReceived(reason)
	default:
		return fmt.Errorf("%w: unknown BGP message type %d", rerrors.ErrMalformedMessage, msg.Type)
	}
	return nil
}

func (s *Speaker) applyUpdate(peer netip.Addr, upd UpdateMessage) {
	s.bgpMu.Lock()
	defer s.bgpMu.Unlock()

	for _, r := range upd.Advertised {
		rc := r
		rc.Attrs = r.Attrs.Clone()
		peers, ok := s.bgpTable[rc.Prefix]
		if !ok {
			peers = make(map[netip.Addr]*Route)
			s.bgpTable[rc.Prefix] = peers
		}
		peers[peer] = &rc
		s.publishBestLocked(rc.Prefix)
	}
	for _, pfx := range upd.Withdrawn {
		peers, ok := s.bgpTable[pfx]
		if !ok {
			continue
		}
		delete(peers, peer)
		if len(peers) == 0 {
			delete(s.bgpTable, pfx)
			s.rib.Withdraw(pfx, rib.SourceBGP)
		} else {
			s.publishBestLocked(pfx)
		}
	}
}

// publishBestLocked must be called with bgpMu held.
func (s *Speaker) publishBestLocked(pfx netip.Prefix) {
	peers := s.bgpTable[pfx]
	candidates := make([]*Route, 0, len(peers))
	for _, r := range peers {
		candidates = append(candidates, r)
	}
	best := bestOf(candidates)
	if best == nil {
		return
	}

	var rid [4]byte
	binary.BigEndian.PutUint32(rid[:], best.Attrs.RouterID)

	s.rib.Update(rib.Candidate{
		Prefix:        pfx,
		NextHop:       best.NextHop,
		Source:        rib.SourceBGP,
		AdminDistance: bgpAdminDistance(best.Attrs.EBGP),
		Metric:        best.Attrs.MED,
		RouterID:      rid,
		Attrs:         best.Attrs.Clone(),
	})
}

// bgpAdminDistance distinguishes eBGP (20) from iBGP (200) the way real
// routers do, rather than using the RIB package's single flat BGP
// default; the RIB's defaultAdminDistance(SourceBGP)=200 still applies
// whenever a candidate omits AdminDistance (e.g. from a non-BGP source
// probing the same value), but BGP's own routes always set it explicitly.
func bgpAdminDistance(ebgp bool) uint8 {
	if ebgp {
		return 20
	}
	return 200
}

func (s *Speaker) onNeighborUp(peer netip.Addr) {
	s.mu.RLock()
	routes := make([]Route, 0, len(s.localRoutes))
	for _, r := range s.localRoutes {
		routes = append(routes, *r)
	}
	s.mu.RUnlock()

	if len(routes) > 0 {
		if err := s.transport.Send(peer, Message{Type: MsgUpdate, Update: &UpdateMessage{Advertised: routes}}); err != nil {
			s.logger.Warn("initial update failed", slog.String("peer", peer.String()), slog.Any("error", err))
		}
	}
	s.logger.Info("bgp neighbor established", slog.String("peer", peer.String()))
}

func (s *Speaker) onNeighborDown(peer netip.Addr, reason string) {
	s.bgpMu.Lock()
	for pfx, peers := range s.bgpTable {
		if _, ok := peers[peer]; !ok {
			continue
		}
		delete(peers, peer)
		if len(peers) == 0 {
			delete(s.bgpTable, pfx)
			s.rib.Withdraw(pfx, rib.SourceBGP)
		} else {
			s.publishBestLocked(pfx)
		}
	}
	s.bgpMu.Unlock()

	s.logger.Warn("bgp neighbor down", slog.String("peer", peer.String()), slog.String("reason", reason))
}

type neighborDriver struct {
	speaker  *Speaker
	peer     netip.Addr
	neighbor *adjacency.Neighbor
}

func (d *neighborDriver) InitiateTransport(_ context.Context) {
	// The Transport abstraction models an already-reachable peer: there is
	// no separate dial step in the simulator, so transport comes up the
	// instant it's requested.
	d.neighbor.TransportUp()
}

func (d *neighborDriver) SendOpen(_ context.Context) {
	msg := Message{Type: MsgOpen, Open: &OpenMessage{
		AS:       d.speaker.cfg.LocalAS,
		RouterID: d.speaker.cfg.RouterID,
		HoldTime: d.speaker.cfg.HoldTime,
	}}
	if err := d.speaker.transport.Send(d.peer, msg); err != nil {
		d.speaker.logger.Warn("send open failed", slog.String("peer", d.peer.String()), slog.Any("error", err))
	}
}

func (d *neighborDriver) SendKeepalive(_ context.Context) {
	if err := d.speaker.transport.Send(d.peer, Message{Type: MsgKeepalive}); err != nil {
		d.speaker.logger.Warn("send keepalive failed", slog.String("peer", d.peer.String()), slog.Any("error", err))
	}
}

func (d *neighborDriver) NotifyUp() { d.speaker.onNeighborUp(d.peer) }

func (d *neighborDriver) NotifyDown(reason string) { d.speaker.onNeighborDown(d.peer, reason) }

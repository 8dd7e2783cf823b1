// Package router assembles every routersim component into one owned value,
// per spec.md §9's explicit design note: a single Router replaces the
// teacher daemon's package-level globals (gobfd's main.go built its session
// manager, metrics, and servers as local variables closed over by
// runServers; nothing here is a package-level var). Router owns the FIB,
// the RIB, the per-protocol drivers, the data-plane orchestrator, the admin
// HTTP surface, and the optional external-feeder bridge, and wires the one
// connection none of those packages can make on their own: draining
// rib.RIB.SelectionChanges() into fib.Table installs and withdrawals.
package router

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/routersim/routersim/internal/bgp"
	"github.com/routersim/routersim/internal/config"
	"github.com/routersim/routersim/internal/extrib"
	"github.com/routersim/routersim/internal/fib"
	"github.com/routersim/routersim/internal/impair"
	"github.com/routersim/routersim/internal/isis"
	"github.com/routersim/routersim/internal/metrics"
	"github.com/routersim/routersim/internal/netio"
	"github.com/routersim/routersim/internal/orchestrator"
	"github.com/routersim/routersim/internal/ospf"
	"github.com/routersim/routersim/internal/packet"
	"github.com/routersim/routersim/internal/rerrors"
	"github.com/routersim/routersim/internal/rib"
	"github.com/routersim/routersim/internal/server"
	"github.com/routersim/routersim/internal/shaping/drr"
	"github.com/routersim/routersim/internal/shaping/tokenbucket"
	"github.com/routersim/routersim/internal/shaping/wfq"
)

// defaultRetryInterval is used for any adjacency.Config.RetryInterval the
// configuration leaves at zero, mirroring the protocols' own test defaults.
const defaultRetryInterval = 5 * time.Second

// Router owns every live component of one simulated router instance.
type Router struct {
	cfg     *config.Config
	logger  *slog.Logger
	fib     *fib.Table
	rib     *rib.RIB
	metrics *metrics.Collector
	orch    *orchestrator.Orchestrator
	admin   *server.AdminServer
	adminH  http.Handler

	bgpSpeaker *bgp.Speaker
	bgpLink    netio.Link
	bgpRun     func(ctx context.Context) error

	ospfRouter *ospf.Router
	ospfLink   netio.Link
	ospfRun    func(ctx context.Context) error

	isisRouter *isis.Router
	isisLink   netio.Link
	isisRun    func(ctx context.Context) error

	feeder *extrib.Feeder

	dataLinks []netio.Link
}

// New builds a Router from cfg but starts nothing; call Run to bring it up.
// reg receives the Prometheus collectors backing Router's Metrics.
func New(cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "router"), slog.String("hostname", cfg.Router.Hostname))

	routerID, routerIDBytes := parseRouterID(cfg.Router.RouterID)

	rt := &Router{
		cfg:     cfg,
		logger:  logger,
		fib:     &fib.Table{},
		rib:     rib.New(logger),
		metrics: metrics.NewCollector(reg),
	}

	primary, ifaceConfigs, stubs, err := rt.buildInterfaces(routerIDBytes)
	if err != nil {
		return nil, err
	}

	rt.orch = orchestrator.New(orchestrator.Config{
		FIB:        rt.fib,
		Interfaces: ifaceConfigs,
		Metrics:    rt.metrics,
		Logger:     logger,
	})

	protocols := make(map[string]server.NeighborStatusSource)

	if cfg.Protocols.BGP.Enabled {
		if err := rt.buildBGP(primary, routerID); err != nil {
			return nil, err
		}
		protocols["bgp"] = rt.bgpSpeaker
	}
	if cfg.Protocols.OSPF.Enabled {
		if err := rt.buildOSPF(primary, routerID, stubs); err != nil {
			return nil, err
		}
		protocols["ospf"] = rt.ospfRouter
	}
	if cfg.Protocols.ISIS.Enabled {
		if err := rt.buildISIS(primary, stubs); err != nil {
			return nil, err
		}
		protocols["isis"] = rt.isisRouter
	}

	if cfg.ExtRIB.Enabled {
		if err := rt.buildExtRIB(routerIDBytes); err != nil {
			return nil, err
		}
	}

	rt.admin, rt.adminH = server.New(server.Config{
		FIB:       rt.fib,
		RIB:       rt.rib,
		Protocols: protocols,
		Queues:    rt.metrics,
		Logger:    logger,
	})

	return rt, nil
}

// AdminServer exposes the constructed admin HTTP server, chiefly for tests.
func (rt *Router) AdminServer() *server.AdminServer { return rt.admin }

// AdminHandler returns the admin HTTP API's handler for the caller to serve
// on its own listener (cmd/routersimd owns the net.Listener so it can share
// one errgroup and shutdown path across the admin and metrics endpoints).
func (rt *Router) AdminHandler() http.Handler { return rt.adminH }

// FIB returns the forwarding table, chiefly for tests.
func (rt *Router) FIB() *fib.Table { return rt.fib }

// RIB returns the route merger, chiefly for tests.
func (rt *Router) RIB() *rib.RIB { return rt.rib }

// Metrics returns the Prometheus collector backing this Router.
func (rt *Router) Metrics() *metrics.Collector { return rt.metrics }

// Run starts every live component — the orchestrator, the RIB-to-FIB
// installer, every enabled protocol driver and its transport, and the
// optional external feeder — and blocks until ctx is cancelled or any one
// of them fails.
func (rt *Router) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return rt.orch.Run(gctx) })
	g.Go(func() error { rt.installFromRIB(gctx); return nil })

	if rt.bgpSpeaker != nil {
		g.Go(func() error { return rt.bgpSpeaker.Run(gctx) })
		g.Go(func() error { return rt.bgpRun(gctx) })
	}
	if rt.ospfRouter != nil {
		g.Go(func() error { return rt.ospfRouter.Run(gctx) })
		g.Go(func() error { return rt.ospfRun(gctx) })
	}
	if rt.isisRouter != nil {
		g.Go(func() error { return rt.isisRouter.Run(gctx) })
		g.Go(func() error { return rt.isisRun(gctx) })
	}
	if rt.feeder != nil {
		g.Go(func() error { return rt.feeder.Run(gctx, rt.rib) })
	}

	return g.Wait()
}

// Close releases every Link and the external feeder's connection. Run
// should have already returned (via context cancellation) before Close is
// called.
func (rt *Router) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, l := range rt.dataLinks {
		record(l.Close())
	}
	if rt.bgpLink != nil {
		record(rt.bgpLink.Close())
	}
	if rt.ospfLink != nil {
		record(rt.ospfLink.Close())
	}
	if rt.isisLink != nil {
		record(rt.isisLink.Close())
	}
	if rt.feeder != nil {
		record(rt.feeder.Close())
	}
	return firstErr
}

// installFromRIB drains rib.SelectionChanges and keeps the FIB and the
// installed-route metrics in lockstep with the merger's best-path decisions,
// per spec.md §4.2: "every RIB best-path change is reflected in the FIB
// before the change is considered applied."
func (rt *Router) installFromRIB(ctx context.Context) {
	ch := rt.rib.SelectionChanges()
	counts := make(map[rib.Source]int)

	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-ch:
			if !ok {
				return
			}
			rt.applyChange(change, counts)
		}
	}
}

func (rt *Router) applyChange(change rib.Change, counts map[rib.Source]int) {
	if change.Old != nil {
		counts[change.Old.Source]--
	}

	if change.New == nil {
		rt.fib.Withdraw(change.Prefix)
		rt.logger.Debug("withdrew fib route", slog.String("prefix", change.Prefix.String()))
	} else {
		cand := *change.New
		if err := rt.fib.Install(cand.Prefix, cand.NextHop, cand.Egress); err != nil {
			rt.logger.Warn("fib install failed",
				slog.String("prefix", cand.Prefix.String()),
				slog.String("error", err.Error()))
			return
		}
		counts[cand.Source]++
		rt.metrics.IncRoutesInstalled(protocolName(cand.Source))
		rt.logger.Debug("installed fib route",
			slog.String("prefix", cand.Prefix.String()),
			slog.String("next_hop", cand.NextHop.String()),
			slog.String("egress", cand.Egress))
	}

	for src, n := range counts {
		rt.metrics.SetRouteCount(protocolName(src), n)
	}
}

func protocolName(src rib.Source) string {
	switch src {
	case rib.SourceConnected:
		return "connected"
	case rib.SourceStatic:
		return "static"
	case rib.SourceOSPF:
		return "ospf"
	case rib.SourceISIS:
		return "isis"
	case rib.SourceBGP:
		return "bgp"
	default:
		return "unknown"
	}
}

// -------------------------------------------------------------------------
// Interface wiring
// -------------------------------------------------------------------------

// buildInterfaces derives a Connected rib.Candidate and an orchestrator
// InterfaceConfig for every enabled interface, and returns the first
// enabled interface's address (used to bind control-plane protocol
// transports) plus the stub-network list shared by OSPF and IS-IS.
func (rt *Router) buildInterfaces(routerID [4]byte) (netip.Addr, []orchestrator.InterfaceConfig, []stubNetwork, error) {
	var primary netip.Addr
	var ifaceConfigs []orchestrator.InterfaceConfig
	var stubs []stubNetwork

	for i, ic := range rt.cfg.Interfaces {
		if !ic.Enabled {
			continue
		}
		addr, err := ic.Addr()
		if err != nil {
			return netip.Addr{}, nil, nil, fmt.Errorf("router: interface %s: %w", ic.Name, err)
		}
		if !primary.IsValid() {
			primary = addr
		}

		pfx, err := connectedPrefix(ic)
		if err != nil {
			return netip.Addr{}, nil, nil, fmt.Errorf("router: interface %s: %w", ic.Name, err)
		}
		rt.rib.Update(rib.Candidate{
			Prefix:    pfx,
			NextHop:   addr,
			Egress:    ic.Name,
			Source:    rib.SourceConnected,
			RouterID:  routerID,
			UpdatedAt: time.Now(),
		})
		stubs = append(stubs, stubNetwork{Prefix: pfx, Cost: 10})

		link, err := newDataLink(ic, addr, uint32(i+1))
		if err != nil {
			return netip.Addr{}, nil, nil, fmt.Errorf("router: interface %s: %w", ic.Name, err)
		}
		rt.dataLinks = append(rt.dataLinks, link)

		ingress, egress := rt.buildShapers(ic.Name)

		ifaceConfigs = append(ifaceConfigs, orchestrator.InterfaceConfig{
			Name:          ic.Name,
			Link:          link,
			Classifier:    packet.DefaultClassifier,
			IngressShaper: ingress,
			EgressShaper:  egress,
			IngressImpair: rt.buildImpairPipeline(ic.Name),
		})
	}

	if !primary.IsValid() {
		return netip.Addr{}, nil, nil, fmt.Errorf("router: %w: no enabled interface to bind control-plane transports", rerrors.ErrInvalidConfig)
	}
	return primary, ifaceConfigs, stubs, nil
}

// newDataLink builds the tunnel-encapsulating data-plane Link for one
// interface, per config.InterfaceConfig.Encap ("vxlan", the default, or
// "geneve"). vni distinguishes interfaces sharing one simulated fabric.
func newDataLink(ic config.InterfaceConfig, addr netip.Addr, vni uint32) (netio.Link, error) {
	switch strings.ToLower(ic.Encap) {
	case "", "vxlan":
		link, err := netio.NewVXLANLink(addr, 0, vni, 0)
		if err != nil {
			return nil, fmt.Errorf("vxlan link: %w", err)
		}
		return link, nil
	case "geneve":
		link, err := netio.NewGENEVELink(addr, 0, vni, 0)
		if err != nil {
			return nil, fmt.Errorf("geneve link: %w", err)
		}
		return link, nil
	default:
		return nil, fmt.Errorf("%w: %q", rerrors.ErrInvalidConfig, ic.Encap)
	}
}

type stubNetwork struct {
	Prefix netip.Prefix
	Cost   uint32
}

// connectedPrefix computes the interface's directly-connected network from
// its IPAddress/SubnetMask pair.
func connectedPrefix(ic config.InterfaceConfig) (netip.Prefix, error) {
	addr, err := ic.Addr()
	if err != nil {
		return netip.Prefix{}, err
	}
	if ic.SubnetMask == "" {
		return netip.Prefix{}, fmt.Errorf("missing subnet_mask")
	}
	maskIP := net.ParseIP(ic.SubnetMask).To4()
	if maskIP == nil {
		return netip.Prefix{}, fmt.Errorf("invalid subnet_mask %q", ic.SubnetMask)
	}
	ones, bits := net.IPMask(maskIP).Size()
	if bits == 0 {
		return netip.Prefix{}, fmt.Errorf("invalid subnet_mask %q", ic.SubnetMask)
	}
	return netip.PrefixFrom(addr, ones).Masked(), nil
}

func (rt *Router) buildShapers(name string) (orchestrator.Shaper, orchestrator.Shaper) {
	sc, ok := rt.cfg.Shaping[name]
	if !ok {
		return nil, nil
	}

	build := func() orchestrator.Shaper {
		switch sc.Algorithm {
		case "wfq":
			classes := make([]wfq.ClassConfig, 0, len(sc.Classes))
			for _, c := range sc.Classes {
				classes = append(classes, wfq.ClassConfig{ClassID: c.ClassID, Weight: c.Weight, MaxDepth: c.MaxDepth})
			}
			return wfq.New(classes)
		case "drr":
			classes := make([]drr.ClassConfig, 0, len(sc.Classes))
			for _, c := range sc.Classes {
				classes = append(classes, drr.ClassConfig{ClassID: c.ClassID, Weight: c.Weight, MaxDepth: c.MaxDepth})
			}
			return drr.New(classes)
		default:
			capacity := sc.TokenBucket.CapacityBytes
			rate := sc.TokenBucket.RateBytesSec
			return tokenbucket.NewShaper(capacity, rate, tokenbucket.DefaultMaxDepth, time.Now())
		}
	}

	return build(), build()
}

func (rt *Router) buildImpairPipeline(name string) *impair.Pipeline {
	ic, ok := rt.cfg.Impairments[name]
	if !ok || len(ic.Stages) == 0 {
		return nil
	}

	stages := make([]impair.Stage, 0, len(ic.Stages))
	for _, sc := range ic.Stages {
		stage := impair.Stage{
			Delay: impair.DelayParams{
				Mean:         sc.Mean,
				Jitter:       sc.Jitter,
				Distribution: parseDistribution(sc.Distribution),
			},
			Loss: impair.LossParams{
				P:   sc.Probability,
				Rho: sc.Correlation,
				PGB: sc.GEP,
				PBG: sc.GER,
				H:   sc.GEH,
				K:   sc.GEK,
			},
			Duplicate: impair.DuplicateParams{P: sc.Probability},
			Corrupt:   impair.CorruptParams{P: sc.Probability},
			Reorder:   impair.ReorderParams{P: sc.Probability, Gap: sc.Gap},
			Rate:      impair.RateParams{BitsPerSecond: sc.RateBps, BurstBytes: sc.BurstBytes},
		}

		switch sc.Kind {
		case "delay":
			stage.Kind = impair.StageDelay
		case "loss_random":
			stage.Kind = impair.StageLossRandom
		case "loss_correlated":
			stage.Kind = impair.StageLossCorrelated
		case "loss_gilbert_elliott":
			stage.Kind = impair.StageLossGilbertElliott
		case "duplicate":
			stage.Kind = impair.StageDuplicate
		case "corrupt":
			stage.Kind = impair.StageCorrupt
		case "reorder":
			stage.Kind = impair.StageReorder
		case "rate":
			stage.Kind = impair.StageRate
		default:
			continue
		}
		stages = append(stages, stage)
	}

	return impair.New(stages, ic.Seed, time.Now())
}

func parseDistribution(s string) impair.Distribution {
	switch s {
	case "normal":
		return impair.DistNormal
	case "pareto":
		return impair.DistPareto
	case "pareto_normal":
		return impair.DistParetoNormal
	default:
		return impair.DistUniform
	}
}

// -------------------------------------------------------------------------
// Protocol wiring
// -------------------------------------------------------------------------

func (rt *Router) buildBGP(primary netip.Addr, routerID uint32) error {
	link, err := netio.NewUDPLink(primary, 179, 179)
	if err != nil {
		return fmt.Errorf("router: bgp transport: %w", err)
	}
	rt.bgpLink = link
	transport := bgp.NewLinkTransport(link, rt.logger)

	pc := rt.cfg.Protocols.BGP
	speaker := bgp.NewSpeaker(bgp.Config{
		LocalAS:           rt.cfg.Router.ASNumber,
		RouterID:          routerID,
		HoldTime:          pc.HoldTime,
		KeepaliveInterval: pc.Keepalive,
		RetryInterval:     defaultRetryInterval,
	}, transport, rt.rib, rt.logger)
	rt.bgpSpeaker = speaker

	for _, nc := range pc.Neighbors {
		addr, err := nc.Addr()
		if err != nil {
			return fmt.Errorf("router: bgp neighbor: %w", err)
		}
		adj := speaker.AddNeighbor(bgp.NeighborConfig{Addr: addr, RemoteAS: nc.RemoteAS})
		adj.Start()
	}

	rt.bgpRun = func(ctx context.Context) error {
		return transport.Run(ctx, speaker.HandleMessage)
	}
	return nil
}

func (rt *Router) buildOSPF(primary netip.Addr, routerID uint32, stubs []stubNetwork) error {
	link, err := netio.NewUDPLink(primary, 8890, 8890)
	if err != nil {
		return fmt.Errorf("router: ospf transport: %w", err)
	}
	rt.ospfLink = link
	transport := ospf.NewLinkTransport(link, rt.logger)

	pc := rt.cfg.Protocols.OSPF
	areaID := parseAreaID(rt.cfg.Router.AreaID)

	ospfStubs := make([]ospf.StubNetwork, 0, len(stubs))
	for _, s := range stubs {
		ospfStubs = append(ospfStubs, ospf.StubNetwork{Prefix: s.Prefix, Cost: s.Cost})
	}

	router := ospf.NewRouter(ospf.Config{
		RouterID:        routerID,
		AreaID:          areaID,
		HelloInterval:   pc.HelloInterval,
		DeadInterval:    pc.DeadInterval,
		SPFDampening:    200 * time.Millisecond,
		AgeTickInterval: time.Second,
		StubNetworks:    ospfStubs,
	}, transport, ospf.NewDatabase(), rt.rib, rt.logger)
	rt.ospfRouter = router

	for _, nc := range pc.Neighbors {
		addr, err := nc.Addr()
		if err != nil {
			return fmt.Errorf("router: ospf neighbor: %w", err)
		}
		router.AddNeighbor(addr)
	}

	rt.ospfRun = func(ctx context.Context) error {
		return transport.Run(ctx, router.HandleMessage)
	}
	return nil
}

func (rt *Router) buildISIS(primary netip.Addr, stubs []stubNetwork) error {
	link, err := netio.NewUDPLink(primary, 8891, 8891)
	if err != nil {
		return fmt.Errorf("router: isis transport: %w", err)
	}
	rt.isisLink = link
	transport := isis.NewLinkTransport(link, rt.logger)

	systemID, err := parseSystemID(rt.cfg.Router.SystemID)
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}

	isisStubs := make([]isis.StubNetwork, 0, len(stubs))
	for _, s := range stubs {
		isisStubs = append(isisStubs, isis.StubNetwork{Prefix: s.Prefix, Metric: s.Cost})
	}

	pc := rt.cfg.Protocols.ISIS
	router := isis.NewRouter(isis.Config{
		SystemID:        systemID,
		Levels:          []isis.Level{isis.Level1, isis.Level2},
		Priority:        64,
		HelloInterval:   pc.HelloInterval,
		HoldTime:        pc.HoldTime,
		SPFDampening:    200 * time.Millisecond,
		AgeTickInterval: time.Second,
		StubNetworks:    isisStubs,
	}, transport, isis.NewDatabase(), rt.rib, rt.logger)
	rt.isisRouter = router

	for _, nc := range pc.Neighbors {
		addr, err := nc.Addr()
		if err != nil {
			return fmt.Errorf("router: isis neighbor: %w", err)
		}
		for _, level := range parseISISLevels(nc.Level) {
			router.AddNeighbor(addr, level)
		}
	}

	rt.isisRun = func(ctx context.Context) error {
		return transport.Run(ctx, router.HandleMessage)
	}
	return nil
}

func (rt *Router) buildExtRIB(routerID [4]byte) error {
	ec := rt.cfg.ExtRIB
	damp := extrib.NewDampener(extrib.DampeningConfig{
		Enabled:           ec.Dampening.Enabled,
		SuppressThreshold: ec.Dampening.SuppressThreshold,
		ReuseThreshold:    ec.Dampening.ReuseThreshold,
		MaxSuppressTime:   ec.Dampening.MaxSuppressTime,
		HalfLife:          ec.Dampening.HalfLife,
	}, rt.logger)

	feeder, err := extrib.New(extrib.Config{
		Addr:          ec.Addr,
		DialTimeout:   ec.DialTimeout,
		Egress:        ec.Egress,
		LocalRouterID: routerID,
	}, damp, rt.logger)
	if err != nil {
		return fmt.Errorf("router: ext rib: %w", err)
	}
	rt.feeder = feeder
	return nil
}

// -------------------------------------------------------------------------
// Identity parsing
// -------------------------------------------------------------------------

// parseRouterID accepts a dotted-decimal router ID (the conventional BGP
// RouterID shape) and returns both its uint32 and 4-byte forms. An empty or
// unparseable ID derives a stable value from the string's bytes instead of
// failing, since routersim's RouterID is a simulator-local label rather
// than a globally coordinated identifier.
func parseRouterID(s string) (uint32, [4]byte) {
	if addr, err := netip.ParseAddr(s); err == nil && addr.Is4() {
		b := addr.As4()
		return binary.BigEndian.Uint32(b[:]), b
	}

	var b [4]byte
	h := fnv32(s)
	binary.BigEndian.PutUint32(b[:], h)
	return h, b
}

// parseSystemID accepts an IS-IS system ID in either dotted-hex "cisco"
// notation (e.g. "1921.6800.1001") or plain hex, and falls back to a
// deterministic hash of the string when neither parses.
func parseSystemID(s string) ([6]byte, error) {
	var id [6]byte
	clean := strings.ReplaceAll(s, ".", "")
	if len(clean) == 12 {
		ok := true
		for i := 0; i < 6; i++ {
			v, err := strconv.ParseUint(clean[i*2:i*2+2], 16, 8)
			if err != nil {
				ok = false
				break
			}
			id[i] = byte(v)
		}
		if ok {
			return id, nil
		}
	}

	h := fnv32(s)
	binary.BigEndian.PutUint32(id[:4], h)
	return id, nil
}

// parseAreaID accepts a dotted-decimal OSPF area ID; an empty or
// unparseable value yields area 0 (the backbone).
func parseAreaID(s string) uint32 {
	if addr, err := netip.ParseAddr(s); err == nil && addr.Is4() {
		b := addr.As4()
		return binary.BigEndian.Uint32(b[:])
	}
	if v, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(v)
	}
	return 0
}

// parseISISLevels maps the configuration's "level-1"/"level-2"/"level-1-2"
// string to the Levels a neighbor should be adjacent on.
func parseISISLevels(level string) []isis.Level {
	switch level {
	case "level-1":
		return []isis.Level{isis.Level1}
	case "level-2":
		return []isis.Level{isis.Level2}
	default:
		return []isis.Level{isis.Level1, isis.Level2}
	}
}

// fnv32 is a tiny FNV-1a implementation used to derive stable identifiers
// from free-text configuration strings, avoiding a crypto/hash dependency
// for what is purely a label.
func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

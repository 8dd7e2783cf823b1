// Package extrib bridges an external GoBGP speaker's RIB into routersim's
// own rib.RIB, per spec.md §1's optional alternative RIB feeder: routersim
// can run its own internal/bgp.Speaker, or instead treat a real GoBGP
// daemon as the source of BGP-origin candidates, reusing GoBGP's full
// decision process and peering stack while still funneling the result
// through the same RIB merge and FIB install path every other protocol
// driver uses.
//
// The gRPC dial pattern (grpc.NewClient with insecure transport credentials,
// a mutex-guarded closed flag) is adapted from the gRPC client that
// administratively enabled/disabled GoBGP peers in response to BFD session
// state; this package instead streams GoBGP's route table into candidates.
package extrib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	apipb "github.com/osrg/gobgp/v3/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/anypb"

	"github.com/routersim/routersim/internal/rib"
	"github.com/routersim/routersim/internal/routeattr"
)

var (
	// ErrFeederClosed indicates the feeder has already been closed.
	ErrFeederClosed = errors.New("extrib feeder is closed")

	// ErrDialFailed indicates the gRPC dial to the external speaker failed.
	ErrDialFailed = errors.New("extrib gRPC dial failed")
)

// Config holds connection parameters for the external GoBGP speaker.
type Config struct {
	// Addr is the GoBGP gRPC listen address (e.g. "127.0.0.1:50051").
	Addr string

	// DialTimeout bounds the initial connection attempt. Zero means rely
	// on the caller's context deadline instead.
	DialTimeout time.Duration

	// Egress is the local interface external routes should be installed
	// against; GoBGP resolves its own next hops, but routersim's FIB
	// still needs an egress interface name to forward through.
	Egress string

	// LocalRouterID identifies this speaker's RIB candidates.
	LocalRouterID [4]byte
}

// Feeder streams GoBGP's global RIB into candidates for rib.RIB.Update,
// and withdraws them again when GoBGP withdraws or a peer's session is
// flap-dampened. Thread-safe; Close may be called concurrently with Run.
type Feeder struct {
	cfg    Config
	conn   *grpc.ClientConn
	api    apipb.GobgpApiClient
	logger *slog.Logger
	damp   *Dampener

	mu     sync.RWMutex
	closed bool
}

// New dials addr and returns a Feeder ready to Run. The dial is lazy
// (grpc.NewClient does not block); connectivity is verified on the first
// RPC.
func New(cfg Config, damp *Dampener, logger *slog.Logger) (*Feeder, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("create extrib feeder: %w: empty address", ErrDialFailed)
	}
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := grpc.NewClient(cfg.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("create extrib feeder to %s: %w: %w", cfg.Addr, ErrDialFailed, err)
	}

	if damp == nil {
		damp = NewDampener(DefaultDampeningConfig(), logger)
	}

	return &Feeder{
		cfg:    cfg,
		conn:   conn,
		api:    apipb.NewGobgpApiClient(conn),
		logger: logger.With(slog.String("component", "extrib.feeder"), slog.String("addr", cfg.Addr)),
		damp:   damp,
	}, nil
}

// Close releases the underlying gRPC connection. After Close, Run returns
// ErrFeederClosed.
func (f *Feeder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	return f.conn.Close()
}

// Run loads GoBGP's current global IPv4/IPv6 unicast table into dst as
// SourceBGP candidates, then blocks streaming incremental updates until
// ctx is canceled or the stream ends. A stream receive error ends Run
// with that error; Run does not retry on its own.
func (f *Feeder) Run(ctx context.Context, dst *rib.RIB) error {
	f.mu.RLock()
	closed := f.closed
	f.mu.RUnlock()
	if closed {
		return ErrFeederClosed
	}

	if err := f.snapshot(ctx, dst); err != nil {
		return fmt.Errorf("extrib initial snapshot: %w", err)
	}

	return f.watch(ctx, dst)
}

// snapshot pulls the current global RIB once via ListPath.
func (f *Feeder) snapshot(ctx context.Context, dst *rib.RIB) error {
	for _, family := range []*apipb.Family{
		{Afi: apipb.Family_AFI_IP, Safi: apipb.Family_SAFI_UNICAST},
		{Afi: apipb.Family_AFI_IP6, Safi: apipb.Family_SAFI_UNICAST},
	} {
		stream, err := f.api.ListPath(ctx, &apipb.ListPathRequest{
			TableType: apipb.TableType_GLOBAL,
			Family:    family,
		})
		if err != nil {
			return fmt.Errorf("list paths: %w", err)
		}

		for {
			resp, err := stream.Recv()
			if err != nil {
				break // EOF or cancellation; either ends this family's scan.
			}
			if resp.GetDestination() == nil {
				continue
			}
			for _, p := range resp.GetDestination().GetPaths() {
				f.applyPath(dst, p, false)
			}
		}
	}
	return nil
}

// watch streams incremental table updates until ctx is canceled.
func (f *Feeder) watch(ctx context.Context, dst *rib.RIB) error {
	stream, err := f.api.WatchEvent(ctx, &apipb.WatchEventRequest{
		Table: &apipb.WatchEventRequest_Table{
			Filters: []*apipb.WatchEventRequest_Table_Filter{
				{Type: apipb.WatchEventRequest_Table_Filter_BEST},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("watch events: %w", err)
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("watch event recv: %w", err)
		}

		table := resp.GetTable()
		if table == nil {
			continue
		}
		for _, p := range table.GetPaths() {
			f.applyPath(dst, p, p.GetIsWithdraw())
		}
	}
}

// applyPath converts one GoBGP path into a rib.RIB update or withdraw.
// Unparseable NLRI is skipped rather than treated as fatal: a single
// malformed path from the external speaker should never stall the feed.
func (f *Feeder) applyPath(dst *rib.RIB, p *apipb.Path, withdraw bool) {
	pfx, ok := prefixFromNLRI(p.GetNlri())
	if !ok {
		f.logger.Warn("skipping path with unparseable NLRI")
		return
	}

	peer := p.GetNeighborIp()

	if withdraw {
		dst.Withdraw(pfx, rib.SourceBGP)
		return
	}

	if peer != "" && f.damp.ShouldSuppress(peer) {
		f.logger.Debug("suppressing flapping external route", slog.String("peer", peer), slog.String("prefix", pfx.String()))
		dst.Withdraw(pfx, rib.SourceBGP)
		return
	}

	nextHop, _ := netip.ParseAddr(p.GetNeighborIp())

	attrs := routeattr.BGP{
		Origin:    routeattr.OriginIGP,
		EBGP:      p.GetSourceAsn() != 0,
		RouterID:  p.GetSourceAsn(),
		NextHopID: 0,
	}

	dst.Update(rib.Candidate{
		Prefix:    pfx,
		NextHop:   nextHop,
		Egress:    f.cfg.Egress,
		Source:    rib.SourceBGP,
		RouterID:  f.cfg.LocalRouterID,
		UpdatedAt: time.Now(),
		Attrs:     attrs,
	})
}

// prefixFromNLRI unmarshals a GoBGP NLRI Any into a netip.Prefix. Only the
// common IPAddressPrefix shape (IPv4/IPv6 unicast) is supported; anything
// else is reported as unparseable.
func prefixFromNLRI(nlri *anypb.Any) (netip.Prefix, bool) {
	if nlri == nil {
		return netip.Prefix{}, false
	}

	var ip apipb.IPAddressPrefix
	if err := nlri.UnmarshalTo(&ip); err != nil {
		return netip.Prefix{}, false
	}

	addr, err := netip.ParseAddr(ip.GetPrefix())
	if err != nil {
		return netip.Prefix{}, false
	}

	pfx := netip.PrefixFrom(addr, int(ip.GetPrefixLen()))
	if !pfx.IsValid() {
		return netip.Prefix{}, false
	}
	return pfx.Masked(), true
}

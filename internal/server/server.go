// Package server implements the routersim admin HTTP API: a JSON surface
// over the RIB/FIB and the protocol drivers' adjacency state, plus the
// flat-text route-snapshot export from spec.md §6.
//
// ConnectRPC/protobuf (the teacher's transport for this concern) required
// buf/protoc code generation this tree does not carry, so the surface is
// adapted onto plain net/http + encoding/json on the same
// ReadHeaderTimeout-guarded http.Server pattern the teacher uses for its
// metrics endpoint.
package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"sort"
	"time"

	"github.com/routersim/routersim/internal/adjacency"
	"github.com/routersim/routersim/internal/fib"
	"github.com/routersim/routersim/internal/rib"
)

// NeighborStatusSource is the narrow surface each protocol driver
// (bgp.Speaker, ospf.Router, isis.Router) exposes for adjacency reporting.
type NeighborStatusSource interface {
	NeighborStates() map[netip.Addr]adjacency.State
}

// QueueDepthSource reports the current shaper occupancy for one
// interface/class pair, read back from the metrics collector's gauges.
type QueueDepthSource interface {
	QueueDepths() map[string]map[uint8]int
}

// Config configures an AdminServer.
type Config struct {
	FIB    *fib.Table
	RIB    *rib.RIB
	// Protocols maps a protocol name ("bgp", "ospf", "isis") to its
	// NeighborStatusSource, used to answer GET /neighbors.
	Protocols map[string]NeighborStatusSource
	// Queues optionally reports shaper queue depths for GET /interfaces.
	Queues QueueDepthSource
	Logger *slog.Logger
}

// AdminServer answers read-only introspection requests against the live
// router state: routes, neighbors, and interface queue depths.
type AdminServer struct {
	cfg    Config
	logger *slog.Logger
}

// New constructs an AdminServer and its http.Handler.
func New(cfg Config) (*AdminServer, http.Handler) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &AdminServer{cfg: cfg, logger: logger.With(slog.String("component", "admin"))}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /routes", s.handleRoutes)
	mux.HandleFunc("GET /routes/export", s.handleRoutesExport)
	mux.HandleFunc("GET /neighbors", s.handleNeighbors)
	mux.HandleFunc("GET /interfaces", s.handleInterfaces)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return s, withRecovery(logger, withLogging(logger, mux))
}

// routeView is the JSON shape of one RIB/FIB entry returned by GET /routes.
type routeView struct {
	Prefix        string `json:"prefix"`
	NextHop       string `json:"next_hop"`
	Egress        string `json:"egress"`
	Metric        uint32 `json:"metric"`
	AdminDistance uint8  `json:"admin_distance"`
	Protocol      string `json:"protocol"`
	UpdatedAt     string `json:"updated_at"`
}

func routeViewFromCandidate(c rib.Candidate) routeView {
	return routeView{
		Prefix:        c.Prefix.String(),
		NextHop:       c.NextHop.String(),
		Egress:        c.Egress,
		Metric:        c.Metric,
		AdminDistance: c.AdminDistance,
		Protocol:      c.Source.String(),
		UpdatedAt:     c.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// handleRoutes answers the current best-route set, one entry per prefix.
func (s *AdminServer) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if s.cfg.RIB == nil {
		writeJSON(w, http.StatusOK, []routeView{})
		return
	}

	best := s.cfg.RIB.AllBest()
	views := make([]routeView, 0, len(best))
	for _, c := range best {
		views = append(views, routeViewFromCandidate(c))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Prefix < views[j].Prefix })

	writeJSON(w, http.StatusOK, views)
}

// handleRoutesExport renders the flat-text route-snapshot form from
// spec.md §6: "<prefix> <next_hop> <iface> <metric> <protocol> <admin_distance>"
// one line per route.
func (s *AdminServer) handleRoutesExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.cfg.RIB == nil {
		return
	}

	best := s.cfg.RIB.AllBest()
	sort.Slice(best, func(i, j int) bool {
		return best[i].Prefix.String() < best[j].Prefix.String()
	})

	for _, c := range best {
		fmt.Fprintf(w, "%s %s %s %d %s %d\n",
			c.Prefix, c.NextHop, c.Egress, c.Metric, c.Source, c.AdminDistance)
	}
}

// neighborView is the JSON shape of one adjacency returned by GET /neighbors.
type neighborView struct {
	Protocol string `json:"protocol"`
	Peer     string `json:"peer"`
	State    string `json:"state"`
}

// handleNeighbors answers the adjacency state of every configured neighbor
// across all running protocol drivers.
func (s *AdminServer) handleNeighbors(w http.ResponseWriter, r *http.Request) {
	views := make([]neighborView, 0)

	protocols := make([]string, 0, len(s.cfg.Protocols))
	for name := range s.cfg.Protocols {
		protocols = append(protocols, name)
	}
	sort.Strings(protocols)

	for _, name := range protocols {
		states := s.cfg.Protocols[name].NeighborStates()
		for peer, state := range states {
			views = append(views, neighborView{
				Protocol: name,
				Peer:     peer.String(),
				State:    state.String(),
			})
		}
	}

	sort.Slice(views, func(i, j int) bool {
		if views[i].Protocol != views[j].Protocol {
			return views[i].Protocol < views[j].Protocol
		}
		return views[i].Peer < views[j].Peer
	})

	writeJSON(w, http.StatusOK, views)
}

// interfaceQueueView is the JSON shape of one interface/class queue depth.
type interfaceQueueView struct {
	Interface string `json:"interface"`
	ClassID   uint8  `json:"class_id"`
	Depth     int    `json:"depth"`
}

// handleInterfaces answers the current shaper queue depth per
// interface/class.
func (s *AdminServer) handleInterfaces(w http.ResponseWriter, r *http.Request) {
	views := make([]interfaceQueueView, 0)

	if s.cfg.Queues != nil {
		for iface, classes := range s.cfg.Queues.QueueDepths() {
			for classID, depth := range classes {
				views = append(views, interfaceQueueView{
					Interface: iface,
					ClassID:   classID,
					Depth:     depth,
				})
			}
		}
	}

	sort.Slice(views, func(i, j int) bool {
		if views[i].Interface != views[j].Interface {
			return views[i].Interface < views[j].Interface
		}
		return views[i].ClassID < views[j].ClassID
	})

	writeJSON(w, http.StatusOK, views)
}

// handleHealthz is a liveness probe for container orchestrators.
func (s *AdminServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package server_test

import (
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/routersim/routersim/internal/adjacency"
	"github.com/routersim/routersim/internal/fib"
	"github.com/routersim/routersim/internal/rib"
	"github.com/routersim/routersim/internal/server"
)

// fakeProtocol is a minimal server.NeighborStatusSource for tests.
type fakeProtocol struct {
	states map[netip.Addr]adjacency.State
}

func (f fakeProtocol) NeighborStates() map[netip.Addr]adjacency.State { return f.states }

// fakeQueues is a minimal server.QueueDepthSource for tests.
type fakeQueues struct {
	depths map[string]map[uint8]int
}

func (f fakeQueues) QueueDepths() map[string]map[uint8]int { return f.depths }

func newTestRIB(t *testing.T) *rib.RIB {
	t.Helper()

	r := rib.New(slog.New(slog.DiscardHandler))
	r.Update(rib.Candidate{
		Prefix:        netip.MustParsePrefix("10.0.0.0/24"),
		NextHop:       netip.MustParseAddr("192.0.2.1"),
		Egress:        "eth0",
		Source:        rib.SourceOSPF,
		AdminDistance: 110,
		Metric:        10,
		UpdatedAt:     time.Now(),
	})
	return r
}

func newTestServer(t *testing.T) (*server.AdminServer, *httptest.Server) {
	t.Helper()

	_, handler := server.New(server.Config{
		FIB: &fib.Table{},
		RIB: newTestRIB(t),
		Protocols: map[string]server.NeighborStatusSource{
			"ospf": fakeProtocol{states: map[netip.Addr]adjacency.State{
				netip.MustParseAddr("192.0.2.1"): adjacency.StateEstablished,
			}},
		},
		Queues: fakeQueues{depths: map[string]map[uint8]int{
			"eth0": {1: 3, 2: 0},
		}},
		Logger: slog.New(slog.DiscardHandler),
	})

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return nil, srv
}

func TestHandleRoutes(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/routes")
	if err != nil {
		t.Fatalf("GET /routes: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var routes []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&routes); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(routes) != 1 {
		t.Fatalf("len(routes) = %d, want 1", len(routes))
	}
	if routes[0]["prefix"] != "10.0.0.0/24" {
		t.Errorf("prefix = %v, want 10.0.0.0/24", routes[0]["prefix"])
	}
	if routes[0]["protocol"] != "ospf" {
		t.Errorf("protocol = %v, want ospf", routes[0]["protocol"])
	}
}

func TestHandleRoutesExport(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/routes/export")
	if err != nil {
		t.Fatalf("GET /routes/export: %v", err)
	}
	defer resp.Body.Close()

	body := make([]byte, 4096)
	n, _ := resp.Body.Read(body)
	out := string(body[:n])

	if !strings.HasPrefix(out, "10.0.0.0/24 192.0.2.1 eth0 10 ospf 110") {
		t.Errorf("export line = %q, want prefix matching the flat-text route format", out)
	}
}

func TestHandleNeighbors(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/neighbors")
	if err != nil {
		t.Fatalf("GET /neighbors: %v", err)
	}
	defer resp.Body.Close()

	var neighbors []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&neighbors); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(neighbors) != 1 {
		t.Fatalf("len(neighbors) = %d, want 1", len(neighbors))
	}
	if neighbors[0]["state"] != "Established" {
		t.Errorf("state = %v, want Established", neighbors[0]["state"])
	}
	if neighbors[0]["protocol"] != "ospf" {
		t.Errorf("protocol = %v, want ospf", neighbors[0]["protocol"])
	}
}

func TestHandleInterfaces(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/interfaces")
	if err != nil {
		t.Fatalf("GET /interfaces: %v", err)
	}
	defer resp.Body.Close()

	var queues []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&queues); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(queues) != 2 {
		t.Fatalf("len(queues) = %d, want 2", len(queues))
	}
}

func TestHandleHealthz(t *testing.T) {
	t.Parallel()

	_, srv := newTestServer(t)

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

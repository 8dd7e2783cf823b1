package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/routersim/routersim/internal/metrics"
	"github.com/routersim/routersim/internal/orchestrator"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := vec.WithLabelValues(labels...).(prometheus.Counter).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := vec.WithLabelValues(labels...).(prometheus.Gauge).Write(m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetGauge().GetValue()
}

func TestCollectorPacketCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.PacketsIn("eth0")
	c.PacketsIn("eth0")
	c.PacketsOut("eth0")
	c.PacketsDropped("eth0", orchestrator.DropNoRoute)

	if got := counterValue(t, c.PacketsInVec, "eth0"); got != 2 {
		t.Errorf("PacketsIn(eth0) = %v, want 2", got)
	}
	if got := counterValue(t, c.PacketsOutVec, "eth0"); got != 1 {
		t.Errorf("PacketsOut(eth0) = %v, want 1", got)
	}
	if got := counterValue(t, c.PacketsDroppedVec, "eth0", "no_route"); got != 1 {
		t.Errorf("PacketsDropped(eth0, no_route) = %v, want 1", got)
	}
}

func TestCollectorForwardLatency(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.ForwardLatency("eth0", 5*time.Millisecond)

	m := &dto.Metric{}
	if err := c.ForwardLatencyHist.WithLabelValues("eth0").(prometheus.Histogram).Write(m); err != nil {
		t.Fatalf("write histogram: %v", err)
	}
	if got := m.GetHistogram().GetSampleCount(); got != 1 {
		t.Errorf("ForwardLatency sample count = %d, want 1", got)
	}
}

func TestCollectorQueueDepthAndTokens(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.QueueDepth("eth0", 1, 42)
	c.SetTokenBucketTokens("eth0", 1000)

	if got := gaugeValue(t, c.QueueDepthGauge, "eth0", "1"); got != 42 {
		t.Errorf("QueueDepth(eth0, 1) = %v, want 42", got)
	}
	if got := gaugeValue(t, c.TokenBucketTokens, "eth0"); got != 1000 {
		t.Errorf("TokenBucketTokens(eth0) = %v, want 1000", got)
	}
}

func TestCollectorRouteAndNeighborMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncRoutesInstalled("bgp")
	c.IncRoutesInstalled("bgp")
	c.IncNeighborsEstablished("ospf")
	c.SetRouteCount("bgp", 7)

	if got := counterValue(t, c.RoutesInstalledTotal, "bgp"); got != 2 {
		t.Errorf("RoutesInstalledTotal(bgp) = %v, want 2", got)
	}
	if got := counterValue(t, c.NeighborsEstablishedTotal, "ospf"); got != 1 {
		t.Errorf("NeighborsEstablishedTotal(ospf) = %v, want 1", got)
	}
	if got := gaugeValue(t, c.RouteCount, "bgp"); got != 7 {
		t.Errorf("RouteCount(bgp) = %v, want 7", got)
	}
}

func TestCollectorQueueDepths(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.QueueDepth("eth0", 1, 5)
	c.QueueDepth("eth0", 2, 9)
	c.QueueDepth("eth1", 1, 0)

	depths := c.QueueDepths()
	if depths["eth0"][1] != 5 || depths["eth0"][2] != 9 {
		t.Errorf("QueueDepths()[eth0] = %+v, want {1:5, 2:9}", depths["eth0"])
	}
	if depths["eth1"][1] != 0 {
		t.Errorf("QueueDepths()[eth1][1] = %d, want 0", depths["eth1"][1])
	}
}

// A *metrics.Collector must satisfy orchestrator.Metrics so it can be
// wired directly into orchestrator.Config.
var _ orchestrator.Metrics = (*metrics.Collector)(nil)

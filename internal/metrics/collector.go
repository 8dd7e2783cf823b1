// Package metrics implements the Prometheus metrics surface routersim
// exposes to collectors (spec.md §6): packet counters, route/neighbor
// gauges and counters, per-class queue depths, token-bucket occupancy, and
// per-interface forward-latency histograms.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/routersim/routersim/internal/orchestrator"
)

const namespace = "routersim"

// Label names shared across metric vectors.
const (
	labelInterface = "interface"
	labelReason    = "reason"
	labelProtocol  = "protocol"
	labelClass     = "class"
)

// Collector holds every routersim Prometheus metric and implements
// orchestrator.Metrics so it can be wired into the Orchestrator directly.
type Collector struct {
	// PacketsInVec counts packets received on an ingress interface.
	PacketsInVec *prometheus.CounterVec

	// PacketsOutVec counts packets successfully emitted on an egress interface.
	PacketsOutVec *prometheus.CounterVec

	// PacketsDroppedVec counts packets discarded, labeled by reason
	// (no_route, malformed, queue_full, impairment).
	PacketsDroppedVec *prometheus.CounterVec

	// RoutesInstalledTotal counts FIB installs per contributing protocol.
	RoutesInstalledTotal *prometheus.CounterVec

	// NeighborsEstablishedTotal counts adjacency transitions into
	// Established per protocol.
	NeighborsEstablishedTotal *prometheus.CounterVec

	// RouteCount is the current candidate-route count per protocol.
	RouteCount *prometheus.GaugeVec

	// QueueDepthGauge is the current shaper queue depth per interface/class.
	QueueDepthGauge *prometheus.GaugeVec

	// TokenBucketTokens is the current token count per interface.
	TokenBucketTokens *prometheus.GaugeVec

	// ForwardLatencyHist observes ingress-to-egress latency per interface.
	ForwardLatencyHist *prometheus.HistogramVec

	depthsMu sync.Mutex
	depths   map[string]map[uint8]int
}

// NewCollector creates a Collector with every metric registered against
// reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()
	c.depths = make(map[string]map[uint8]int)

	reg.MustRegister(
		c.PacketsInVec,
		c.PacketsOutVec,
		c.PacketsDroppedVec,
		c.RoutesInstalledTotal,
		c.NeighborsEstablishedTotal,
		c.RouteCount,
		c.QueueDepthGauge,
		c.TokenBucketTokens,
		c.ForwardLatencyHist,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		PacketsInVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_in",
			Help:      "Total packets received on an ingress interface.",
		}, []string{labelInterface}),

		PacketsOutVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_out",
			Help:      "Total packets successfully emitted on an egress interface.",
		}, []string{labelInterface}),

		PacketsDroppedVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Total packets dropped, by reason.",
		}, []string{labelInterface, labelReason}),

		RoutesInstalledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_installed_total",
			Help:      "Total FIB route installs, by contributing protocol.",
		}, []string{labelProtocol}),

		NeighborsEstablishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "neighbors_established",
			Help:      "Total adjacency transitions into Established, by protocol.",
		}, []string{labelProtocol}),

		RouteCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "route_count",
			Help:      "Current candidate route count, by protocol.",
		}, []string{labelProtocol}),

		QueueDepthGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current shaper queue depth, by interface and traffic class.",
		}, []string{labelInterface, labelClass}),

		TokenBucketTokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "token_bucket_tokens",
			Help:      "Current token bucket occupancy in bytes, by interface.",
		}, []string{labelInterface}),

		ForwardLatencyHist: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_latency_seconds",
			Help:      "Ingress-to-egress forwarding latency in seconds, by interface.",
			Buckets:   prometheus.DefBuckets,
		}, []string{labelInterface}),
	}
}

// -------------------------------------------------------------------------
// orchestrator.Metrics implementation
// -------------------------------------------------------------------------

// PacketsIn implements orchestrator.Metrics.
func (c *Collector) PacketsIn(iface string) {
	c.PacketsInVec.WithLabelValues(iface).Inc()
}

// PacketsOut implements orchestrator.Metrics.
func (c *Collector) PacketsOut(iface string) {
	c.PacketsOutVec.WithLabelValues(iface).Inc()
}

// PacketsDropped implements orchestrator.Metrics.
func (c *Collector) PacketsDropped(iface string, reason orchestrator.DropReason) {
	c.PacketsDroppedVec.WithLabelValues(iface, string(reason)).Inc()
}

// ForwardLatency implements orchestrator.Metrics.
func (c *Collector) ForwardLatency(iface string, d time.Duration) {
	c.ForwardLatencyHist.WithLabelValues(iface).Observe(d.Seconds())
}

// QueueDepth implements orchestrator.Metrics.
func (c *Collector) QueueDepth(iface string, classID uint8, depth int) {
	c.QueueDepthGauge.WithLabelValues(iface, strconv.Itoa(int(classID))).Set(float64(depth))

	c.depthsMu.Lock()
	if c.depths[iface] == nil {
		c.depths[iface] = make(map[uint8]int)
	}
	c.depths[iface][classID] = depth
	c.depthsMu.Unlock()
}

// QueueDepths implements server.QueueDepthSource, returning the most
// recently reported depth per interface/class without a Prometheus scrape.
func (c *Collector) QueueDepths() map[string]map[uint8]int {
	c.depthsMu.Lock()
	defer c.depthsMu.Unlock()

	out := make(map[string]map[uint8]int, len(c.depths))
	for iface, classes := range c.depths {
		cp := make(map[uint8]int, len(classes))
		for classID, depth := range classes {
			cp[classID] = depth
		}
		out[iface] = cp
	}
	return out
}

// -------------------------------------------------------------------------
// Protocol / route metrics
// -------------------------------------------------------------------------

// IncRoutesInstalled increments the FIB-install counter for protocol.
func (c *Collector) IncRoutesInstalled(protocol string) {
	c.RoutesInstalledTotal.WithLabelValues(protocol).Inc()
}

// IncNeighborsEstablished increments the Established-transition counter
// for protocol.
func (c *Collector) IncNeighborsEstablished(protocol string) {
	c.NeighborsEstablishedTotal.WithLabelValues(protocol).Inc()
}

// SetRouteCount sets the current candidate-route gauge for protocol.
func (c *Collector) SetRouteCount(protocol string, count int) {
	c.RouteCount.WithLabelValues(protocol).Set(float64(count))
}

// SetTokenBucketTokens sets the current token occupancy gauge for iface.
func (c *Collector) SetTokenBucketTokens(iface string, tokens int64) {
	c.TokenBucketTokens.WithLabelValues(iface).Set(float64(tokens))
}

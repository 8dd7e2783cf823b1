// Package orchestrator wires interfaces, shapers, impairment pipelines,
// and the FIB into the end-to-end forwarding pipeline: decode, classify,
// ingress-shape, impair, FIB lookup, egress-shape, emit.
//
// The errgroup-per-goroutine wiring and bounded-concurrency admission
// control are grounded on the teacher's daemon entrypoint (runServers)
// and its bounded-channel ingress receiver.
package orchestrator

import (
	"container/heap"
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/routersim/routersim/internal/fib"
	"github.com/routersim/routersim/internal/impair"
	"github.com/routersim/routersim/internal/netio"
	"github.com/routersim/routersim/internal/packet"
)

// Shaper is the common contract internal/shaping/{wfq,drr} schedulers
// satisfy: admit a classified packet and dequeue the next one to serve
// per the configured discipline.
type Shaper interface {
	Enqueue(classID uint8, pkt *packet.Packet) error
	Dequeue() (*packet.Packet, bool)
	TotalDepth() int
}

// DropReason labels why the orchestrator discarded a packet, surfaced on
// the packets_dropped_total{reason} metric (spec.md §6).
type DropReason string

const (
	DropNoRoute    DropReason = "no_route"
	DropMalformed  DropReason = "malformed"
	DropQueueFull  DropReason = "queue_full"
	DropImpairment DropReason = "impairment"
)

// Metrics is the narrow surface the orchestrator reports through;
// internal/metrics.Collector implements it.
type Metrics interface {
	PacketsIn(iface string)
	PacketsOut(iface string)
	PacketsDropped(iface string, reason DropReason)
	ForwardLatency(iface string, d time.Duration)
	QueueDepth(iface string, classID uint8, depth int)
}

// noopMetrics discards everything; used when Orchestrator is built
// without a Metrics implementation.
type noopMetrics struct{}

func (noopMetrics) PacketsIn(string)                     {}
func (noopMetrics) PacketsOut(string)                    {}
func (noopMetrics) PacketsDropped(string, DropReason)     {}
func (noopMetrics) ForwardLatency(string, time.Duration)  {}
func (noopMetrics) QueueDepth(string, uint8, int)         {}

// InterfaceConfig wires one interface's link, classifier, shapers, and
// impairment pipelines for both directions.
type InterfaceConfig struct {
	Name          string
	Link          netio.Link
	Classifier    packet.Classifier
	IngressShaper Shaper
	EgressShaper  Shaper
	IngressImpair *impair.Pipeline
}

type boundInterface struct {
	cfg InterfaceConfig
}

// Config configures an Orchestrator.
type Config struct {
	FIB            *fib.Table
	Interfaces     []InterfaceConfig
	Metrics        Metrics
	Logger         *slog.Logger
	MaxConcurrency int64 // bounds in-flight decode/impair/lookup work; 0 means DefaultMaxConcurrency
}

// DefaultMaxConcurrency bounds the number of packets concurrently mid
// pipeline (decode through FIB lookup) across all interfaces.
const DefaultMaxConcurrency = 256

// Orchestrator runs the full ingress->egress forwarding pipeline across
// a fixed set of interfaces.
type Orchestrator struct {
	fib     *fib.Table
	ifaces  map[string]*boundInterface
	metrics Metrics
	logger  *slog.Logger
	sem     *semaphore.Weighted

	dq *delayQueue
}

// New constructs an Orchestrator over cfg's interfaces.
func New(cfg Config) *Orchestrator {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}

	o := &Orchestrator{
		fib:     cfg.FIB,
		ifaces:  make(map[string]*boundInterface, len(cfg.Interfaces)),
		metrics: metrics,
		logger:  logger.With(slog.String("component", "orchestrator")),
		sem:     semaphore.NewWeighted(maxConcurrency),
		dq:      newDelayQueue(),
	}
	for _, ic := range cfg.Interfaces {
		classifier := ic.Classifier
		if classifier == nil {
			classifier = packet.DefaultClassifier
		}
		ic.Classifier = classifier
		o.ifaces[ic.Name] = &boundInterface{cfg: ic}
	}
	return o
}

// Run starts one ingress worker and one egress worker per interface,
// plus the shared delay-queue worker, and blocks until ctx is cancelled
// or one worker returns an error.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	for name, bi := range o.ifaces {
		bi := bi
		name := name
		g.Go(func() error {
			o.ingressLoop(gCtx, bi)
			o.logger.Debug("ingress worker stopped", slog.String("interface", name))
			return nil
		})
		g.Go(func() error {
			o.egressLoop(gCtx, bi)
			o.logger.Debug("egress worker stopped", slog.String("interface", name))
			return nil
		})
	}

	g.Go(func() error {
		o.dq.run(gCtx, o.redeliver)
		return nil
	})

	return g.Wait()
}

// ingressLoop reads from the interface's Link, decodes, classifies, and
// admits onto the ingress shaper; a second loop (processLoop) drains the
// shaper in discipline order.
func (o *Orchestrator) ingressLoop(ctx context.Context, bi *boundInterface) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.processLoop(ctx, bi)
	}()

	for {
		wire, _, err := bi.cfg.Link.Recv(ctx)
		if err != nil {
			wg.Wait()
			return
		}

		now := time.Now()
		pkt, err := packet.Decode(bi.cfg.Name, wire, now)
		if err != nil {
			o.metrics.PacketsDropped(bi.cfg.Name, DropMalformed)
			continue
		}
		o.metrics.PacketsIn(bi.cfg.Name)

		pkt.ClassID = bi.cfg.Classifier(pkt)
		if err := bi.cfg.IngressShaper.Enqueue(pkt.ClassID, pkt); err != nil {
			o.metrics.PacketsDropped(bi.cfg.Name, DropQueueFull)
		}
	}
}

// processLoop drains the ingress shaper in discipline order, applies the
// interface's impairment pipeline, and forwards the result.
func (o *Orchestrator) processLoop(ctx context.Context, bi *boundInterface) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		o.metrics.QueueDepth(bi.cfg.Name, 0, bi.cfg.IngressShaper.TotalDepth())

		for {
			pkt, ok := bi.cfg.IngressShaper.Dequeue()
			if !ok {
				break
			}
			if !o.sem.TryAcquire(1) {
				break
			}
			o.handleImpairedPacket(ctx, bi, pkt)
			o.sem.Release(1)
		}
	}
}

func (o *Orchestrator) handleImpairedPacket(_ context.Context, bi *boundInterface, pkt *packet.Packet) {
	now := time.Now()
	if bi.cfg.IngressImpair == nil {
		o.forward(pkt)
		return
	}

	outcome := bi.cfg.IngressImpair.Apply(pkt, now)
	switch outcome.Kind {
	case impair.OutcomeDeliver:
		o.forward(pkt)
	case impair.OutcomeDrop:
		o.metrics.PacketsDropped(bi.cfg.Name, DropImpairment)
	case impair.OutcomeDuplicate:
		for _, child := range outcome.Children {
			o.scheduleForward(child.Packet, child.EmitTime)
		}
	case impair.OutcomeDefer:
		o.scheduleForward(pkt, outcome.EmitTime)
	}
}

// scheduleForward forwards pkt immediately if emit is already due, or
// parks it on the delay queue otherwise.
func (o *Orchestrator) scheduleForward(pkt *packet.Packet, emit time.Time) {
	if !emit.After(time.Now()) {
		o.forward(pkt)
		return
	}
	o.dq.push(delayedItem{pkt: pkt, emitTime: emit})
}

// redeliver is the delay queue's callback for an item whose emit time
// has arrived.
func (o *Orchestrator) redeliver(pkt *packet.Packet, _ time.Time) {
	o.forward(pkt)
}

// forward performs the FIB lookup and enqueues pkt onto the resulting
// egress interface's shaper; a lookup miss is a no-route drop.
func (o *Orchestrator) forward(pkt *packet.Packet) {
	dst := netip.AddrFrom4(pkt.Parsed.DstIP)
	entry, ok := o.fib.Lookup(dst)
	if !ok {
		o.metrics.PacketsDropped(pkt.IngressInterface, DropNoRoute)
		return
	}

	pkt.EgressInterface = entry.Egress
	pkt.NextHop = entry.NextHop.String()

	egressIface, ok := o.ifaces[entry.Egress]
	if !ok {
		o.metrics.PacketsDropped(pkt.IngressInterface, DropNoRoute)
		return
	}

	o.metrics.ForwardLatency(pkt.IngressInterface, time.Since(pkt.IngressTS))

	if err := egressIface.cfg.EgressShaper.Enqueue(pkt.ClassID, pkt); err != nil {
		o.metrics.PacketsDropped(entry.Egress, DropQueueFull)
	}
}

// egressLoop drains the interface's egress shaper in discipline order
// and transmits each packet on its Link.
func (o *Orchestrator) egressLoop(ctx context.Context, bi *boundInterface) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		o.metrics.QueueDepth(bi.cfg.Name, 0, bi.cfg.EgressShaper.TotalDepth())

		for {
			pkt, ok := bi.cfg.EgressShaper.Dequeue()
			if !ok {
				break
			}
			nextHop, err := netip.ParseAddr(pkt.NextHop)
			if err != nil {
				o.metrics.PacketsDropped(bi.cfg.Name, DropNoRoute)
				continue
			}
			if err := bi.cfg.Link.Send(ctx, nextHop, packet.Encode(pkt)); err != nil {
				o.logger.Warn("link send failed",
					slog.String("interface", bi.cfg.Name),
					slog.String("error", err.Error()),
				)
				continue
			}
			o.metrics.PacketsOut(bi.cfg.Name)
		}
	}
}

// delayedItem is one packet parked in the delay queue awaiting its
// impairment-assigned emit time.
type delayedItem struct {
	pkt      *packet.Packet
	emitTime time.Time
}

// delayHeap is a container/heap ordering delayedItems by ascending
// emitTime, the time-ordered delay queue spec.md §4.9 calls for.
type delayHeap []delayedItem

func (h delayHeap) Len() int           { return len(h) }
func (h delayHeap) Less(i, j int) bool { return h[i].emitTime.Before(h[j].emitTime) }
func (h delayHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayHeap) Push(x any)        { *h = append(*h, x.(delayedItem)) }
func (h *delayHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// delayQueue serializes access to a delayHeap and wakes its worker
// whenever a newly pushed item's deadline is sooner than the one it was
// sleeping on.
type delayQueue struct {
	mu     sync.Mutex
	items  delayHeap
	wake   chan struct{}
}

func newDelayQueue() *delayQueue {
	return &delayQueue{wake: make(chan struct{}, 1)}
}

func (q *delayQueue) push(item delayedItem) {
	q.mu.Lock()
	heap.Push(&q.items, item)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// run pops due items and invokes deliver for each, until ctx is
// cancelled.
func (q *delayQueue) run(ctx context.Context, deliver func(pkt *packet.Packet, emit time.Time)) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		q.mu.Lock()
		var wait time.Duration
		if len(q.items) == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(q.items[0].emitTime)
			if wait < 0 {
				wait = 0
			}
		}
		q.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-q.wake:
			continue
		case <-timer.C:
		}

		now := time.Now()
		for {
			q.mu.Lock()
			if len(q.items) == 0 || q.items[0].emitTime.After(now) {
				q.mu.Unlock()
				break
			}
			item := heap.Pop(&q.items).(delayedItem)
			q.mu.Unlock()
			deliver(item.pkt, item.emitTime)
		}
	}
}

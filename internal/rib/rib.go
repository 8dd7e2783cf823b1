// Package rib implements the protocol-agnostic Routing Information Base:
// a per-prefix merger that accepts candidate routes from every protocol
// driver (BGP, OSPF, IS-IS, static, connected) and selects the single
// best route to hand to the FIB.
//
// The sharded-map-plus-RWMutex layout, and the buffered fan-out channel
// for selection-change notifications, are adapted from the BFD session
// manager's demux tables and StateChanges channel.
package rib

import (
	"hash/fnv"
	"log/slog"
	"net/netip"
	"sync"
	"time"
)

// Source identifies which protocol (or static configuration) contributed
// a candidate route.
type Source uint8

const (
	SourceConnected Source = iota
	SourceStatic
	SourceOSPF
	SourceISIS
	SourceBGP
)

func (s Source) String() string {
	switch s {
	case SourceConnected:
		return "connected"
	case SourceStatic:
		return "static"
	case SourceOSPF:
		return "ospf"
	case SourceISIS:
		return "isis"
	case SourceBGP:
		return "bgp"
	default:
		return "unknown"
	}
}

// defaultAdminDistance returns the conventional administrative distance
// for routes that don't set one explicitly. Lower wins.
func defaultAdminDistance(s Source) uint8 {
	switch s {
	case SourceConnected:
		return 0
	case SourceStatic:
		return 1
	case SourceOSPF:
		return 110
	case SourceISIS:
		return 115
	case SourceBGP:
		return 200
	default:
		return 255
	}
}

// Candidate is one protocol's proposed route to a prefix.
type Candidate struct {
	Prefix        netip.Prefix
	NextHop       netip.Addr
	Egress        string
	Source        Source
	AdminDistance uint8
	Metric        uint32
	RouterID      [4]byte
	UpdatedAt     time.Time

	// Attrs holds the protocol-specific attribute bag (routeattr.BGP,
	// routeattr.OSPF, routeattr.ISIS, routeattr.Static, routeattr.Connected).
	// It is deliberately excluded from best-route equality checks: it may
	// contain non-comparable fields (e.g. an AS-path slice), and changes to
	// it alone never affect which route is selected.
	Attrs any
}

// better reports whether c is strictly preferred over other under the
// selection ladder: admin distance, then metric, then protocol-source
// rank (lower Source value wins, i.e. connected beats static beats IGP
// beats BGP for equal distance/metric — this only breaks ties between
// misconfigured equal-distance sources), then earliest last-updated.
func (c *Candidate) better(other *Candidate) bool {
	if other == nil {
		return true
	}
	if c.AdminDistance != other.AdminDistance {
		return c.AdminDistance < other.AdminDistance
	}
	if c.Metric != other.Metric {
		return c.Metric < other.Metric
	}
	if c.Source != other.Source {
		return c.Source < other.Source
	}
	return c.UpdatedAt.Before(other.UpdatedAt)
}

// Change describes a best-route transition for one prefix, delivered on
// the SelectionChanges channel.
type Change struct {
	Prefix netip.Prefix
	Old    *Candidate // nil if there was no previous best
	New    *Candidate // nil if the prefix has no candidates left
}

const shardCount = 16
const notifyChSize = 256

type prefixEntry struct {
	candidates map[Source]*Candidate
	best       *Candidate
}

type shard struct {
	mu      sync.RWMutex
	entries map[netip.Prefix]*prefixEntry
}

// RIB merges candidate routes from multiple protocol sources and selects
// the best route per prefix.
type RIB struct {
	shards [shardCount]*shard

	notifyCh chan Change
	logger   *slog.Logger
}

// New creates an empty RIB. A nil logger means slog.Default() is used.
func New(logger *slog.Logger) *RIB {
	if logger == nil {
		logger = slog.Default()
	}
	r := &RIB{
		notifyCh: make(chan Change, notifyChSize),
		logger:   logger.With(slog.String("component", "rib")),
	}
	for i := range r.shards {
		r.shards[i] = &shard{entries: make(map[netip.Prefix]*prefixEntry)}
	}
	return r
}

func shardFor(r *RIB, pfx netip.Prefix) *shard {
	h := fnv.New32a()
	addr := pfx.Addr()
	bits, _ := addr.MarshalBinary()
	_, _ = h.Write(bits)
	_, _ = h.Write([]byte{byte(pfx.Bits())})
	return r.shards[h.Sum32()%shardCount]
}

// Update installs or replaces the candidate route from cand.Source for
// cand.Prefix, recomputes the best route, and emits a Change on
// SelectionChanges if the best route changed. AdminDistance is defaulted
// from cand.Source's conventional value if left zero and the source
// isn't Connected (Connected's default, 0, is already the zero value).
func (r *RIB) Update(cand Candidate) {
	if cand.AdminDistance == 0 && cand.Source != SourceConnected {
		cand.AdminDistance = defaultAdminDistance(cand.Source)
	}
	if cand.UpdatedAt.IsZero() {
		cand.UpdatedAt = time.Now()
	}
	cc := cand

	sh := shardFor(r, cand.Prefix)
	sh.mu.Lock()
	entry, ok := sh.entries[cand.Prefix]
	if !ok {
		entry = &prefixEntry{candidates: make(map[Source]*Candidate)}
		sh.entries[cand.Prefix] = entry
	}
	oldBest := entry.best
	entry.candidates[cand.Source] = &cc
	entry.best = recomputeBest(entry.candidates)
	newBest := entry.best
	sh.mu.Unlock()

	if changed(oldBest, newBest) {
		r.notify(Change{Prefix: cand.Prefix, Old: oldBest, New: newBest})
	}
}

// Withdraw removes the candidate route from source for pfx, recomputes
// the best route, and emits a Change if the best route changed. A
// withdraw of a prefix/source pair with no installed candidate is a
// no-op.
func (r *RIB) Withdraw(pfx netip.Prefix, source Source) {
	sh := shardFor(r, pfx)
	sh.mu.Lock()
	entry, ok := sh.entries[pfx]
	if !ok {
		sh.mu.Unlock()
		return
	}
	if _, has := entry.candidates[source]; !has {
		sh.mu.Unlock()
		return
	}
	oldBest := entry.best
	delete(entry.candidates, source)

	var newBest *Candidate
	if len(entry.candidates) == 0 {
		delete(sh.entries, pfx)
	} else {
		newBest = recomputeBest(entry.candidates)
		entry.best = newBest
	}
	sh.mu.Unlock()

	if changed(oldBest, newBest) {
		r.notify(Change{Prefix: pfx, Old: oldBest, New: newBest})
	}
}

// Best returns the currently selected route for pfx, if any.
func (r *RIB) Best(pfx netip.Prefix) (Candidate, bool) {
	sh := shardFor(r, pfx)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	entry, ok := sh.entries[pfx]
	if !ok || entry.best == nil {
		return Candidate{}, false
	}
	return *entry.best, true
}

// Candidates returns a snapshot of every candidate installed for pfx,
// keyed by source.
func (r *RIB) Candidates(pfx netip.Prefix) map[Source]Candidate {
	sh := shardFor(r, pfx)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	entry, ok := sh.entries[pfx]
	if !ok {
		return nil
	}
	out := make(map[Source]Candidate, len(entry.candidates))
	for src, c := range entry.candidates {
		out[src] = *c
	}
	return out
}

// AllBest returns a snapshot of every prefix's currently selected route.
func (r *RIB) AllBest() []Candidate {
	var out []Candidate
	for _, sh := range r.shards {
		sh.mu.RLock()
		for _, entry := range sh.entries {
			if entry.best != nil {
				out = append(out, *entry.best)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// SelectionChanges returns the channel on which best-route transitions
// are delivered. Consumers (typically the FIB installer) should drain it
// continuously; when the channel is full, a new notification is dropped
// and logged rather than blocking RIB writers.
func (r *RIB) SelectionChanges() <-chan Change {
	return r.notifyCh
}

func (r *RIB) notify(c Change) {
	select {
	case r.notifyCh <- c:
	default:
		r.logger.Warn("selection-change channel full, dropping notification",
			slog.String("prefix", c.Prefix.String()))
	}
}

func recomputeBest(candidates map[Source]*Candidate) *Candidate {
	var best *Candidate
	for _, c := range candidates {
		if c.better(best) {
			best = c
		}
	}
	return best
}

// changed compares the fields that matter to a FIB installer. Attrs is
// deliberately excluded (see Candidate.Attrs doc) since it may hold
// non-comparable data and never alone determines FIB-visible behavior.
func changed(oldBest, newBest *Candidate) bool {
	if oldBest == nil && newBest == nil {
		return false
	}
	if oldBest == nil || newBest == nil {
		return true
	}
	return oldBest.Prefix != newBest.Prefix ||
		oldBest.NextHop != newBest.NextHop ||
		oldBest.Egress != newBest.Egress ||
		oldBest.Source != newBest.Source ||
		oldBest.AdminDistance != newBest.AdminDistance ||
		oldBest.Metric != newBest.Metric ||
		oldBest.RouterID != newBest.RouterID
}

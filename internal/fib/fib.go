// Package fib implements the routersim Forwarding Information Base: a
// longest-prefix-match table backed by a binary Patricia trie over the
// network address bits, with a copy-on-write root so concurrent lookups
// never observe a half-written node.
//
// The API shape (Table-like Insert/Lookup/Delete over netip.Prefix) is
// grounded on gaissmai/bart's Table[V]; the algorithm itself is a simpler
// bit-at-a-time Patricia trie, not bart's popcount/ART multibit encoding —
// see DESIGN.md for why.
package fib

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/routersim/routersim/internal/rerrors"
)

// Entry is the installed forwarding state for one prefix.
type Entry struct {
	NextHop     netip.Addr
	Egress      string
	InstalledAt time.Time
}

// node is one bit-position in the Patricia trie. A nil node pointer means
// "not present". children[0]/children[1] are the subtries for the next bit
// being 0/1; route is non-nil when a prefix terminates exactly here.
type node struct {
	children [2]*node
	route    *Entry
	active   bool
}

// clone returns a shallow copy of n (children pointers shared, not
// recursively copied) so callers can mutate the copy's route/children
// fields without touching the original tree.
func (n *node) clone() *node {
	if n == nil {
		return &node{}
	}
	cp := *n
	return &cp
}

// Table is the FIB for one address family pair (IPv4 and IPv6 each get
// their own root, mirroring gaissmai/bart's root4/root6 split).
//
// The zero value is ready to use. Table is safe for concurrent lookups
// from any number of goroutines concurrently with Install/Withdraw calls
// from other goroutines; Install/Withdraw themselves are serialized
// against each other via writeMu.
type Table struct {
	root4 atomic.Pointer[node]
	root6 atomic.Pointer[node]

	writeMu sync.Mutex

	size4 atomic.Int64
	size6 atomic.Int64
}

func rootFor(t *Table, is4 bool) *atomic.Pointer[node] {
	if is4 {
		return &t.root4
	}
	return &t.root6
}

// addrBits returns the big-endian bit string of an address.
func addrBits(addr netip.Addr, bits int) []byte {
	var raw []byte
	if addr.Is4() {
		a := addr.As4()
		raw = a[:]
	} else {
		a := addr.As16()
		raw = a[:]
	}
	if bits > len(raw)*8 {
		bits = len(raw) * 8
	}
	return raw
}

func bitAt(raw []byte, i int) int {
	byteIdx := i / 8
	if byteIdx >= len(raw) {
		return 0
	}
	return int((raw[byteIdx] >> (7 - uint(i%8))) & 1)
}

func addrWidth(addr netip.Addr) int {
	if addr.Is4() {
		return 32
	}
	return 128
}

// Lookup performs the longest-prefix match for dst. It walks from the
// root recording the deepest node on the matched path that carries an
// active installed entry; nodes with no entry, or with an inactive
// entry, are skipped without ending the walk.
//
// Lookup never fails: a miss returns ok=false.
func (t *Table) Lookup(dst netip.Addr) (Entry, bool) {
	root := rootFor(t, dst.Is4()).Load()
	if root == nil {
		return Entry{}, false
	}

	raw := addrBits(dst, addrWidth(dst))

	var best *Entry
	n := root
	for depth := 0; ; depth++ {
		if n.route != nil && n.active {
			best = n.route
		}
		if depth >= addrWidth(dst) {
			break
		}
		bit := bitAt(raw, depth)
		next := n.children[bit]
		if next == nil {
			break
		}
		n = next
	}

	if best == nil {
		return Entry{}, false
	}
	return *best, true
}

// Install atomically replaces the forwarding entry for pfx. Returns
// rerrors.ErrInvalidPrefix if pfx's length exceeds its address family's
// width.
func (t *Table) Install(pfx netip.Prefix, nextHop netip.Addr, egress string) error {
	if !pfx.IsValid() {
		return fmt.Errorf("install %s: %w", pfx, rerrors.ErrInvalidPrefix)
	}
	pfx = pfx.Masked()
	width := addrWidth(pfx.Addr())
	if pfx.Bits() > width {
		return fmt.Errorf("install %s: prefix length %d exceeds width %d: %w", pfx, pfx.Bits(), width, rerrors.ErrInvalidPrefix)
	}

	entry := &Entry{
		NextHop:     nextHop,
		Egress:      egress,
		InstalledAt: time.Now(),
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	rootPtr := rootFor(t, pfx.Addr().Is4())
	oldRoot := rootPtr.Load()
	raw := addrBits(pfx.Addr(), pfx.Bits())

	newRoot, created := copyPath(oldRoot, raw, pfx.Bits(), entry)
	rootPtr.Store(newRoot)

	if created {
		if pfx.Addr().Is4() {
			t.size4.Add(1)
		} else {
			t.size6.Add(1)
		}
	}
	return nil
}

// Withdraw atomically removes pfx. Withdrawing an absent prefix is a
// no-op.
func (t *Table) Withdraw(pfx netip.Prefix) {
	if !pfx.IsValid() {
		return
	}
	pfx = pfx.Masked()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	rootPtr := rootFor(t, pfx.Addr().Is4())
	oldRoot := rootPtr.Load()
	if oldRoot == nil {
		return
	}

	raw := addrBits(pfx.Addr(), pfx.Bits())
	newRoot, removed := copyRemove(oldRoot, raw, pfx.Bits())
	if !removed {
		return
	}
	rootPtr.Store(newRoot)

	if pfx.Addr().Is4() {
		t.size4.Add(-1)
	} else {
		t.size6.Add(-1)
	}
}

// copyPath builds a new path from the (possibly nil) old root down to
// depth bits, installing entry at the end, sharing every subtree not on
// the path. Returns the new root and whether this was a new prefix
// (structural insert) rather than a next-hop replacement on an existing
// node.
func copyPath(old *node, raw []byte, bits int, entry *Entry) (*node, bool) {
	cur := old.clone()
	root := cur

	for depth := 0; depth < bits; depth++ {
		bit := bitAt(raw, depth)
		childOld := (*node)(nil)
		if old != nil {
			childOld = old.children[bit]
		}
		childNew := childOld.clone()
		cur.children[bit] = childNew
		cur = childNew
		old = childOld
	}

	created := cur.route == nil
	cur.route = entry
	cur.active = true
	return root, created
}

// copyRemove builds a new path mirroring copyPath but clears the route at
// depth bits instead of installing one. Returns (newRoot, true) if a route
// was actually present and removed; (old, false) if absent (idempotent
// no-op, caller leaves the existing root in place).
func copyRemove(old *node, raw []byte, bits int) (*node, bool) {
	// Walk first without copying to see whether there is anything to remove.
	probe := old
	for depth := 0; depth < bits && probe != nil; depth++ {
		probe = probe.children[bitAt(raw, depth)]
	}
	if probe == nil || probe.route == nil {
		return old, false
	}

	cur := old.clone()
	root := cur
	for depth := 0; depth < bits; depth++ {
		bit := bitAt(raw, depth)
		childNew := old.children[bit].clone()
		cur.children[bit] = childNew
		cur = childNew
		old = old.children[bit]
	}
	cur.route = nil
	cur.active = false
	return root, true
}

// Size returns the number of installed prefixes (IPv4 + IPv6).
func (t *Table) Size() int {
	return int(t.size4.Load() + t.size6.Load())
}

package isis

import (
	"sync"
	"time"
)

// MaxAge is the point at which an LSP is evicted from the database absent
// a refresh, mirroring IS-IS's 1200-second MaxAge.
const MaxAge = 20 * time.Minute

type lspKey struct {
	level             Level
	advertisingSystem [6]byte
}

// Database holds every LSP this router has accepted for both levels,
// indexed by (level, advertising system id). OSPF's internal/ospf.Database
// indexes by (area, router); IS-IS substitutes level for area.
type Database struct {
	mu   sync.RWMutex
	lsps map[lspKey]*LSP
}

// NewDatabase returns an empty link-state database shared across both
// levels (callers distinguish L1 from L2 via LSP.Level / the key).
func NewDatabase() *Database {
	return &Database{lsps: make(map[lspKey]*LSP)}
}

// Install accepts lsp if it is newer than (or new relative to) any
// existing entry for the same (level, advertising system), per the
// freshness rule: higher sequence number always wins. Returns true if
// the database changed.
func (d *Database) Install(lsp LSP) bool {
	key := lspKey{level: lsp.Level, advertisingSystem: lsp.AdvertisingSystem}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.lsps[key]
	if !ok {
		cp := lsp
		d.lsps[key] = &cp
		return true
	}
	if lsp.SeqNum <= existing.SeqNum {
		return false
	}
	cp := lsp
	d.lsps[key] = &cp
	return true
}

// All returns a snapshot of every LSP at level currently in the database.
func (d *Database) All(level Level) []LSP {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]LSP, 0, len(d.lsps))
	for key, lsp := range d.lsps {
		if key.level == level {
			out = append(out, *lsp)
		}
	}
	return out
}

// AgeTick advances every LSP's age by elapsed and evicts any that reach
// MaxAge, returning each level that lost at least one LSP so the caller
// can reschedule SPF for the affected level(s).
func (d *Database) AgeTick(elapsed time.Duration) []Level {
	d.mu.Lock()
	defer d.mu.Unlock()

	seen := make(map[Level]bool)
	for key, lsp := range d.lsps {
		lsp.Age += elapsed
		if lsp.Age >= MaxAge {
			seen[key.level] = true
			delete(d.lsps, key)
		}
	}
	out := make([]Level, 0, len(seen))
	for l := range seen {
		out = append(out, l)
	}
	return out
}

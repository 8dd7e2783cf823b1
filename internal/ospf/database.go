package ospf

import (
	"sync"
	"time"
)

// MaxAge is the point at which an LSA is evicted from the database absent
// a refresh, mirroring OSPF's 3600-second MaxAge.
const MaxAge = time.Hour

type lsaKey struct {
	areaID            uint32
	advertisingRouter uint32
}

// Database holds every LSA this router has accepted, indexed by
// (area, advertising router) — this simulator models one LSA per router
// per area rather than splitting Router/Network/Summary LSA types.
type Database struct {
	mu   sync.RWMutex
	lsas map[lsaKey]*LSA
}

// NewDatabase returns an empty link-state database.
func NewDatabase() *Database {
	return &Database{lsas: make(map[lsaKey]*LSA)}
}

// Install accepts lsa if it is newer than (or new relative to) any
// existing entry for the same (area, advertising router), per the
// freshness rule: higher sequence number always wins; an equal or lower
// sequence number leaves the installed copy in place. Returns true if the
// database changed.
func (d *Database) Install(lsa LSA) bool {
	key := lsaKey{areaID: lsa.AreaID, advertisingRouter: lsa.AdvertisingRouter}

	d.mu.Lock()
	defer d.mu.Unlock()

	existing, ok := d.lsas[key]
	if !ok {
		cp := lsa
		d.lsas[key] = &cp
		return true
	}
	if lsa.SeqNum <= existing.SeqNum {
		return false
	}
	cp := lsa
	d.lsas[key] = &cp
	return true
}

// Remove evicts the LSA for (area, advertisingRouter), e.g. on neighbor
// loss. Returns true if an entry was actually removed.
func (d *Database) Remove(areaID, advertisingRouter uint32) bool {
	key := lsaKey{areaID: areaID, advertisingRouter: advertisingRouter}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.lsas[key]; !ok {
		return false
	}
	delete(d.lsas, key)
	return true
}

// All returns a snapshot of every LSA currently in the database.
func (d *Database) All() []LSA {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]LSA, 0, len(d.lsas))
	for _, lsa := range d.lsas {
		out = append(out, *lsa)
	}
	return out
}

// AgeTick advances every LSA's age by elapsed and evicts any that reach
// MaxAge, returning the advertising router id of each evicted LSA so the
// caller can reschedule SPF.
func (d *Database) AgeTick(elapsed time.Duration) []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	var evicted []uint32
	for key, lsa := range d.lsas {
		lsa.Age += elapsed
		if lsa.Age >= MaxAge {
			evicted = append(evicted, key.advertisingRouter)
			delete(d.lsas, key)
		}
	}
	return evicted
}

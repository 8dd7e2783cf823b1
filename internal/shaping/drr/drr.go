// Package drr implements spec.md §4.7's Deficit Round Robin scheduler:
// a round-robin traversal over active traffic classes where each class
// may dequeue packets only while its accumulated deficit covers the next
// packet's size, giving every active class a fair share per round
// proportional to its quantum.
package drr

import (
	"sync"

	"github.com/routersim/routersim/internal/packet"
	"github.com/routersim/routersim/internal/rerrors"
)

// BaseQuantum is the per-weight-unit byte quantum added to a class's
// deficit each round a class is visited without emptying. One MTU-sized
// unit (1500 bytes), following original_source's traffic_shaping/drr.h
// convention where spec.md itself leaves the constant open.
const BaseQuantum = 1500

// ClassConfig configures one traffic class's DRR weight and queue depth.
// Quantum is derived as BaseQuantum * Weight per spec.md §4.7.
type ClassConfig struct {
	ClassID  uint8
	Weight   uint32 // must be >= 1
	MaxDepth int    // per-class queue depth limit, 0 means DefaultMaxDepth
}

// DefaultMaxDepth is used when a ClassConfig leaves MaxDepth at zero.
const DefaultMaxDepth = 256

type classQueue struct {
	quantum  uint32
	deficit  uint32
	maxDepth int
	items    []*packet.Packet

	// quantumGranted tracks whether this class has already received its
	// quantum for the round currently in progress, so a multi-packet
	// Dequeue run within one visit doesn't add the quantum again for
	// every packet served.
	quantumGranted bool
}

// Scheduler is a DRR scheduler over a fixed set of traffic classes.
type Scheduler struct {
	mu      sync.Mutex
	classes map[uint8]*classQueue

	active   []uint8 // active list, FIFO order of classes awaiting service
	activeAt map[uint8]bool
	cursor   int // index into active of the class to try next
}

// New constructs a Scheduler over the given classes.
func New(classes []ClassConfig) *Scheduler {
	s := &Scheduler{
		classes:  make(map[uint8]*classQueue, len(classes)),
		activeAt: make(map[uint8]bool, len(classes)),
	}
	for _, c := range classes {
		weight := c.Weight
		if weight == 0 {
			weight = 1
		}
		maxDepth := c.MaxDepth
		if maxDepth <= 0 {
			maxDepth = DefaultMaxDepth
		}
		s.classes[c.ClassID] = &classQueue{quantum: BaseQuantum * weight, maxDepth: maxDepth}
	}
	return s
}

// Enqueue admits pkt into classID's queue, appending classID to the
// active list if it was previously idle. Returns rerrors.ErrQueueFull if
// the class is at its configured depth limit, or rerrors.ErrInvalidConfig
// if classID was never configured.
func (s *Scheduler) Enqueue(classID uint8, pkt *packet.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cq, ok := s.classes[classID]
	if !ok {
		return rerrors.ErrInvalidConfig
	}
	if len(cq.items) >= cq.maxDepth {
		return rerrors.ErrQueueFull
	}
	if len(cq.items) == 0 && !s.activeAt[classID] {
		s.active = append(s.active, classID)
		s.activeAt[classID] = true
	}
	cq.items = append(cq.items, pkt)
	return nil
}

// Dequeue walks the active list starting from the scheduler's cursor.
// The class at the cursor is granted one quantum (once per round) added
// to its deficit, then served packet by packet across successive
// Dequeue calls for as long as its deficit covers the next head; once it
// doesn't, the cursor advances to the next class and that class will be
// granted a fresh quantum on its next visit. A class whose queue empties
// has its deficit reset to 0 and is removed from the active list
// (spec.md §4.7 "DRR fairness").
func (s *Scheduler) Dequeue() (*packet.Packet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// maxAttempts bounds how many classes can be skipped (given a
	// quantum each) before giving up. A packet larger than one quantum
	// needs several visits for its class's deficit to accumulate enough;
	// this cap is generous enough for any sane MTU/quantum ratio while
	// still guaranteeing Dequeue terminates even under misconfiguration.
	const maxAttempts = 4096
	for attempts := 0; attempts < maxAttempts; attempts++ {
		if len(s.active) == 0 {
			return nil, false
		}
		if s.cursor >= len(s.active) {
			s.cursor = 0
		}
		classID := s.active[s.cursor]
		cq := s.classes[classID]

		if len(cq.items) == 0 {
			s.removeActiveLocked(s.cursor)
			cq.deficit = 0
			continue
		}

		head := cq.items[0]
		if !cq.quantumGranted {
			cq.deficit += cq.quantum
			cq.quantumGranted = true
		}
		if uint32(len(head.Wire)) <= cq.deficit {
			cq.deficit -= uint32(len(head.Wire))
			cq.items = cq.items[1:]
			if len(cq.items) == 0 {
				s.removeActiveLocked(s.cursor)
				cq.deficit = 0
				cq.quantumGranted = false
			} else if uint32(len(cq.items[0].Wire)) > cq.deficit {
				// Deficit no longer covers the new head: this class's
				// turn in the round is over, move on and let it accrue
				// a fresh quantum next time it's visited.
				cq.quantumGranted = false
				s.cursor++
			}
			// else: still covers the next packet, stay on this class so
			// the next Dequeue call keeps draining it within the round.
			return head, true
		}

		// Even a full quantum doesn't cover the head: carry the deficit
		// forward and move on; it accumulates across rounds until it
		// does (see maxAttempts above for the termination bound).
		cq.quantumGranted = false
		s.cursor++
	}
	return nil, false
}

// removeActiveLocked must be called with s.mu held; it removes the
// active-list entry at idx, keeping cursor pointed at the next class.
func (s *Scheduler) removeActiveLocked(idx int) {
	classID := s.active[idx]
	s.active = append(s.active[:idx], s.active[idx+1:]...)
	delete(s.activeAt, classID)
	if s.cursor > idx {
		s.cursor--
	}
	if len(s.active) > 0 {
		s.cursor %= len(s.active)
	} else {
		s.cursor = 0
	}
}

// QueueDepth returns the current queue length for classID, or 0 for an
// unconfigured class.
func (s *Scheduler) QueueDepth(classID uint8) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cq, ok := s.classes[classID]
	if !ok {
		return 0
	}
	return len(cq.items)
}

// TotalDepth returns the sum of every class's queue length.
func (s *Scheduler) TotalDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, cq := range s.classes {
		total += len(cq.items)
	}
	return total
}

// Package wfq implements spec.md §4.6's Weighted Fair Queuing scheduler:
// a virtual-time scheduler over N traffic classes where each class's
// long-run service share tends to weight_c / Σweights.
package wfq

import (
	"sync"

	"github.com/routersim/routersim/internal/packet"
	"github.com/routersim/routersim/internal/rerrors"
)

// ClassConfig configures one traffic class's WFQ weight and queue depth.
type ClassConfig struct {
	ClassID  uint8
	Weight   uint32 // must be >= 1
	MaxDepth int    // per-class queue depth limit, 0 means DefaultMaxDepth
}

// DefaultMaxDepth is used when a ClassConfig leaves MaxDepth at zero.
// It matches the bounded-channel depths the teacher's netio receivers
// default to.
const DefaultMaxDepth = 256

type item struct {
	pkt    *packet.Packet
	finish float64
}

type classQueue struct {
	weight     uint32
	maxDepth   int
	items      []item
	lastFinish float64
}

// Scheduler is a WFQ scheduler over a fixed set of traffic classes.
type Scheduler struct {
	mu      sync.Mutex
	classes map[uint8]*classQueue
	order   []uint8 // class ids in ascending order, for deterministic tie-break iteration
	virtual float64
}

// New constructs a Scheduler over the given classes.
func New(classes []ClassConfig) *Scheduler {
	s := &Scheduler{classes: make(map[uint8]*classQueue, len(classes))}
	for _, c := range classes {
		weight := c.Weight
		if weight == 0 {
			weight = 1
		}
		maxDepth := c.MaxDepth
		if maxDepth <= 0 {
			maxDepth = DefaultMaxDepth
		}
		s.classes[c.ClassID] = &classQueue{weight: weight, maxDepth: maxDepth}
		s.order = append(s.order, c.ClassID)
	}
	for i := 0; i < len(s.order); i++ {
		for j := i + 1; j < len(s.order); j++ {
			if s.order[j] < s.order[i] {
				s.order[i], s.order[j] = s.order[j], s.order[i]
			}
		}
	}
	return s
}

// Enqueue admits pkt into classID's queue, assigning it a virtual finish
// time per spec.md §4.6: F_c = max(V, F_c) + len*8/weight_c. Returns
// rerrors.ErrQueueFull if the class is at its configured depth limit, or
// rerrors.ErrInvalidConfig if classID was never configured on this
// scheduler.
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

	finish := maxFloat(s.virtual, cq.lastFinish) + float64(len(pkt.Wire))*8/float64(cq.weight)
	cq.lastFinish = finish
	cq.items = append(cq.items, item{pkt: pkt, finish: finish})
	return nil
}

// Dequeue returns the packet with the globally smallest virtual finish
// time among all non-empty classes, ties broken by lower class id, and
// advances the scheduler's virtual time to at least that finish time.
func (s *Scheduler) Dequeue() (*packet.Packet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var winner *classQueue
	var winFinish float64
	for _, id := range s.order {
		cq := s.classes[id]
		if len(cq.items) == 0 {
			continue
		}
		if winner == nil || cq.items[0].finish < winFinish {
			winner = cq
			winFinish = cq.items[0].finish
		}
	}
	if winner == nil {
		return nil, false
	}

	head := winner.items[0]
	winner.items = winner.items[1:]
	if winFinish > s.virtual {
		s.virtual = winFinish
	}
	return head.pkt, true
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

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

package tokenbucket

import (
	"sync"
	"time"

	"github.com/routersim/routersim/internal/packet"
	"github.com/routersim/routersim/internal/rerrors"
)

// Shaper adapts a single Bucket into the orchestrator's Shaper contract
// (Enqueue/Dequeue), for interfaces configured with shaping.algorithm =
// token_bucket (spec.md §6): one FIFO queue gated by the bucket's
// admission decision rather than per-class WFQ/DRR scheduling.
type Shaper struct {
	mu       sync.Mutex
	bucket   *Bucket
	items    []*packet.Packet
	maxDepth int
}

// DefaultMaxDepth matches the WFQ/DRR schedulers' default queue depth.
const DefaultMaxDepth = 256

// NewShaper constructs a Shaper with the given bucket capacity/rate (in
// bytes and bytes/sec) and queue depth; maxDepth <= 0 uses DefaultMaxDepth.
func NewShaper(capacity, rate int64, maxDepth int, now time.Time) *Shaper {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Shaper{bucket: New(capacity, rate, now), maxDepth: maxDepth}
}

// Enqueue admits pkt into the FIFO queue regardless of classID — a
// token-bucket shaper has no class concept. Returns rerrors.ErrQueueFull
// once the queue is at maxDepth.
func (s *Shaper) Enqueue(_ uint8, pkt *packet.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) >= s.maxDepth {
		return rerrors.ErrQueueFull
	}
	s.items = append(s.items, pkt)
	return nil
}

// Dequeue returns the head of the queue only if the bucket currently has
// enough tokens for its byte length; otherwise it reports false without
// consuming anything, leaving the packet queued for the next attempt.
func (s *Shaper) Dequeue() (*packet.Packet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) == 0 {
		return nil, false
	}
	head := s.items[0]
	if !s.bucket.TryConsume(int64(len(head.Wire)), time.Now()) {
		return nil, false
	}
	s.items = s.items[1:]
	return head, true
}

// TotalDepth returns the current queue length.
func (s *Shaper) TotalDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

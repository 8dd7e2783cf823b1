// Package impair implements spec.md §4.8's impairment pipeline: an
// ordered list of per-interface stages (delay, loss, duplication,
// corruption, reordering, rate limiting) applied to packets in flight,
// each stage making an independent per-packet decision from a private
// RNG.
//
// The ordered-stage, per-direction-RNG, deadline-oriented architecture
// is grounded on ooni-netem's LinkFwdFull/dpiengine.go: a stage list
// walked in declared order, each drawing from its own *rand.Rand rather
// than a shared contended source.
package impair

import (
	"math/rand/v2"
	"time"

	"github.com/routersim/routersim/internal/packet"
	"github.com/routersim/routersim/internal/shaping/tokenbucket"
)

// Distribution selects the jitter shape a Delay stage draws from.
type Distribution uint8

const (
	DistUniform Distribution = iota
	DistNormal
	DistPareto
	DistParetoNormal
)

// Stage is the tagged union of impairment kinds an interface direction
// may declare, applied in declared order per spec.md §4.8.
type Stage struct {
	Kind StageKind

	Delay     DelayParams
	Loss      LossParams
	Duplicate DuplicateParams
	Corrupt   CorruptParams
	Reorder   ReorderParams
	Rate      RateParams
}

// StageKind tags which field of Stage is populated.
type StageKind uint8

const (
	StageDelay StageKind = iota
	StageLossRandom
	StageLossCorrelated
	StageLossGilbertElliott
	StageDuplicate
	StageCorrupt
	StageReorder
	StageRate
)

// DelayParams configures a Delay stage: draws d >= 0 from Distribution
// centered on Mean with Jitter scale, clamped to >= 0.
type DelayParams struct {
	Mean         time.Duration
	Jitter       time.Duration
	Distribution Distribution
}

// LossParams configures any of the three loss stage kinds.
type LossParams struct {
	P float64 // base loss probability

	// Correlated: Rho is the correlation coefficient (ρ).
	Rho float64

	// GilbertElliott: PGB/PBG are the Good->Bad and Bad->Good transition
	// probabilities; K and H are the in-state transmit-success
	// probabilities, so the loss probability is 1-K in Good and 1-H in Bad.
	PGB float64
	PBG float64
	H   float64
	K   float64
}

// DuplicateParams configures a Duplicate stage.
type DuplicateParams struct {
	P float64
}

// CorruptParams configures a Corrupt stage.
type CorruptParams struct {
	P float64
}

// ReorderParams configures a Reorder stage: hold the packet back by Gap
// output positions with probability P.
type ReorderParams struct {
	P   float64
	Gap int
}

// RateParams configures a Rate stage's internal token bucket.
type RateParams struct {
	BitsPerSecond int64
	BurstBytes    int64
}

// OutcomeKind tags which case of PipelineOutcome applies.
type OutcomeKind uint8

const (
	OutcomeDeliver OutcomeKind = iota
	OutcomeDrop
	OutcomeDuplicate
	OutcomeDefer
)

// DupChild is one emitted copy from an OutcomeDuplicate result.
type DupChild struct {
	Packet   *packet.Packet
	EmitTime time.Time
}

// PipelineOutcome is the result of running one packet through a Pipeline,
// per spec.md §4.8's contract.
type PipelineOutcome struct {
	Kind     OutcomeKind
	EmitTime time.Time  // valid for Deliver/Defer
	Children []DupChild // valid for Duplicate
}

// gilbertState is the hidden Markov state for a Gilbert-Elliott loss
// stage, kept per-stage-instance (so each configured stage in the list
// has independent state even if two stages share parameters).
type gilbertState struct {
	bad bool
}

// correlatedState tracks the previous packet's loss decision for a
// Loss.Correlated stage.
type correlatedState struct {
	prevLoss bool
}

// Pipeline applies an ordered list of Stages to packets for one
// interface direction, using a private RNG so concurrent directions
// never contend a shared source (spec.md §5 "RNG ... per-interface
// per-direction").
type Pipeline struct {
	stages []Stage
	rng    *rand.Rand

	gilbert     []gilbertState
	correlated  []correlatedState
	rateBuckets []*tokenbucket.Bucket

	// recentEmits is a short history of prior emit times for this
	// direction, used only to turn a Reorder stage's "gap positions"
	// into a concrete emit-time offset (see holdBackFor).
	recentEmits []time.Time
}

// recentEmitsWindow bounds how much emit-time history a Reorder stage
// can draw an inter-packet-spacing estimate from.
const recentEmitsWindow = 32

// New constructs a Pipeline over stages. seed makes the RNG reproducible
// for tests (spec.md §4.8 "Determinism"); callers wanting entropy-seeded
// behavior pass a seed drawn from crypto/rand at startup.
func New(stages []Stage, seed uint64, now time.Time) *Pipeline {
	p := &Pipeline{
		stages: stages,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
	p.gilbert = make([]gilbertState, len(stages))
	p.correlated = make([]correlatedState, len(stages))
	p.rateBuckets = make([]*tokenbucket.Bucket, len(stages))
	for i, s := range stages {
		if s.Kind == StageRate {
			p.rateBuckets[i] = tokenbucket.New(s.Rate.BurstBytes, s.Rate.BitsPerSecond/8, now)
		}
	}
	return p
}

// Apply runs pkt through every configured stage in order, starting from
// now, per spec.md §4.8's stage semantics and §3 Invariant 6 ("Impairment
// ordering").
func (p *Pipeline) Apply(pkt *packet.Packet, now time.Time) PipelineOutcome {
	emit := now
	cur := pkt

	for i, stage := range p.stages {
		switch stage.Kind {
		case StageDelay:
			d := p.drawDelay(stage.Delay)
			emit = emit.Add(d)

		case StageLossRandom:
			if p.rng.Float64() < stage.Loss.P {
				return PipelineOutcome{Kind: OutcomeDrop}
			}

		case StageLossCorrelated:
			if p.correlatedDecision(i, stage.Loss) {
				return PipelineOutcome{Kind: OutcomeDrop}
			}

		case StageLossGilbertElliott:
			if p.gilbertElliottDecision(i, stage.Loss) {
				return PipelineOutcome{Kind: OutcomeDrop}
			}

		case StageDuplicate:
			if p.rng.Float64() < stage.Duplicate.P {
				child := cur.Clone()
				remaining := p.applyRemaining(stages(p.stages, i+1), child, emit)
				return PipelineOutcome{
					Kind: OutcomeDuplicate,
					Children: append(
						[]DupChild{{Packet: cur, EmitTime: emit}},
						remaining...,
					),
				}
			}

		case StageCorrupt:
			if p.rng.Float64() < stage.Corrupt.P {
				cur = corruptOneBit(cur, p.rng)
			}

		case StageReorder:
			if p.rng.Float64() < stage.Reorder.P {
				held := p.holdBackFor(emit, stage.Reorder.Gap)
				p.recordEmit(held)
				return PipelineOutcome{Kind: OutcomeDefer, EmitTime: held}
			}

		case StageRate:
			b := p.rateBuckets[i]
			if b != nil && !b.TryConsume(int64(len(cur.Wire)), now) {
				p.recordEmit(emit)
				return PipelineOutcome{Kind: OutcomeDefer, EmitTime: emit}
			}
		}
	}

	p.recordEmit(emit)
	if emit.After(now) {
		return PipelineOutcome{Kind: OutcomeDefer, EmitTime: emit}
	}
	return PipelineOutcome{Kind: OutcomeDeliver, EmitTime: emit}
}

// recordEmit appends t to the direction's emit-time history, used by a
// later Reorder stage's holdBackFor to estimate inter-packet spacing.
func (p *Pipeline) recordEmit(t time.Time) {
	p.recentEmits = append(p.recentEmits, t)
	if len(p.recentEmits) > recentEmitsWindow {
		p.recentEmits = p.recentEmits[len(p.recentEmits)-recentEmitsWindow:]
	}
}

// holdBackFor turns a Reorder stage's "hold back by gap positions in
// the output order" (spec.md §4.8) into a concrete emit-time offset: it
// estimates the direction's recent inter-packet spacing from emit
// history and multiplies by gap, falling back to a nominal 1ms spacing
// when there isn't enough history yet.
func (p *Pipeline) holdBackFor(from time.Time, gap int) time.Time {
	if gap <= 0 {
		gap = 1
	}
	interval := time.Millisecond
	if n := len(p.recentEmits); n >= 2 {
		span := p.recentEmits[n-1].Sub(p.recentEmits[0])
		interval = span / time.Duration(n-1)
		if interval <= 0 {
			interval = time.Millisecond
		}
	}
	return from.Add(interval * time.Duration(gap))
}

// applyRemaining re-enters a duplicated child into the stages after
// index start, per spec.md §4.8 "the duplicate re-enters subsequent
// stages independently". A later Duplicate stage forks the child again,
// and every resulting copy is returned in one flat list.
func (p *Pipeline) applyRemaining(stages []Stage, pkt *packet.Packet, now time.Time) []DupChild {
	sub := &Pipeline{stages: stages, rng: p.rng}
	sub.gilbert = make([]gilbertState, len(stages))
	sub.correlated = make([]correlatedState, len(stages))
	sub.rateBuckets = make([]*tokenbucket.Bucket, len(stages))
	outcome := sub.Apply(pkt, now)
	switch outcome.Kind {
	case OutcomeDrop:
		return nil
	case OutcomeDuplicate:
		return outcome.Children
	default:
		return []DupChild{{Packet: pkt, EmitTime: outcome.EmitTime}}
	}
}

func stages(all []Stage, from int) []Stage {
	if from >= len(all) {
		return nil
	}
	return all[from:]
}

func (p *Pipeline) drawDelay(d DelayParams) time.Duration {
	var sample float64
	switch d.Distribution {
	case DistNormal:
		sample = p.rng.NormFloat64()
	case DistPareto:
		sample = paretoSample(p.rng)
	case DistParetoNormal:
		sample = (paretoSample(p.rng) + p.rng.NormFloat64()) / 2
	default: // DistUniform
		sample = p.rng.Float64()*2 - 1
	}
	d2 := float64(d.Mean) + sample*float64(d.Jitter)
	if d2 < 0 {
		d2 = 0
	}
	return time.Duration(d2)
}

// paretoSample draws from a standard Pareto(1) distribution via inverse
// transform sampling, shifted so its mode sits near zero like the other
// jitter distributions.
func paretoSample(rng *rand.Rand) float64 {
	u := rng.Float64()
	if u <= 0 {
		u = 1e-9
	}
	return 1/u - 1
}

// correlatedDecision implements spec.md §4.8 Loss.Correlated: P(loss |
// previous loss) = p + ρ(1-p); P(loss | previous ok) = p(1-ρ).
func (p *Pipeline) correlatedDecision(stageIdx int, params LossParams) bool {
	st := &p.correlated[stageIdx]
	var threshold float64
	if st.prevLoss {
		threshold = params.P + params.Rho*(1-params.P)
	} else {
		threshold = params.P * (1 - params.Rho)
	}
	lost := p.rng.Float64() < threshold
	st.prevLoss = lost
	return lost
}

// gilbertElliottDecision implements spec.md §4.8 Loss.GilbertElliott: a
// two-state (Good/Bad) Markov chain with transition probabilities PGB
// (Good->Bad) and PBG (Bad->Good); loss probability is 1-K in Good and
// 1-H in Bad.
func (p *Pipeline) gilbertElliottDecision(stageIdx int, params LossParams) bool {
	st := &p.gilbert[stageIdx]
	if st.bad {
		if p.rng.Float64() < params.PBG {
			st.bad = false
		}
	} else {
		if p.rng.Float64() < params.PGB {
			st.bad = true
		}
	}
	lossProb := 1 - params.K
	if st.bad {
		lossProb = 1 - params.H
	}
	return p.rng.Float64() < lossProb
}

// corruptOneBit copy-on-writes pkt and flips one random bit of its wire
// payload, per spec.md §4.8's Corrupt stage.
func corruptOneBit(pkt *packet.Packet, rng *rand.Rand) *packet.Packet {
	if len(pkt.Wire) == 0 {
		return pkt
	}
	cp := pkt.Clone()
	bitPos := rng.IntN(len(cp.Wire) * 8)
	cp.Wire[bitPos/8] ^= 1 << uint(bitPos%8)
	return cp
}

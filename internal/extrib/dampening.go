package extrib

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Route flap dampening for the external RIB feed
// -------------------------------------------------------------------------
//
// When routersim delegates BGP to a real GoBGP speaker, a flapping external
// peer can republish and withdraw the same prefixes rapidly enough to churn
// the local RIB and FIB well beyond what the adjacency FSM's own hold-down
// would allow. The dampener tracks a penalty per external peer address
// (classic RFC 2439 route flap dampening, reused here instead of BFD's
// Down-event accounting): each advertisement received from the peer adds
// to the penalty, the penalty decays exponentially, and routes from a peer
// whose penalty crosses the suppress threshold are withdrawn locally until
// it decays back below the reuse threshold.

// DampeningConfig configures the penalty accumulation and decay parameters.
type DampeningConfig struct {
	// Enabled controls whether flap dampening is active. When false, all
	// routes pass through immediately regardless of churn.
	Enabled bool

	// SuppressThreshold is the penalty value above which a peer's routes
	// are suppressed. Typical value: 3.
	SuppressThreshold float64

	// ReuseThreshold is the penalty value below which a suppressed peer's
	// routes are allowed again. Must be less than SuppressThreshold.
	// Typical value: 2.
	ReuseThreshold float64

	// MaxSuppressTime bounds how long a peer can remain suppressed
	// regardless of penalty level. Typical value: 60s.
	MaxSuppressTime time.Duration

	// HalfLife is the time for the penalty to decay by half. Typical
	// value: 15s.
	HalfLife time.Duration
}

// DefaultDampeningConfig returns dampening disabled by default; routersim
// only enables it for deployments that have observed real external churn.
func DefaultDampeningConfig() DampeningConfig {
	return DampeningConfig{
		Enabled:           false,
		SuppressThreshold: 3,
		ReuseThreshold:    2,
		MaxSuppressTime:   60 * time.Second,
		HalfLife:          15 * time.Second,
	}
}

// Dampener tracks flap penalties per external peer address. Thread-safe.
type Dampener struct {
	cfg    DampeningConfig
	peers  map[string]*peerPenalty
	mu     sync.Mutex
	logger *slog.Logger
	now    func() time.Time
}

type peerPenalty struct {
	penalty         float64
	lastUpdate      time.Time
	suppressed      bool
	suppressedSince time.Time
}

// DampenerOption configures optional Dampener parameters.
type DampenerOption func(*Dampener)

// WithClock sets a custom time function, used in tests to control time
// progression without sleeping.
func WithClock(now func() time.Time) DampenerOption {
	return func(d *Dampener) { d.now = now }
}

// NewDampener creates a flap dampener with the given configuration.
func NewDampener(cfg DampeningConfig, logger *slog.Logger, opts ...DampenerOption) *Dampener {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dampener{
		cfg:    cfg,
		peers:  make(map[string]*peerPenalty),
		logger: logger.With(slog.String("component", "extrib.dampener")),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ShouldSuppress records a republish/flap event for peerAddr and returns
// whether that peer's routes should be withdrawn locally due to excessive
// flapping. If dampening is disabled, always returns false.
func (d *Dampener) ShouldSuppress(peerAddr string) bool {
	if !d.cfg.Enabled {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()

	pp := d.getOrCreatePeer(peerAddr, now)
	d.decayPenalty(pp, now)

	pp.penalty += 1.0
	pp.lastUpdate = now

	if pp.suppressed && now.Sub(pp.suppressedSince) >= d.cfg.MaxSuppressTime {
		d.unsuppress(pp, peerAddr)
		return false
	}

	if !pp.suppressed && pp.penalty >= d.cfg.SuppressThreshold {
		pp.suppressed = true
		pp.suppressedSince = now
		d.logger.Warn("external peer suppressed due to flap dampening",
			slog.String("peer", peerAddr),
			slog.Float64("penalty", pp.penalty),
			slog.Float64("threshold", d.cfg.SuppressThreshold),
		)
	}

	return pp.suppressed
}

// ShouldSuppressUp reports whether peerAddr is still suppressed, applying
// decay but without recording a new flap event. Used to check whether a
// peer has recovered enough to resume normal route handling. If dampening
// is disabled, always returns false.
func (d *Dampener) ShouldSuppressUp(peerAddr string) bool {
	if !d.cfg.Enabled {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()

	pp, exists := d.peers[peerAddr]
	if !exists {
		return false
	}

	d.decayPenalty(pp, now)

	if pp.suppressed && now.Sub(pp.suppressedSince) >= d.cfg.MaxSuppressTime {
		d.unsuppress(pp, peerAddr)
		return false
	}

	if pp.suppressed && pp.penalty < d.cfg.ReuseThreshold {
		d.unsuppress(pp, peerAddr)
		return false
	}

	return pp.suppressed
}

// Reset removes the penalty tracking for a peer, used when the peer is
// removed from configuration entirely.
func (d *Dampener) Reset(peerAddr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, peerAddr)
}

func (d *Dampener) getOrCreatePeer(peerAddr string, now time.Time) *peerPenalty {
	pp, exists := d.peers[peerAddr]
	if !exists {
		pp = &peerPenalty{lastUpdate: now}
		d.peers[peerAddr] = pp
	}
	return pp
}

// decayPenalty applies exponential decay: penalty * 2^(-elapsed/halfLife).
func (d *Dampener) decayPenalty(pp *peerPenalty, now time.Time) {
	if d.cfg.HalfLife <= 0 || pp.penalty == 0 {
		return
	}
	elapsed := now.Sub(pp.lastUpdate)
	if elapsed <= 0 {
		return
	}
	halfLives := float64(elapsed) / float64(d.cfg.HalfLife)
	pp.penalty *= math.Pow(0.5, halfLives)
	pp.lastUpdate = now
	if pp.penalty < 0.001 {
		pp.penalty = 0
	}
}

func (d *Dampener) unsuppress(pp *peerPenalty, peerAddr string) {
	pp.suppressed = false
	pp.suppressedSince = time.Time{}
	pp.penalty = 0
	d.logger.Info("external peer unsuppressed, flap dampening cleared", slog.String("peer", peerAddr))
}

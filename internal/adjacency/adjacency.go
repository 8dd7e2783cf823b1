package adjacency

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"sync/atomic"
	"time"
)

// Driver is the callback surface a protocol package implements to react
// to FSM actions. Neighbor calls these synchronously from its own
// goroutine, in the order the FSM action list specifies.
type Driver interface {
	// InitiateTransport begins connecting to the peer (dial a TCP socket
	// for BGP, start a hello timer for OSPF/IS-IS). Errors are reported
	// asynchronously via Neighbor.TransportFailed, not as a return value.
	InitiateTransport(ctx context.Context)
	// SendOpen transmits the protocol's negotiation message.
	SendOpen(ctx context.Context)
	// SendKeepalive transmits a keepalive/hello refresh.
	SendKeepalive(ctx context.Context)
	// NotifyUp is called once when the adjacency reaches Established.
	NotifyUp()
	// NotifyDown is called once when an Established adjacency is lost.
	NotifyDown(reason string)
}

// Config holds the timers governing one adjacency.
type Config struct {
	// HoldTime is the negotiated interval after which, absent a
	// keepalive, the adjacency is declared down.
	HoldTime time.Duration
	// KeepaliveInterval is how often SendKeepalive fires while
	// OpenConfirm or Established.
	KeepaliveInterval time.Duration
	// RetryInterval is the base delay before a failed adjacency
	// automatically retries EventStart.
	RetryInterval time.Duration
}

// eventItem is an event queued for the Neighbor goroutine, paired with
// any data the driver needs once the FSM has decided on a transition.
type eventItem struct {
	event  Event
	reason string
}

const eventChSize = 16

// Neighbor drives one adjacency's FSM in its own goroutine: it owns the
// keepalive and hold timers (jittered the way the BFD session jitters
// its TX interval) and calls back into Driver for protocol-specific
// wire actions.
type Neighbor struct {
	PeerAddr netip.Addr

	cfg    Config
	driver Driver
	logger *slog.Logger

	state atomic.Uint32

	eventCh chan eventItem
}

// NewNeighbor constructs a Neighbor; call Run in its own goroutine to
// start driving it.
func NewNeighbor(peer netip.Addr, cfg Config, driver Driver, logger *slog.Logger) *Neighbor {
	if logger == nil {
		logger = slog.Default()
	}
	n := &Neighbor{
		PeerAddr: peer,
		cfg:      cfg,
		driver:   driver,
		logger:   logger.With(slog.String("component", "adjacency"), slog.String("peer", peer.String())),
		eventCh:  make(chan eventItem, eventChSize),
	}
	n.state.Store(uint32(StateIdle))
	return n
}

// State returns the current FSM state (safe for concurrent readers).
func (n *Neighbor) State() State {
	return State(n.state.Load())
}

func (n *Neighbor) setState(s State) {
	n.state.Store(uint32(s))
}

// push enqueues an event for the Neighbor's Run loop. If the queue is
// full the event is dropped and logged — the same backpressure posture
// as the BFD manager's notification channel.
func (n *Neighbor) push(event Event, reason string) {
	select {
	case n.eventCh <- eventItem{event: event, reason: reason}:
	default:
		n.logger.Warn("adjacency event queue full, dropping event",
			slog.String("event", event.String()))
	}
}

// Start requests the adjacency begin bring-up.
func (n *Neighbor) Start() { n.push(EventStart, "") }

// Stop requests the adjacency tear down administratively.
func (n *Neighbor) Stop() { n.push(EventStop, "") }

// TransportUp reports the underlying transport became usable.
func (n *Neighbor) TransportUp() { n.push(EventTransportUp, "") }

// TransportFailed reports the underlying transport was lost.
func (n *Neighbor) TransportFailed(reason string) { n.push(EventTransportFailed, reason) }

// OpenReceived reports a valid negotiation message from the peer.
func (n *Neighbor) OpenReceived() { n.push(EventOpenReceived, "") }

// OpenRejected reports an invalid negotiation message from the peer.
func (n *Neighbor) OpenRejected(reason string) { n.push(EventOpenRejected, reason) }

// KeepaliveReceived reports a valid keepalive/hello refresh.
func (n *Neighbor) KeepaliveReceived() { n.push(EventKeepaliveReceived, "") }

// NotificationReceived reports an explicit peer teardown message.
func (n *Neighbor) NotificationReceived(reason string) {
	n.push(EventNotificationReceived, reason)
}

// jitter reduces d by 0-25%, mirroring the BFD session's TX jitter so
// many neighbors negotiated with identical timers don't all retry or
// keepalive in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	reduction := time.Duration(int64(d) * int64(rand.IntN(26)) / 100)
	return d - reduction
}

// Run drives the Neighbor's event loop until ctx is cancelled. It owns
// the hold timer (fires EventHoldTimerExpired), the keepalive timer
// (fires SendKeepalive while OpenConfirm/Established), and the retry
// timer (fires EventStart after a failure).
func (n *Neighbor) Run(ctx context.Context) {
	holdTimer := time.NewTimer(n.cfg.HoldTime)
	defer holdTimer.Stop()
	keepaliveTimer := time.NewTimer(n.cfg.KeepaliveInterval)
	defer keepaliveTimer.Stop()
	retryTimer := time.NewTimer(time.Hour)
	if !retryTimer.Stop() {
		<-retryTimer.C
	}
	defer retryTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case item := <-n.eventCh:
			n.apply(ctx, item, holdTimer, keepaliveTimer, retryTimer)

		case <-holdTimer.C:
			n.apply(ctx, eventItem{event: EventHoldTimerExpired}, holdTimer, keepaliveTimer, retryTimer)

		case <-keepaliveTimer.C:
			if s := n.State(); s == StateOpenConfirm || s == StateEstablished {
				n.driver.SendKeepalive(ctx)
			}
			keepaliveTimer.Reset(jitter(n.cfg.KeepaliveInterval))

		case <-retryTimer.C:
			n.apply(ctx, eventItem{event: EventStart}, holdTimer, keepaliveTimer, retryTimer)
		}
	}
}

func (n *Neighbor) apply(
	ctx context.Context,
	item eventItem,
	holdTimer, keepaliveTimer, retryTimer *time.Timer,
) {
	before := n.State()
	result := ApplyEvent(before, item.event)
	if !result.Changed && len(result.Actions) == 0 {
		return
	}
	n.setState(result.NewState)

	if result.Changed {
		n.logger.Info("adjacency state transition",
			slog.String("old", result.OldState.String()),
			slog.String("new", result.NewState.String()),
			slog.String("event", item.event.String()),
		)
	}

	for _, action := range result.Actions {
		switch action {
		case ActionInitiateTransport:
			n.driver.InitiateTransport(ctx)
		case ActionSendOpen:
			n.driver.SendOpen(ctx)
		case ActionSendKeepalive:
			n.driver.SendKeepalive(ctx)
		case ActionNotifyUp:
			n.driver.NotifyUp()
		case ActionNotifyDown:
			n.driver.NotifyDown(item.reason)
		case ActionResetHoldTimer:
			if !holdTimer.Stop() {
				drainTimer(holdTimer)
			}
			holdTimer.Reset(n.cfg.HoldTime)
			if !keepaliveTimer.Stop() {
				drainTimer(keepaliveTimer)
			}
			keepaliveTimer.Reset(jitter(n.cfg.KeepaliveInterval))
		case ActionScheduleRetry:
			if !retryTimer.Stop() {
				drainTimer(retryTimer)
			}
			retryTimer.Reset(jitter(n.cfg.RetryInterval))
		}
	}
}

func drainTimer(t *time.Timer) {
	select {
	case <-t.C:
	default:
	}
}

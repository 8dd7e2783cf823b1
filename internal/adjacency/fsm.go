// Package adjacency implements a protocol-agnostic neighbor state machine
// shared by the BGP, OSPF, and IS-IS drivers. Every protocol driver drives
// the same six-state machine (Idle, Connecting, OpenSent, OpenConfirm,
// Established, Failed); protocol-specific message formats live in their
// own packages and only feed events in here.
//
// The FSM itself is a pure function over a transition table, in the style
// of the BFD session FSM: no side effects, no dependency on the
// goroutine wrapper that drives timers around it. The state names and
// progression are adapted from the BGP FSM's Idle/Connect/OpenSent/
// OpenConfirm/Established ladder, generalized so OSPF and IS-IS adjacency
// bring-up (hello exchange, then full adjacency) fit the same shape.
package adjacency

// State is one of the six adjacency lifecycle states.
type State uint8

const (
	StateIdle State = iota
	StateConnecting
	StateOpenSent
	StateOpenConfirm
	StateEstablished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateOpenSent:
		return "OpenSent"
	case StateOpenConfirm:
		return "OpenConfirm"
	case StateEstablished:
		return "Established"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Event is an input to the adjacency FSM.
type Event uint8

const (
	// EventStart is a local administrative action to begin bring-up.
	EventStart Event = iota
	// EventTransportUp fires when the underlying transport (TCP session
	// for BGP, hello adjacency for OSPF/IS-IS) becomes usable.
	EventTransportUp
	// EventTransportFailed fires when the transport is lost or a dial
	// attempt fails.
	EventTransportFailed
	// EventOpenReceived fires when the peer's Open/Hello negotiation
	// message is received and accepted.
	EventOpenReceived
	// EventOpenRejected fires when the peer's Open/Hello negotiation
	// message fails validation.
	EventOpenRejected
	// EventKeepaliveReceived fires on every valid keepalive/hello refresh
	// from the peer; it both completes OpenConfirm and keeps Established
	// sessions alive.
	EventKeepaliveReceived
	// EventHoldTimerExpired fires when no keepalive/hello arrived within
	// the negotiated hold time.
	EventHoldTimerExpired
	// EventNotificationReceived fires when the peer sends an explicit
	// teardown/notification message.
	EventNotificationReceived
	// EventStop is a local administrative action to tear the adjacency
	// down.
	EventStop
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "Start"
	case EventTransportUp:
		return "TransportUp"
	case EventTransportFailed:
		return "TransportFailed"
	case EventOpenReceived:
		return "OpenReceived"
	case EventOpenRejected:
		return "OpenRejected"
	case EventKeepaliveReceived:
		return "KeepaliveReceived"
	case EventHoldTimerExpired:
		return "HoldTimerExpired"
	case EventNotificationReceived:
		return "NotificationReceived"
	case EventStop:
		return "Stop"
	default:
		return "Unknown"
	}
}

// Action is a side effect the caller must execute after a transition.
// The FSM only decides which actions apply; it never performs them.
type Action uint8

const (
	ActionInitiateTransport Action = iota + 1
	ActionSendOpen
	ActionSendKeepalive
	ActionNotifyUp
	ActionNotifyDown
	ActionScheduleRetry
	ActionResetHoldTimer
)

func (a Action) String() string {
	switch a {
	case ActionInitiateTransport:
		return "InitiateTransport"
	case ActionSendOpen:
		return "SendOpen"
	case ActionSendKeepalive:
		return "SendKeepalive"
	case ActionNotifyUp:
		return "NotifyUp"
	case ActionNotifyDown:
		return "NotifyDown"
	case ActionScheduleRetry:
		return "ScheduleRetry"
	case ActionResetHoldTimer:
		return "ResetHoldTimer"
	default:
		return "Unknown"
	}
}

type stateEvent struct {
	state State
	event Event
}

type transition struct {
	newState State
	actions  []Action
}

// Result holds the outcome of applying an event to the FSM.
type Result struct {
	OldState State
	NewState State
	Actions  []Action
	Changed  bool
}

var fsmTable = map[stateEvent]transition{
	// --- Idle ---
	{StateIdle, EventStart}: {
		newState: StateConnecting,
		actions:  []Action{ActionInitiateTransport},
	},

	// --- Connecting ---
	{StateConnecting, EventTransportUp}: {
		newState: StateOpenSent,
		actions:  []Action{ActionSendOpen, ActionResetHoldTimer},
	},
	{StateConnecting, EventTransportFailed}: {
		newState: StateIdle,
		actions:  []Action{ActionScheduleRetry},
	},
	{StateConnecting, EventStop}: {
		newState: StateIdle,
		actions:  nil,
	},

	// --- OpenSent ---
	{StateOpenSent, EventOpenReceived}: {
		newState: StateOpenConfirm,
		actions:  []Action{ActionSendKeepalive, ActionResetHoldTimer},
	},
	{StateOpenSent, EventOpenRejected}: {
		newState: StateIdle,
		actions:  []Action{ActionScheduleRetry},
	},
	{StateOpenSent, EventHoldTimerExpired}: {
		newState: StateIdle,
		actions:  []Action{ActionScheduleRetry},
	},
	{StateOpenSent, EventTransportFailed}: {
		newState: StateIdle,
		actions:  []Action{ActionScheduleRetry},
	},
	{StateOpenSent, EventStop}: {
		newState: StateIdle,
		actions:  nil,
	},

	// --- OpenConfirm ---
	{StateOpenConfirm, EventKeepaliveReceived}: {
		newState: StateEstablished,
		actions:  []Action{ActionNotifyUp, ActionResetHoldTimer},
	},
	{StateOpenConfirm, EventNotificationReceived}: {
		newState: StateIdle,
		actions:  []Action{ActionScheduleRetry},
	},
	{StateOpenConfirm, EventHoldTimerExpired}: {
		newState: StateIdle,
		actions:  []Action{ActionScheduleRetry},
	},
	{StateOpenConfirm, EventTransportFailed}: {
		newState: StateIdle,
		actions:  []Action{ActionScheduleRetry},
	},
	{StateOpenConfirm, EventStop}: {
		newState: StateIdle,
		actions:  nil,
	},

	// --- Established ---
	{StateEstablished, EventKeepaliveReceived}: {
		newState: StateEstablished,
		actions:  []Action{ActionResetHoldTimer},
	},
	{StateEstablished, EventHoldTimerExpired}: {
		newState: StateFailed,
		actions:  []Action{ActionNotifyDown, ActionScheduleRetry},
	},
	{StateEstablished, EventNotificationReceived}: {
		newState: StateFailed,
		actions:  []Action{ActionNotifyDown, ActionScheduleRetry},
	},
	{StateEstablished, EventTransportFailed}: {
		newState: StateFailed,
		actions:  []Action{ActionNotifyDown, ActionScheduleRetry},
	},
	{StateEstablished, EventStop}: {
		newState: StateIdle,
		actions:  []Action{ActionNotifyDown},
	},

	// --- Failed ---
	{StateFailed, EventStart}: {
		newState: StateConnecting,
		actions:  []Action{ActionInitiateTransport},
	},
}

// ApplyEvent applies event to currentState and returns the transition
// outcome. Unlisted (state, event) pairs are silently ignored — the
// caller gets Changed=false and no actions.
func ApplyEvent(currentState State, event Event) Result {
	tr, ok := fsmTable[stateEvent{state: currentState, event: event}]
	if !ok {
		return Result{OldState: currentState, NewState: currentState}
	}
	return Result{
		OldState: currentState,
		NewState: tr.newState,
		Actions:  tr.actions,
		Changed:  currentState != tr.newState,
	}
}

// Package rerrors declares the sentinel error kinds shared across
// routersim's control- and data-plane packages.
//
// Local errors inside a pipeline stage are counted and logged but never
// crash the process: they surface as packet drops with a reason or as
// neighbor failures. Only InvalidConfig at startup is fatal.
package rerrors

import "errors"

var (
	// ErrInvalidPrefix is returned when a prefix length exceeds the
	// address family's bit width, or the prefix is otherwise malformed.
	ErrInvalidPrefix = errors.New("invalid prefix")

	// ErrInvalidConfig is returned when configuration fails validation.
	// Fatal at startup; never returned from steady-state operations.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrQueueFull is returned when a bounded queue (shaper, delay queue,
	// ingress/egress channel) is at capacity.
	ErrQueueFull = errors.New("queue full")

	// ErrNoRoute is returned when a FIB lookup finds no covering prefix.
	ErrNoRoute = errors.New("no route to destination")

	// ErrMalformedPacket is returned when the wire decoder cannot parse a
	// packet's bytes into a valid parsed view.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrMalformedMessage is returned when a protocol driver cannot parse
	// an incoming protocol message.
	ErrMalformedMessage = errors.New("malformed protocol message")

	// ErrAdjacencyLost is returned when a neighbor's hold timer expires or
	// an unrecoverable session error occurs.
	ErrAdjacencyLost = errors.New("adjacency lost")

	// ErrShutdownRequested is not a failure; it short-circuits blocking
	// loops when the caller's context is cancelled.
	ErrShutdownRequested = errors.New("shutdown requested")

	// ErrResourceExhausted is returned when an internal resource limit
	// (port range, session table size, worker pool) is exceeded.
	ErrResourceExhausted = errors.New("resource exhausted")
)

// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package spa

import "errors"

var (
	// ErrCommandTimeout is reported when a command was transmitted the
	// maximum number of times without being acknowledged
	ErrCommandTimeout = errors.New("spa: command timed out")

	// ErrCancelled is reported for commands cancelled by the caller or
	// dropped when the engine is closed
	ErrCancelled = errors.New("spa: command cancelled")

	// ErrSuperseded is reported when a newer command of the same kind
	// replaced an unacknowledged one
	ErrSuperseded = errors.New("spa: command superseded")

	// ErrConnectionLost is reported for commands outstanding when the
	// connection dropped
	ErrConnectionLost = errors.New("spa: connection lost")

	// ErrOutOfRange is returned for a set point outside the controller's limits
	ErrOutOfRange = errors.New("spa: temperature out of range")

	// ErrInvalidMode is returned for a heat mode that cannot be selected
	ErrInvalidMode = errors.New("spa: invalid heat mode")

	// ErrNoSuchItem is returned when toggling equipment the spa does not have
	ErrNoSuchItem = errors.New("spa: no such item")

	// ErrInvalidSpeed is returned for a speed the item does not offer
	ErrInvalidSpeed = errors.New("spa: invalid speed")

	// ErrUnsupported is returned for operations the controller dialect
	// has no message for
	ErrUnsupported = errors.New("spa: not supported by this controller")

	// ErrEngineClosed is returned by requests made after Close
	ErrEngineClosed = errors.New("spa: engine closed")

	// ErrIdleTimeout ends a session that stopped receiving frames
	ErrIdleTimeout = errors.New("spa: bus idle")

	errNoStatus = errors.New("spa: no status received yet")
)

// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package crucible defines the contract between the test harness and the
// hosted server process it drives.
package crucible

import (
	"context"
	"fmt"
	"net"
)

// Process represents a hosted server process: a real, network-listening
// application instance whose lifecycle is driven by a [harness.Harness].
//
// A Process is single-use. Once stopped it is never restarted; the harness
// constructs a fresh Process for every boot attempt.
type Process interface {
	// Start begins serving. It returns once the process is accepting
	// connections or with an error if no listener could be bound or
	// the process crashed while starting up.
	Start(context.Context) error

	// RequestStop signals the process to begin a graceful shutdown.
	// It never blocks and is safe to call more than once.
	RequestStop()

	// Stopped returns a channel which is closed only after the process
	// has fully stopped serving and all of its owned resources have
	// been released.
	Stopped() <-chan struct{}

	// ForceStop terminates the process without waiting for in-flight
	// work to drain. It returns as soon as termination has been issued.
	ForceStop() error

	// Addr reports the negotiated listen address. The second return
	// value is false until a listener has been bound.
	Addr() (net.Addr, bool)

	// Close releases everything the process owns. It is idempotent.
	Close() error
}

// BootstrapError occurs when a boot attempt cannot produce a running,
// addressable [Process].
type BootstrapError struct {
	Cause error
}

// Error implements the [builtin.error] interface.
func (e BootstrapError) Error() string {
	return fmt.Sprintf("failed to bootstrap hosted process: %s", e.Cause)
}

// Unwrap implements the implicit interface used by [errors.Is] and [errors.As].
func (e BootstrapError) Unwrap() error {
	return e.Cause
}

// InvalidStateError occurs when a lifecycle operation is invoked while the
// harness is in a state that does not permit it, for example stopping a
// harness that is not running or using one after it has been disposed.
type InvalidStateError struct {
	Op     string
	Reason string
}

// Error implements the [builtin.error] interface.
func (e InvalidStateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

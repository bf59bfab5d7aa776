// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package harness

import (
	"errors"

	"github.com/z5labs/crucible"
	"github.com/z5labs/crucible/host"
	"github.com/z5labs/crucible/service"
)

// ErrStartupCrash signals that the hosted process's registry was already
// torn down right after a boot attempt: application code failed during
// startup and the process released itself.
var ErrStartupCrash = errors.New("hosted process crashed during startup")

// ErrNoListenAddress signals that the hosted process came up without
// ever negotiating a listening endpoint.
var ErrNoListenAddress = errors.New("hosted process did not negotiate a listen address")

// verifyBoot classifies the outcome of a boot attempt. It runs
// synchronously after every attempt, initial lazy boot and restarts
// alike, so the retry loop deals in exactly one error shape.
//
// Outcomes:
//   - started: the process reports an active started signal and a
//     negotiated address; verifyBoot returns nil.
//   - crashed during startup: the registry is already torn down, meaning
//     the process self-released while starting.
//   - no address: the process is up but never bound a listener.
//
// Both failure outcomes are retried identically by the restart loop;
// distinguishing them remains a policy decision for callers inspecting
// the returned [crucible.BootstrapError].
func verifyBoot(proc *host.Server, startErr error) error {
	_, err := service.Resolve[*host.Info](proc.Services())
	if errors.Is(err, service.ErrTornDown) {
		return crucible.BootstrapError{Cause: errors.Join(ErrStartupCrash, startErr)}
	}

	if startErr != nil {
		return crucible.BootstrapError{Cause: startErr}
	}
	if !proc.Started() {
		return crucible.BootstrapError{Cause: ErrStartupCrash}
	}
	if _, ok := proc.Addr(); !ok {
		return crucible.BootstrapError{Cause: ErrNoListenAddress}
	}
	return nil
}

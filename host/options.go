// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package host

import (
	"context"
	"log/slog"
	"net"

	"github.com/z5labs/crucible/internal/noop"
	"github.com/z5labs/crucible/service"
)

// Options collects everything a [Server] is constructed from. Pre-build
// configuration callbacks receive an *Options and may mutate any field
// before the server is built.
type Options struct {
	// Environment selects which configuration profile the process loads.
	Environment string

	// Host is the interface the listener binds to.
	Host string

	// Port is the port the listener binds to. Zero requests an
	// ephemeral port from the kernel. When zero, a non-zero
	// Profile.HTTP.Port takes effect instead.
	Port uint

	// LogHandler receives the process's structured log records.
	LogHandler slog.Handler

	// Profile is the environment configuration the process was built from.
	Profile Profile

	// ListenFunc overrides how the TCP listener is bound. Nil means
	// [net.Listen]. Tests inject failing listeners through this.
	ListenFunc func(network, addr string) (net.Listener, error)

	registrations []func(*service.Registry) error
	onStart       []func(context.Context) error
}

// NewOptions returns Options with their defaults: loopback host,
// ephemeral port and no-op logging.
func NewOptions(environment string) *Options {
	return &Options{
		Environment: environment,
		Host:        "127.0.0.1",
		LogHandler:  noop.LogHandler{},
	}
}

// RegisterServices appends fn to the set of registrations applied to the
// fresh [service.Registry] before the application handler is built.
func (o *Options) RegisterServices(fn func(*service.Registry) error) {
	o.registrations = append(o.registrations, fn)
}

// OnStart appends fn to the hooks executed after the listener is bound
// but before the process begins serving. A failing hook aborts startup
// and releases everything the process had acquired.
func (o *Options) OnStart(fn func(context.Context) error) {
	o.onStart = append(o.onStart, fn)
}

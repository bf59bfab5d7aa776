// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package harness boots a real HTTP application inside the test process
// and drives its lifecycle end to end.
//
// A [Harness] owns at most one hosted server process at a time. The
// first call to [Harness.Address] or [Harness.Services] bootstraps the
// process lazily; [Harness.Stop] and [Harness.Start] exercise restart
// behavior against the same port; [Harness.Close] disposes everything.
//
// Lazy bootstrap is safe under concurrent first access: exactly one
// process is booted and losers of the race observe the winner's
// instance. Start, Stop and Close serialize behind the same lock but
// are not meant to be raced against each other from multiple
// goroutines; use separate harnesses to test concurrent lifecycles.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/z5labs/crucible"
	"github.com/z5labs/crucible/hook"
	"github.com/z5labs/crucible/host"
	"github.com/z5labs/crucible/internal/noop"
	"github.com/z5labs/crucible/internal/try"
	"github.com/z5labs/crucible/service"
)

const (
	defaultMaxRestartRetries = 100
	defaultShutdownTimeout   = 5 * time.Second

	// teardownWait bounds how long Stop waits for resource release
	// after forced termination. It is a best-effort precision limit,
	// not a guarantee that teardown completed.
	teardownWait = 500 * time.Millisecond

	teardownPollInterval = time.Millisecond
)

// Harness is the application lifecycle controller.
//
// The zero value is not usable; construct one with [New]. A Harness is
// typically created once per test, configured with hooks, then driven
// through its address or registry accessors.
type Harness struct {
	env             string
	maxRetries      int
	shutdownTimeout time.Duration
	profilePaths    []string
	logHandler      slog.Handler
	log             *slog.Logger
	app             host.AppFunc

	mu        sync.Mutex
	preBuild  hook.Hook[*host.Options]
	postBuild hook.Hook[*host.Server]
	proc      *host.Server
	lastPort  uint
	booted    bool
	disposed  bool
}

// Option configures a [Harness] at construction.
type Option func(*Harness)

// Environment sets the tag selecting which configuration profile the
// hosted process loads.
//
// Default: "development".
func Environment(env string) Option {
	return func(h *Harness) {
		h.env = env
	}
}

// MaxRestartRetries caps how many times [Harness.Start] retries the
// whole construct-and-start sequence to absorb transient port
// contention from concurrent test runs.
//
// Default: 100.
func MaxRestartRetries(n int) Option {
	return func(h *Harness) {
		h.maxRetries = n
	}
}

// ShutdownTimeout bounds how long [Harness.Stop] waits for a graceful
// shutdown before forcing termination.
//
// Default: 5s.
func ShutdownTimeout(d time.Duration) Option {
	return func(h *Harness) {
		h.shutdownTimeout = d
	}
}

// ProfilePaths sets the directories searched for configuration profile
// files.
func ProfilePaths(paths ...string) Option {
	return func(h *Harness) {
		h.profilePaths = paths
	}
}

// LogHandler receives the harness's and the hosted process's structured
// log records.
func LogHandler(lh slog.Handler) Option {
	return func(h *Harness) {
		h.logHandler = lh
	}
}

// New returns a [Harness] hosting the application built by app.
func New(app host.AppFunc, opts ...Option) *Harness {
	h := &Harness{
		env:             "development",
		maxRetries:      defaultMaxRestartRetries,
		shutdownTimeout: defaultShutdownTimeout,
		logHandler:      noop.LogHandler{},
		app:             app,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(h.logHandler)
	return h
}

// OnPreBuild registers a configuration callback applied before the
// hosted process is constructed. Callbacks run in registration order.
// Registering after the process has booted only affects future boot
// attempts, never the running instance.
func (h *Harness) OnPreBuild(hk hook.Hook[*host.Options]) *Harness {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.preBuild = hook.Compose(h.preBuild, hk)
	return h
}

// OnPostBuild registers a configuration callback applied after the
// hosted process is constructed but before it begins serving.
func (h *Harness) OnPostBuild(hk hook.Hook[*host.Server]) *Harness {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.postBuild = hook.Compose(h.postBuild, hk)
	return h
}

// Override registers a transform over the instance resolved for type T
// in the hosted process's registry. It is sugar over [Harness.OnPreBuild].
func Override[T any](h *Harness, fn func(T) T) *Harness {
	return h.OnPreBuild(hook.Func[*host.Options](func(ctx context.Context, o *host.Options) error {
		o.RegisterServices(func(r *service.Registry) error {
			return service.Override(r, fn)
		})
		return nil
	}))
}

// Address returns the externally reachable base address of the hosted
// process, bootstrapping it first if necessary.
func (h *Harness) Address(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	err := h.ensureBootedLocked(ctx)
	if err != nil {
		return "", err
	}

	addr, ok := h.proc.Addr()
	if !ok {
		return "", crucible.BootstrapError{Cause: ErrNoListenAddress}
	}
	return fmt.Sprintf("http://%s", addr), nil
}

// Services returns the hosted process's resource registry,
// bootstrapping the process first if necessary. The returned registry
// is only valid until the next stop; stale references fail with
// [service.ErrTornDown].
func (h *Harness) Services(ctx context.Context) (*service.Registry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	err := h.ensureBootedLocked(ctx)
	if err != nil {
		return nil, err
	}
	return h.proc.Services(), nil
}

// Start boots a fresh hosted process requesting the previously bound
// port. It is strictly a restart primitive: initial boot always happens
// lazily through [Harness.Address] or [Harness.Services], and Start
// fails with [crucible.InvalidStateError] if the process is running or
// was never booted.
//
// Transient failures, e.g. the old port still lingering in TIME_WAIT or
// grabbed by a concurrent test run, are retried up to the configured
// maximum before the last failure is surfaced.
func (h *Harness) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disposed {
		return crucible.InvalidStateError{Op: "start", Reason: "harness has been disposed"}
	}
	if h.proc != nil {
		return crucible.InvalidStateError{Op: "start", Reason: "hosted process is already running"}
	}
	if !h.booted {
		return crucible.InvalidStateError{Op: "start", Reason: "hosted process was never booted; initial boot happens lazily on first address or registry access"}
	}

	var lastErr error
	for attempt := 0; attempt <= h.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = errors.Join(lastErr, err)
			break
		}

		proc, err := h.bootOnce(ctx, h.lastPort)
		if err == nil {
			h.adoptLocked(proc)
			return nil
		}

		var cbErr callbackError
		if errors.As(err, &cbErr) {
			return cbErr.cause
		}

		lastErr = err
		h.log.Debug("boot attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	return asBootstrapError(lastErr)
}

// Stop gracefully stops the running hosted process and fails with
// [crucible.InvalidStateError] if it is not running.
//
// Stop returns only after the process's resources have observably
// released, or after the bounded teardown wait expired; the bound is a
// best-effort limit, and teardown which outlives it completes in the
// background after Stop has returned. If the graceful shutdown does not
// complete within the configured shutdown timeout, or ctx fires first,
// the process is forcibly terminated before Stop returns. The bound
// port is remembered and requested again on the next [Harness.Start].
func (h *Harness) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disposed {
		return crucible.InvalidStateError{Op: "stop", Reason: "harness has been disposed"}
	}
	if h.proc == nil {
		return crucible.InvalidStateError{Op: "stop", Reason: "hosted process is not running"}
	}
	h.stopLocked(ctx)
	return nil
}

// Close stops the hosted process, if running, swallowing all shutdown
// errors, and marks the harness disposed. It is idempotent and safe to
// call without a prior [Harness.Stop]. Every other operation fails with
// [crucible.InvalidStateError] afterwards.
func (h *Harness) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.disposed {
		return nil
	}
	if h.proc != nil {
		h.stopLocked(ctx)
	}
	h.disposed = true
	return nil
}

func (h *Harness) ensureBootedLocked(ctx context.Context) error {
	if h.disposed {
		return crucible.InvalidStateError{Op: "bootstrap", Reason: "harness has been disposed"}
	}
	if h.proc != nil {
		return nil
	}

	proc, err := h.bootOnce(ctx, h.lastPort)
	if err != nil {
		var cbErr callbackError
		if errors.As(err, &cbErr) {
			return cbErr.cause
		}
		return asBootstrapError(err)
	}
	h.adoptLocked(proc)
	return nil
}

func (h *Harness) adoptLocked(proc *host.Server) {
	h.proc = proc
	h.booted = true
}

// callbackError marks a failure originating in user-supplied
// configuration callbacks, whether returned or panicked. Those
// propagate unmodified to the boot caller and are never retried.
type callbackError struct {
	cause error
}

func (e callbackError) Error() string {
	return fmt.Sprintf("configuration callback failed: %s", e.cause)
}

func (e callbackError) Unwrap() error {
	return e.cause
}

func asBootstrapError(err error) error {
	var berr crucible.BootstrapError
	if errors.As(err, &berr) {
		return err
	}
	return crucible.BootstrapError{Cause: err}
}

func (h *Harness) bootOnce(ctx context.Context, port uint) (proc *host.Server, err error) {
	defer func() {
		if err != nil && proc != nil {
			_ = proc.Close()
			proc = nil
		}
	}()
	defer try.Recover(&err)

	opts := host.NewOptions(h.env)
	opts.Port = port
	opts.LogHandler = h.logHandler

	profile, err := host.LoadProfile(h.env, h.profilePaths...)
	if err != nil {
		return nil, err
	}
	opts.Profile = profile

	if h.preBuild != nil {
		err := runHook(ctx, h.preBuild, opts)
		if err != nil {
			return nil, err
		}
	}

	proc, err = host.New(ctx, h.app, opts)
	if err != nil {
		return nil, err
	}

	if h.postBuild != nil {
		err := runHook(ctx, h.postBuild, proc)
		if err != nil {
			_ = proc.Close()
			return nil, err
		}
	}

	err = verifyBoot(proc, proc.Start(ctx))
	if err != nil {
		_ = proc.Close()
		return nil, err
	}
	return proc, nil
}

// runHook runs a configuration callback chain behind its own panic
// recovery, so a broken callback fails the boot fast instead of being
// retried like a transient failure.
func runHook[T any](ctx context.Context, hk hook.Hook[T], v T) error {
	var err error
	func() {
		defer try.Recover(&err)
		err = hk.Run(ctx, v)
	}()
	if err != nil {
		return callbackError{cause: err}
	}
	return nil
}

// stopLocked performs the stop sequence against the current process.
// It is best-effort beyond the graceful wait: forced termination and
// disposal errors are swallowed, and the process handle is always
// cleared. The blocking dispose only runs once teardown has been
// observed; teardown which outlives the bounded wait finishes on a
// background goroutine so Stop honors its documented bound.
func (h *Harness) stopLocked(ctx context.Context) {
	proc := h.proc

	if addr, ok := proc.Addr(); ok {
		h.lastPort = tcpPort(addr)
	}

	proc.RequestStop()

	grace := time.NewTimer(h.shutdownTimeout)
	defer grace.Stop()

	graceful := false
	select {
	case <-proc.Stopped():
		graceful = true
	case <-grace.C:
	case <-ctx.Done():
	}

	tornDown := graceful
	if !graceful {
		_ = proc.ForceStop()
		tornDown = h.awaitTeardown(proc)
	}

	if tornDown {
		_ = proc.Close()
	} else {
		go func() {
			_ = proc.Close()
		}()
	}
	h.proc = nil

	h.log.Info("stopped hosted process",
		slog.String("instance", proc.ID().String()),
		slog.Bool("graceful", graceful),
	)
}

// awaitTeardown waits for the process to report that its resources have
// released, either through the explicit stopped signal or by observing
// the registry tear down, bounded by teardownWait. It reports whether
// teardown was observed within the bound.
func (h *Harness) awaitTeardown(proc *host.Server) bool {
	deadline := time.NewTimer(teardownWait)
	defer deadline.Stop()
	tick := time.NewTicker(teardownPollInterval)
	defer tick.Stop()

	for {
		select {
		case <-proc.Stopped():
			return true
		case <-tick.C:
			_, err := service.Resolve[*host.Info](proc.Services())
			if errors.Is(err, service.ErrTornDown) {
				return true
			}
		case <-deadline.C:
			return false
		}
	}
}

func tcpPort(addr net.Addr) uint {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return 0
	}
	return uint(tcpAddr.Port)
}

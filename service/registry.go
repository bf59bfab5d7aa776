// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package service provides the resource registry a hosted server process
// resolves its collaborators from.
//
// The registry is type keyed: at most one instance per Go type. It owns
// the teardown of every managed instance and guarantees teardown runs
// exactly once per instance, even when the same instance was enrolled
// under multiple ownership roles.
package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/z5labs/crucible/internal/try"
)

// ErrTornDown is returned by all registry operations once [Registry.Close]
// has released the registry's resources. Callers holding a registry
// reference across a restart will observe this error instead of stale
// instances.
var ErrTornDown = errors.New("service: registry has been torn down")

// ErrTearingDown is returned by registry operations while [Registry.Close]
// is still releasing managed instances. Observers waiting for resources to
// release must keep waiting until they see [ErrTornDown].
var ErrTearingDown = errors.New("service: registry is tearing down")

// NotRegisteredError occurs when resolving a type no instance has been
// registered for.
type NotRegisteredError struct {
	Type reflect.Type
}

// Error implements the [builtin.error] interface.
func (e NotRegisteredError) Error() string {
	return fmt.Sprintf("service: no instance registered for type %s", e.Type)
}

// Stopper is implemented by managed instances which need to flush or
// drain before being closed.
type Stopper interface {
	Stop(context.Context) error
}

// guard makes teardown of a single instance a once-only transition, no
// matter how many ownership paths reach it. The flag flips with a
// compare-and-swap before any teardown logic runs.
type guard struct {
	torn atomic.Bool
	v    any
}

func (g *guard) teardown(ctx context.Context) (err error) {
	if !g.torn.CompareAndSwap(false, true) {
		return nil
	}
	defer try.Close(&err, g.v)

	s, ok := g.v.(Stopper)
	if !ok {
		return nil
	}
	return s.Stop(ctx)
}

// Registry is a type keyed collection of service instances.
//
// A Registry is safe for concurrent use. It is created by the hosted
// server process, lives exactly as long as that process, and is never
// reused across restarts.
type state int

const (
	stateLive state = iota
	stateClosing
	stateTornDown
)

type Registry struct {
	mu        sync.RWMutex
	state     state
	entries   map[reflect.Type]any
	overrides map[reflect.Type]func(any) any
	guards    []*guard
	enrolled  map[any]*guard
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{
		entries:   make(map[reflect.Type]any),
		overrides: make(map[reflect.Type]func(any) any),
		enrolled:  make(map[any]*guard),
	}
}

// Register stores v as the instance resolved for type T, replacing any
// previously registered instance. If an override has been installed for
// T via [Override] it is applied before v is stored.
//
// Instances implementing [Stopper] or [io.Closer] are automatically
// managed: the registry tears them down when it is closed.
func Register[T any](r *Registry, v T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.stateErrLocked(); err != nil {
		return err
	}

	key := reflect.TypeFor[T]()
	instance := any(v)
	if override, ok := r.overrides[key]; ok {
		instance = override(instance)
	}
	r.entries[key] = instance
	r.enrollLocked(instance)
	return nil
}

// Resolve returns the instance registered for type T.
func Resolve[T any](r *Registry) (T, error) {
	var zero T

	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.stateErrLocked(); err != nil {
		return zero, err
	}

	key := reflect.TypeFor[T]()
	instance, ok := r.entries[key]
	if !ok {
		return zero, NotRegisteredError{Type: key}
	}
	return instance.(T), nil
}

// Override installs fn as a transform over the instance resolved for
// type T. If an instance is already registered it is replaced with
// fn(current) immediately; otherwise the transform is applied to the
// next [Register] call for T. Only one override per type is retained;
// installing a second replaces the first.
func Override[T any](r *Registry, fn func(T) T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.stateErrLocked(); err != nil {
		return err
	}

	key := reflect.TypeFor[T]()
	r.overrides[key] = func(v any) any {
		return fn(v.(T))
	}
	if current, ok := r.entries[key]; ok {
		replacement := any(fn(current.(T)))
		r.entries[key] = replacement
		r.enrollLocked(replacement)
	}
	return nil
}

// Manage enrolls v for teardown without registering it for resolution.
// This is the second ownership role: an instance may be both registered
// as a service and managed as a lifecycle component, and its teardown
// still runs exactly once.
func (r *Registry) Manage(v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.stateErrLocked(); err != nil {
		return err
	}
	r.enrollLocked(v)
	return nil
}

func (r *Registry) stateErrLocked() error {
	switch r.state {
	case stateClosing:
		return ErrTearingDown
	case stateTornDown:
		return ErrTornDown
	}
	return nil
}

func (r *Registry) enrollLocked(v any) {
	if v == nil {
		return
	}

	// Comparable instances are indexed by identity so that enrolling the
	// same instance through two ownership paths shares one guard.
	if reflect.TypeOf(v).Comparable() {
		if _, ok := r.enrolled[v]; ok {
			return
		}
		g := &guard{v: v}
		r.enrolled[v] = g
		r.guards = append(r.guards, g)
		return
	}

	r.guards = append(r.guards, &guard{v: v})
}

// TornDown reports whether [Registry.Close] has completed. It stays
// false while teardown is still in flight.
func (r *Registry) TornDown() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state == stateTornDown
}

// Close tears down every managed instance in reverse enrollment order.
// While teardown is in flight the registry rejects all operations with
// [ErrTearingDown]; only once every managed instance has actually
// released does it transition to torn down, so observers of
// [Registry.TornDown] (or of [ErrTornDown] from a resolve) may assume
// dependent services are gone. Close is idempotent; only the first call
// runs any teardown.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.state != stateLive {
		r.mu.Unlock()
		return nil
	}
	r.state = stateClosing
	guards := r.guards
	r.guards = nil
	r.mu.Unlock()

	errs := make([]error, 0, len(guards))
	for i := len(guards) - 1; i >= 0; i-- {
		err := guards[i].teardown(ctx)
		if err != nil {
			errs = append(errs, err)
		}
	}

	r.mu.Lock()
	r.state = stateTornDown
	r.mu.Unlock()

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package host implements the hosted server process: a real [net/http]
// server bound to a real TCP port, with explicit started and fully
// stopped lifecycle signals.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/z5labs/crucible"
	"github.com/z5labs/crucible/internal/join"
	"github.com/z5labs/crucible/service"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// AppFunc builds the application hosted by a [Server]. It registers the
// application's services into the given registry and returns the root
// [http.Handler] the server dispatches requests to.
type AppFunc func(context.Context, *service.Registry) (http.Handler, error)

// Info identifies a single boot of a hosted server process. Every
// registry always resolves an *Info; its disappearance ([service.ErrTornDown])
// is the canonical signal that the process released its resources.
type Info struct {
	Environment string
	ID          uuid.UUID
}

// Server is a single-use hosted server process.
//
// A Server transitions New -> serving -> stopped and is never reused; a
// restart constructs a fresh Server. It implements [crucible.Process].
type Server struct {
	id       uuid.UUID
	log      *slog.Logger
	registry *service.Registry
	srv      *http.Server
	listen   func(network, addr string) (net.Listener, error)
	host     string
	port     uint
	onStart  []func(context.Context) error

	mu      sync.Mutex
	ls      net.Listener
	started bool
	serving bool

	closed      atomic.Bool
	stopOnce    sync.Once
	stoppedOnce sync.Once
	stopSignal  chan struct{}
	stopped     chan struct{}
}

var _ crucible.Process = (*Server)(nil)

// New builds a [Server] from the given application and options. The
// returned server owns a fresh [service.Registry] which already resolves
// an [*Info] and the construction [Profile]. If the application fails to
// build, the registry is torn down before the error is returned.
func New(ctx context.Context, app AppFunc, o *Options) (*Server, error) {
	if o == nil {
		o = NewOptions("development")
	}

	reg := service.NewRegistry()
	id := uuid.New()
	if err := service.Register(reg, &Info{Environment: o.Environment, ID: id}); err != nil {
		return nil, err
	}
	if err := service.Register(reg, o.Profile); err != nil {
		return nil, err
	}
	for _, fn := range o.registrations {
		if err := fn(reg); err != nil {
			_ = reg.Close(ctx)
			return nil, err
		}
	}

	h, err := app(ctx, reg)
	if err != nil {
		_ = reg.Close(ctx)
		return nil, err
	}

	port := o.Port
	if port == 0 {
		port = o.Profile.HTTP.Port
	}
	listen := o.ListenFunc
	if listen == nil {
		listen = net.Listen
	}

	s := &Server{
		id:       id,
		log:      slog.New(o.LogHandler),
		registry: reg,
		listen:   listen,
		host:     o.Host,
		port:     port,
		onStart:  o.onStart,
		srv: &http.Server{
			Handler:           otelhttp.NewHandler(h, "host"),
			ReadTimeout:       orDefault(o.Profile.HTTP.ReadTimeout, 5*time.Second),
			ReadHeaderTimeout: orDefault(o.Profile.HTTP.ReadHeaderTimeout, 2*time.Second),
			WriteTimeout:      orDefault(o.Profile.HTTP.WriteTimeout, 10*time.Second),
			IdleTimeout:       orDefault(o.Profile.HTTP.IdleTimeout, 120*time.Second),
			MaxHeaderBytes:    orDefaultInt(o.Profile.HTTP.MaxHeaderBytes, 1<<20),
		},
		stopSignal: make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	return s, nil
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func orDefaultInt(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}

// Services returns the registry owned by this process.
func (s *Server) Services() *service.Registry {
	return s.registry
}

// ID returns the identifier of this boot instance.
func (s *Server) ID() uuid.UUID {
	return s.id
}

// Start binds the listener and begins serving. It returns an error if
// the listener cannot be bound or a start hook fails; in the latter case
// everything the process had acquired, including the registry, has been
// released by the time Start returns.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return errors.New("host: process has been closed")
	}
	if s.ls != nil {
		return errors.New("host: process has already been started")
	}

	ls, err := s.listen("tcp", net.JoinHostPort(s.host, strconv.FormatUint(uint64(s.port), 10)))
	if err != nil {
		return fmt.Errorf("host: failed to bind listener: %w", err)
	}

	for _, fn := range s.onStart {
		err := fn(ctx)
		if err == nil {
			continue
		}
		_ = ls.Close()
		_ = s.registry.Close(ctx)
		s.stoppedOnce.Do(func() { close(s.stopped) })
		return fmt.Errorf("host: start hook failed: %w", err)
	}

	s.ls = ls
	s.started = true
	s.serving = true
	go s.serve(ls)

	s.log.Info("started hosted process",
		slog.String("instance", s.id.String()),
		slog.String("addr", ls.Addr().String()),
	)
	return nil
}

func (s *Server) serve(ls net.Listener) {
	err := join.Wait(
		context.Background(),
		func(ctx context.Context) error {
			return s.srv.Serve(ls)
		},
		func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.stopSignal:
			}
			return s.srv.Shutdown(context.Background())
		},
	)

	// Resources must be released before the stopped signal fires so
	// observers of Stopped never see a live registry afterwards.
	cerr := s.registry.Close(context.Background())

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()

	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
		s.log.Error("hosted process stopped serving unexpectedly",
			slog.String("instance", s.id.String()),
			slog.String("error", err.Error()),
		)
	}
	if cerr != nil {
		s.log.Error("failed to release hosted process resources",
			slog.String("instance", s.id.String()),
			slog.String("error", cerr.Error()),
		)
	}

	s.stoppedOnce.Do(func() { close(s.stopped) })
}

// RequestStop signals the process to begin a graceful shutdown. It never
// blocks; completion is observed through [Server.Stopped].
func (s *Server) RequestStop() {
	s.stopOnce.Do(func() { close(s.stopSignal) })
}

// Stopped returns a channel closed only after the process has stopped
// serving and its registry has released every owned resource.
func (s *Server) Stopped() <-chan struct{} {
	return s.stopped
}

// ForceStop terminates the process immediately, abandoning in-flight
// requests.
func (s *Server) ForceStop() error {
	return s.srv.Close()
}

// Started reports whether the process is currently serving.
func (s *Server) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Addr reports the negotiated listen address, or false if no listener
// was ever bound.
func (s *Server) Addr() (net.Addr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ls == nil {
		return nil, false
	}
	return s.ls.Addr(), true
}

// Close releases everything the process owns. If the process is serving,
// Close forces termination and blocks until the serve loop has fully
// wound down and the registry has been released. Close is idempotent.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.RequestStop()
	_ = s.srv.Close()

	s.mu.Lock()
	serving := s.serving
	ls := s.ls
	s.mu.Unlock()

	if serving {
		<-s.stopped
		return nil
	}

	if ls != nil {
		_ = ls.Close()
	}
	err := s.registry.Close(context.Background())
	s.stoppedOnce.Do(func() { close(s.stopped) })
	return err
}

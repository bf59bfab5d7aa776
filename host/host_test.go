// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package host

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/z5labs/crucible/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func helloApp() AppFunc {
	return func(ctx context.Context, reg *service.Registry) (http.Handler, error) {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, "hello")
		}), nil
	}
}

func awaitStopped(t *testing.T, srv *Server) {
	t.Helper()
	select {
	case <-srv.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal("process never reported fully stopped")
	}
}

func TestServer(t *testing.T) {
	t.Run("will serve real http requests", func(t *testing.T) {
		srv, err := New(context.Background(), helloApp(), NewOptions("test"))
		require.NoError(t, err)
		defer srv.Close()

		err = srv.Start(context.Background())
		require.NoError(t, err)

		addr, ok := srv.Addr()
		require.True(t, ok)
		assert.True(t, srv.Started())

		resp, err := http.Get("http://" + addr.String())
		require.NoError(t, err)
		defer resp.Body.Close()

		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(b))
	})

	t.Run("will report no address before starting", func(t *testing.T) {
		srv, err := New(context.Background(), helloApp(), NewOptions("test"))
		require.NoError(t, err)
		defer srv.Close()

		_, ok := srv.Addr()
		assert.False(t, ok)
		assert.False(t, srv.Started())
	})

	t.Run("will always resolve the boot info", func(t *testing.T) {
		opts := NewOptions("staging")
		srv, err := New(context.Background(), helloApp(), opts)
		require.NoError(t, err)
		defer srv.Close()

		info, err := service.Resolve[*Info](srv.Services())
		require.NoError(t, err)
		assert.Equal(t, "staging", info.Environment)
		assert.Equal(t, srv.ID(), info.ID)
	})

	t.Run("will release resources before signaling stopped", func(t *testing.T) {
		srv, err := New(context.Background(), helloApp(), NewOptions("test"))
		require.NoError(t, err)
		defer srv.Close()

		require.NoError(t, srv.Start(context.Background()))

		srv.RequestStop()
		awaitStopped(t, srv)

		assert.True(t, srv.Services().TornDown())
		assert.False(t, srv.Started())

		_, err = service.Resolve[*Info](srv.Services())
		assert.ErrorIs(t, err, service.ErrTornDown)
	})

	t.Run("will tolerate repeated stop requests", func(t *testing.T) {
		srv, err := New(context.Background(), helloApp(), NewOptions("test"))
		require.NoError(t, err)
		defer srv.Close()

		require.NoError(t, srv.Start(context.Background()))

		srv.RequestStop()
		srv.RequestStop()
		awaitStopped(t, srv)
	})

	t.Run("will terminate on force stop", func(t *testing.T) {
		srv, err := New(context.Background(), helloApp(), NewOptions("test"))
		require.NoError(t, err)
		defer srv.Close()

		require.NoError(t, srv.Start(context.Background()))

		err = srv.ForceStop()
		require.NoError(t, err)
		awaitStopped(t, srv)
	})

	t.Run("will be safe to close twice", func(t *testing.T) {
		srv, err := New(context.Background(), helloApp(), NewOptions("test"))
		require.NoError(t, err)

		require.NoError(t, srv.Start(context.Background()))

		assert.NoError(t, srv.Close())
		assert.NoError(t, srv.Close())
		assert.True(t, srv.Services().TornDown())
	})

	t.Run("will be safe to close without starting", func(t *testing.T) {
		srv, err := New(context.Background(), helloApp(), NewOptions("test"))
		require.NoError(t, err)

		assert.NoError(t, srv.Close())
		assert.True(t, srv.Services().TornDown())
	})

	t.Run("will return an error", func(t *testing.T) {
		t.Run("if the listener cannot be bound", func(t *testing.T) {
			bindErr := errors.New("address already in use")

			opts := NewOptions("test")
			opts.ListenFunc = func(network, addr string) (net.Listener, error) {
				return nil, bindErr
			}

			srv, err := New(context.Background(), helloApp(), opts)
			require.NoError(t, err)
			defer srv.Close()

			err = srv.Start(context.Background())
			assert.ErrorIs(t, err, bindErr)
			assert.False(t, srv.Services().TornDown())
		})

		t.Run("if the application fails to build", func(t *testing.T) {
			buildErr := errors.New("bad wiring")
			app := func(ctx context.Context, reg *service.Registry) (http.Handler, error) {
				return nil, buildErr
			}

			_, err := New(context.Background(), app, NewOptions("test"))
			assert.ErrorIs(t, err, buildErr)
		})

		t.Run("if a start hook fails", func(t *testing.T) {
			hookErr := errors.New("migration failed")

			opts := NewOptions("test")
			opts.OnStart(func(ctx context.Context) error {
				return hookErr
			})

			srv, err := New(context.Background(), helloApp(), opts)
			require.NoError(t, err)
			defer srv.Close()

			err = srv.Start(context.Background())
			assert.ErrorIs(t, err, hookErr)

			// a failed startup releases everything it acquired
			assert.True(t, srv.Services().TornDown())
			awaitStopped(t, srv)
		})

		t.Run("if started twice", func(t *testing.T) {
			srv, err := New(context.Background(), helloApp(), NewOptions("test"))
			require.NoError(t, err)
			defer srv.Close()

			require.NoError(t, srv.Start(context.Background()))

			err = srv.Start(context.Background())
			assert.Error(t, err)
		})
	})

	t.Run("will bind the port from the profile", func(t *testing.T) {
		t.Run("if no explicit port is set", func(t *testing.T) {
			// grab a free port first so the test doesn't guess one
			probe, err := net.Listen("tcp", "127.0.0.1:0")
			require.NoError(t, err)
			port := probe.Addr().(*net.TCPAddr).Port
			require.NoError(t, probe.Close())

			opts := NewOptions("test")
			opts.Profile.HTTP.Port = uint(port)

			srv, err := New(context.Background(), helloApp(), opts)
			require.NoError(t, err)
			defer srv.Close()

			require.NoError(t, srv.Start(context.Background()))

			addr, ok := srv.Addr()
			require.True(t, ok)
			assert.Equal(t, port, addr.(*net.TCPAddr).Port)
		})
	})
}

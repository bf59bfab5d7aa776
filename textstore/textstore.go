// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package textstore is the sample application hosted by the harness in
// examples and tests: a single piece of text persisted to a file,
// exposed over GET and PUT.
package textstore

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/z5labs/crucible/host"
	"github.com/z5labs/crucible/service"
)

// PathKey is the profile setting naming the file the store persists to.
const PathKey = "textstore_path"

// Store holds a single piece of text.
type Store interface {
	Get() (string, error)
	Set(string) error
}

// FileStore is the default [Store], persisting the text to a file so it
// survives a stop/start cycle of the hosted process.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a [FileStore] persisting to the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Get returns the persisted text. A store that was never written to
// returns the empty string.
func (s *FileStore) Get() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Set persists the text.
func (s *FileStore) Set(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.WriteFile(s.path, []byte(text), 0o644)
}

// Close implements [io.Closer] so the registry manages the store's
// teardown.
func (s *FileStore) Close() error {
	return nil
}

// Handler serves the store resolved from reg at request time. Resolving
// lazily means an override installed on the registry fully replaces the
// behavior observed over the wire.
func Handler(reg *service.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /text", func(w http.ResponseWriter, r *http.Request) {
		st, err := service.Resolve[Store](reg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		text, err := st.Get()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, text)
	})
	mux.HandleFunc("PUT /text", func(w http.ResponseWriter, r *http.Request) {
		st, err := service.Resolve[Store](reg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		b, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		err = st.Set(string(b))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "textstore")
	})
	return mux
}

// App returns the [host.AppFunc] building the textstore application.
// The persisted path comes from the [PathKey] profile setting and falls
// back to a file in the OS temp directory.
//
// The store is enrolled under two ownership roles, as a resolvable
// service and as a registry-managed component, mirroring hosts that
// register one singleton under multiple container paths.
func App() host.AppFunc {
	return func(ctx context.Context, reg *service.Registry) (http.Handler, error) {
		profile, err := service.Resolve[host.Profile](reg)
		if err != nil {
			return nil, err
		}

		path := profile.Value(PathKey)
		if path == "" {
			path = filepath.Join(os.TempDir(), "textstore.txt")
		}

		st := NewFileStore(path)
		err = service.Register[Store](reg, st)
		if err != nil {
			return nil, err
		}
		err = reg.Manage(st)
		if err != nil {
			return nil, err
		}

		return Handler(reg), nil
	}
}

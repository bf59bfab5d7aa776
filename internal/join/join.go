// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package join runs a set of tasks concurrently and waits for all of
// them to finish, regardless of individual failures or panics.
package join

import (
	"context"

	"github.com/z5labs/crucible/internal/try"

	"golang.org/x/sync/errgroup"
)

// Task is a unit of work bounded by a [context.Context].
type Task func(context.Context) error

// Wait runs every task in its own goroutine and blocks until all of
// them have returned. The context passed to each task is cancelled as
// soon as any task returns or panics, so long-lived tasks should treat
// cancellation as their stop signal. A panicking task is recovered and
// reported as a [try.PanicError].
func Wait(ctx context.Context, tasks ...Task) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		g.Go(func() (err error) {
			defer try.Recover(&err)

			return task(gctx)
		})
	}
	return g.Wait()
}

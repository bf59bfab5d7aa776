// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package hook provides composable configuration callbacks.
//
// Callbacks are accumulated by composition instead of by appending to a
// shared slice: every call to [Compose] returns a brand new [Hook] which
// closes over the previous chain. The chain is therefore persistent and
// append-only, and a registered callback can never be removed.
package hook

import "context"

// Hook is a configuration callback applied to a value of type T.
type Hook[T any] interface {
	Run(context.Context, T) error
}

// Func is a func variant of the [Hook] interface.
type Func[T any] func(context.Context, T) error

// Run implements the [Hook] interface.
func (f Func[T]) Run(ctx context.Context, v T) error {
	return f(ctx, v)
}

// Compose returns a [Hook] which runs prev, in its original registration
// order, followed by next. A nil prev is treated as the empty chain. The
// first callback to return an error short circuits the rest of the chain.
func Compose[T any](prev, next Hook[T]) Hook[T] {
	if prev == nil {
		return next
	}
	return Func[T](func(ctx context.Context, v T) error {
		err := prev.Run(ctx, v)
		if err != nil {
			return err
		}
		return next.Run(ctx, v)
	})
}

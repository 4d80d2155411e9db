// SPDX-License-Identifier: GPL-3.0-or-later

// Package future implements a deferred completion handle.
//
// A [*Future] is completed exactly once, from any goroutine, with a value
// and an error. Callers may either block on it or register callbacks that
// run when it completes. Futures are the suspension points used by the
// [github.com/bassosimone/hops/rwlock] and [github.com/bassosimone/hops/bridge]
// packages and the return type of the asynchronous tunnel operations.
package future

import (
	"context"
	"sync"
)

// Future is a value of type T that becomes available later.
//
// The zero value is not usable; construct with [New], [Resolved],
// [Rejected] or [Go].
type Future[T any] struct {
	callbacks []func(T, error)
	completed bool
	done      chan struct{}
	err       error
	mu        sync.Mutex
	value     T
}

// New returns a pending [*Future].
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a [*Future] already completed with value.
func Resolved[T any](value T) *Future[T] {
	f := New[T]()
	f.Complete(value, nil)
	return f
}

// Rejected returns a [*Future] already completed with err.
func Rejected[T any](err error) *Future[T] {
	f := New[T]()
	var zero T
	f.Complete(zero, err)
	return f
}

// Go runs fn on a new goroutine and returns a [*Future] completed
// with its result.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := New[T]()
	go func() {
		f.Complete(fn())
	}()
	return f
}

// Complete completes the future. Only the first call has an effect and
// returns true; later calls return false.
//
// Callbacks registered with [*Future.OnComplete] run on the calling
// goroutine, in registration order, after the result is published.
func (f *Future[T]) Complete(value T, err error) bool {
	f.mu.Lock()
	if f.completed {
		f.mu.Unlock()
		return false
	}
	f.completed = true
	f.value, f.err = value, err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	f.mu.Unlock()

	for _, cb := range callbacks {
		cb(value, err)
	}
	return true
}

// Done returns a channel closed once the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone returns whether the future has completed.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result blocks until the future completes and returns its outcome.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.value, f.err
}

// Wait is like [*Future.Result] but gives up when ctx is done. Giving up
// does not cancel the underlying operation.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// OnComplete registers fn to be called with the outcome.
//
// If the future is already complete, fn runs immediately on the
// calling goroutine.
func (f *Future[T]) OnComplete(fn func(T, error)) {
	f.mu.Lock()
	if !f.completed {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	value, err := f.value, f.err
	f.mu.Unlock()
	fn(value, err)
}

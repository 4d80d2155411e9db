// SPDX-License-Identifier: GPL-3.0-or-later

// Package bridge runs suspend-based operations from blocking call sites.
//
// A suspend-based operation is a [kont.Eff] computation whose suspension
// points are the effects defined by this package ([Await], [AwaitResult]
// and [Fail]). [Execute] evaluates such a computation on the calling
// goroutine: whenever the computation suspends on a [*future.Future], the
// bridge subscribes to it and the completion posts a continuation to the
// bridge's own work queue. The calling goroutine pumps that queue until a
// sentinel item says the task is done. No other goroutine is blocked.
//
// A [*Bridge] runs one task at a time and is not reentrant.
package bridge

import (
	"errors"
	"sync"
	"sync/atomic"

	"code.hybscloud.com/kont"
	"github.com/bassosimone/hops/future"
)

// ErrReentrantExecute is returned when [Execute] is called on a bridge
// that is already running a task.
var ErrReentrantExecute = errors.New("bridge: Execute called while a task is running")

// Result is the outcome of an operation observed with [AwaitResult].
type Result[T any] struct {
	Value T
	Err   error
}

// Bridge owns the private work queue used by [Execute].
//
// Construct using [New].
type Bridge struct {
	items   []item
	mu      sync.Mutex
	running atomic.Bool
	wakeup  chan struct{}
}

// item is a posted continuation. The done flag is the sentinel
// that terminates the pump after running cont (if any).
type item struct {
	cont func()
	done bool
}

// New returns a new idle [*Bridge].
func New() *Bridge {
	return &Bridge{wakeup: make(chan struct{}, 1)}
}

// suspender is implemented by the effects this package understands.
type suspender interface {
	subscribe(resume func(v kont.Resumed, err error))
}

type awaitOp[T any] struct {
	kont.Phantom[T]
	f *future.Future[T]
}

func (op awaitOp[T]) subscribe(resume func(kont.Resumed, error)) {
	op.f.OnComplete(func(v T, err error) {
		resume(v, err)
	})
}

type awaitResultOp[T any] struct {
	kont.Phantom[Result[T]]
	f *future.Future[T]
}

func (op awaitResultOp[T]) subscribe(resume func(kont.Resumed, error)) {
	op.f.OnComplete(func(v T, err error) {
		resume(Result[T]{Value: v, Err: err}, nil)
	})
}

type failOp[T any] struct {
	kont.Phantom[T]
	err error
}

func (op failOp[T]) subscribe(resume func(kont.Resumed, error)) {
	resume(nil, op.err)
}

// Await suspends until f completes and resumes with its value. If f
// fails, the whole task fails with the same error.
func Await[T any](f *future.Future[T]) kont.Eff[T] {
	return kont.Perform(awaitOp[T]{f: f})
}

// AwaitResult suspends until f completes and resumes with its outcome,
// letting the task decide what to do with a failure.
func AwaitResult[T any](f *future.Future[T]) kont.Eff[Result[T]] {
	return kont.Perform(awaitResultOp[T]{f: f})
}

// Fail terminates the task with err.
func Fail[T any](err error) kont.Eff[T] {
	return kont.Perform(failOp[T]{err: err})
}

// Execute runs task to completion and returns its result or the error
// that terminated it, preserving the error identity.
//
// Execute returns [ErrReentrantExecute] if b is already running a task,
// including when called from within the task itself.
//
// Execute panics if task performs an effect not defined by this package.
func Execute[T any](b *Bridge, task kont.Eff[T]) (T, error) {
	var zero T
	if !b.running.CompareAndSwap(false, true) {
		return zero, ErrReentrantExecute
	}
	defer b.running.Store(false)
	b.reset()

	var (
		result  T
		failure error
	)

	var step func(value T, susp *kont.Suspension[T])
	step = func(value T, susp *kont.Suspension[T]) {
		if susp == nil {
			result = value
			b.post(item{done: true})
			return
		}
		op, ok := susp.Op().(suspender)
		if !ok {
			panic("bridge: unhandled effect")
		}
		op.subscribe(func(v kont.Resumed, err error) {
			if err != nil {
				b.post(item{cont: func() { failure = err }, done: true})
				return
			}
			b.post(item{cont: func() { step(susp.Resume(v)) }})
		})
	}

	step(kont.StepExpr(kont.Reify(task)))
	for {
		it := b.take()
		if it.cont != nil {
			it.cont()
		}
		if it.done {
			break
		}
	}

	if failure != nil {
		return zero, failure
	}
	return result, nil
}

// post appends to the work queue. It never blocks, so it is safe to
// call from any goroutine, including completion callbacks.
func (b *Bridge) post(it item) {
	b.mu.Lock()
	b.items = append(b.items, it)
	b.mu.Unlock()
	select {
	case b.wakeup <- struct{}{}:
	default:
	}
}

// take blocks the pumping goroutine until an item is available.
func (b *Bridge) take() item {
	for {
		b.mu.Lock()
		if len(b.items) > 0 {
			it := b.items[0]
			b.items[0] = item{}
			b.items = b.items[1:]
			b.mu.Unlock()
			return it
		}
		b.mu.Unlock()
		<-b.wakeup
	}
}

func (b *Bridge) reset() {
	b.mu.Lock()
	b.items = nil
	b.mu.Unlock()
}

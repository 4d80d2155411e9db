// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import "context"

// Func is a step of chain construction: a client transport turns a [*Bag]
// into a [*Handoff], and a [Node] turns a [*Handoff] into the next one.
//
// Ownership: a Func receiving a [Tunnel] (inside a [*Handoff]) owns it. On
// error, it disposes that tunnel before returning, so a half-built chain
// never leaks the raw connection. See [*CompressionNode].
type Func[A, B any] interface {
	Call(ctx context.Context, input A) (B, error)
}

// FuncAdapter turns a closure into a [Func], e.g., a custom transport.
type FuncAdapter[A, B any] func(ctx context.Context, input A) (B, error)

// Call implements [Func].
func (f FuncAdapter[A, B]) Call(ctx context.Context, input A) (B, error) {
	return f(ctx, input)
}

// Compose2 runs first and then, on success, second with its output.
//
// Compose2 does not dispose anything itself: when second fails, the
// ownership contract of [Func] already released what first produced.
func Compose2[A, B, C any](first Func[A, B], second Func[B, C]) Func[A, C] {
	return FuncAdapter[A, C](func(ctx context.Context, input A) (C, error) {
		mid, err := first.Call(ctx, input)
		if err != nil {
			var zero C
			return zero, err
		}
		return second.Call(ctx, mid)
	})
}

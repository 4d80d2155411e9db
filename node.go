// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import (
	"context"
	"fmt"
)

// Handoff is what flows between the stages of a chain: the negotiation
// bag shared by every stage of the chain and the tunnel built so far.
//
// Passing a Handoff to a stage transfers ownership of its Tunnel.
type Handoff struct {
	Bag    *Bag
	Tunnel Tunnel
}

// NodeKind is the capability of a [Node].
type NodeKind int

const (
	// KindTransport creates the raw tunnel over the network.
	KindTransport NodeKind = iota

	// KindCompression negotiates and applies block compression.
	KindCompression

	// KindInstrumentation observes a tunnel without changing it.
	KindInstrumentation

	// KindPassThrough is any other stage.
	KindPassThrough
)

// String implements [fmt.Stringer].
func (k NodeKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindCompression:
		return "compression"
	case KindInstrumentation:
		return "instrumentation"
	case KindPassThrough:
		return "passthrough"
	default:
		return fmt.Sprintf("NodeKind(%d)", int(k))
	}
}

// Node is a chain stage wrapping the upstream tunnel into a new tunnel.
//
// Construction contract: Call either returns a handoff whose tunnel is
// Online or returns an error after having disposed the upstream tunnel.
// The returned handoff carries the same bag it was given.
type Node interface {
	Func[*Handoff, *Handoff]
	Kind() NodeKind
}

// NodeFunc adapts a function into a [KindPassThrough] [Node].
//
// When the function fails, Call disposes the upstream tunnel, so the
// function itself does not need to.
type NodeFunc func(ctx context.Context, h *Handoff) (*Handoff, error)

var _ Node = NodeFunc(nil)

// Call implements [Node].
func (f NodeFunc) Call(ctx context.Context, h *Handoff) (*Handoff, error) {
	out, err := f(ctx, h)
	if err != nil {
		h.Tunnel.Dispose()
		return nil, err
	}
	return out, nil
}

// Kind implements [Node].
func (f NodeFunc) Kind() NodeKind {
	return KindPassThrough
}

// Chain composes nodes into a single stage running them in order.
//
// Before each node, Chain checks the context: if it is done, the tunnel
// built so far is disposed and the context error is returned. An empty
// chain returns its input unchanged.
func Chain(nodes ...Node) Func[*Handoff, *Handoff] {
	return &chain{nodes: nodes}
}

type chain struct {
	nodes []Node
}

func (c *chain) Call(ctx context.Context, h *Handoff) (*Handoff, error) {
	for _, node := range c.nodes {
		if err := ctx.Err(); err != nil {
			h.Tunnel.Dispose()
			return nil, err
		}
		next, err := node.Call(ctx, h)
		if err != nil {
			return nil, err
		}
		h = next
	}
	return h, nil
}

// ConnectChain composes a client transport with the given stages, yielding
// the function an [*Entry] uses to build its tunnel.
func ConnectChain(transport Func[*Bag, *Handoff], stages ...Node) Func[*Bag, *Handoff] {
	return Compose2(transport, Chain(stages...))
}

// SetBagNode returns a pass-through node setting the given bag values,
// e.g., [KeyComprMaxBlockSize] to bound the following compression stage.
func SetBagNode(values map[string]any) Node {
	return NodeFunc(func(ctx context.Context, h *Handoff) (*Handoff, error) {
		for key, value := range values {
			h.Bag.Set(key, value)
		}
		return h, nil
	})
}

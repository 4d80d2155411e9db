// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import "context"

// NewCancelWatchNode returns a new [*CancelWatchNode].
func NewCancelWatchNode() *CancelWatchNode {
	return &CancelWatchNode{}
}

// CancelWatchNode arranges for the tunnel to be disconnected when the
// context is done (cancelled or deadline exceeded). This provides responsive
// cleanup on external cancellation (e.g., SIGINT via signal.NotifyContext)
// rather than waiting for the peer to notice.
//
// The returned tunnel wraps the input tunnel. Disconnecting or disposing the
// returned tunnel unregisters the context watcher. This ensures no goroutine
// leaks even if the context is never cancelled.
//
// Use this stage when the context lifetime matches the intended tunnel
// lifetime (e.g., CLI tools). Do not use it when the tunnel may outlive the
// construction context, like the handshake context of a [*Server].
type CancelWatchNode struct{}

var _ Node = &CancelWatchNode{}

// Kind implements [Node].
func (op *CancelWatchNode) Kind() NodeKind {
	return KindPassThrough
}

// Call registers a context watcher using [context.AfterFunc] that
// disconnects the tunnel when the context is done.
func (op *CancelWatchNode) Call(ctx context.Context, h *Handoff) (*Handoff, error) {
	up := h.Tunnel
	stop := context.AfterFunc(ctx, func() {
		up.Disconnect()
	})
	return &Handoff{Bag: h.Bag, Tunnel: &cancelWatchedTunnel{Tunnel: up, stop: stop}}, nil
}

// cancelWatchedTunnel wraps a [Tunnel] with a context cancellation watcher.
type cancelWatchedTunnel struct {
	Tunnel
	stop func() bool
}

// Disconnect unregisters the context watcher and disconnects the tunnel.
func (t *cancelWatchedTunnel) Disconnect() error {
	t.stop()
	return t.Tunnel.Disconnect()
}

// Dispose unregisters the context watcher and disposes the tunnel.
func (t *cancelWatchedTunnel) Dispose() error {
	t.stop()
	return t.Tunnel.Dispose()
}

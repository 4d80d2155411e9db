// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import (
	"log/slog"
	"sync"
	"time"
)

// IncomingTunnel is the outcome of building the chain for one accepted
// tunnel: either a Tunnel with its Bag or the Err that stopped it.
type IncomingTunnel struct {
	Tunnel Tunnel
	Bag    *Bag
	Err    error
}

// NodeFailure reports that a node can no longer produce tunnels.
type NodeFailure struct {
	// Node names the failed node.
	Node string

	// Err is the cause.
	Err error
}

// NewExit returns a new alive [*Exit].
//
// The cfg argument contains the common configuration for hops operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewExit(cfg *Config, logger SLogger) *Exit {
	return &Exit{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
}

// Exit is the server facade at the end of a chain.
//
// It receives the tunnels the chain builds and hands them to the OnTunnel
// observers wrapped in a tunnel that follows the upstream offline and
// reports every fault as [ErrEOF]. A node failure marks the exit dead:
// from then on, incoming tunnels are disconnected and disposed.
type Exit struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewExit] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewExit] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time.
	//
	// Set by [NewExit] from [Config.TimeNow].
	TimeNow func() time.Time

	failure         *NodeFailure
	mu              sync.Mutex
	onFailure       []func(NodeFailure)
	onIncomingError []func(error)
	onTunnel        []func(Tunnel, *Bag)
}

// OnTunnel registers fn to receive each new tunnel. Observers run in
// registration order and exactly one of them must take ownership of the
// tunnel. Tunnels arriving while no observer is registered are disposed.
func (x *Exit) OnTunnel(fn func(t Tunnel, bag *Bag)) {
	x.mu.Lock()
	x.onTunnel = append(x.onTunnel, fn)
	x.mu.Unlock()
}

// OnIncomingError registers fn to receive chain construction errors.
func (x *Exit) OnIncomingError(fn func(err error)) {
	x.mu.Lock()
	x.onIncomingError = append(x.onIncomingError, fn)
	x.mu.Unlock()
}

// OnFailure registers fn to receive the node failure that kills the exit.
func (x *Exit) OnFailure(fn func(f NodeFailure)) {
	x.mu.Lock()
	x.onFailure = append(x.onFailure, fn)
	x.mu.Unlock()
}

// Alive returns false once a node failure has been reported.
func (x *Exit) Alive() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.failure == nil
}

// Incoming delivers the outcome of a chain construction.
func (x *Exit) Incoming(in IncomingTunnel) {
	x.mu.Lock()
	dead := x.failure != nil
	onTunnel := append([]func(Tunnel, *Bag){}, x.onTunnel...)
	onIncomingError := append([]func(error){}, x.onIncomingError...)
	x.mu.Unlock()

	if in.Err != nil {
		x.Logger.Info(
			"exitIncomingError",
			slog.Any("err", in.Err),
			slog.String("errClass", x.ErrClassifier.Classify(in.Err)),
			slog.Time("t", x.TimeNow()),
		)
		for _, fn := range onIncomingError {
			fn(in.Err)
		}
		return
	}

	if dead || len(onTunnel) <= 0 {
		var reason error
		if dead {
			reason = ErrNodeDead
		}
		x.Logger.Warn(
			"exitTunnelRejected",
			slog.Any("err", reason),
			slog.Time("t", x.TimeNow()),
			slog.String("tunnelID", in.Tunnel.ID()),
		)
		_ = in.Tunnel.Disconnect()
		_ = in.Tunnel.Dispose()
		return
	}

	t := NewTunnelStream(in.Tunnel.ID(), in.Tunnel)
	x.Logger.Info(
		"exitTunnel",
		slog.String("localAddr", bagStringOrEmpty(in.Bag, KeyLocalAddr)),
		slog.String("protocol", bagStringOrEmpty(in.Bag, KeyTransport)),
		slog.String("remoteAddr", bagStringOrEmpty(in.Bag, KeyRemoteAddr)),
		slog.Time("t", x.TimeNow()),
		slog.String("tunnelID", t.ID()),
	)
	for _, fn := range onTunnel {
		fn(t, in.Bag)
	}
}

// NodeFailed marks the exit dead. Only the first failure is recorded and
// reported to the OnFailure observers.
func (x *Exit) NodeFailed(f NodeFailure) {
	x.mu.Lock()
	first := x.failure == nil
	if first {
		x.failure = &f
	}
	onFailure := append([]func(NodeFailure){}, x.onFailure...)
	x.mu.Unlock()

	x.Logger.Warn(
		"exitNodeFailed",
		slog.Any("err", f.Err),
		slog.String("errClass", x.ErrClassifier.Classify(f.Err)),
		slog.String("node", f.Node),
		slog.Time("t", x.TimeNow()),
	)
	if !first {
		return
	}
	for _, fn := range onFailure {
		fn(f)
	}
}

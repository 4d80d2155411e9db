// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// NewServer returns a new [*Server].
//
// The cfg argument contains the common configuration for hops operations.
//
// The acceptor argument is the server wire transport.
//
// The exit argument receives the tunnels.
//
// The logger argument is the [SLogger] to use for structured logging.
//
// The stages argument contains the nodes to run after the acceptor.
func NewServer(cfg *Config, acceptor Acceptor, exit *Exit, logger SLogger, stages ...Node) *Server {
	return &Server{
		Acceptor:         acceptor,
		Exit:             exit,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           logger,
		Stages:           Chain(stages...),
		TimeNow:          cfg.TimeNow,
	}
}

// Server wires an [Acceptor], the stages following it and an [*Exit].
//
// For each accepted tunnel, it runs the stages bounded by the
// HandshakeTimeout and delivers the outcome to the exit. An acceptor
// failure is reported to the exit as a [NodeFailure].
//
// All exported fields are safe to modify after construction but before
// calling [*Server.Start].
type Server struct {
	// Acceptor is the server wire transport.
	//
	// Set by [NewServer] to the user-provided acceptor.
	Acceptor Acceptor

	// Exit receives the tunnels.
	//
	// Set by [NewServer] to the user-provided exit.
	Exit *Exit

	// HandshakeTimeout bounds the stages for each tunnel.
	//
	// Set by [NewServer] from [Config.HandshakeTimeout].
	HandshakeTimeout time.Duration

	// Logger is the [SLogger] to use.
	//
	// Set by [NewServer] to the user-provided logger.
	Logger SLogger

	// Stages runs the nodes following the acceptor.
	//
	// Set by [NewServer] using [Chain].
	Stages Func[*Handoff, *Handoff]

	// TimeNow is the function to get the current time.
	//
	// Set by [NewServer] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ AcceptHandler = &Server{}

// Start starts the acceptor. It fails with [ErrNodeDead] if the exit is
// already dead.
func (s *Server) Start(ctx context.Context) error {
	if !s.Exit.Alive() {
		return fmt.Errorf("%w: cannot start a server with a dead exit", ErrNodeDead)
	}
	return s.Acceptor.Start(ctx, s)
}

// Shutdown shuts the acceptor down.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.Acceptor.Shutdown(ctx)
}

// HandleTunnel implements [AcceptHandler].
func (s *Server) HandleTunnel(ctx context.Context, h *Handoff) {
	if !s.Exit.Alive() {
		s.Logger.Warn("serverTunnelDropped", slog.Any("err", ErrNodeDead), slog.String("tunnelID", h.Tunnel.ID()))
		_ = h.Tunnel.Dispose()
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.HandshakeTimeout)
	defer cancel()
	out, err := s.Stages.Call(ctx, h)
	if err != nil {
		s.Exit.Incoming(IncomingTunnel{Bag: h.Bag, Err: err})
		return
	}
	s.Exit.Incoming(IncomingTunnel{Tunnel: out.Tunnel, Bag: out.Bag})
}

// HandleFailure implements [AcceptHandler].
func (s *Server) HandleFailure(err error) {
	s.Exit.NodeFailed(NodeFailure{Node: "acceptor", Err: err})
}

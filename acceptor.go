// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"code.hybscloud.com/iox"
	"github.com/bassosimone/hops/internal/sockerr"
)

// AcceptHandler receives the output of an acceptor.
type AcceptHandler interface {
	// HandleTunnel takes ownership of a freshly accepted tunnel. It runs on
	// its own goroutine and ctx is done when the acceptor shuts down.
	HandleTunnel(ctx context.Context, h *Handoff)

	// HandleFailure reports a node failure: an accept loop died for a
	// reason other than shutdown.
	HandleFailure(err error)
}

// Acceptor is the server side of a wire transport.
type Acceptor interface {
	Start(ctx context.Context, handler AcceptHandler) error
	Addrs() []net.Addr
	Shutdown(ctx context.Context) error
}

// NewTCPAcceptor returns a new [*TCPAcceptor].
//
// The cfg argument contains the common configuration for hops operations.
//
// The tcfg argument provides the bind specifiers and the socket tuning.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewTCPAcceptor(cfg *Config, tcfg *TransportConfig, logger SLogger) *TCPAcceptor {
	a := &TCPAcceptor{}
	a.init(cfg, tcfg, logger)
	return a
}

func (a *TCPAcceptor) init(cfg *Config, tcfg *TransportConfig, logger SLogger) {
	a.Bind = tcfg.Bind
	a.BufferSize = tcfg.BufferSize
	a.ErrClassifier = cfg.ErrClassifier
	a.ListenConfig = cfg.ListenConfig
	a.Logger = logger
	a.MaxAcceptRetries = DefaultMaxAcceptRetries
	a.NoDelay = tcfg.NoDelay
	a.Port = tcfg.LocalPort
	a.Resolver = cfg.Resolver
	a.ShutdownTimeout = cfg.ShutdownTimeout
	a.TimeNow = cfg.TimeNow
}

// TCPAcceptor is the server wire transport stage.
//
// It binds one listener per address the bind specifiers resolve to and runs
// one accept loop per listener. Each accepted conn becomes an Online tunnel
// paired with a fresh bag carrying the endpoint keys and the socket tuning.
//
// All exported fields are safe to modify after construction but before
// calling [*TCPAcceptor.Start].
type TCPAcceptor struct {
	// Bind is the list of bind specifiers.
	//
	// Set by [NewTCPAcceptor] from [TransportConfig.Bind].
	Bind string

	// BufferSize is the socket buffer size of accepted conns.
	//
	// Set by [NewTCPAcceptor] from [TransportConfig.BufferSize].
	BufferSize int

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewTCPAcceptor] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// ListenConfig creates the listeners.
	//
	// Set by [NewTCPAcceptor] from [Config.ListenConfig].
	ListenConfig ListenConfig

	// Logger is the [SLogger] to use.
	//
	// Set by [NewTCPAcceptor] to the user-provided logger.
	Logger SLogger

	// MaxAcceptRetries is the number of consecutive accept failures caused
	// by resource exhaustion (e.g., EMFILE) tolerated before the failure is
	// reported to the handler. Zero means reporting the first one. The
	// WebSocket acceptor does not use it: [net/http.Server] retries by itself.
	//
	// Set by [NewTCPAcceptor] to [DefaultMaxAcceptRetries].
	MaxAcceptRetries int

	// NoDelay disables Nagle's algorithm on accepted conns.
	//
	// Set by [NewTCPAcceptor] from [TransportConfig.NoDelay].
	NoDelay bool

	// Port is the port for specifiers without one.
	//
	// Set by [NewTCPAcceptor] from [TransportConfig.LocalPort].
	Port int

	// Resolver resolves host names in bind specifiers.
	//
	// Set by [NewTCPAcceptor] from [Config.Resolver].
	Resolver Resolver

	// ShutdownTimeout bounds the wait for the accept loops to exit.
	//
	// Set by [NewTCPAcceptor] from [Config.ShutdownTimeout].
	ShutdownTimeout time.Duration

	// TimeNow is the function to get the current time.
	//
	// Set by [NewTCPAcceptor] from [Config.TimeNow].
	TimeNow func() time.Time

	loops listenerGroup
}

var _ Acceptor = &TCPAcceptor{}

// DefaultMaxAcceptRetries is the default [TCPAcceptor.MaxAcceptRetries]. With
// the accept backoff, the retries span about one and a half seconds.
const DefaultMaxAcceptRetries = 32

// newAcceptBackoff returns the backoff paced accept retries use: linear
// steps of 10ms, capped at 250ms so that shutdown stays responsive.
func newAcceptBackoff() *iox.Backoff {
	bo := &iox.Backoff{}
	bo.SetBase(10 * time.Millisecond)
	bo.SetMax(250 * time.Millisecond)
	return bo
}

// Start binds the listeners and starts the accept loops. On failure, the
// listeners bound so far are closed. Starting twice is an error.
func (a *TCPAcceptor) Start(ctx context.Context, handler AcceptHandler) error {
	return a.loops.start(ctx, &listenerGroupConfig{
		Bind:          a.Bind,
		ErrClassifier: a.ErrClassifier,
		ListenConfig:  a.ListenConfig,
		Logger:        a.Logger,
		Port:          a.Port,
		Resolver:      a.Resolver,
		TimeNow:       a.TimeNow,
	}, func(ctx context.Context, bl *boundListener) {
		a.acceptLoop(ctx, bl, handler)
	})
}

// Addrs returns the bound addresses.
func (a *TCPAcceptor) Addrs() []net.Addr {
	return a.loops.addrs()
}

// Running returns the number of accept loops still running.
func (a *TCPAcceptor) Running() int {
	return a.loops.running()
}

// Shutdown stops the accept loops, closes all listeners and waits for the
// loops to exit. It returns [ErrShutdownTimeout] if they do not exit within
// the ShutdownTimeout or before ctx is done.
func (a *TCPAcceptor) Shutdown(ctx context.Context) error {
	return a.loops.shutdown(ctx, a.ShutdownTimeout, a.Logger)
}

func (a *TCPAcceptor) acceptLoop(ctx context.Context, bl *boundListener, handler AcceptHandler) {
	bo, retries := newAcceptBackoff(), 0
	for {
		conn, err := bl.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return // shutting down
			}
			if sockerr.IsResourceExhausted(err) && retries < a.MaxAcceptRetries {
				retries++
				a.Logger.Warn(
					"acceptRetry",
					slog.String("bind", bl.addr.Spec.Raw),
					slog.Any("err", err),
					slog.String("errClass", a.ErrClassifier.Classify(err)),
					slog.String("localAddr", bl.ln.Addr().String()),
					slog.Int("retries", retries),
					slog.Time("t", a.TimeNow()),
				)
				bo.Wait()
				continue
			}
			a.Logger.Warn(
				"acceptFailed",
				slog.String("bind", bl.addr.Spec.Raw),
				slog.Any("err", err),
				slog.String("errClass", a.ErrClassifier.Classify(err)),
				slog.String("localAddr", bl.ln.Addr().String()),
				slog.Time("t", a.TimeNow()),
			)
			handler.HandleFailure(fmt.Errorf("accept on %s: %w", bl.ln.Addr(), err))
			return
		}
		bo.Reset()
		retries = 0
		if err := tuneConn(conn, a.NoDelay, a.BufferSize); err != nil {
			a.Logger.Warn("tuneFailed", slog.Any("err", err), slog.Time("t", a.TimeNow()))
			conn.Close()
			continue
		}

		id := NewTunnelID()
		bag := NewBag()
		bag.Set(KeyBind, bl.addr.Spec.Raw)
		bag.Set(KeyTCPNoDelay, a.NoDelay)
		bag.Set(KeyTCPBufferSize, a.BufferSize)
		bag.Set(KeyTransport, "tcp")
		bag.Set(KeyTunnelID, id)
		setEndpointKeys(bag, conn)

		a.Logger.Info(
			"acceptDone",
			slog.String("bind", bl.addr.Spec.Raw),
			slog.String("localAddr", bagStringOrEmpty(bag, KeyLocalAddr)),
			slog.String("protocol", "tcp"),
			slog.String("remoteAddr", bagStringOrEmpty(bag, KeyRemoteAddr)),
			slog.Time("t", a.TimeNow()),
			slog.String("tunnelID", id),
		)
		go handler.HandleTunnel(ctx, &Handoff{Bag: bag, Tunnel: NewConnStream(id, conn)})
	}
}

// listenerGroupConfig is the configuration of a [listenerGroup].
type listenerGroupConfig struct {
	Bind          string
	ErrClassifier ErrClassifier
	ListenConfig  ListenConfig
	Logger        SLogger
	Port          int
	Resolver      Resolver
	TimeNow       func() time.Time
}

// boundListener is a listener with the endpoint it was bound to.
type boundListener struct {
	addr BindAddr
	ln   net.Listener
}

// listenerGroup owns the listeners of an acceptor and the loops serving
// them. Listeners are shared only for shutdown coordination.
type listenerGroup struct {
	cancel    context.CancelFunc
	closeOnce sync.Once
	listeners []*boundListener
	mu        sync.Mutex
	nrunning  int
	started   bool
	wg        sync.WaitGroup
}

func (g *listenerGroup) start(ctx context.Context,
	config *listenerGroupConfig, serve func(context.Context, *boundListener)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return fmt.Errorf("%w: acceptor already started", ErrInvalidState)
	}

	specs, err := ParseBindSpec(config.Bind, config.Port)
	if err != nil {
		return err
	}
	addrs, err := ResolveBindSpec(ctx, config.Resolver, specs)
	if err != nil {
		return err
	}

	var listeners []*boundListener
	for _, addr := range addrs {
		ln, err := listenLogged(ctx, config, addr)
		if err != nil {
			for _, bl := range listeners {
				bl.ln.Close()
			}
			return err
		}
		listeners = append(listeners, &boundListener{addr: addr, ln: ln})
	}

	// loops outlive the start context but keep its values
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	g.cancel = cancel
	g.listeners = listeners
	g.started = true
	for _, bl := range listeners {
		g.nrunning++
		g.wg.Add(1)
		go func() {
			defer g.loopDone()
			serve(loopCtx, bl)
		}()
	}
	return nil
}

func listenLogged(ctx context.Context, config *listenerGroupConfig, addr BindAddr) (net.Listener, error) {
	t0 := config.TimeNow()
	config.Logger.Info(
		"listenStart",
		slog.String("bind", addr.Spec.Raw),
		slog.String("localAddr", addr.AddrPort.String()),
		slog.String("protocol", addr.Network()),
		slog.Time("t", t0),
	)
	ln, err := config.ListenConfig.Listen(ctx, addr.Network(), addr.AddrPort.String())
	var bound string
	if ln != nil {
		bound = ln.Addr().String()
	}
	config.Logger.Info(
		"listenDone",
		slog.String("bind", addr.Spec.Raw),
		slog.Any("err", err),
		slog.String("errClass", config.ErrClassifier.Classify(err)),
		slog.String("localAddr", bound),
		slog.String("protocol", addr.Network()),
		slog.Time("t0", t0),
		slog.Time("t", config.TimeNow()),
	)
	return ln, err
}

func (g *listenerGroup) loopDone() {
	g.mu.Lock()
	g.nrunning--
	g.mu.Unlock()
	g.wg.Done()
}

func (g *listenerGroup) running() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nrunning
}

func (g *listenerGroup) addrs() []net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []net.Addr
	for _, bl := range g.listeners {
		out = append(out, bl.ln.Addr())
	}
	return out
}

func (g *listenerGroup) shutdown(ctx context.Context, timeout time.Duration, logger SLogger) error {
	g.mu.Lock()
	started, cancel, listeners := g.started, g.cancel, g.listeners
	g.mu.Unlock()
	if !started {
		return nil
	}

	logger.Info("shutdownStart", slog.Int("listeners", len(listeners)))
	var closeErr error
	g.closeOnce.Do(func() {
		cancel() // before closing so loops know the errors are expected
		for _, bl := range listeners {
			closeErr = errors.Join(closeErr, bl.ln.Close())
		}
	})

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case <-done:
		err = closeErr
	case <-timer.C:
		err = fmt.Errorf("%w: %d loops still running", ErrShutdownTimeout, g.running())
	case <-ctx.Done():
		err = fmt.Errorf("%w: %w", ErrShutdownTimeout, ctx.Err())
	}
	logger.Info("shutdownDone", slog.Any("err", err))
	return err
}

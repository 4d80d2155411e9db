//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/bassosimone/nop/blob/main/observeconn.go
//

package hops

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bassosimone/hops/future"
)

// Observer receives the outcome of each operation on an observed tunnel.
//
// Nil callbacks are skipped. Callbacks run on the goroutine completing the
// operation and must not block.
type Observer struct {
	OnRead       func(n int, err error)
	OnWrite      func(n int, err error)
	OnDisconnect func(err error)
	OnDispose    func(err error)
}

// NewObserveNode returns a new [*ObserveNode] with default logging.
//
// The cfg argument contains the common configuration for hops operations.
//
// The observer argument receives the outcomes; it may be nil when logging
// is all that is needed.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewObserveNode(cfg *Config, observer *Observer, logger SLogger) *ObserveNode {
	if observer == nil {
		observer = &Observer{}
	}
	return &ObserveNode{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Observer:      observer,
		TimeNow:       cfg.TimeNow,
	}
}

// ObserveNode wraps a tunnel to log and report its operations.
//
// The wrapper forwards every call to the upstream tunnel unchanged: it
// never alters counts, errors or states. Reads and writes are logged at
// Debug, disconnect and dispose at Info.
//
// All fields are safe to modify after construction but before first use.
type ObserveNode struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewObserveNode] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewObserveNode] to the user-provided logger.
	Logger SLogger

	// Observer receives the outcome of each operation.
	//
	// Set by [NewObserveNode] to the user-provided observer.
	Observer *Observer

	// TimeNow is the function to get the current time.
	//
	// Set by [NewObserveNode] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Node = &ObserveNode{}

// Kind implements [Node].
func (op *ObserveNode) Kind() NodeKind {
	return KindInstrumentation
}

// Call implements [Node].
func (op *ObserveNode) Call(ctx context.Context, h *Handoff) (*Handoff, error) {
	observed := &observedTunnel{
		laddr:    bagStringOrEmpty(h.Bag, KeyLocalAddr),
		op:       op,
		protocol: bagStringOrEmpty(h.Bag, KeyTransport),
		raddr:    bagStringOrEmpty(h.Bag, KeyRemoteAddr),
		up:       h.Tunnel,
	}
	return &Handoff{Bag: h.Bag, Tunnel: observed}, nil
}

// observedTunnel observes a [Tunnel].
type observedTunnel struct {
	disposeOnce sync.Once
	laddr       string
	op          *ObserveNode
	protocol    string
	raddr       string
	up          Tunnel
}

var _ Tunnel = &observedTunnel{}

// ID implements [Tunnel].
func (t *observedTunnel) ID() string {
	return t.up.ID()
}

// State implements [Tunnel].
func (t *observedTunnel) State() State {
	return t.up.State()
}

// OnStateChange implements [Tunnel].
func (t *observedTunnel) OnStateChange(fn func(State)) {
	t.up.OnStateChange(fn)
}

// ReadData implements [Tunnel].
func (t *observedTunnel) ReadData(p []byte) (int, error) {
	done := t.ioStart("readStart", "readDone", len(p), t.op.Observer.OnRead)
	count, err := t.up.ReadData(p)
	done(count, err)
	return count, err
}

// ReadDataAsync implements [Tunnel].
func (t *observedTunnel) ReadDataAsync(p []byte) *future.Future[int] {
	done := t.ioStart("readStart", "readDone", len(p), t.op.Observer.OnRead)
	f := t.up.ReadDataAsync(p)
	f.OnComplete(done)
	return f
}

// WriteData implements [Tunnel].
func (t *observedTunnel) WriteData(p []byte) (int, error) {
	done := t.ioStart("writeStart", "writeDone", len(p), t.op.Observer.OnWrite)
	count, err := t.up.WriteData(p)
	done(count, err)
	return count, err
}

// WriteDataAsync implements [Tunnel].
func (t *observedTunnel) WriteDataAsync(p []byte) *future.Future[int] {
	done := t.ioStart("writeStart", "writeDone", len(p), t.op.Observer.OnWrite)
	f := t.up.WriteDataAsync(p)
	f.OnComplete(done)
	return f
}

// ioStart logs the start of an I/O operation and returns the function
// logging and reporting its completion.
func (t *observedTunnel) ioStart(startMsg, doneMsg string, size int, report func(int, error)) func(int, error) {
	t0 := t.op.TimeNow()
	t.op.Logger.Debug(
		startMsg,
		slog.Int("ioBufferSize", size),
		slog.String("localAddr", t.laddr),
		slog.String("protocol", t.protocol),
		slog.String("remoteAddr", t.raddr),
		slog.Time("t", t0),
		slog.String("tunnelID", t.up.ID()),
	)
	return func(count int, err error) {
		t.op.Logger.Debug(
			doneMsg,
			slog.Int("ioBytesCount", count),
			slog.Any("err", err),
			slog.String("errClass", t.op.ErrClassifier.Classify(err)),
			slog.String("localAddr", t.laddr),
			slog.String("protocol", t.protocol),
			slog.String("remoteAddr", t.raddr),
			slog.Time("t0", t0),
			slog.Time("t", t.op.TimeNow()),
			slog.String("tunnelID", t.up.ID()),
		)
		if report != nil {
			report(count, err)
		}
	}
}

// Disconnect implements [Tunnel].
func (t *observedTunnel) Disconnect() error {
	return t.lifecycle("disconnectStart", "disconnectDone", t.up.Disconnect, t.op.Observer.OnDisconnect)
}

// Dispose implements [Tunnel].
//
// Only the first call is logged and reported.
func (t *observedTunnel) Dispose() (err error) {
	first := false
	t.disposeOnce.Do(func() {
		first = true
		err = t.lifecycle("disposeStart", "disposeDone", t.up.Dispose, t.op.Observer.OnDispose)
	})
	if !first {
		err = t.up.Dispose()
	}
	return
}

func (t *observedTunnel) lifecycle(startMsg, doneMsg string, fn func() error, report func(error)) error {
	t0 := t.op.TimeNow()
	t.op.Logger.Info(
		startMsg,
		slog.String("localAddr", t.laddr),
		slog.String("protocol", t.protocol),
		slog.String("remoteAddr", t.raddr),
		slog.Time("t", t0),
		slog.String("tunnelID", t.up.ID()),
	)

	err := fn()

	t.op.Logger.Info(
		doneMsg,
		slog.Any("err", err),
		slog.String("errClass", t.op.ErrClassifier.Classify(err)),
		slog.String("localAddr", t.laddr),
		slog.String("protocol", t.protocol),
		slog.String("remoteAddr", t.raddr),
		slog.Time("t0", t0),
		slog.Time("t", t.op.TimeNow()),
		slog.String("tunnelID", t.up.ID()),
	)
	if report != nil {
		report(err)
	}
	return err
}

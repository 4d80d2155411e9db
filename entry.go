// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"github.com/bassosimone/hops/future"
	"github.com/bassosimone/hops/rwlock"
)

// NewEntry returns a new [*Entry] in [StateInit].
//
// The cfg argument contains the common configuration for hops operations.
//
// The chain argument builds the tunnel (see [ConnectChain]).
//
// The logger argument is the [SLogger] to use for structured logging.
func NewEntry(cfg *Config, chain Func[*Bag, *Handoff], logger SLogger) *Entry {
	return &Entry{
		Chain:         chain,
		DrainTimeout:  cfg.DrainTimeout,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
		id:            NewTunnelID(),
		serial:        nextTunnelSerial(),
	}
}

// Entry is the client facade over a chain: a [Tunnel] that becomes usable
// once [*Entry.Connect] has built the chain.
//
// While Connect runs, the state lock is held in write mode, so reads and
// writes issued concurrently wait for the outcome. An I/O fault while
// Online disconnects the entry asynchronously. State change observers run
// asynchronously, in transition order, and [*Entry.Dispose] gives them up
// to DrainTimeout to complete before releasing the chain.
//
// All exported fields are safe to modify after construction but before
// calling Connect.
type Entry struct {
	// Chain builds the tunnel.
	//
	// Set by [NewEntry] to the user-provided chain.
	Chain Func[*Bag, *Handoff]

	// DrainTimeout bounds the wait for observers in Dispose.
	//
	// Set by [NewEntry] from [Config.DrainTimeout].
	DrainTimeout time.Duration

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewEntry] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewEntry] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time.
	//
	// Set by [NewEntry] from [Config.TimeNow].
	TimeNow func() time.Time

	bag         *Bag
	disposeOnce sync.Once
	id          string
	inflight    atomix.Uint32
	inner       Tunnel
	notifyLock  rwlock.Mutex
	observers   []func(State)
	observersMu sync.Mutex
	readLock    rwlock.Mutex
	serial      uint32
	state       State
	stateLock   rwlock.Mutex
	writeLock   rwlock.Mutex
}

var _ Tunnel = &Entry{}

// Connect builds the chain and moves the entry to [StateOnline], or to
// [StateOffline] if construction fails. Only the first call builds the
// chain: later calls, including concurrent ones, fail with
// [ErrInvalidState].
func (e *Entry) Connect(ctx context.Context) error {
	var (
		h     *Handoff
		err   error
		state State
		t0    time.Time
	)
	if lockErr := e.stateLock.WithLock(func() error {
		if e.state != StateInit {
			return fmt.Errorf("%w: cannot connect an entry in state %s", ErrInvalidState, e.state)
		}
		// a panicking chain leaves the entry offline
		e.state = StateOffline

		t0 = e.TimeNow()
		e.Logger.Info(
			"entryConnectStart",
			slog.Time("t", t0),
			slog.String("tunnelID", e.id),
			slog.Uint64("serial", uint64(e.serial)),
		)
		if h, err = e.Chain.Call(ctx, NewBag()); err == nil {
			e.bag, e.inner, e.state = h.Bag, h.Tunnel, StateOnline
		}
		state = e.state
		return nil
	}); lockErr != nil {
		return lockErr
	}

	e.Logger.Info(
		"entryConnectDone",
		slog.Any("err", err),
		slog.String("errClass", e.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", e.TimeNow()),
		slog.String("tunnelID", e.id),
		slog.Uint64("serial", uint64(e.serial)),
	)
	if err == nil {
		h.Tunnel.OnStateChange(func(s State) {
			if s == StateOffline {
				e.disconnectAsync()
			}
		})
		if h.Tunnel.State() == StateOffline {
			e.disconnectAsync()
		}
	}
	e.notify(state)
	return err
}

// Reconnect returns a new entry over the same chain and connects it. The
// receiver is left untouched: the caller still owns it.
func (e *Entry) Reconnect(ctx context.Context) (*Entry, error) {
	next := &Entry{
		Chain:         e.Chain,
		DrainTimeout:  e.DrainTimeout,
		ErrClassifier: e.ErrClassifier,
		Logger:        e.Logger,
		TimeNow:       e.TimeNow,
		id:            NewTunnelID(),
		serial:        nextTunnelSerial(),
	}
	if err := next.Connect(ctx); err != nil {
		return nil, err
	}
	return next, nil
}

// Bag returns the bag filled by the chain or nil before a successful
// [*Entry.Connect].
func (e *Entry) Bag() *Bag {
	e.stateLock.RLock()
	defer e.stateLock.RUnlock()
	return e.bag
}

// ID implements [Tunnel].
func (e *Entry) ID() string {
	return e.id
}

// State implements [Tunnel].
func (e *Entry) State() State {
	e.stateLock.RLock()
	defer e.stateLock.RUnlock()
	return e.state
}

// OnStateChange implements [Tunnel].
//
// Observers run on a separate goroutine; notifications are delivered
// one at a time and in transition order.
func (e *Entry) OnStateChange(fn func(State)) {
	e.observersMu.Lock()
	e.observers = append(e.observers, fn)
	e.observersMu.Unlock()
}

func (e *Entry) notify(state State) {
	e.observersMu.Lock()
	observers := append([]func(State){}, e.observers...)
	e.observersMu.Unlock()

	e.inflight.Add(1)
	e.notifyLock.LockAsync().OnComplete(func(struct{}, error) {
		go func() {
			defer e.inflightDone()
			defer e.notifyLock.Unlock()
			for _, fn := range observers {
				fn(state)
			}
		}()
	})
}

// online returns the inner tunnel if the entry is Online.
func (e *Entry) online() (Tunnel, bool) {
	e.stateLock.RLock()
	defer e.stateLock.RUnlock()
	return e.inner, e.state == StateOnline
}

// ReadData implements [Tunnel].
func (e *Entry) ReadData(p []byte) (int, error) {
	e.readLock.Lock()
	return e.readAndUnlock(p)
}

// ReadDataAsync implements [Tunnel].
func (e *Entry) ReadDataAsync(p []byte) *future.Future[int] {
	out := future.New[int]()
	e.readLock.LockAsync().OnComplete(func(struct{}, error) {
		go func() {
			out.Complete(e.readAndUnlock(p))
		}()
	})
	return out
}

func (e *Entry) readAndUnlock(p []byte) (int, error) {
	defer e.readLock.Unlock()
	inner, ok := e.online()
	if !ok {
		return 0, ErrEOF
	}
	count, err := inner.ReadData(p)
	if err != nil {
		return count, e.fault(err)
	}
	return count, nil
}

// WriteData implements [Tunnel].
func (e *Entry) WriteData(p []byte) (int, error) {
	e.writeLock.Lock()
	return e.writeAndUnlock(p)
}

// WriteDataAsync implements [Tunnel].
func (e *Entry) WriteDataAsync(p []byte) *future.Future[int] {
	out := future.New[int]()
	e.writeLock.LockAsync().OnComplete(func(struct{}, error) {
		go func() {
			out.Complete(e.writeAndUnlock(p))
		}()
	})
	return out
}

func (e *Entry) writeAndUnlock(p []byte) (int, error) {
	defer e.writeLock.Unlock()
	inner, ok := e.online()
	if !ok {
		return 0, ErrEOF
	}
	count, err := inner.WriteData(p)
	if err != nil {
		return count, e.fault(err)
	}
	return count, nil
}

// fault schedules a disconnect and returns the error to give the caller
// without waiting for the disconnect.
func (e *Entry) fault(err error) error {
	e.disconnectAsync()
	if errors.Is(err, ErrEOF) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrEOF, err)
}

// inflightDone decrements the in-flight counter.
func (e *Entry) inflightDone() {
	e.inflight.Add(^uint32(0))
}

func (e *Entry) disconnectAsync() {
	e.inflight.Add(1)
	go func() {
		defer e.inflightDone()
		_ = e.Disconnect()
	}()
}

// Disconnect implements [Tunnel].
func (e *Entry) Disconnect() error {
	var inner Tunnel
	changed := false
	_ = e.stateLock.WithLock(func() error {
		if e.state == StateOffline {
			return rwlock.ErrNothingToDo
		}
		inner, e.state, changed = e.inner, StateOffline, true
		return nil
	})
	if !changed {
		return nil
	}

	t0 := e.TimeNow()
	e.Logger.Info("entryDisconnectStart", slog.Time("t", t0), slog.String("tunnelID", e.id))
	var err error
	if inner != nil {
		err = inner.Disconnect()
	}
	e.Logger.Info(
		"entryDisconnectDone",
		slog.Any("err", err),
		slog.String("errClass", e.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", e.TimeNow()),
		slog.String("tunnelID", e.id),
	)
	e.notify(StateOffline)
	return err
}

// Dispose implements [Tunnel].
//
// Dispose disconnects, waits for the pending observers and asynchronous
// disconnects for at most DrainTimeout and then disposes the chain.
// Calling Dispose from a state change observer is allowed but makes it
// wait for the whole DrainTimeout.
func (e *Entry) Dispose() error {
	err := e.Disconnect()
	e.disposeOnce.Do(func() {
		if !e.drain() {
			e.Logger.Warn(
				"entryDrainTimeout",
				slog.Duration("drainTimeout", e.DrainTimeout),
				slog.Time("t", e.TimeNow()),
				slog.String("tunnelID", e.id),
			)
		}
		e.stateLock.RLock()
		inner := e.inner
		e.stateLock.RUnlock()
		if inner != nil {
			if derr := inner.Dispose(); err == nil {
				err = derr
			}
		}
	})
	return err
}

// drain polls the in-flight counter and returns false if it does not
// reach zero within DrainTimeout. The poll interval grows linearly from
// 500µs up to 100ms (the [iox.Backoff] defaults), so a quick drain costs
// little and a stuck one does not spin.
func (e *Entry) drain() bool {
	deadline := e.TimeNow().Add(e.DrainTimeout)
	var bo iox.Backoff
	for e.inflight.Load() > 0 {
		if !e.TimeNow().Before(deadline) {
			return false
		}
		bo.Wait()
	}
	return true
}

// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import (
	"errors"
	"fmt"
	"sync"

	"code.hybscloud.com/kont"
	"github.com/bassosimone/hops/bridge"
	"github.com/bassosimone/hops/future"
	"github.com/bassosimone/hops/rwlock"
)

// Backend is the blocking I/O primitive managed by a [*Stream].
//
// Close is called exactly once, when the stream goes offline, and must
// unblock any pending Read or Write.
type Backend interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// AsyncBackend is an I/O primitive that only offers suspend-based
// operations. A [*Stream] runs them through a [*bridge.Bridge] when it
// needs blocking semantics.
type AsyncBackend interface {
	ReadTask(p []byte) kont.Eff[int]
	WriteTask(p []byte) kont.Eff[int]
	Close() error
}

// Disposer is optionally implemented by backends owning resources that
// outlive Close (e.g., an upstream tunnel).
type Disposer interface {
	Dispose() error
}

// Stream is the [Tunnel] implementation shared by every stage.
//
// It implements the lifecycle state machine and the concurrency discipline
// on top of a [Backend] or an [AsyncBackend]:
//
//   - the read lock and the write lock admit one read and one write at a time,
//     in FIFO order, so reads and writes proceed concurrently with each other
//     but not with themselves;
//
//   - the state lock is held in write mode for transitions and in read mode
//     for state queries, so a transition is never observed half-applied.
//
// A Stream starts in [StateInit]; the stage that creates it calls
// [*Stream.Open] once the stream is fully initialized.
type Stream struct {
	async       AsyncBackend
	backend     Backend
	disposeOnce sync.Once
	id          string
	observers   []func(State)
	observersMu sync.Mutex
	readBridge  *bridge.Bridge
	readLock    rwlock.Mutex
	state       State
	stateLock   rwlock.Mutex
	writeBridge *bridge.Bridge
	writeLock   rwlock.Mutex
}

var _ Tunnel = &Stream{}

// NewStream returns a [*Stream] in [StateInit] managing a blocking backend.
func NewStream(id string, backend Backend) *Stream {
	return &Stream{backend: backend, id: id}
}

// NewAsyncStream returns a [*Stream] in [StateInit] managing a
// suspend-based backend. Each direction gets its own bridge.
func NewAsyncStream(id string, backend AsyncBackend) *Stream {
	return &Stream{
		async:       backend,
		id:          id,
		readBridge:  bridge.New(),
		writeBridge: bridge.New(),
	}
}

// ID implements [Tunnel].
func (s *Stream) ID() string {
	return s.id
}

// Open moves the stream from [StateInit] to [StateOnline].
func (s *Stream) Open() error {
	err := s.stateLock.WithLock(func() error {
		if s.state != StateInit {
			return fmt.Errorf("%w: cannot open a stream in state %s", ErrInvalidState, s.state)
		}
		s.state = StateOnline
		return nil
	})
	if err != nil {
		return err
	}
	s.notify(StateOnline)
	return nil
}

// State implements [Tunnel].
func (s *Stream) State() State {
	s.stateLock.RLock()
	defer s.stateLock.RUnlock()
	return s.state
}

// OnStateChange implements [Tunnel].
func (s *Stream) OnStateChange(fn func(State)) {
	s.observersMu.Lock()
	s.observers = append(s.observers, fn)
	s.observersMu.Unlock()
}

func (s *Stream) notify(state State) {
	s.observersMu.Lock()
	observers := append([]func(State){}, s.observers...)
	s.observersMu.Unlock()
	for _, fn := range observers {
		fn(state)
	}
}

// ReadData implements [Tunnel].
func (s *Stream) ReadData(p []byte) (int, error) {
	s.readLock.Lock()
	return s.readAndUnlock(p)
}

// ReadDataAsync implements [Tunnel].
func (s *Stream) ReadDataAsync(p []byte) *future.Future[int] {
	out := future.New[int]()
	s.readLock.LockAsync().OnComplete(func(struct{}, error) {
		go func() {
			out.Complete(s.readAndUnlock(p))
		}()
	})
	return out
}

func (s *Stream) readAndUnlock(p []byte) (int, error) {
	defer s.readLock.Unlock()
	if s.State() != StateOnline {
		return 0, ErrEOF
	}
	var (
		count int
		err   error
	)
	if s.async != nil {
		count, err = bridge.Execute(s.readBridge, s.async.ReadTask(p))
	} else {
		count, err = s.backend.Read(p)
	}
	if err != nil {
		return count, s.fault(err)
	}
	return count, nil
}

// WriteData implements [Tunnel].
func (s *Stream) WriteData(p []byte) (int, error) {
	s.writeLock.Lock()
	return s.writeAndUnlock(p)
}

// WriteDataAsync implements [Tunnel].
func (s *Stream) WriteDataAsync(p []byte) *future.Future[int] {
	out := future.New[int]()
	s.writeLock.LockAsync().OnComplete(func(struct{}, error) {
		go func() {
			out.Complete(s.writeAndUnlock(p))
		}()
	})
	return out
}

func (s *Stream) writeAndUnlock(p []byte) (int, error) {
	defer s.writeLock.Unlock()
	if s.State() != StateOnline {
		return 0, ErrEOF
	}
	var (
		count int
		err   error
	)
	if s.async != nil {
		count, err = bridge.Execute(s.writeBridge, s.async.WriteTask(p))
	} else {
		count, err = s.backend.Write(p)
	}
	if err != nil {
		return count, s.fault(err)
	}
	return count, nil
}

// fault takes the stream offline after an I/O error and returns the
// error to give the caller. The error is always of the [ErrEOF] kind and
// wraps the cause unless the stream was already offline, in which case
// the cause is likely a consequence of the disconnect.
func (s *Stream) fault(err error) error {
	wasOnline := s.State() == StateOnline
	_ = s.Disconnect()
	switch {
	case !wasOnline:
		return ErrEOF
	case errors.Is(err, ErrEOF):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrEOF, err)
	}
}

// Disconnect implements [Tunnel].
func (s *Stream) Disconnect() error {
	changed := false
	_ = s.stateLock.WithLock(func() error {
		if s.state == StateOffline {
			return rwlock.ErrNothingToDo
		}
		s.state = StateOffline
		changed = true
		return nil
	})
	if !changed {
		return nil
	}
	var err error
	if s.async != nil {
		err = s.async.Close()
	} else {
		err = s.backend.Close()
	}
	s.notify(StateOffline)
	return err
}

// Dispose implements [Tunnel].
func (s *Stream) Dispose() error {
	err := s.Disconnect()
	s.disposeOnce.Do(func() {
		var backend any = s.backend
		if s.async != nil {
			backend = s.async
		}
		if d, ok := backend.(Disposer); ok {
			if derr := d.Dispose(); err == nil {
				err = derr
			}
		}
	})
	return err
}

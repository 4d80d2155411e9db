// SPDX-License-Identifier: GPL-3.0-or-later

// Package rwlock implements a reader/writer lock usable from both
// blocking and suspending call sites.
//
// Unlike [sync.RWMutex], a [*Mutex] may be released on a goroutine other
// than the one that acquired it, and every acquisition has a suspending
// variant returning a [*future.Future] that completes once the lock is held.
//
// # Fairness
//
// Requests are served in FIFO order. A read request is granted immediately
// only when no writer holds the lock and no request is queued; therefore,
// once a writer is queued, later readers wait behind it. When the lock
// becomes free, the head of the queue is granted: either the whole batch of
// consecutive readers at once, or a single writer.
package rwlock

import (
	"errors"
	"sync"

	"github.com/bassosimone/hops/future"
)

// ErrNothingToDo may be returned by the body passed to [*Mutex.WithLock]
// or [*Mutex.WithRLock] to leave early. Those methods report it as nil.
var ErrNothingToDo = errors.New("rwlock: nothing to do")

// waiter is a queued request: either a batch of readers released
// together or a single writer.
type waiter struct {
	readers []*future.Future[struct{}]
	writer  *future.Future[struct{}]
}

// Mutex is a hybrid reader/writer lock.
//
// The zero value is an unlocked mutex ready to use.
type Mutex struct {
	mu      sync.Mutex
	queue   []*waiter
	readers int
	writer  bool
}

// RLock acquires the lock for reading, blocking the calling goroutine.
func (m *Mutex) RLock() {
	if f := m.RLockAsync(); !f.IsDone() {
		<-f.Done()
	}
}

// Lock acquires the lock for writing, blocking the calling goroutine.
func (m *Mutex) Lock() {
	if f := m.LockAsync(); !f.IsDone() {
		<-f.Done()
	}
}

// granted is the shared already-completed grant.
var granted = future.Resolved(struct{}{})

// RLockAsync requests the lock for reading. The returned future completes
// once the lock is held. The request is queued before returning, so the
// FIFO position is the position at call time.
func (m *Mutex) RLockAsync() *future.Future[struct{}] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.writer && len(m.queue) == 0 {
		m.readers++
		return granted
	}
	f := future.New[struct{}]()
	if n := len(m.queue); n > 0 && m.queue[n-1].writer == nil {
		tail := m.queue[n-1]
		tail.readers = append(tail.readers, f)
		return f
	}
	m.queue = append(m.queue, &waiter{readers: []*future.Future[struct{}]{f}})
	return f
}

// LockAsync requests the lock for writing. The returned future completes
// once the lock is held.
func (m *Mutex) LockAsync() *future.Future[struct{}] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.writer && m.readers == 0 && len(m.queue) == 0 {
		m.writer = true
		return granted
	}
	f := future.New[struct{}]()
	m.queue = append(m.queue, &waiter{writer: f})
	return f
}

// RUnlock releases a read acquisition. It panics if the lock is not
// held for reading.
func (m *Mutex) RUnlock() {
	m.mu.Lock()
	if m.readers <= 0 || m.writer {
		m.mu.Unlock()
		panic("rwlock: RUnlock of a Mutex not locked for reading")
	}
	m.readers--
	var next *waiter
	if m.readers == 0 {
		next = m.grantLocked()
	}
	m.mu.Unlock()
	next.signal()
}

// Unlock releases a write acquisition. It panics if the lock is not
// held for writing.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	if !m.writer {
		m.mu.Unlock()
		panic("rwlock: Unlock of a Mutex not locked for writing")
	}
	m.writer = false
	next := m.grantLocked()
	m.mu.Unlock()
	next.signal()
}

// grantLocked pops the head of the queue and updates the lock state as
// if the head request had been granted. The caller signals the returned
// waiter after releasing m.mu.
func (m *Mutex) grantLocked() *waiter {
	if len(m.queue) == 0 {
		return nil
	}
	head := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	if head.writer != nil {
		m.writer = true
	} else {
		m.readers += len(head.readers)
	}
	return head
}

func (w *waiter) signal() {
	if w == nil {
		return
	}
	if w.writer != nil {
		w.writer.Complete(struct{}{}, nil)
		return
	}
	for _, f := range w.readers {
		f.Complete(struct{}{}, nil)
	}
}

// WithLock runs fn holding the lock for writing and releases the lock on
// every exit path, panics included. [ErrNothingToDo] is reported as nil.
func (m *Mutex) WithLock(fn func() error) error {
	m.Lock()
	defer m.Unlock()
	return filterNothingToDo(fn())
}

// WithRLock is like [*Mutex.WithLock] but holds the lock for reading.
func (m *Mutex) WithRLock(fn func() error) error {
	m.RLock()
	defer m.RUnlock()
	return filterNothingToDo(fn())
}

func filterNothingToDo(err error) error {
	if errors.Is(err, ErrNothingToDo) {
		return nil
	}
	return err
}

// Snapshot returns the number of active readers, whether a writer is
// active and the number of queued requests (a reader batch counts once).
func (m *Mutex) Snapshot() (readers int, writer bool, queued int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readers, m.writer, len(m.queue)
}

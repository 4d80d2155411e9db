// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import (
	"errors"
	"io"

	"github.com/bassosimone/hops/future"
)

// Tunnel is a bidirectional byte stream with an explicit lifecycle.
//
// A Tunnel starts in [StateInit], becomes usable in [StateOnline] and ends in
// [StateOffline], which is terminal. Once Offline, every read and write fails
// with an error for which errors.Is(err, [ErrEOF]) holds.
//
// At most one read and one write are in flight at any time: concurrent
// reads (and concurrent writes) are admitted in FIFO order, while a read
// and a write may proceed concurrently.
//
// Ownership: exactly one component holds the right to call a Tunnel's
// methods. Chain construction transfers ownership from a stage to the next
// one and eventually to the consumer.
type Tunnel interface {
	// ID returns the tunnel identifier used in logs.
	ID() string

	// ReadData reads into p, blocking until some data is available.
	ReadData(p []byte) (int, error)

	// WriteData writes a prefix of p, blocking until it is written. Some
	// tunnels accept less than len(p) bytes without an error (e.g., at
	// most one compression block per call); callers must loop.
	WriteData(p []byte) (int, error)

	// ReadDataAsync is the suspending variant of ReadData. The read is
	// queued before returning, so it keeps its FIFO position.
	ReadDataAsync(p []byte) *future.Future[int]

	// WriteDataAsync is the suspending variant of WriteData.
	WriteDataAsync(p []byte) *future.Future[int]

	// Disconnect moves the tunnel to [StateOffline] and releases the
	// underlying connection so that pending I/O unblocks. Calling it
	// again has no effect and returns nil.
	Disconnect() error

	// Dispose disconnects and releases every resource held by the tunnel.
	Dispose() error

	// State returns the current state.
	State() State

	// OnStateChange registers fn to be called after each transition.
	OnStateChange(fn func(State))
}

// NewReadWriteCloser adapts a [Tunnel] to [io.ReadWriteCloser].
//
// Write loops until p has been fully written; an [ErrEOF] kind error is
// returned as [io.EOF] so that [io.Copy] and friends see a clean end of
// stream. Close disposes the tunnel.
func NewReadWriteCloser(t Tunnel) io.ReadWriteCloser {
	return &tunnelReadWriteCloser{t: t}
}

type tunnelReadWriteCloser struct {
	t Tunnel
}

// Read implements [io.Reader].
func (rwc *tunnelReadWriteCloser) Read(p []byte) (int, error) {
	n, err := rwc.t.ReadData(p)
	if errors.Is(err, ErrEOF) {
		err = io.EOF
	}
	return n, err
}

// Write implements [io.Writer].
func (rwc *tunnelReadWriteCloser) Write(p []byte) (int, error) {
	var total int
	for total < len(p) {
		n, err := rwc.t.WriteData(p[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
	}
	return total, nil
}

// Close implements [io.Closer].
func (rwc *tunnelReadWriteCloser) Close() error {
	return rwc.t.Dispose()
}

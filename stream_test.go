// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"code.hybscloud.com/kont"
	"github.com/bassosimone/hops/bridge"
	"github.com/bassosimone/hops/future"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcBackend is a [Backend] whose methods are function fields.
type funcBackend struct {
	CloseFunc func() error
	ReadFunc  func(p []byte) (int, error)
	WriteFunc func(p []byte) (int, error)
}

func (b *funcBackend) Close() error                { return b.CloseFunc() }
func (b *funcBackend) Read(p []byte) (int, error)  { return b.ReadFunc(p) }
func (b *funcBackend) Write(p []byte) (int, error) { return b.WriteFunc(p) }

// disposableBackend adds [Disposer] to a [funcBackend].
type disposableBackend struct {
	funcBackend
	DisposeFunc func() error
}

func (b *disposableBackend) Dispose() error { return b.DisposeFunc() }

// funcAsyncBackend is an [AsyncBackend] whose methods are function fields.
type funcAsyncBackend struct {
	CloseFunc     func() error
	ReadTaskFunc  func(p []byte) kont.Eff[int]
	WriteTaskFunc func(p []byte) kont.Eff[int]
}

func (b *funcAsyncBackend) Close() error                     { return b.CloseFunc() }
func (b *funcAsyncBackend) ReadTask(p []byte) kont.Eff[int]  { return b.ReadTaskFunc(p) }
func (b *funcAsyncBackend) WriteTask(p []byte) kont.Eff[int] { return b.WriteTaskFunc(p) }

func TestStreamOpen(t *testing.T) {
	s := NewStream("x", &funcBackend{CloseFunc: func() error { return nil }})
	assert.Equal(t, StateInit, s.State())
	assert.Equal(t, "x", s.ID())

	// I/O before open fails with EOF
	_, err := s.ReadData(make([]byte, 4))
	require.ErrorIs(t, err, ErrEOF)
	_, err = s.WriteData([]byte("abc"))
	require.ErrorIs(t, err, ErrEOF)

	require.NoError(t, s.Open())
	assert.Equal(t, StateOnline, s.State())

	err = s.Open()
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestStreamPipeRoundTrip(t *testing.T) {
	left, right := newPipeStreams(t)

	go func() {
		_, _ = left.WriteData([]byte("hello"))
	}()

	buf := make([]byte, 16)
	n, err := right.ReadData(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
}

func TestStreamDisconnectIsIdempotent(t *testing.T) {
	var closed atomic.Int32
	s := NewStream("x", &funcBackend{CloseFunc: func() error {
		closed.Add(1)
		return nil
	}})
	require.NoError(t, s.Open())

	var states []State
	s.OnStateChange(func(st State) { states = append(states, st) })

	require.NoError(t, s.Disconnect())
	require.NoError(t, s.Disconnect())
	assert.Equal(t, int32(1), closed.Load())
	assert.Equal(t, []State{StateOffline}, states)
	assert.Equal(t, StateOffline, s.State())

	_, err := s.ReadData(make([]byte, 4))
	require.ErrorIs(t, err, ErrEOF)
	_, err = s.WriteData([]byte("abc"))
	require.ErrorIs(t, err, ErrEOF)

	// offline is terminal
	require.ErrorIs(t, s.Open(), ErrInvalidState)
}

// Disconnecting releases a read blocked on the other side of a pipe.
func TestStreamDisconnectUnblocksRead(t *testing.T) {
	left, _ := newPipeStreams(t)

	errch := make(chan error, 1)
	go func() {
		_, err := left.ReadData(make([]byte, 4))
		errch <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, left.Disconnect())

	select {
	case err := <-errch:
		require.ErrorIs(t, err, ErrEOF)
	case <-time.After(5 * time.Second):
		t.Fatal("read did not unblock")
	}
}

// A peer closing the pipe surfaces as EOF and takes the stream offline.
func TestStreamPeerCloseIsEOF(t *testing.T) {
	left, right := newPipeStreams(t)
	require.NoError(t, right.Disconnect())

	_, err := left.ReadData(make([]byte, 4))
	require.ErrorIs(t, err, ErrEOF)
	require.ErrorIs(t, err, io.EOF)
	assert.Equal(t, StateOffline, left.State())
}

func TestStreamFaultWrapsCause(t *testing.T) {
	wantErr := errors.New("mocked error")
	s := NewStream("x", &funcBackend{
		CloseFunc: func() error { return nil },
		ReadFunc:  func(p []byte) (int, error) { return 0, wantErr },
		WriteFunc: func(p []byte) (int, error) { return 0, wantErr },
	})
	require.NoError(t, s.Open())

	_, err := s.WriteData([]byte("abc"))
	require.ErrorIs(t, err, ErrEOF)
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, StateOffline, s.State())

	// subsequent operations fail with the plain EOF kind
	_, err = s.ReadData(make([]byte, 4))
	require.ErrorIs(t, err, ErrEOF)
	assert.False(t, errors.Is(err, wantErr))
}

// Async reads keep their submission order.
func TestStreamAsyncReadsAreFIFO(t *testing.T) {
	var counter int
	gate := make(chan struct{})
	s := NewStream("x", &funcBackend{
		CloseFunc: func() error { return nil },
		ReadFunc: func(p []byte) (int, error) {
			<-gate
			counter++
			return counter, nil
		},
	})
	require.NoError(t, s.Open())

	var futures []*future.Future[int]
	for range 5 {
		futures = append(futures, s.ReadDataAsync(nil))
	}
	close(gate)

	for idx, f := range futures {
		n, err := f.Result()
		require.NoError(t, err)
		assert.Equal(t, idx+1, n)
	}
}

// A read and a write proceed concurrently.
func TestStreamReadAndWriteAreIndependent(t *testing.T) {
	release := make(chan struct{})
	s := NewStream("x", &funcBackend{
		CloseFunc: func() error { return nil },
		ReadFunc: func(p []byte) (int, error) {
			<-release
			return 0, nil
		},
		WriteFunc: func(p []byte) (int, error) { return len(p), nil },
	})
	require.NoError(t, s.Open())

	pending := s.ReadDataAsync(make([]byte, 1))
	n, err := s.WriteData([]byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.False(t, pending.IsDone())

	close(release)
	_, err = pending.Result()
	require.NoError(t, err)
}

func TestStreamAsyncBackend(t *testing.T) {
	var written []byte
	s := NewAsyncStream("x", &funcAsyncBackend{
		CloseFunc: func() error { return nil },
		ReadTaskFunc: func(p []byte) kont.Eff[int] {
			f := future.Go(func() (int, error) { return copy(p, "pong"), nil })
			return kont.Bind(bridge.Await(f), func(n int) kont.Eff[int] {
				return kont.Pure(n)
			})
		},
		WriteTaskFunc: func(p []byte) kont.Eff[int] {
			written = append(written, p...)
			return kont.Pure(len(p))
		},
	})
	require.NoError(t, s.Open())

	n, err := s.WriteData([]byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "ping", string(written))

	buf := make([]byte, 8)
	n, err = s.ReadData(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))

	n, err = s.ReadDataAsync(buf).Result()
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
}

func TestStreamDisposeCallsDisposerOnce(t *testing.T) {
	var disposed, closed int
	s := NewStream("x", &disposableBackend{
		funcBackend: funcBackend{CloseFunc: func() error {
			closed++
			return nil
		}},
		DisposeFunc: func() error {
			disposed++
			return nil
		},
	})
	require.NoError(t, s.Open())
	require.NoError(t, s.Dispose())
	require.NoError(t, s.Dispose())
	assert.Equal(t, 1, closed)
	assert.Equal(t, 1, disposed)
}

func TestReadWriteCloserLoopsShortWrites(t *testing.T) {
	var (
		mu  sync.Mutex
		out []byte
	)
	s := NewStream("x", &funcBackend{
		CloseFunc: func() error { return nil },
		ReadFunc:  func(p []byte) (int, error) { return 0, io.EOF },
		WriteFunc: func(p []byte) (int, error) {
			mu.Lock()
			defer mu.Unlock()
			p = p[:min(len(p), 3)]
			out = append(out, p...)
			return len(p), nil
		},
	})
	require.NoError(t, s.Open())
	rwc := NewReadWriteCloser(s)

	n, err := rwc.Write([]byte("hello, world"))
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, "hello, world", string(out))

	_, err = rwc.Read(make([]byte, 4))
	assert.Equal(t, io.EOF, err)

	require.NoError(t, rwc.Close())
	assert.Equal(t, StateOffline, s.State())
}

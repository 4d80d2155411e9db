// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcListenConfig is a [ListenConfig] backed by a function.
type funcListenConfig func(ctx context.Context, network, address string) (net.Listener, error)

func (f funcListenConfig) Listen(ctx context.Context, network, address string) (net.Listener, error) {
	return f(ctx, network, address)
}

// recordingHandler is an [AcceptHandler] recording what it receives.
type recordingHandler struct {
	failures chan error
	tunnels  chan *Handoff
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{failures: make(chan error, 8), tunnels: make(chan *Handoff, 8)}
}

func (h *recordingHandler) HandleTunnel(ctx context.Context, ho *Handoff) { h.tunnels <- ho }
func (h *recordingHandler) HandleFailure(err error)                       { h.failures <- err }

// Two specifiers resolving to three addresses yield three accept loops,
// and shutdown closes all of them.
func TestTCPAcceptorOneLoopPerAddress(t *testing.T) {
	var (
		mu        sync.Mutex
		requested []string
		listeners []net.Listener
	)
	cfg := NewConfig()
	cfg.Resolver = funcResolver(func(ctx context.Context, network, host string) ([]netip.Addr, error) {
		return []netip.Addr{netip.MustParseAddr("127.0.0.2"), netip.MustParseAddr("127.0.0.3")}, nil
	})
	cfg.ListenConfig = funcListenConfig(func(ctx context.Context, network, address string) (net.Listener, error) {
		mu.Lock()
		defer mu.Unlock()
		requested = append(requested, address)
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		listeners = append(listeners, ln)
		return ln, err
	})

	acceptor := NewTCPAcceptor(cfg, &TransportConfig{Bind: "127.0.0.1;loopback.example"}, DefaultSLogger())
	handler := newRecordingHandler()
	require.NoError(t, acceptor.Start(context.Background(), handler))

	assert.Equal(t, []string{"127.0.0.1:0", "127.0.0.2:0", "127.0.0.3:0"}, requested)
	assert.Len(t, acceptor.Addrs(), 3)
	assert.Equal(t, 3, acceptor.Running())

	require.NoError(t, acceptor.Shutdown(context.Background()))
	assert.Equal(t, 0, acceptor.Running())
	for _, ln := range listeners {
		_, err := ln.Accept()
		require.ErrorIs(t, err, net.ErrClosed)
	}

	// shutdown is not a node failure
	assert.Len(t, handler.failures, 0)

	// shutting down again is harmless
	require.NoError(t, acceptor.Shutdown(context.Background()))
}

func TestTCPAcceptorStartTwice(t *testing.T) {
	acceptor := NewTCPAcceptor(NewConfig(), &TransportConfig{Bind: "127.0.0.1:0"}, DefaultSLogger())
	require.NoError(t, acceptor.Start(context.Background(), newRecordingHandler()))
	defer acceptor.Shutdown(context.Background())

	err := acceptor.Start(context.Background(), newRecordingHandler())
	require.ErrorIs(t, err, ErrInvalidState)
}

// When a later listen fails, the listeners bound so far are closed.
func TestTCPAcceptorListenFailure(t *testing.T) {
	wantErr := errors.New("address in use")
	var first net.Listener
	cfg := NewConfig()
	cfg.ListenConfig = funcListenConfig(func(ctx context.Context, network, address string) (net.Listener, error) {
		if first == nil {
			ln, err := net.Listen("tcp", "127.0.0.1:0")
			first = ln
			return ln, err
		}
		return nil, wantErr
	})

	acceptor := NewTCPAcceptor(cfg, &TransportConfig{Bind: "127.0.0.1:0;127.0.0.2:0"}, DefaultSLogger())
	err := acceptor.Start(context.Background(), newRecordingHandler())
	require.ErrorIs(t, err, wantErr)

	_, err = first.Accept()
	require.ErrorIs(t, err, net.ErrClosed)
	assert.Equal(t, 0, acceptor.Running())
}

// An accept error outside shutdown is reported as a node failure.
func TestTCPAcceptorAcceptFailure(t *testing.T) {
	wantErr := errors.New("too many open files")
	cfg := NewConfig()
	cfg.ListenConfig = funcListenConfig(func(ctx context.Context, network, address string) (net.Listener, error) {
		return &netstub.FuncListener{
			AcceptFunc: func() (net.Conn, error) { return nil, wantErr },
			CloseFunc:  func() error { return nil },
			AddrFunc:   func() net.Addr { return &net.TCPAddr{} },
		}, nil
	})
	logger, records := newCapturingLogger()

	acceptor := NewTCPAcceptor(cfg, &TransportConfig{Bind: "127.0.0.1:0"}, logger)
	handler := newRecordingHandler()
	require.NoError(t, acceptor.Start(context.Background(), handler))

	select {
	case err := <-handler.failures:
		require.ErrorIs(t, err, wantErr)
	case <-time.After(5 * time.Second):
		t.Fatal("no failure reported")
	}
	require.NoError(t, acceptor.Shutdown(context.Background()))
	assert.Contains(t, recordMessages(*records), "acceptFailed")
}

// A loop that does not exit makes shutdown fail instead of hanging.
func TestTCPAcceptorShutdownTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	cfg := NewConfig()
	cfg.ShutdownTimeout = 20 * time.Millisecond
	cfg.ListenConfig = funcListenConfig(func(ctx context.Context, network, address string) (net.Listener, error) {
		return &netstub.FuncListener{
			AcceptFunc: func() (net.Conn, error) {
				<-release
				return nil, net.ErrClosed
			},
			CloseFunc: func() error { return nil }, // does not unblock Accept
			AddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		}, nil
	})

	acceptor := NewTCPAcceptor(cfg, &TransportConfig{Bind: "127.0.0.1:0"}, DefaultSLogger())
	require.NoError(t, acceptor.Start(context.Background(), newRecordingHandler()))

	err := acceptor.Shutdown(context.Background())
	require.ErrorIs(t, err, ErrShutdownTimeout)
}

// A client connects to the acceptor and the two ends exchange data.
func TestTCPAcceptorEndToEnd(t *testing.T) {
	cfg := NewConfig()
	acceptor := NewTCPAcceptor(cfg, &TransportConfig{Bind: "127.0.0.1:0", NoDelay: true}, DefaultSLogger())
	handler := newRecordingHandler()
	require.NoError(t, acceptor.Start(context.Background(), handler))
	defer acceptor.Shutdown(context.Background())

	addr := acceptor.Addrs()[0].(*net.TCPAddr)
	client := NewTCPConnectFunc(cfg, &TransportConfig{
		RemoteHost: "127.0.0.1",
		RemotePort: addr.Port,
		BufferSize: 65536,
	}, DefaultSLogger())
	ch, err := client.Call(context.Background(), NewBag())
	require.NoError(t, err)
	defer ch.Tunnel.Dispose()

	var sh *Handoff
	select {
	case sh = <-handler.tunnels:
	case <-time.After(5 * time.Second):
		t.Fatal("no tunnel accepted")
	}
	defer sh.Tunnel.Dispose()

	bind, _ := BagString(sh.Bag, KeyBind)
	assert.Equal(t, "127.0.0.1:0", bind)
	port, _ := BagInt(sh.Bag, KeyLocalPort)
	assert.Equal(t, addr.Port, port)
	nodelay, _ := BagBool(sh.Bag, KeyTCPNoDelay)
	assert.True(t, nodelay)
	remote, _ := BagString(sh.Bag, KeyRemoteAddr)
	local, _ := BagString(ch.Bag, KeyLocalAddr)
	assert.Equal(t, local, remote)

	_, err = ch.Tunnel.WriteData([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 8)
	n, err := sh.Tunnel.ReadData(buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))

	// closing the client side surfaces as EOF on the server side
	require.NoError(t, ch.Tunnel.Disconnect())
	_, err = sh.Tunnel.ReadData(buf)
	require.ErrorIs(t, err, ErrEOF)
}

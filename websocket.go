// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// NewWebSocketConnectFunc returns a new [*WebSocketConnectFunc].
//
// The cfg argument contains the common configuration for hops operations.
//
// The tcfg argument provides the endpoint, the path and the socket tuning.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewWebSocketConnectFunc(cfg *Config, tcfg *TransportConfig, logger SLogger) *WebSocketConnectFunc {
	return &WebSocketConnectFunc{
		BufferSize:    tcfg.BufferSize,
		Dialer:        cfg.Dialer,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		NoDelay:       tcfg.NoDelay,
		Path:          tcfg.webSocketPath(),
		RemoteHost:    tcfg.RemoteHost,
		RemotePort:    tcfg.RemotePort,
		TimeNow:       cfg.TimeNow,
	}
}

// WebSocketConnectFunc is the client wire transport carrying the tunnel
// bytes inside binary WebSocket messages. This lets a chain cross HTTP
// infrastructure that would not forward a raw TCP stream.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type WebSocketConnectFunc struct {
	// BufferSize is the socket buffer size (zero means default).
	//
	// Set by [NewWebSocketConnectFunc] from [TransportConfig.BufferSize].
	BufferSize int

	// Dialer dials the underlying TCP conn.
	//
	// Set by [NewWebSocketConnectFunc] from [Config.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewWebSocketConnectFunc] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewWebSocketConnectFunc] to the user-provided logger.
	Logger SLogger

	// NoDelay disables Nagle's algorithm.
	//
	// Set by [NewWebSocketConnectFunc] from [TransportConfig.NoDelay].
	NoDelay bool

	// Path is the HTTP path of the WebSocket endpoint.
	//
	// Set by [NewWebSocketConnectFunc] from [TransportConfig.WebSocketPath].
	Path string

	// RemoteHost is the host to connect to.
	//
	// Set by [NewWebSocketConnectFunc] from [TransportConfig.RemoteHost].
	RemoteHost string

	// RemotePort is the port to connect to.
	//
	// Set by [NewWebSocketConnectFunc] from [TransportConfig.RemotePort].
	RemotePort int

	// TimeNow is the function to get the current time.
	//
	// Set by [NewWebSocketConnectFunc] from [Config.TimeNow].
	TimeNow func() time.Time
}

var _ Func[*Bag, *Handoff] = &WebSocketConnectFunc{}

// Call performs the WebSocket handshake and returns the handoff for the
// next stage. The bag keys override the configuration like for
// [*TCPConnectFunc].
func (op *WebSocketConnectFunc) Call(ctx context.Context, bag *Bag) (*Handoff, error) {
	host, port := op.RemoteHost, op.RemotePort
	if v, ok := BagString(bag, KeyRemoteHost); ok {
		host = v
	}
	if v, ok := BagInt(bag, KeyRemotePort); ok {
		port = v
	}
	noDelay, bufferSize := op.NoDelay, op.BufferSize
	if v, ok := BagBool(bag, KeyTCPNoDelay); ok {
		noDelay = v
	}
	if v, ok := BagInt(bag, KeyTCPBufferSize); ok {
		bufferSize = v
	}

	u := &url.URL{Scheme: "ws", Host: net.JoinHostPort(host, strconv.Itoa(port)), Path: op.Path}
	dialer := &websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			conn, err := op.Dialer.DialContext(ctx, network, address)
			if err != nil {
				return nil, err
			}
			if err := tuneConn(conn, noDelay, bufferSize); err != nil {
				conn.Close()
				return nil, err
			}
			return conn, nil
		},
	}

	t0 := op.TimeNow()
	op.Logger.Info("webSocketHandshakeStart", slog.String("url", u.String()), slog.Time("t", t0))
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	op.Logger.Info(
		"webSocketHandshakeDone",
		slog.Any("err", err),
		slog.String("errClass", op.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", op.TimeNow()),
		slog.String("url", u.String()),
	)
	if err != nil {
		return nil, err
	}

	conn := newWSConn(ws)
	id := NewTunnelID()
	bag.Set(KeyRemoteHost, host)
	bag.Set(KeyRemotePort, port)
	bag.Set(KeyTCPNoDelay, noDelay)
	bag.Set(KeyTCPBufferSize, bufferSize)
	bag.Set(KeyTransport, "websocket")
	bag.Set(KeyTunnelID, id)
	setEndpointKeys(bag, conn)
	return &Handoff{Bag: bag, Tunnel: NewConnStream(id, conn)}, nil
}

// NewWebSocketAcceptor returns a new [*WebSocketAcceptor].
//
// The arguments have the same meaning as for [NewTCPAcceptor].
func NewWebSocketAcceptor(cfg *Config, tcfg *TransportConfig, logger SLogger) *WebSocketAcceptor {
	a := &WebSocketAcceptor{Path: tcfg.webSocketPath()}
	a.init(cfg, tcfg, logger)
	return a
}

// WebSocketAcceptor is the server side of the WebSocket transport.
//
// It binds listeners like [*TCPAcceptor] and runs one HTTP server loop per
// listener, upgrading the requests for Path to WebSocket tunnels.
type WebSocketAcceptor struct {
	TCPAcceptor

	// Path is the HTTP path of the WebSocket endpoint.
	//
	// Set by [NewWebSocketAcceptor] from [TransportConfig.WebSocketPath].
	Path string
}

var _ Acceptor = &WebSocketAcceptor{}

// Start binds the listeners and starts the HTTP server loops.
func (a *WebSocketAcceptor) Start(ctx context.Context, handler AcceptHandler) error {
	return a.loops.start(ctx, &listenerGroupConfig{
		Bind:          a.Bind,
		ErrClassifier: a.ErrClassifier,
		ListenConfig:  a.ListenConfig,
		Logger:        a.Logger,
		Port:          a.Port,
		Resolver:      a.Resolver,
		TimeNow:       a.TimeNow,
	}, func(ctx context.Context, bl *boundListener) {
		a.serveLoop(ctx, bl, handler)
	})
}

func (a *WebSocketAcceptor) serveLoop(ctx context.Context, bl *boundListener, handler AcceptHandler) {
	upgrader := &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return r.Header.Get("Origin") == "" // only non-browser clients
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(a.Path, func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			a.Logger.Warn("webSocketUpgradeFailed", slog.Any("err", err), slog.String("remoteAddr", r.RemoteAddr))
			return
		}
		conn := newWSConn(ws)
		if err := tuneConn(ws.UnderlyingConn(), a.NoDelay, a.BufferSize); err != nil {
			conn.Close()
			return
		}

		id := NewTunnelID()
		bag := NewBag()
		bag.Set(KeyBind, bl.addr.Spec.Raw)
		bag.Set(KeyTCPNoDelay, a.NoDelay)
		bag.Set(KeyTCPBufferSize, a.BufferSize)
		bag.Set(KeyTransport, "websocket")
		bag.Set(KeyTunnelID, id)
		setEndpointKeys(bag, conn)

		a.Logger.Info(
			"acceptDone",
			slog.String("bind", bl.addr.Spec.Raw),
			slog.String("localAddr", bagStringOrEmpty(bag, KeyLocalAddr)),
			slog.String("protocol", "websocket"),
			slog.String("remoteAddr", bagStringOrEmpty(bag, KeyRemoteAddr)),
			slog.Time("t", a.TimeNow()),
			slog.String("tunnelID", id),
		)
		handler.HandleTunnel(ctx, &Handoff{Bag: bag, Tunnel: NewConnStream(id, conn)})
	})

	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	err := srv.Serve(bl.ln)
	if ctx.Err() != nil {
		return // shutting down
	}
	a.Logger.Warn(
		"acceptFailed",
		slog.String("bind", bl.addr.Spec.Raw),
		slog.Any("err", err),
		slog.String("errClass", a.ErrClassifier.Classify(err)),
		slog.String("localAddr", bl.ln.Addr().String()),
		slog.Time("t", a.TimeNow()),
	)
	handler.HandleFailure(err)
}

// wsConn adapts a [*websocket.Conn] to [net.Conn], mapping each write to a
// binary message and concatenating the received messages.
type wsConn struct {
	closeOnce sync.Once
	reader    io.Reader
	ws        *websocket.Conn
}

var _ net.Conn = &wsConn{}

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{ws: ws}
}

// Read implements [net.Conn].
//
// A close frame from the peer is reported as [io.EOF].
func (c *wsConn) Read(b []byte) (int, error) {
	for {
		if c.reader == nil {
			_, reader, err := c.ws.NextReader()
			if err != nil {
				return 0, mapWSError(err)
			}
			c.reader = reader
		}
		n, err := c.reader.Read(b)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n <= 0 {
				continue
			}
			return n, nil
		}
		return n, mapWSError(err)
	}
}

// Write implements [net.Conn].
func (c *wsConn) Write(b []byte) (int, error) {
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, mapWSError(err)
	}
	return len(b), nil
}

// Close implements [net.Conn]. It sends a best-effort close frame.
func (c *wsConn) Close() (err error) {
	err = net.ErrClosed
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return
}

// LocalAddr implements [net.Conn].
func (c *wsConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

// RemoteAddr implements [net.Conn].
func (c *wsConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// SetDeadline implements [net.Conn].
func (c *wsConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

// SetReadDeadline implements [net.Conn].
func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// SetWriteDeadline implements [net.Conn].
func (c *wsConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}

func mapWSError(err error) error {
	var closeErr *websocket.CloseError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &closeErr):
		return io.EOF
	case errors.Is(err, websocket.ErrCloseSent):
		return net.ErrClosed
	default:
		return err
	}
}

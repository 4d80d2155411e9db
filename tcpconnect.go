// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import (
	"context"
	"log/slog"
	"net"
	"strconv"
)

// NewTCPConnectFunc returns a new [*TCPConnectFunc].
//
// The cfg argument contains the common configuration for hops operations.
//
// The tcfg argument provides the default endpoint and socket tuning.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewTCPConnectFunc(cfg *Config, tcfg *TransportConfig, logger SLogger) *TCPConnectFunc {
	return &TCPConnectFunc{
		BufferSize: tcfg.BufferSize,
		Connect:    NewConnectFunc(cfg, "tcp", logger),
		Logger:     logger,
		NoDelay:    tcfg.NoDelay,
		RemoteHost: tcfg.RemoteHost,
		RemotePort: tcfg.RemotePort,
	}
}

// TCPConnectFunc is the client wire transport stage.
//
// It connects to the remote endpoint, applies socket tuning, fills the
// endpoint keys of the bag and returns an Online tunnel over the conn.
// The [KeyRemoteHost], [KeyRemotePort], [KeyTCPNoDelay] and
// [KeyTCPBufferSize] bag keys, when set, override the configured values.
//
// All fields are safe to modify after construction but before first use.
// Fields must not be mutated concurrently with calls to [Call].
type TCPConnectFunc struct {
	// BufferSize is the socket buffer size (zero means default).
	//
	// Set by [NewTCPConnectFunc] from [TransportConfig.BufferSize].
	BufferSize int

	// Connect performs the raw dial.
	//
	// Set by [NewTCPConnectFunc] using [NewConnectFunc].
	Connect Func[string, net.Conn]

	// Logger is the [SLogger] to use.
	//
	// Set by [NewTCPConnectFunc] to the user-provided logger.
	Logger SLogger

	// NoDelay disables Nagle's algorithm.
	//
	// Set by [NewTCPConnectFunc] from [TransportConfig.NoDelay].
	NoDelay bool

	// RemoteHost is the host to connect to.
	//
	// Set by [NewTCPConnectFunc] from [TransportConfig.RemoteHost].
	RemoteHost string

	// RemotePort is the port to connect to.
	//
	// Set by [NewTCPConnectFunc] from [TransportConfig.RemotePort].
	RemotePort int
}

var _ Func[*Bag, *Handoff] = &TCPConnectFunc{}

// Call connects and returns the handoff for the next stage.
func (op *TCPConnectFunc) Call(ctx context.Context, bag *Bag) (*Handoff, error) {
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

	conn, err := op.Connect.Call(ctx, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	if err := tuneConn(conn, noDelay, bufferSize); err != nil {
		conn.Close()
		return nil, err
	}

	id := NewTunnelID()
	bag.Set(KeyRemoteHost, host)
	bag.Set(KeyRemotePort, port)
	bag.Set(KeyTCPNoDelay, noDelay)
	bag.Set(KeyTCPBufferSize, bufferSize)
	bag.Set(KeyTransport, "tcp")
	bag.Set(KeyTunnelID, id)
	setEndpointKeys(bag, conn)

	op.Logger.Info(
		"tunnelOpen",
		slog.String("localAddr", bagStringOrEmpty(bag, KeyLocalAddr)),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", bagStringOrEmpty(bag, KeyRemoteAddr)),
		slog.String("tunnelID", id),
	)
	return &Handoff{Bag: bag, Tunnel: NewConnStream(id, conn)}, nil
}

func bagStringOrEmpty(bag *Bag, key string) string {
	v, _ := BagString(bag, key)
	return v
}

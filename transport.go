// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import (
	"net"
	"net/netip"

	"github.com/bassosimone/safeconn"
)

// TransportConfig configures a wire transport stage.
type TransportConfig struct {
	// Bind is the semicolon separated list of bind specifiers used by the
	// acceptors (see [ParseBindSpec]).
	Bind string

	// BufferSize is the socket send and receive buffer size. Zero means
	// using the operating system default.
	BufferSize int

	// LocalPort is the port used by bind specifiers not carrying their own.
	LocalPort int

	// NoDelay disables Nagle's algorithm when true.
	NoDelay bool

	// RemoteHost is the host the client transports connect to.
	RemoteHost string

	// RemotePort is the port the client transports connect to.
	RemotePort int

	// WebSocketPath is the HTTP path of the WebSocket transport. Empty
	// means using [DefaultWebSocketPath].
	WebSocketPath string
}

// DefaultWebSocketPath is the default HTTP path of the WebSocket transport.
const DefaultWebSocketPath = "/hops"

func (tc *TransportConfig) webSocketPath() string {
	if tc.WebSocketPath == "" {
		return DefaultWebSocketPath
	}
	return tc.WebSocketPath
}

// tuneConn applies the socket options to conn when it is a TCP conn.
func tuneConn(conn net.Conn, noDelay bool, bufferSize int) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetNoDelay(noDelay); err != nil {
		return err
	}
	if bufferSize <= 0 {
		return nil
	}
	if err := tc.SetReadBuffer(bufferSize); err != nil {
		return err
	}
	return tc.SetWriteBuffer(bufferSize)
}

// setEndpointKeys records the endpoints of conn into bag. The remote host
// and port are only set when not already present, so that a client keeps
// the host name it dialed.
func setEndpointKeys(bag *Bag, conn net.Conn) {
	laddr, raddr := safeconn.LocalAddr(conn), safeconn.RemoteAddr(conn)
	bag.Set(KeyLocalAddr, laddr)
	bag.Set(KeyRemoteAddr, raddr)
	if ap, err := netip.ParseAddrPort(laddr); err == nil {
		bag.Set(KeyLocalHost, ap.Addr().Unmap().String())
		bag.Set(KeyLocalPort, int(ap.Port()))
	}
	if ap, err := netip.ParseAddrPort(raddr); err == nil {
		if _, found := bag.Get(KeyRemoteHost); !found {
			bag.Set(KeyRemoteHost, ap.Addr().Unmap().String())
		}
		if _, found := bag.Get(KeyRemotePort); !found {
			bag.Set(KeyRemotePort, int(ap.Port()))
		}
	}
}

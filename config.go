// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import (
	"context"
	"net"
	"net/netip"
	"time"
)

// Dialer abstracts the [*net.Dialer] behavior.
//
// By making the client transports depend on an abstract implementation
// we allow for unit testing and for using alternative dialers.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ListenConfig abstracts the [*net.ListenConfig] behavior.
type ListenConfig interface {
	Listen(ctx context.Context, network, address string) (net.Listener, error)
}

// Resolver abstracts the [*net.Resolver] behavior.
//
// The acceptors use it to resolve host names found in bind specifiers.
// See [*DNSOverUDPResolver] for an alternative implementation.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Config holds common configuration for hops operations.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used by the client transports.
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// DrainTimeout bounds how long [*Entry.Dispose] waits for in-flight
	// state change work before releasing the underlying tunnel.
	//
	// Set by [NewConfig] to one second.
	DrainTimeout time.Duration

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// HandshakeTimeout bounds the construction of the chain for each
	// incoming tunnel (see [*Server]).
	//
	// Set by [NewConfig] to ten seconds.
	HandshakeTimeout time.Duration

	// ListenConfig is used by the acceptors.
	//
	// Set by [NewConfig] to [*net.ListenConfig].
	ListenConfig ListenConfig

	// Resolver resolves host names in bind specifiers.
	//
	// Set by [NewConfig] to [net.DefaultResolver].
	Resolver Resolver

	// ShutdownTimeout bounds how long an acceptor waits for its accept
	// loops to terminate.
	//
	// Set by [NewConfig] to five seconds.
	ShutdownTimeout time.Duration

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:           &net.Dialer{},
		DrainTimeout:     time.Second,
		ErrClassifier:    DefaultErrClassifier,
		HandshakeTimeout: 10 * time.Second,
		ListenConfig:     &net.ListenConfig{},
		Resolver:         net.DefaultResolver,
		ShutdownTimeout:  5 * time.Second,
		TimeNow:          time.Now,
	}
}

// SPDX-License-Identifier: GPL-3.0-or-later

// Package hops provides composable multi-hop byte tunnels.
//
// # Core Abstraction
//
// A [Tunnel] is a bidirectional byte stream with an explicit lifecycle:
//
//	Init --Open--> Online --Disconnect/fault--> Offline --Dispose--> (released)
//
// Reads and writes are available both as blocking calls and as
// [github.com/bassosimone/hops/future.Future] returning calls. Every failure is reported as an error
// wrapping [ErrEOF], and the tunnel goes offline at the first fault.
//
// Tunnels are built by chains. A chain starts with a wire transport, which
// is a [Func] from a [*Bag] to a [*Handoff], followed by zero or more
// [Node] stages, each consuming the handoff of the previous stage and
// producing a new one that wraps it:
//
//	chain := ConnectChain(
//		NewTCPConnectFunc(cfg, tcfg, logger),
//		NewCompressionNode(cfg, ccfg, RoleClient, logger),
//		NewObserveNode(cfg, nil, logger),
//	)
//
// The [*Bag] carries the key-value metadata the stages share (endpoints,
// negotiated block sizes, see the Key* constants).
//
// # Available Primitives
//
// Wire transports:
//   - [TCPConnectFunc] and [TCPAcceptor]: plain TCP
//   - [WebSocketConnectFunc] and [WebSocketAcceptor]: binary WebSocket messages
//   - [ParseBindSpec] and [ResolveBindSpec]: acceptor bind specifiers
//   - [DNSOverUDPResolver]: optional resolver for bind specifiers
//
// Stages:
//   - [CompressionNode]: negotiates an algorithm and a block size, then
//     frames the payload (see the compressor package)
//   - [ObserveNode]: logs and reports the I/O and lifecycle events
//   - [CancelWatchNode]: disconnects the tunnel when the context is done
//   - [SetBagNode]: seeds bag values for the following stages
//
// Facades:
//   - [Entry]: client facade, connecting a chain lazily and reconnecting
//   - [Exit] and [Server]: server facade, running the stages for each
//     accepted tunnel and handing the result to the observers
//
// Building blocks:
//   - [Stream]: the state machine shared by every tunnel, on top of
//     a blocking [Backend] or an [AsyncBackend]
//   - [NewReadWriteCloser]: adapts a [Tunnel] to [io.ReadWriteCloser]
//   - [Compose2] and [FuncAdapter]: composition of construction steps
//
// # Ownership
//
// A stage receiving a tunnel owns it. On error, the stage disposes the
// tunnel before returning, so a partially built chain never leaks the raw
// connection. On success, the returned tunnel owns the upstream: disposing
// it disposes the whole chain.
//
// # Observability
//
// All primitives support structured logging via [SLogger] (compatible with
// [log/slog]). By default, logging is disabled. Error classification is
// configurable via [ErrClassifier].
//
// Operations emit *Start/*Done pairs. All events carry t (timestamp) and,
// where known, tunnelID, localAddr, remoteAddr and protocol. Completion events
// additionally include t0, err and errClass. Per-I/O events use
// [slog.LevelDebug], lifecycle events use [slog.LevelInfo] and node failures
// use [slog.LevelWarn].
//
// # Timeout and Context Philosophy
//
// Construction is bounded by the context passed to [*Entry.Connect] or, on
// the server side, by [Config.HandshakeTimeout]. Once built, a tunnel does
// not depend on any context unless [CancelWatchNode] ties it to one.
package hops

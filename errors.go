// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import "errors"

// ErrEOF is the error kind every tunnel operation returns once the tunnel
// is no longer usable, regardless of the underlying cause. It is only
// recoverable by building a new tunnel. Use [errors.Is] to test for it,
// since the returned error may also wrap the original cause.
var ErrEOF = errors.New("hops: end of tunnel")

// ErrHandshake indicates that a stage failed to negotiate with its peer
// (e.g., unknown compressor magic or an unusable block size).
var ErrHandshake = errors.New("hops: handshake failed")

// ErrFrame indicates a malformed compressed frame.
var ErrFrame = errors.New("hops: malformed frame")

// ErrInvalidState indicates an operation not allowed in the current state
// (e.g., connecting an [*Entry] twice).
var ErrInvalidState = errors.New("hops: invalid state")

// ErrNodeDead indicates that a node failed and refuses further work.
var ErrNodeDead = errors.New("hops: node is dead")

// ErrShutdownTimeout indicates that accept loops did not terminate in time.
var ErrShutdownTimeout = errors.New("hops: shutdown timed out")

// ErrBindSpec indicates an invalid bind specifier.
var ErrBindSpec = errors.New("hops: invalid bind specifier")

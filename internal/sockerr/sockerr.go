// SPDX-License-Identifier: GPL-3.0-or-later

// Package sockerr recognizes socket errors meaning that a stream is over.
package sockerr

import (
	"errors"
	"io"
	"net"
)

// IsClosed returns whether err means that the stream is closed or was
// forcibly torn down by either peer: end of file, use of a closed
// connection, connection reset or aborted, broken pipe.
func IsClosed(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed):
		return true
	case errors.Is(err, errECONNABORTED),
		errors.Is(err, errECONNRESET),
		errors.Is(err, errENOTCONN),
		errors.Is(err, errEPIPE):
		return true
	default:
		return false
	}
}

// IsResourceExhausted returns whether err means that the process or the
// system ran out of descriptors or buffers. Such errors are transient: an
// accept loop should back off and retry instead of giving up.
func IsResourceExhausted(err error) bool {
	return errors.Is(err, errEMFILE) ||
		errors.Is(err, errENFILE) ||
		errors.Is(err, errENOBUFS) ||
		errors.Is(err, errENOMEM)
}

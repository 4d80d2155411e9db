// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import (
	"fmt"
	"net"
	"sync"

	"github.com/bassosimone/hops/internal/sockerr"
)

// NewConnStream wraps conn into an Online [*Stream].
//
// Reads and writes reclassify end of stream and forcible close or reset
// conditions into [ErrEOF], so callers never see the raw transport error
// type as the primary error. Disconnecting closes conn exactly once, which
// unblocks any concurrently blocked read or write.
func NewConnStream(id string, conn net.Conn) *Stream {
	s := NewStream(id, &connBackend{conn: conn})
	_ = s.Open() // cannot fail on a fresh stream
	return s
}

// connBackend adapts a [net.Conn] to [Backend].
type connBackend struct {
	closeErr  error
	closeOnce sync.Once
	conn      net.Conn
}

// Read implements [Backend].
func (b *connBackend) Read(p []byte) (int, error) {
	count, err := b.conn.Read(p)
	return count, reclassifyConnErr(err)
}

// Write implements [Backend].
func (b *connBackend) Write(p []byte) (int, error) {
	count, err := b.conn.Write(p)
	return count, reclassifyConnErr(err)
}

// Close implements [Backend].
func (b *connBackend) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.conn.Close()
	})
	return b.closeErr
}

func reclassifyConnErr(err error) error {
	if sockerr.IsClosed(err) {
		return fmt.Errorf("%w: %w", ErrEOF, err)
	}
	return err
}

// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var (
		mu      sync.Mutex
		records []slog.Record
	)
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			mu.Lock()
			records = append(records, record)
			mu.Unlock()
			return nil
		},
	}
	return slog.New(handler), &records
}

// recordMessages returns the messages of the given records, in order.
func recordMessages(records []slog.Record) []string {
	var out []string
	for _, r := range records {
		out = append(out, r.Message)
	}
	return out
}

// recordAttr returns the value of the named attribute of r.
func recordAttr(r slog.Record, name string) (slog.Value, bool) {
	var (
		found bool
		value slog.Value
	)
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == name {
			found, value = true, a.Value
			return false
		}
		return true
	})
	return value, found
}

// newMinimalConn returns a [*netstub.FuncConn] with only LocalAddrFunc and
// RemoteAddrFunc set. This is the minimum needed for code that calls
// [safeconn.LocalAddr], [safeconn.RemoteAddr], and [safeconn.Network]
// during construction.
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}

// newPipeStreams returns two connected Online streams built over
// [net.Pipe]. Both are disposed when the test ends.
func newPipeStreams(t *testing.T) (*Stream, *Stream) {
	left, right := net.Pipe()
	ls := NewConnStream("left", left)
	rs := NewConnStream("right", right)
	t.Cleanup(func() {
		ls.Dispose()
		rs.Dispose()
	})
	return ls, rs
}

// newPipeHandoffs is like newPipeStreams but returns each stream paired
// with its own fresh bag.
func newPipeHandoffs(t *testing.T) (*Handoff, *Handoff) {
	ls, rs := newPipeStreams(t)
	return &Handoff{Bag: NewBag(), Tunnel: ls}, &Handoff{Bag: NewBag(), Tunnel: rs}
}

// SPDX-License-Identifier: GPL-3.0-or-later

package hops

// NewTunnelStream returns an Online [*Stream] layered over up.
//
// The new stream owns up: disconnecting it disconnects up and disposing it
// disposes up. When up goes offline on its own (e.g., because of an I/O
// fault observed by another layer), the stream follows it offline.
func NewTunnelStream(id string, up Tunnel) *Stream {
	s := NewStream(id, &tunnelBackend{up: up})
	_ = s.Open() // cannot fail on a fresh stream
	followUpstream(s, up)
	return s
}

// followUpstream disconnects s once up is offline.
func followUpstream(s *Stream, up Tunnel) {
	up.OnStateChange(func(state State) {
		if state == StateOffline {
			_ = s.Disconnect()
		}
	})
	if up.State() == StateOffline {
		_ = s.Disconnect()
	}
}

// tunnelBackend adapts an upstream [Tunnel] to [Backend] and [Disposer].
type tunnelBackend struct {
	up Tunnel
}

var _ Disposer = &tunnelBackend{}

// Read implements [Backend].
func (b *tunnelBackend) Read(p []byte) (int, error) {
	return b.up.ReadData(p)
}

// Write implements [Backend].
func (b *tunnelBackend) Write(p []byte) (int, error) {
	return b.up.WriteData(p)
}

// Close implements [Backend].
func (b *tunnelBackend) Close() error {
	return b.up.Disconnect()
}

// Dispose implements [Disposer].
func (b *tunnelBackend) Dispose() error {
	return b.up.Dispose()
}

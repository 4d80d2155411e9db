// SPDX-License-Identifier: GPL-3.0-or-later

package hops

// State is the lifecycle state of a tunnel.
//
// The only transitions are Init to Online and Init or Online to
// Offline. Offline is terminal.
type State int

const (
	// StateInit means constructed but not usable yet.
	StateInit State = iota

	// StateOnline means ready for reading and writing.
	StateOnline

	// StateOffline means no longer usable.
	StateOffline
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

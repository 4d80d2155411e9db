// SPDX-License-Identifier: GPL-3.0-or-later

package hops

import (
	"code.hybscloud.com/atomix"
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewTunnelID returns a UUIDv7 identifying a tunnel.
//
// Being time-ordered, tunnel IDs sort in creation order, which makes it
// easy to follow a tunnel across the log entries of all its stages.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewTunnelID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}

// tunnelSerials counts the tunnels created by this process.
var tunnelSerials atomix.Uint32

// nextTunnelSerial returns the next process-wide tunnel serial number.
func nextTunnelSerial() uint32 {
	return tunnelSerials.Add(1)
}

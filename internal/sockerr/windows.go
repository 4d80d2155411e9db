//go:build windows

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/common/errclass/windows.go
//

package sockerr

import "golang.org/x/sys/windows"

const (
	errECONNABORTED = windows.WSAECONNABORTED
	errECONNRESET   = windows.WSAECONNRESET
	errEMFILE       = windows.WSAEMFILE
	errENFILE       = windows.WSAEMFILE // no per-system limit
	errENOBUFS      = windows.WSAENOBUFS
	errENOMEM       = windows.ERROR_NOT_ENOUGH_MEMORY
	errENOTCONN     = windows.WSAENOTCONN
	errEPIPE        = windows.ERROR_BROKEN_PIPE
)

// https://github.com/usbarmory/dfu-cryptobroker
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package hal abstracts the synchronous-IPC microkernel this task runs
// under: task identity resolution, blocking message send/receive with
// kernel-level busy retries, the millisecond systick, and end-of-init
// signaling. The kernel itself is an external collaborator supplied by
// the platform at boot and is never implemented by this module; Kernel
// is the seam that lets the rest of the broker be driven from a fake in
// tests.
package hal

import (
	"errors"
)

// ErrBusy is returned by Send when the kernel's IPC channel is
// momentarily saturated and the call should be retried.
var ErrBusy = errors.New("hal: kernel busy")

// PeerID identifies one of the fixed set of tasks this broker
// communicates with.
type PeerID int

// Peer names resolved at startup through GetTaskID.
const (
	PeerUSB PeerID = iota
	PeerFlash
	PeerSmart
	PeerPIN
)

// PeerNames maps a PeerID to the stable task name the kernel resolves
// it from during startup phase 1.
var PeerNames = map[PeerID]string{
	PeerUSB:   "dfuusb",
	PeerFlash: "dfuflash",
	PeerSmart: "dfusmart",
	PeerPIN:   "pin",
}

// Kernel is the subset of microkernel syscalls this broker depends on.
// All methods block the calling goroutine until the kernel can service
// them, except where an ErrBusy return is documented.
type Kernel interface {
	// GetTaskID resolves a task name to its numeric identity, as
	// performed once per peer during the startup handshake.
	GetTaskID(name string) (PeerID, error)

	// Send transmits buf to dest. It returns ErrBusy if the kernel's
	// IPC channel cannot accept the message right now; the caller is
	// expected to retry after pacing itself with a rate limiter.
	Send(dest PeerID, buf []byte) error

	// Recv blocks until a message arrives from any peer, returning its
	// sender and payload.
	Recv() (from PeerID, buf []byte, err error)

	// RecvFrom blocks until a message arrives from the given peer,
	// leaving messages from every other peer queued on their own
	// kernel channels. IPC is FIFO only per task pair, so a targeted
	// wait must never consume another pair's traffic.
	RecvFrom(from PeerID) (buf []byte, err error)

	// Millis returns the current systick value in milliseconds, used
	// for the 500ms DMA watchdog.
	Millis() uint32

	// InitDone signals the kernel that this task has completed its
	// startup sequence and is ready to enter its main loop.
	InitDone() error
}

// https://github.com/usbarmory/dfu-cryptobroker
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package crypto

import "sync/atomic"

// status bit positions within the packed uint32 word shared between IRQ
// context (writer) and task context (reader, see Status.Load).
const (
	statusDone = iota
	statusFIFOErr
	statusDMAErr
	statusTransferErr
)

// Flags reports the outcome of a completed (or failed) DMA transfer on the
// crypto engine. The zero value means no transfer has completed yet.
type Flags struct {
	Done        bool
	FIFOErr     bool
	DMAErr      bool
	TransferErr bool
}

// Err returns a non-nil error if any of the error flags are set.
func (f Flags) Err() error {
	switch {
	case f.FIFOErr:
		return errFIFO
	case f.DMAErr:
		return errDMA
	case f.TransferErr:
		return errTransfer
	}

	return nil
}

// Status is a lock-free, IRQ-safe holder for the crypto engine channel
// status flags. The IRQ handler stores with Store (release), task context
// observes with Load (acquire); this is the only synchronization needed
// between the two, matching how the hardware status register itself is
// written by the peripheral and read by software.
type Status struct {
	word atomic.Uint32
}

// Store publishes a new set of flags, overwriting the previous value. Safe
// to call from interrupt context.
func (s *Status) Store(f Flags) {
	var w uint32

	if f.Done {
		w |= 1 << statusDone
	}
	if f.FIFOErr {
		w |= 1 << statusFIFOErr
	}
	if f.DMAErr {
		w |= 1 << statusDMAErr
	}
	if f.TransferErr {
		w |= 1 << statusTransferErr
	}

	s.word.Store(w)
}

// Clear resets the status to its zero value, done by task context before
// starting a new transfer so stale flags from a previous one are never
// observed.
func (s *Status) Clear() {
	s.word.Store(0)
}

// DMAStatus is the pair of per-channel status registers shared between
// the DMA completion handlers (writers, interrupt context) and the
// write path's busy-wait (reader, task context). Its Store methods are
// the two handlers registered with Engine.InitDMA.
type DMAStatus struct {
	In  Status
	Out Status
}

// Clear resets both channels, done by task context before arming a new
// transfer attempt.
func (s *DMAStatus) Clear() {
	s.In.Clear()
	s.Out.Clear()
}

// Load returns the current flags.
func (s *Status) Load() Flags {
	w := s.word.Load()

	return Flags{
		Done:        w&(1<<statusDone) != 0,
		FIFOErr:     w&(1<<statusFIFOErr) != 0,
		DMAErr:      w&(1<<statusDMAErr) != 0,
		TransferErr: w&(1<<statusTransferErr) != 0,
	}
}

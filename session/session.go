// https://github.com/usbarmory/dfu-cryptobroker
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package session holds the process-wide mutable state of an in-progress
// DFU transfer: the crypto chunk window, the transport chunk sizes
// advertised by the USB and flash peers, and the cumulative byte
// counter that drives key-reinjection decisions. It is owned and
// mutated only by the dispatch loop.
package session

import "fmt"

// Session is the broker's mutable per-transfer state.
type Session struct {
	// CryptoChunkSize is the key-session window size, in bytes; set on
	// DFU_HEADER_VALID, reset to 0 on every DFU_HEADER_SEND.
	CryptoChunkSize uint16

	// UsbChunkSize and FlashChunkSize are the transport-layer buffer
	// sizes advertised by the usb and flash peers during startup.
	UsbChunkSize   uint16
	FlashChunkSize uint16

	// TotalBytesRead is the cumulative plaintext byte count processed
	// in the current session; reset on every new header.
	TotalBytesRead uint32

	// MasterKeyHash is the opaque identifier returned by smart after
	// the first key injection. It is stored, never interpreted.
	MasterKeyHash [32]byte
}

// ResetHeader clears the per-header session window, performed when
// DFU_HEADER_SEND is forwarded.
func (s *Session) ResetHeader() {
	s.CryptoChunkSize = 0
	s.TotalBytesRead = 0
}

// CheckChunkSizes verifies that the usb and flash transport chunk sizes
// match and that the crypto chunk window is a non-zero multiple of them.
// Called once, immediately after DFU_HEADER_VALID.
func (s *Session) CheckChunkSizes() error {
	if s.UsbChunkSize != s.FlashChunkSize {
		return fmt.Errorf("session: usb chunk size %d does not match flash chunk size %d", s.UsbChunkSize, s.FlashChunkSize)
	}

	if s.UsbChunkSize == 0 {
		return fmt.Errorf("session: usb chunk size is zero")
	}

	if s.CryptoChunkSize < s.UsbChunkSize || s.CryptoChunkSize%s.UsbChunkSize != 0 {
		return fmt.Errorf("session: crypto chunk size %d is not a multiple of usb chunk size %d", s.CryptoChunkSize, s.UsbChunkSize)
	}

	return nil
}

// Reinject reports whether the key must be reinjected before processing
// the next write chunk: true when at least one chunk has been processed
// and the cumulative count lands exactly on a crypto-chunk boundary.
// The very first chunk of a session (TotalBytesRead == 0) never
// reinjects, even if CryptoChunkSize divides zero.
func (s *Session) Reinject() bool {
	return s.TotalBytesRead > 0 && s.CryptoChunkSize > 0 && s.TotalBytesRead%uint32(s.CryptoChunkSize) == 0
}

// Advance records a completed write chunk of the given non-aligned
// transport size.
func (s *Session) Advance(chunkSize uint16) {
	s.TotalBytesRead += uint32(chunkSize)
}

// AlignTo16 rounds size up to the next multiple of the AES block size,
// the padding the hardware requires for CTR-mode DMA transfers.
func AlignTo16(size uint16) uint16 {
	const block = 16

	if r := size % block; r != 0 {
		return size + (block - r)
	}

	return size
}

// https://github.com/usbarmory/dfu-cryptobroker
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package crypto drives the on-chip AES-CTR DMA engine used to decrypt
// firmware chunks in transit between the USB and flash peers. It is
// modeled as an Engine interface so that the dispatch and write-path
// packages can be exercised on any host, with a software fallback
// (SimEngine) standing in for the hardware (hwEngine) outside of
// `GOOS=tamago`.
package crypto

import (
	"errors"
)

var (
	errFIFO     = errors.New("crypto: FIFO error")
	errDMA      = errors.New("crypto: DMA error")
	errTransfer = errors.New("crypto: transfer error")

	errNoHandlers = errors.New("crypto: DMA completion handlers not registered")
)

// BlockSize is the AES block size in bytes, all DMA transfers must be a
// multiple of it.
const BlockSize = 16

// Handler is a DMA completion handler. The engine invokes it from
// interrupt context with the terminal flags of one DMA channel; it must
// not block or perform IPC, only publish the flags for task context to
// observe.
type Handler func(Flags)

// Engine abstracts the AES-CTR hardware engine, including its key RAM,
// IV/counter register and its input and output DMA channels. All
// methods are task-context calls; transfer completion is reported
// asynchronously through the handlers registered with InitDMA.
type Engine interface {
	// EarlyInit performs early, one-time hardware bring-up (soft reset,
	// clock enable, AES-CTR mode selection). It allocates no DMA
	// descriptors: StartDMA programs the channel registers directly. It
	// must be called before any other method and before the readiness
	// rendezvous with the USB/Flash/Smart peers.
	EarlyInit() error

	// InitDMA registers the input- and output-channel completion
	// handlers and enables the engine. It must be called once, before
	// any StartDMA; it does not depend on a prior Configure call.
	InitDMA(in, out Handler) error

	// Configure loads the session key and initialization vector/counter
	// into the engine. It may be called again later, at chunk
	// boundaries, to reinject the same key while resetting the IV.
	Configure(key, iv [BlockSize]byte) error

	// ReadIV reads back the engine's current IV/counter register,
	// used to snapshot and restore CTR stream position across a DMA
	// retry.
	ReadIV() [BlockSize]byte

	// WriteIV restores a previously read IV/counter register, without
	// touching the loaded key.
	WriteIV(iv [BlockSize]byte)

	// StartDMA triggers an asynchronous encrypt/decrypt DMA transfer
	// of length bytes from src to dst, both DMA region addresses.
	// length must be a non-zero multiple of BlockSize. Completion or
	// failure is reported through the registered handlers.
	StartDMA(src, dst uint, length int) error

	// FlushFIFOs drains the engine's input/output FIFOs, required
	// after a failed transfer before retrying.
	FlushFIFOs()

	// WaitFIFOsEmpty blocks until the engine's FIFOs have drained
	// following a completed transfer, distinct from the error-path
	// FlushFIFOs: the transfer is already done, only the tail of the
	// DMA burst may still be in flight.
	WaitFIFOsEmpty()
}

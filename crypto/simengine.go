// https://github.com/usbarmory/dfu-cryptobroker
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"sync"

	"github.com/usbarmory/dfu-cryptobroker/dma"
)

// Fault is injected by tests to simulate a failed DMA transfer.
type Fault int

const (
	// FaultNone lets a transfer complete normally.
	FaultNone Fault = iota
	// FaultDMA simulates a DMA bus error on the output channel.
	FaultDMA
	// FaultFIFO simulates a FIFO overrun/underrun on the output channel.
	FaultFIFO
	// FaultTransfer simulates a generic transfer error on the output
	// channel.
	FaultTransfer
	// FaultTimeout simulates a transfer that never completes: neither
	// completion handler fires, exercising the watchdog path.
	FaultTimeout
)

// SimEngine is a software stand-in for the AES-CTR hardware engine, used
// on any GOOS for development and testing. It performs the same
// encrypt/decrypt semantics over the shared dma.Region, reports
// completion through the handlers registered with InitDMA (invoked
// synchronously, the transfer being instantaneous), and exposes fault
// injection so tests can exercise the write-path's DMA retry and
// watchdog logic without real hardware.
type SimEngine struct {
	mu sync.Mutex

	key [BlockSize]byte
	iv  [BlockSize]byte

	in  Handler
	out Handler

	// Faults, if non-empty, is consumed one entry per StartDMA call;
	// the last entry repeats once exhausted.
	Faults []Fault
	calls  int
}

// NewSimEngine returns a ready-to-use software crypto engine.
func NewSimEngine() *SimEngine {
	return &SimEngine{}
}

func (e *SimEngine) EarlyInit() error {
	return nil
}

func (e *SimEngine) InitDMA(in, out Handler) error {
	if in == nil || out == nil {
		return errNoHandlers
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.in = in
	e.out = out

	return nil
}

func (e *SimEngine) Configure(key, iv [BlockSize]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := aes.NewCipher(key[:]); err != nil {
		return fmt.Errorf("crypto: invalid key: %v", err)
	}

	e.key = key
	e.iv = iv

	return nil
}

func (e *SimEngine) ReadIV() [BlockSize]byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.iv
}

func (e *SimEngine) WriteIV(iv [BlockSize]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.iv = iv
}

func (e *SimEngine) nextFault() Fault {
	if len(e.Faults) == 0 {
		return FaultNone
	}

	idx := e.calls
	if idx >= len(e.Faults) {
		idx = len(e.Faults) - 1
	}

	e.calls++

	return e.Faults[idx]
}

func (e *SimEngine) StartDMA(src, dst uint, length int) error {
	if length == 0 || length%BlockSize != 0 {
		return fmt.Errorf("crypto: transfer length %d not block aligned", length)
	}

	e.mu.Lock()
	fault := e.nextFault()
	key := e.key
	iv := e.iv
	in := e.in
	out := e.out
	e.mu.Unlock()

	if in == nil || out == nil {
		return errNoHandlers
	}

	switch fault {
	case FaultDMA:
		out(Flags{DMAErr: true})
		return nil
	case FaultFIFO:
		out(Flags{FIFOErr: true})
		return nil
	case FaultTransfer:
		out(Flags{TransferErr: true})
		return nil
	case FaultTimeout:
		// neither handler fires, the caller's watchdog expires
		return nil
	}

	block, err := aes.NewCipher(key[:])

	if err != nil {
		return err
	}

	buf := make([]byte, length)
	dma.Read(src, 0, buf)

	stream := cipher.NewCTR(block, iv[:])
	stream.XORKeyStream(buf, buf)

	dma.Write(dst, 0, buf)

	// advance the IV/counter as the hardware engine would, so a caller
	// reading it back after a successful transfer observes the stream
	// position after length bytes.
	e.mu.Lock()
	e.iv = advanceCTR(iv, length/BlockSize)
	e.mu.Unlock()

	in(Flags{Done: true})
	out(Flags{Done: true})

	return nil
}

// FlushFIFOs is a no-op: the simulated transfer leaves no FIFO state
// behind on failure.
func (e *SimEngine) FlushFIFOs() {}

// WaitFIFOsEmpty is a no-op: the simulated transfer already moved every
// byte before StartDMA returned, so there is no FIFO tail to drain.
func (e *SimEngine) WaitFIFOsEmpty() {}

// advanceCTR increments a 128-bit big-endian counter by n blocks, matching
// the semantics of crypto/cipher's CTR stream so a restored IV resumes the
// keystream at the correct offset.
func advanceCTR(iv [BlockSize]byte, n int) [BlockSize]byte {
	out := iv

	for ; n > 0; n-- {
		for i := len(out) - 1; i >= 0; i-- {
			out[i]++
			if out[i] != 0 {
				break
			}
		}
	}

	return out
}

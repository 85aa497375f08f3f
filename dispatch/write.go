// https://github.com/usbarmory/dfu-cryptobroker
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"

	"golang.org/x/time/rate"

	"github.com/usbarmory/dfu-cryptobroker/crypto"
	"github.com/usbarmory/dfu-cryptobroker/ipc"
	"github.com/usbarmory/dfu-cryptobroker/session"
)

// dmaWatchdogMillis bounds a single DMA transfer attempt, measured on
// the kernel systick. It is a variable only so tests can exercise the
// timeout path without real 500ms waits.
var dmaWatchdogMillis uint32 = 500

// errDMATimeout is returned when the output channel reports neither
// completion nor an error before the watchdog expires.
var errDMATimeout = errors.New("dispatch: DMA watchdog timeout")

// maxDMARetries caps the retry loop; exhaustion escalates to a fatal
// error and the reboot-request path.
const maxDMARetries = 8

// dmaRetryRate paces the backoff between failed DMA attempts.
const dmaRetryRate = 1000 // retries/sec

// zeroKey stands in for the hardware's preloaded KEY_128 slot: the key
// material itself never crosses IPC, only the reinjection round-trip
// that tells smart to refresh it in the engine's key RAM.
var zeroKey = [crypto.BlockSize]byte{}
var zeroIV = [crypto.BlockSize]byte{}

// writePath decrypts one transport chunk in place between the USB and
// flash shared buffers: key reinjection at crypto chunk boundaries,
// engine (re)configuration, block alignment, bounds checking,
// IV-preserving DMA retry under the watchdog, FIFO drain, forward to
// flash and ack to usb.
func (l *Loop) writePath(env ipc.Envelope) error {
	chunkSize := env.U16()

	if err := l.maybeReinject(); err != nil {
		return fmt.Errorf("dispatch: write path reinjection: %w", err)
	}

	if err := l.maybeConfigure(); err != nil {
		return fmt.Errorf("dispatch: write path engine configuration: %w", err)
	}

	aligned := int(session.AlignTo16(chunkSize))

	if err := l.Registry.CheckBounds(aligned); err != nil {
		return fmt.Errorf("dispatch: write path bounds check: %w", err)
	}

	iv := l.Engine.ReadIV()

	if err := l.dmaTransferWithRetry(iv, aligned); err != nil {
		return fmt.Errorf("dispatch: write path DMA transfer: %w", err)
	}

	l.Engine.WaitFIFOsEmpty()

	usb := l.Registry.USB()
	flash := l.Registry.Flash()

	if l.Verbose {
		log.Printf("dispatch: write path chunk=%d aligned=%d usb=%#x flash=%#x", chunkSize, aligned, usb.Address, flash.Address)
	}

	if err := l.forward(l.Peers.Flash, env); err != nil {
		return err
	}

	if _, err := l.recvFrom(l.Peers.Flash); err != nil {
		return err
	}

	ack := env
	ack.Magic = ipc.DataWrDmaAck

	if err := l.send(l.Peers.USB, ack); err != nil {
		return err
	}

	l.Session.Advance(chunkSize)

	return nil
}

func (l *Loop) maybeReinject() error {
	if !l.Session.Reinject() {
		return nil
	}

	if err := l.send(l.Peers.Smart, ipc.New(ipc.CryptoInjectCmd, ipc.StateReady, 0)); err != nil {
		return err
	}

	resp, err := l.recvFrom(l.Peers.Smart)

	if err != nil {
		return err
	}

	if resp.Magic != ipc.CryptoInjectResp || resp.State != ipc.StateDone {
		return fmt.Errorf("%w: unexpected key reinjection response %s/%s", ErrProtocolViolation, resp.Magic, resp.State)
	}

	l.reinjected = true

	return nil
}

func (l *Loop) maybeConfigure() error {
	if l.reinjected || l.Session.TotalBytesRead == 0 {
		l.reinjected = false
		return l.Engine.Configure(zeroKey, zeroIV)
	}

	return nil
}

// dmaTransferWithRetry runs the DMA transfer, retrying up to
// maxDMARetries times on error or watchdog timeout, restoring the
// pre-transfer IV on every retry to preserve CTR-stream continuity.
func (l *Loop) dmaTransferWithRetry(snapshot [crypto.BlockSize]byte, length int) error {
	limiter := rate.NewLimiter(rate.Limit(dmaRetryRate), 1)

	usb := l.Registry.USB()
	flash := l.Registry.Flash()

	for attempt := 0; attempt <= maxDMARetries; attempt++ {
		if attempt > 0 {
			l.Engine.WriteIV(snapshot)
			l.Engine.FlushFIFOs()
		}

		// clear both channel flags before arming, so stale state from
		// a previous transfer or failed attempt is never observed.
		l.Status.Clear()

		start := l.Kernel.Millis()

		if err := l.Engine.StartDMA(uint(usb.Address), uint(flash.Address), length); err != nil {
			return err
		}

		err := l.waitDMAOut(start)

		if err == nil {
			return nil
		}

		if l.Verbose {
			log.Printf("dispatch: DMA attempt %d failed after %dms: %v", attempt, l.Kernel.Millis()-start, err)
		}

		limiter.Wait(context.Background())
	}

	return fmt.Errorf("dma transfer failed after %d retries", maxDMARetries)
}

// waitDMAOut busy-polls the output channel's handler-published flags
// until completion, a fault, or watchdog expiry, re-reading the systick
// each iteration.
func (l *Loop) waitDMAOut(start uint32) error {
	for {
		f := l.Status.Out.Load()

		if err := f.Err(); err != nil {
			return err
		}

		if f.Done {
			return nil
		}

		if l.Kernel.Millis()-start > dmaWatchdogMillis {
			return errDMATimeout
		}

		runtime.Gosched()
	}
}

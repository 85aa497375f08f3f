// https://github.com/usbarmory/dfu-cryptobroker
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command cryptobroker is the crypto broker task of the DFU firmware
// update pipeline: it mediates every data transfer between the USB,
// flash, smart and PIN tasks, and drives the on-chip AES-CTR engine via
// DMA. See the dispatch, startup and crypto packages for the protocol
// and hardware-facing logic; this file only wires them together and
// owns the fatal-error reboot path.
package main

import (
	"errors"
	"log"
	"runtime"

	"github.com/usbarmory/dfu-cryptobroker/crypto"
	"github.com/usbarmory/dfu-cryptobroker/dispatch"
	"github.com/usbarmory/dfu-cryptobroker/hal"
	"github.com/usbarmory/dfu-cryptobroker/ipc"
	"github.com/usbarmory/dfu-cryptobroker/session"
	"github.com/usbarmory/dfu-cryptobroker/shm"
	"github.com/usbarmory/dfu-cryptobroker/startup"
)

const banner = "crypto broker, ready to mediate"

const verbose = false

func init() {
	log.SetFlags(0)
}

func main() {
	log.Printf("%s", banner)

	engine := newEngine()
	k := kernel()
	status := &crypto.DMAStatus{}

	orchestrator := &startup.Orchestrator{
		Kernel:   k,
		Engine:   engine,
		Registry: &shm.Registry{},
		Session:  &session.Session{},
		Status:   status,
	}

	ready, err := orchestrator.Run()

	if err != nil {
		// startup fatals yield without requesting reboot: there is no
		// peer relationship established yet to reboot through.
		log.Printf("startup failed: %v", err)
		yieldForever()
	}

	loop := &dispatch.Loop{
		Kernel:   k,
		Engine:   engine,
		Registry: orchestrator.Registry,
		Session:  orchestrator.Session,
		Peers:    ready.Peers,
		Status:   status,
		Verbose:  verbose,
	}

	if err := loop.Run(); err != nil {
		log.Printf("runtime fatal: %v", err)
		requestRebootAndYield(k, ready.Peers)
	}
}

// requestRebootAndYield issues REBOOT_REQUEST to smart and then yields
// forever; smart is authoritative for the reboot decision and may
// refuse, in which case this task remains stuck here by design.
func requestRebootAndYield(k hal.Kernel, peers startup.PeerIDs) {
	env := ipc.New(ipc.RebootRequest, ipc.StateDone, 0)

	if buf, err := env.MarshalBinary(); err == nil {
		if err := k.Send(peers.Smart, buf); err != nil && !errors.Is(err, hal.ErrBusy) {
			log.Printf("reboot request failed: %v", err)
		}
	}

	yieldForever()
}

// yieldForever never returns: a fatal startup error, or a runtime fatal
// that smart declines to act on, leaves this task permanently parked.
func yieldForever() {
	for {
		runtime.Gosched()
	}
}

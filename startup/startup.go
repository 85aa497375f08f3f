// https://github.com/usbarmory/dfu-cryptobroker
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package startup drives the six-phase handshake that must complete
// before the dispatch loop may run: task-id resolution, crypto hardware
// early init, a readiness rendezvous with the usb/flash/smart peers, key
// injection and PIN confirmation, runtime-start signaling, and the
// shared-memory exchange. Phases run strictly in order; a phase is
// retried internally (BUSY sends) but the sequence as a whole never
// backtracks.
package startup

import (
	"context"
	"fmt"
	"log"

	"golang.org/x/time/rate"

	"github.com/usbarmory/dfu-cryptobroker/crypto"
	"github.com/usbarmory/dfu-cryptobroker/hal"
	"github.com/usbarmory/dfu-cryptobroker/ipc"
	"github.com/usbarmory/dfu-cryptobroker/session"
	"github.com/usbarmory/dfu-cryptobroker/shm"
)

// busyRetryRate paces BUSY-retry loops during startup so a saturated
// kernel IPC channel is polled, not spun on.
const busyRetryRate = 200 // retries/sec

// PeerIDs holds the task identities resolved in phase 1.
type PeerIDs struct {
	Smart hal.PeerID
	USB   hal.PeerID
	Flash hal.PeerID
	PIN   hal.PeerID
}

// Ready is returned by a successful Run and carries the peer identities
// resolved in phase 1. Its field is exported, so a Ready value can also
// be built outside this package, and dispatch.Loop takes the peer
// identities directly rather than a Ready.
type Ready struct {
	Peers PeerIDs
}

// Orchestrator runs the startup handshake against a kernel and crypto
// engine, populating a shared-memory registry and session on success.
type Orchestrator struct {
	Kernel   hal.Kernel
	Engine   crypto.Engine
	Registry *shm.Registry
	Session  *session.Session

	// Status is the shared DMA status register pair whose Store methods
	// are registered as the engine's completion handlers in phase 4b.
	Status *crypto.DMAStatus

	limiter *rate.Limiter
}

// Run executes phases 1 through 6 in order, returning a Ready token on
// success. Any failure aborts the boot; callers are expected to enter a
// yield loop rather than retry Run.
func (o *Orchestrator) Run() (Ready, error) {
	o.limiter = rate.NewLimiter(rate.Limit(busyRetryRate), 1)

	peers, err := o.resolveTaskIDs()

	if err != nil {
		return Ready{}, fmt.Errorf("startup: phase 1 task-id resolution: %w", err)
	}

	if err := o.earlyInit(); err != nil {
		return Ready{}, fmt.Errorf("startup: phase 2 crypto early init: %w", err)
	}

	if err := o.readinessRendezvous(peers); err != nil {
		return Ready{}, fmt.Errorf("startup: phase 3 readiness rendezvous: %w", err)
	}

	if err := o.keyInjectionAndConfirmation(peers); err != nil {
		return Ready{}, fmt.Errorf("startup: phase 4 key injection: %w", err)
	}

	if err := o.runtimeStartSignal(peers); err != nil {
		return Ready{}, fmt.Errorf("startup: phase 5 runtime-start signaling: %w", err)
	}

	if err := o.sharedMemoryExchange(peers); err != nil {
		return Ready{}, fmt.Errorf("startup: phase 6 shared-memory exchange: %w", err)
	}

	log.Printf("startup: handshake complete, entering dispatch loop")

	return Ready{Peers: peers}, nil
}

func (o *Orchestrator) resolveTaskIDs() (PeerIDs, error) {
	var peers PeerIDs
	var err error

	if peers.Smart, err = o.Kernel.GetTaskID(hal.PeerNames[hal.PeerSmart]); err != nil {
		return peers, err
	}

	if peers.PIN, err = o.Kernel.GetTaskID(hal.PeerNames[hal.PeerPIN]); err != nil {
		return peers, err
	}

	if peers.Flash, err = o.Kernel.GetTaskID(hal.PeerNames[hal.PeerFlash]); err != nil {
		return peers, err
	}

	if peers.USB, err = o.Kernel.GetTaskID(hal.PeerNames[hal.PeerUSB]); err != nil {
		return peers, err
	}

	return peers, nil
}

func (o *Orchestrator) earlyInit() error {
	if err := o.Engine.EarlyInit(); err != nil {
		return err
	}

	return o.Kernel.InitDone()
}

func (o *Orchestrator) send(dest hal.PeerID, env ipc.Envelope) error {
	buf, err := env.MarshalBinary()

	if err != nil {
		return err
	}

	for {
		err := o.Kernel.Send(dest, buf)

		if err == nil {
			return nil
		}

		if err != hal.ErrBusy {
			return err
		}

		o.limiter.Wait(context.Background())
	}
}

func (o *Orchestrator) recv() (hal.PeerID, ipc.Envelope, error) {
	from, buf, err := o.Kernel.Recv()

	if err != nil {
		return from, ipc.Envelope{}, err
	}

	var env ipc.Envelope

	if err := env.UnmarshalBinary(buf); err != nil {
		return from, env, err
	}

	return from, env, nil
}

func (o *Orchestrator) readinessRendezvous(peers PeerIDs) error {
	pending := map[hal.PeerID]bool{
		peers.Smart: true,
		peers.USB:   true,
		peers.Flash: true,
	}

	for len(pending) > 0 {
		from, env, err := o.recv()

		if err != nil {
			return err
		}

		if env.Magic != ipc.TaskStateCmd || env.State != ipc.StateReady {
			return fmt.Errorf("unexpected message %s/%s from peer %d during readiness rendezvous", env.Magic, env.State, from)
		}

		if !pending[from] {
			return fmt.Errorf("peer %d not expected (or already ready) during readiness rendezvous", from)
		}

		if err := o.send(from, ipc.New(ipc.TaskStateResp, ipc.StateAck, 0)); err != nil {
			return err
		}

		delete(pending, from)
	}

	return nil
}

func (o *Orchestrator) keyInjectionAndConfirmation(peers PeerIDs) error {
	if err := o.send(peers.Smart, ipc.New(ipc.CryptoInjectCmd, ipc.StateReady, 0)); err != nil {
		return err
	}

	// the first injection response is the extended envelope variant:
	// smart returns the master key hash alongside its completion state.
	// The hash is stored opaquely, never interpreted by this task. The
	// wait is filtered on smart's id; any other peer's traffic stays
	// queued on its own pair channel.
	buf, err := o.Kernel.RecvFrom(peers.Smart)

	if err != nil {
		return err
	}

	var resp ipc.SyncCommand

	if err := resp.UnmarshalBinary(buf); err != nil {
		return err
	}

	if resp.Magic != ipc.CryptoInjectResp || resp.State != ipc.StateDone {
		return fmt.Errorf("unexpected key injection response %s/%s", resp.Magic, resp.State)
	}

	o.Session.MasterKeyHash = resp.Data

	if err := o.initDMAHandlers(); err != nil {
		return err
	}

	if err := o.send(peers.PIN, ipc.New(ipc.AuthStatePassed, ipc.StateWait, 0)); err != nil {
		return err
	}

	env, err := o.recvFrom(peers.PIN)

	if err != nil {
		return err
	}

	if env.Magic != ipc.AuthStatePassed || env.State != ipc.StateAck {
		return fmt.Errorf("unexpected PIN confirmation %s/%s", env.Magic, env.State)
	}

	return nil
}

// initDMAHandlers registers the input and output channel completion
// handlers: each publishes its channel's terminal flags into the shared
// status register the write path polls. Binding the engine's ISRs to
// the hardware interrupt vector is the platform integration's job; the
// engine only records which handlers those ISRs invoke.
func (o *Orchestrator) initDMAHandlers() error {
	return o.Engine.InitDMA(o.Status.In.Store, o.Status.Out.Store)
}

// recvFrom receives one envelope from a single peer, leaving other
// peers' traffic pending.
func (o *Orchestrator) recvFrom(peer hal.PeerID) (ipc.Envelope, error) {
	buf, err := o.Kernel.RecvFrom(peer)

	if err != nil {
		return ipc.Envelope{}, err
	}

	var env ipc.Envelope

	if err := env.UnmarshalBinary(buf); err != nil {
		return ipc.Envelope{}, err
	}

	return env, nil
}

func (o *Orchestrator) runtimeStartSignal(peers PeerIDs) error {
	if err := o.send(peers.Flash, ipc.New(ipc.TaskStateCmd, ipc.StateReady, 0)); err != nil {
		return err
	}

	if err := o.send(peers.USB, ipc.New(ipc.TaskStateCmd, ipc.StateReady, 0)); err != nil {
		return err
	}

	pending := map[hal.PeerID]bool{peers.Flash: true, peers.USB: true}

	for len(pending) > 0 {
		from, env, err := o.recv()

		if err != nil {
			return err
		}

		if env.Magic != ipc.TaskStateResp || env.State != ipc.StateReady {
			return fmt.Errorf("unexpected runtime-start response %s/%s from peer %d", env.Magic, env.State, from)
		}

		if !pending[from] {
			return fmt.Errorf("peer %d not expected during runtime-start signaling", from)
		}

		delete(pending, from)
	}

	return nil
}

func (o *Orchestrator) sharedMemoryExchange(peers PeerIDs) error {
	remaining := 2

	for remaining > 0 {
		from, buf, err := o.Kernel.Recv()

		if err != nil {
			return err
		}

		var info ipc.ShmInfo

		if err := info.UnmarshalBinary(buf); err != nil {
			return err
		}

		switch from {
		case peers.USB:
			o.Registry.SetUSB(shm.Descriptor{Address: info.Address, Size: info.Size})
			o.Session.UsbChunkSize = info.Size
		case peers.Flash:
			o.Registry.SetFlash(shm.Descriptor{Address: info.Address, Size: info.Size})
			o.Session.FlashChunkSize = info.Size
		default:
			return fmt.Errorf("unexpected shared-memory descriptor from peer %d", from)
		}

		remaining--
	}

	if !o.Registry.Ready() {
		return fmt.Errorf("incomplete shared-memory exchange")
	}

	return nil
}

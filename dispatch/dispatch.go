// https://github.com/usbarmory/dfu-cryptobroker
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dispatch implements the broker's main loop: blocking receive
// on any peer, magic-based routing, per-magic sender authorization, and
// the read/write/header/finished/reboot sub-protocols. A Loop is built
// from the peer identities a successful startup.Orchestrator.Run
// returns; it has no meaning before the handshake completes.
package dispatch

import (
	"errors"
	"fmt"
	"log"

	"github.com/usbarmory/dfu-cryptobroker/crypto"
	"github.com/usbarmory/dfu-cryptobroker/hal"
	"github.com/usbarmory/dfu-cryptobroker/ipc"
	"github.com/usbarmory/dfu-cryptobroker/session"
	"github.com/usbarmory/dfu-cryptobroker/shm"
	"github.com/usbarmory/dfu-cryptobroker/startup"
)

// ErrProtocolViolation is returned when a message arrives from a peer
// not authorized to send its magic. It is fatal: the caller is expected
// to request a reboot and then yield forever.
var ErrProtocolViolation = errors.New("dispatch: protocol violation")

// Loop runs the broker's dispatch loop. Verbose enables diagnostic
// logging of every received message, of each write-path chunk and of
// each failed DMA attempt.
type Loop struct {
	Kernel   hal.Kernel
	Engine   crypto.Engine
	Registry *shm.Registry
	Session  *session.Session
	Peers    startup.PeerIDs

	// Status is the shared DMA status register pair the completion
	// handlers publish into; the write path clears and busy-polls it
	// around every transfer attempt.
	Status *crypto.DMAStatus

	Verbose bool

	// reinjected is set by maybeReinject when a reinjection round-trip
	// just completed, so the following maybeConfigure call knows to
	// reconfigure the engine even though TotalBytesRead is non-zero.
	reinjected bool
}

// Run blocks, servicing one message per iteration, until a fatal error
// occurs. On return, the caller must issue a reboot request (unless err
// is nil, which never happens in practice: the loop only exits via
// error).
func (l *Loop) Run() error {
	for {
		if err := l.step(); err != nil {
			return err
		}
	}
}

func (l *Loop) step() error {
	from, buf, err := l.Kernel.Recv()

	if err != nil {
		return fmt.Errorf("dispatch: recv: %w", err)
	}

	var env ipc.Envelope

	if err := env.UnmarshalBinary(buf); err != nil {
		return fmt.Errorf("dispatch: malformed envelope from peer %d: %w", from, err)
	}

	if l.Verbose {
		log.Printf("dispatch: recv magic=%s state=%s from=%d", env.Magic, env.State, from)
	}

	if !ipc.Authorized(env.Magic, from) {
		if _, ok := ipc.AllowedSender(env.Magic); !ok && env.Magic != ipc.RebootRequest {
			return l.replyInvalid(from)
		}

		return fmt.Errorf("%w: magic %s from unexpected peer %d", ErrProtocolViolation, env.Magic, from)
	}

	switch env.Magic {
	case ipc.DataRdDmaReq:
		return l.readPath(env)
	case ipc.DataWrDmaReq:
		return l.writePath(env)
	case ipc.DfuHeaderSend:
		return l.headerSend(env)
	case ipc.DfuHeaderValid:
		return l.headerValid(env)
	case ipc.DfuHeaderInvalid:
		return l.headerInvalid(env)
	case ipc.DfuDwnloadFinished:
		return l.forward(l.Peers.Flash, env)
	case ipc.DfuWriteFinished:
		return l.forward(l.Peers.Smart, env)
	case ipc.RebootRequest:
		return l.forward(l.Peers.Smart, env)
	default:
		return l.replyInvalid(from)
	}
}

func (l *Loop) send(dest hal.PeerID, env ipc.Envelope) error {
	buf, err := env.MarshalBinary()

	if err != nil {
		return err
	}

	if err := l.Kernel.Send(dest, buf); err != nil {
		return fmt.Errorf("dispatch: send to peer %d: %w", dest, err)
	}

	return nil
}

// recvFrom waits for the reply of an in-flight sub-protocol round-trip.
// The receive is filtered on the expected peer, so messages other tasks
// send in the meantime stay queued on their own pair channels for the
// dispatch loop to pick up afterwards.
func (l *Loop) recvFrom(expect hal.PeerID) (ipc.Envelope, error) {
	buf, err := l.Kernel.RecvFrom(expect)

	if err != nil {
		return ipc.Envelope{}, err
	}

	var env ipc.Envelope

	if err := env.UnmarshalBinary(buf); err != nil {
		return ipc.Envelope{}, err
	}

	return env, nil
}

func (l *Loop) replyInvalid(to hal.PeerID) error {
	return l.send(to, ipc.New(ipc.Invalid, ipc.StateDone, 0))
}

// forward relays env unchanged to dest, preserving byte-for-byte payload
// identity between upstream and downstream peers.
func (l *Loop) forward(dest hal.PeerID, env ipc.Envelope) error {
	return l.send(dest, env)
}

func (l *Loop) headerSend(env ipc.Envelope) error {
	l.Session.ResetHeader()

	return l.forward(l.Peers.Smart, env)
}

func (l *Loop) headerValid(env ipc.Envelope) error {
	l.Session.CryptoChunkSize = env.U16()

	if err := l.Session.CheckChunkSizes(); err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	return l.forward(l.Peers.USB, env)
}

func (l *Loop) headerInvalid(env ipc.Envelope) error {
	return l.forward(l.Peers.USB, env)
}

// https://github.com/usbarmory/dfu-cryptobroker
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ipc defines the fixed-size wire envelope exchanged with the
// USB/Flash/Smart/PIN peers and the sender-authorization table that
// gates the dispatch loop.
package ipc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// State is the envelope's state field.
type State uint32

const (
	StateWait State = iota
	StateReady
	StateAck
	StateDone
)

func (s State) String() string {
	switch s {
	case StateWait:
		return "WAIT"
	case StateReady:
		return "READY"
	case StateAck:
		return "ACKNOWLEDGE"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// PayloadWords is the length, in 16-bit words, of an envelope's inline
// payload array.
const PayloadWords = 8

// EnvelopeLength is the wire size in bytes of Envelope, byte-exact with
// the peer tasks' own envelope structure.
const EnvelopeLength = 4 + 4 + PayloadWords*2

// Envelope is the fixed-size tagged-union IPC message shared with every
// peer. Only data.u16[0] is interpreted by this broker (chunk sizes);
// the rest of the payload array is carried opaquely.
type Envelope struct {
	Magic   Magic
	State   State
	Payload [PayloadWords]uint16
}

// U16 returns payload word 0, the only payload slot this broker reads or
// writes (chunk size carrier).
func (e Envelope) U16() uint16 {
	return e.Payload[0]
}

// WithU16 returns a copy of e with payload word 0 set to v.
func (e Envelope) WithU16(v uint16) Envelope {
	e.Payload[0] = v
	return e
}

// New builds an envelope with payload word 0 set to u16, the rest zeroed.
func New(magic Magic, state State, u16 uint16) Envelope {
	e := Envelope{Magic: magic, State: state}
	e.Payload[0] = u16
	return e
}

// MarshalBinary encodes the envelope into its fixed-size little-endian
// wire representation.
func (e Envelope) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, e); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary decodes an envelope from its fixed-size wire
// representation.
func (e *Envelope) UnmarshalBinary(data []byte) error {
	if len(data) != EnvelopeLength {
		return fmt.Errorf("ipc: invalid envelope length %d, want %d", len(data), EnvelopeLength)
	}

	return binary.Read(bytes.NewReader(data), binary.LittleEndian, e)
}

// SyncCommandDataWords is the length, in bytes, of a SyncCommand's
// extended payload, sized to carry a 256-bit digest.
const SyncCommandDataWords = 32

// SyncCommandLength is the wire size in bytes of SyncCommand.
const SyncCommandLength = 4 + 4 + SyncCommandDataWords

// SyncCommand is the larger envelope variant carrying a full payload in
// place of the inline word array. Smart uses it for the first key
// injection response, whose payload is the master key hash.
type SyncCommand struct {
	Magic Magic
	State State
	Data  [SyncCommandDataWords]byte
}

// MarshalBinary encodes the extended envelope into its fixed-size
// little-endian wire representation.
func (c SyncCommand) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, c); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary decodes an extended envelope from its fixed-size wire
// representation.
func (c *SyncCommand) UnmarshalBinary(data []byte) error {
	if len(data) != SyncCommandLength {
		return fmt.Errorf("ipc: invalid sync command length %d, want %d", len(data), SyncCommandLength)
	}

	return binary.Read(bytes.NewReader(data), binary.LittleEndian, c)
}

// ShmInfo is the dmashm_info message sent by usb and flash during the
// startup shared-memory exchange. It is not envelope-shaped: it carries
// a 32-bit address and a 16-bit size rather than a magic/state pair.
type ShmInfo struct {
	Address uint32
	Size    uint16
}

// ShmInfoLength is the wire size in bytes of ShmInfo.
const ShmInfoLength = 4 + 2

// MarshalBinary encodes the shared-memory descriptor.
func (s ShmInfo) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, s); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a shared-memory descriptor.
func (s *ShmInfo) UnmarshalBinary(data []byte) error {
	if len(data) != ShmInfoLength {
		return fmt.Errorf("ipc: invalid shm info length %d, want %d", len(data), ShmInfoLength)
	}

	return binary.Read(bytes.NewReader(data), binary.LittleEndian, s)
}

// https://github.com/usbarmory/dfu-cryptobroker
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ipc

import (
	"fmt"

	"github.com/usbarmory/dfu-cryptobroker/hal"
)

// Magic identifies the semantic kind of an Envelope.
type Magic uint32

const (
	Invalid Magic = iota

	TaskStateCmd
	TaskStateResp

	CryptoInjectCmd
	CryptoInjectResp

	AuthStatePassed

	DataRdDmaReq
	DataWrDmaReq
	DataWrDmaAck

	DfuHeaderSend
	DfuHeaderValid
	DfuHeaderInvalid

	DfuDwnloadFinished
	DfuWriteFinished

	RebootRequest
)

var magicNames = map[Magic]string{
	Invalid:            "INVALID",
	TaskStateCmd:       "TASK_STATE_CMD",
	TaskStateResp:      "TASK_STATE_RESP",
	CryptoInjectCmd:    "CRYPTO_INJECT_CMD",
	CryptoInjectResp:   "CRYPTO_INJECT_RESP",
	AuthStatePassed:    "AUTH_STATE_PASSED",
	DataRdDmaReq:       "DATA_RD_DMA_REQ",
	DataWrDmaReq:       "DATA_WR_DMA_REQ",
	DataWrDmaAck:       "DATA_WR_DMA_ACK",
	DfuHeaderSend:      "DFU_HEADER_SEND",
	DfuHeaderValid:     "DFU_HEADER_VALID",
	DfuHeaderInvalid:   "DFU_HEADER_INVALID",
	DfuDwnloadFinished: "DFU_DWNLOAD_FINISHED",
	DfuWriteFinished:   "DFU_WRITE_FINISHED",
	RebootRequest:      "REBOOT_REQUEST",
}

func (m Magic) String() string {
	if name, ok := magicNames[m]; ok {
		return name
	}

	return fmt.Sprintf("Magic(%d)", uint32(m))
}

// dispatchAuthorization maps each dispatch-loop magic to its single
// permitted sender. Magics not present here are never valid as the first
// message of a sub-protocol (replies and internal forwards are sent, not
// received, by the broker) and fall through to the unknown-magic path.
var dispatchAuthorization = map[Magic]hal.PeerID{
	DataRdDmaReq:       hal.PeerUSB,
	DataWrDmaReq:       hal.PeerUSB,
	DfuHeaderSend:      hal.PeerUSB,
	DfuHeaderValid:     hal.PeerSmart,
	DfuHeaderInvalid:   hal.PeerSmart,
	DfuDwnloadFinished: hal.PeerUSB,
	DfuWriteFinished:   hal.PeerFlash,
}

// AllowedSender returns the single peer permitted to originate magic in
// the dispatch loop. ok is false for REBOOT_REQUEST (any sender is
// permitted) and for magics the dispatch loop never receives as a
// request.
func AllowedSender(m Magic) (peer hal.PeerID, ok bool) {
	peer, ok = dispatchAuthorization[m]
	return
}

// Authorized reports whether sender may originate m. REBOOT_REQUEST is
// accepted from any peer; every other magic in dispatchAuthorization
// requires an exact match.
func Authorized(m Magic, sender hal.PeerID) bool {
	if m == RebootRequest {
		return true
	}

	peer, ok := AllowedSender(m)

	return ok && peer == sender
}

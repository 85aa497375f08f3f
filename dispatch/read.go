// https://github.com/usbarmory/dfu-cryptobroker
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dispatch

import "github.com/usbarmory/dfu-cryptobroker/ipc"

// readPath implements DATA_RD_DMA_REQ: forward unchanged to flash,
// receive flash's ack, forward the ack unchanged to usb. The broker
// itself never decrypts on the read path; flash already holds plaintext
// from a prior write, so no DMA engine involvement is needed here.
func (l *Loop) readPath(env ipc.Envelope) error {
	if err := l.forward(l.Peers.Flash, env); err != nil {
		return err
	}

	ack, err := l.recvFrom(l.Peers.Flash)

	if err != nil {
		return err
	}

	return l.forward(l.Peers.USB, ack)
}

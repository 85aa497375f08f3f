// https://github.com/usbarmory/dfu-cryptobroker
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
//
//go:build tamago && arm
// +build tamago,arm

package main

import (
	"github.com/usbarmory/dfu-cryptobroker/crypto"
	"github.com/usbarmory/dfu-cryptobroker/hal"
)

// kernel returns the real microkernel syscall binding. The kernel
// syscall layer (ipc send/recv, systick, task-id lookup, init phases) is
// an external collaborator supplied by the platform this broker is
// built against; wiring it in is outside this repository's scope.
func kernel() hal.Kernel {
	panic("cryptobroker: no platform kernel binding linked into this build")
}

// newEngine returns the hardware-backed AES-CTR DMA engine.
func newEngine() crypto.Engine {
	return crypto.NewHWEngine()
}

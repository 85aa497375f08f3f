// https://github.com/usbarmory/dfu-cryptobroker
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
//
//go:build !tamago || !arm
// +build !tamago !arm

package main

import (
	"github.com/usbarmory/dfu-cryptobroker/crypto"
	"github.com/usbarmory/dfu-cryptobroker/hal"
)

// kernel returns a hal.Kernel for development off-target. The real
// microkernel syscall binding (ipc send/recv, systick, task-id lookup)
// is supplied by the platform integration this broker runs under and is
// out of scope here; this stub exists only so the command builds and
// starts on any GOOS, immediately failing startup's task-id resolution
// since no peer names are registered.
func kernel() hal.Kernel {
	return hal.NewFakeKernel(0, map[string]hal.PeerID{})
}

// newEngine returns the software AES-CTR engine used for development and
// testing off-target.
func newEngine() crypto.Engine {
	return crypto.NewSimEngine()
}

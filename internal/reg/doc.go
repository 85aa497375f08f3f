// https://github.com/usbarmory/dfu-cryptobroker
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package reg provides primitives for retrieving and modifying memory
// mapped hardware registers. It backs the hardware crypto engine (see the
// crypto package's hwEngine) used to drive the AES-CTR DMA peripheral and
// to read back its status and IV registers. The register accessors are
// only built for `GOOS=tamago` on ARM; off-target builds carry the empty
// package so the module builds everywhere.
package reg

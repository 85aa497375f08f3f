// DMA buffer store for the crypto broker's simulated transfers
// https://github.com/usbarmory/dfu-cryptobroker
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dma stands in for a hardware DMA descriptor allocator: it hands
// out opaque addresses for buffers that the crypto engine's simulated
// StartDMA reads from and writes to, the same address-in/address-out
// shape the hardware engine uses against physical memory. Allocating an
// actual DMA descriptor region is out of scope here; this package only
// needs to make the simulated engine's Read/Write calls behave like
// addressed memory.
package dma

import "sync"

// Region is a simple address-keyed buffer store. Unlike a real DMA
// allocator it never reuses or coalesces addresses; Free only drops its
// reference to the buffer.
type Region struct {
	mu   sync.Mutex
	next uint
	bufs map[uint][]byte
}

var dma = NewRegion()

// NewRegion allocates a new, empty buffer store.
func NewRegion() *Region {
	return &Region{next: 1, bufs: make(map[uint][]byte)}
}

// Init resets the global DMA region used throughout this module for all
// DMA allocations.
func Init() {
	dma = NewRegion()
}

// Default returns the global DMA region instance.
func Default() *Region {
	return dma
}

// Reserve allocates a zeroed buffer of size bytes, with optional
// alignment, and returns it along with its address. The optional
// alignment must be a power of 2; word alignment (4) is always enforced
// when align is 0.
func (r *Region) Reserve(size int, align int) (addr uint, buf []byte) {
	if size == 0 {
		return 0, nil
	}

	buf = make([]byte, size)
	addr = r.store(buf, align)

	return addr, buf
}

// Alloc stores a copy of buf and returns its allocation address, with
// optional alignment. The copy can be freed up with Free.
func (r *Region) Alloc(buf []byte, align int) (addr uint) {
	if len(buf) == 0 {
		return 0
	}

	cp := make([]byte, len(buf))
	copy(cp, buf)

	return r.store(cp, align)
}

func (r *Region) store(buf []byte, align int) uint {
	r.mu.Lock()
	defer r.mu.Unlock()

	if align == 0 {
		align = 4
	}

	addr := r.next
	addr += -addr & (uint(align) - 1)

	r.bufs[addr] = buf
	r.next = addr + uint(len(buf)) + 1

	return addr
}

// Read reads exactly len(buf) bytes from a memory region address into
// buf, the region must have been previously allocated with Alloc or
// Reserve.
func (r *Region) Read(addr uint, off int, buf []byte) {
	size := len(buf)

	if addr == 0 || size == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bufs[addr]

	if !ok {
		panic("dma: read of unallocated address")
	}

	if off+size > len(b) {
		panic("dma: invalid read parameters")
	}

	copy(buf, b[off:off+size])
}

// Write writes buffer contents to a memory region address, the region
// must have been previously allocated with Alloc or Reserve.
func (r *Region) Write(addr uint, off int, buf []byte) {
	size := len(buf)

	if addr == 0 || size == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bufs[addr]

	if !ok {
		return
	}

	if off+size > len(b) {
		panic("dma: invalid write parameters")
	}

	copy(b[off:off+size], buf)
}

// Free releases the buffer stored at addr, previously allocated with
// Alloc or Reserve.
func (r *Region) Free(addr uint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.bufs, addr)
}

// Reserve is the equivalent of Region.Reserve on the global DMA region.
func Reserve(size int, align int) (addr uint, buf []byte) {
	return dma.Reserve(size, align)
}

// Alloc is the equivalent of Region.Alloc on the global DMA region.
func Alloc(buf []byte, align int) (addr uint) {
	return dma.Alloc(buf, align)
}

// Read is the equivalent of Region.Read on the global DMA region.
func Read(addr uint, off int, buf []byte) {
	dma.Read(addr, off, buf)
}

// Write is the equivalent of Region.Write on the global DMA region.
func Write(addr uint, off int, buf []byte) {
	dma.Write(addr, off, buf)
}

// Free is the equivalent of Region.Free on the global DMA region.
func Free(addr uint) {
	dma.Free(addr)
}

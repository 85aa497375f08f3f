// https://github.com/usbarmory/dfu-cryptobroker
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package hal

import (
	"fmt"
	"sync"
	"time"
)

type pairKey struct {
	from PeerID
	to   PeerID
}

// kernelState is the shared state of a simulated kernel: one FIFO queue
// per (sender, receiver) task pair, plus a per-receiver arrival feed for
// receive-from-any, a busy-injection table and the systick origin. Every
// peer's view of the kernel (a FakeKernel with a distinct self) shares
// one kernelState, the way every real task shares the one kernel
// instance.
type kernelState struct {
	mu sync.Mutex

	names  map[string]PeerID
	known  map[PeerID]bool
	queues map[pairKey]chan []byte
	arrive map[PeerID]chan PeerID
	busy   map[PeerID]bool

	start time.Time
	done  bool
}

// queue returns the FIFO channel for the (from, to) pair, creating it
// lazily. Callers hold mu.
func (s *kernelState) queue(from, to PeerID) chan []byte {
	k := pairKey{from: from, to: to}

	if _, ok := s.queues[k]; !ok {
		s.queues[k] = make(chan []byte, 8)
	}

	return s.queues[k]
}

// arrivals returns the arrival feed for a receiver, creating it lazily.
// Callers hold mu.
func (s *kernelState) arrivals(to PeerID) chan PeerID {
	if _, ok := s.arrive[to]; !ok {
		s.arrive[to] = make(chan PeerID, 64)
	}

	return s.arrive[to]
}

// FakeKernel is an in-memory Kernel used by tests to drive the broker
// from goroutine peers standing in for the USB/Flash/Smart/PIN tasks.
type FakeKernel struct {
	self  PeerID
	state *kernelState
}

// NewFakeKernel returns a FakeKernel for the task identified as self,
// wired to the given peer name table. Use As to obtain further views of
// the same simulated kernel for other peers.
func NewFakeKernel(self PeerID, names map[string]PeerID) *FakeKernel {
	s := &kernelState{
		names:  names,
		known:  map[PeerID]bool{self: true},
		queues: make(map[pairKey]chan []byte),
		arrive: make(map[PeerID]chan PeerID),
		busy:   make(map[PeerID]bool),
		start:  time.Now(),
	}

	for _, id := range names {
		s.known[id] = true
	}

	return &FakeKernel{self: self, state: s}
}

// As returns a view of the same simulated kernel for a different peer,
// used by test goroutines standing in for the usb/flash/smart/pin tasks.
func (k *FakeKernel) As(self PeerID) *FakeKernel {
	k.state.mu.Lock()
	defer k.state.mu.Unlock()

	k.state.known[self] = true

	return &FakeKernel{self: self, state: k.state}
}

// SetBusy makes the next Send to dest fail once with ErrBusy, simulating
// a saturated kernel IPC channel.
func (k *FakeKernel) SetBusy(dest PeerID, busy bool) {
	k.state.mu.Lock()
	defer k.state.mu.Unlock()

	k.state.busy[dest] = busy
}

func (k *FakeKernel) GetTaskID(name string) (PeerID, error) {
	k.state.mu.Lock()
	defer k.state.mu.Unlock()

	id, ok := k.state.names[name]

	if !ok {
		return 0, fmt.Errorf("hal: unknown task %q", name)
	}

	return id, nil
}

func (k *FakeKernel) Send(dest PeerID, buf []byte) error {
	k.state.mu.Lock()

	if k.state.busy[dest] {
		k.state.busy[dest] = false
		k.state.mu.Unlock()
		return ErrBusy
	}

	if !k.state.known[dest] {
		k.state.mu.Unlock()
		return fmt.Errorf("hal: unknown peer %d", dest)
	}

	q := k.state.queue(k.self, dest)
	feed := k.state.arrivals(dest)
	k.state.mu.Unlock()

	cp := make([]byte, len(buf))
	copy(cp, buf)

	q <- cp
	feed <- k.self

	return nil
}

// Recv blocks until any pair queue addressed to this task holds a
// message. Arrival announcements whose message was already drained by a
// targeted RecvFrom are skipped.
func (k *FakeKernel) Recv() (PeerID, []byte, error) {
	k.state.mu.Lock()
	feed := k.state.arrivals(k.self)
	k.state.mu.Unlock()

	for {
		from := <-feed

		k.state.mu.Lock()
		q := k.state.queue(from, k.self)
		k.state.mu.Unlock()

		select {
		case buf := <-q:
			return from, buf, nil
		default:
		}
	}
}

// RecvFrom blocks on the single (from, self) pair queue; traffic from
// every other peer stays pending on its own queue.
func (k *FakeKernel) RecvFrom(from PeerID) ([]byte, error) {
	k.state.mu.Lock()
	q := k.state.queue(from, k.self)
	k.state.mu.Unlock()

	return <-q, nil
}

func (k *FakeKernel) Millis() uint32 {
	return uint32(time.Since(k.state.start).Milliseconds())
}

func (k *FakeKernel) InitDone() error {
	k.state.mu.Lock()
	defer k.state.mu.Unlock()

	k.state.done = true

	return nil
}

// Done reports whether InitDone has been called, used by tests to assert
// the startup sequence reached completion.
func (k *FakeKernel) Done() bool {
	k.state.mu.Lock()
	defer k.state.mu.Unlock()

	return k.state.done
}

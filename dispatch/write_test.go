// https://github.com/usbarmory/dfu-cryptobroker
//
// Copyright (c) The TamaGo Authors. All Rights Reserved.
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dispatch

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/usbarmory/dfu-cryptobroker/crypto"
	"github.com/usbarmory/dfu-cryptobroker/dma"
	"github.com/usbarmory/dfu-cryptobroker/hal"
	"github.com/usbarmory/dfu-cryptobroker/ipc"
	"github.com/usbarmory/dfu-cryptobroker/session"
	"github.com/usbarmory/dfu-cryptobroker/shm"
	"github.com/usbarmory/dfu-cryptobroker/startup"
)

func initDMA(t *testing.T) {
	t.Helper()

	dma.Init()
}

func newWriteTestLoop(t *testing.T, chunkSize uint16) (*Loop, map[hal.PeerID]*hal.FakeKernel) {
	t.Helper()

	initDMA(t)

	broker := hal.NewFakeKernel(brokerID, map[string]hal.PeerID{
		"dfusmart": hal.PeerSmart,
		"pin":      hal.PeerPIN,
		"dfuflash": hal.PeerFlash,
		"dfuusb":   hal.PeerUSB,
	})

	peers := map[hal.PeerID]*hal.FakeKernel{
		hal.PeerSmart: broker.As(hal.PeerSmart),
		hal.PeerPIN:   broker.As(hal.PeerPIN),
		hal.PeerFlash: broker.As(hal.PeerFlash),
		hal.PeerUSB:   broker.As(hal.PeerUSB),
	}

	usbAddr, _ := dma.Reserve(int(chunkSize), 16)
	flashAddr, _ := dma.Reserve(int(chunkSize), 16)

	reg := &shm.Registry{}
	reg.SetUSB(shm.Descriptor{Address: uint32(usbAddr), Size: chunkSize})
	reg.SetFlash(shm.Descriptor{Address: uint32(flashAddr), Size: chunkSize})

	engine := crypto.NewSimEngine()
	status := &crypto.DMAStatus{}

	if err := engine.InitDMA(status.In.Store, status.Out.Store); err != nil {
		t.Fatalf("InitDMA: %v", err)
	}

	l := &Loop{
		Kernel:   broker,
		Engine:   engine,
		Registry: reg,
		Session:  &session.Session{CryptoChunkSize: 4096},
		Peers: startup.PeerIDs{
			Smart: hal.PeerSmart,
			USB:   hal.PeerUSB,
			Flash: hal.PeerFlash,
			PIN:   hal.PeerPIN,
		},
		Status: status,
	}

	return l, peers
}

func TestWritePathFirstChunkNoReinjection(t *testing.T) {
	l, peers := newWriteTestLoop(t, 512)

	req := ipc.New(ipc.DataWrDmaReq, ipc.StateWait, 512)
	sendEnv(t, peers[hal.PeerUSB], brokerID, req)

	errc := runStep(t, l)

	// no reinjection expected on the first chunk: the next message the
	// loop sends must be the forward to flash, not a key injection cmd.
	fwd := recvEnv(t, peers[hal.PeerFlash])

	if fwd.Magic != ipc.DataWrDmaReq {
		t.Fatalf("expected forward to flash, got %+v", fwd)
	}

	sendEnv(t, peers[hal.PeerFlash], brokerID, ipc.New(ipc.DataWrDmaAck, ipc.StateDone, 512))

	if err := waitStep(t, errc); err != nil {
		t.Fatalf("step(): %v", err)
	}

	ack := recvEnv(t, peers[hal.PeerUSB])

	if ack.Magic != ipc.DataWrDmaAck || ack.U16() != 512 {
		t.Fatalf("unexpected ack to usb: %+v", ack)
	}

	if l.Session.TotalBytesRead != 512 {
		t.Fatalf("TotalBytesRead = %d, want 512", l.Session.TotalBytesRead)
	}
}

func TestWritePathReinjectsAtBoundary(t *testing.T) {
	l, peers := newWriteTestLoop(t, 512)
	l.Session.CryptoChunkSize = 512
	l.Session.TotalBytesRead = 512 // already at the boundary

	req := ipc.New(ipc.DataWrDmaReq, ipc.StateWait, 512)
	sendEnv(t, peers[hal.PeerUSB], brokerID, req)

	errc := runStep(t, l)

	inject := recvEnv(t, peers[hal.PeerSmart])

	if inject.Magic != ipc.CryptoInjectCmd {
		t.Fatalf("expected key reinjection request, got %+v", inject)
	}

	sendEnv(t, peers[hal.PeerSmart], brokerID, ipc.New(ipc.CryptoInjectResp, ipc.StateDone, 0))

	fwd := recvEnv(t, peers[hal.PeerFlash])

	if fwd.Magic != ipc.DataWrDmaReq {
		t.Fatalf("expected forward to flash after reinjection, got %+v", fwd)
	}

	sendEnv(t, peers[hal.PeerFlash], brokerID, ipc.New(ipc.DataWrDmaAck, ipc.StateDone, 512))

	if err := waitStep(t, errc); err != nil {
		t.Fatalf("step(): %v", err)
	}

	recvEnv(t, peers[hal.PeerUSB])

	if l.Session.TotalBytesRead != 1024 {
		t.Fatalf("TotalBytesRead = %d, want 1024", l.Session.TotalBytesRead)
	}
}

func TestWritePathBoundsCheckFailsFast(t *testing.T) {
	l, peers := newWriteTestLoop(t, 512)

	sendEnv(t, peers[hal.PeerUSB], brokerID, ipc.New(ipc.DataWrDmaReq, ipc.StateWait, 9999))

	if err := l.step(); err == nil {
		t.Fatal("expected bounds check failure for oversized chunk")
	}
}

func TestWritePathZeroChunkFailsFast(t *testing.T) {
	l, peers := newWriteTestLoop(t, 512)

	sendEnv(t, peers[hal.PeerUSB], brokerID, ipc.New(ipc.DataWrDmaReq, ipc.StateWait, 0))

	if err := l.step(); err == nil {
		t.Fatal("expected bounds check failure for zero-length chunk")
	}
}

func TestWritePathRetriesOnTransientFault(t *testing.T) {
	l, peers := newWriteTestLoop(t, 512)

	sim := l.Engine.(*crypto.SimEngine)
	sim.Faults = []crypto.Fault{crypto.FaultFIFO, crypto.FaultNone}

	req := ipc.New(ipc.DataWrDmaReq, ipc.StateWait, 512)
	sendEnv(t, peers[hal.PeerUSB], brokerID, req)

	errc := runStep(t, l)

	fwd := recvEnv(t, peers[hal.PeerFlash])

	if fwd.Magic != ipc.DataWrDmaReq {
		t.Fatalf("expected forward to flash after retry recovery, got %+v", fwd)
	}

	sendEnv(t, peers[hal.PeerFlash], brokerID, ipc.New(ipc.DataWrDmaAck, ipc.StateDone, 512))

	if err := waitStep(t, errc); err != nil {
		t.Fatalf("step(): %v", err)
	}
}

func TestWritePathExhaustsRetriesFatally(t *testing.T) {
	l, peers := newWriteTestLoop(t, 512)

	sim := l.Engine.(*crypto.SimEngine)
	sim.Faults = []crypto.Fault{crypto.FaultDMA}

	sendEnv(t, peers[hal.PeerUSB], brokerID, ipc.New(ipc.DataWrDmaReq, ipc.StateWait, 512))

	if err := l.step(); err == nil {
		t.Fatal("expected fatal error after exhausting DMA retries")
	}
}

// runWriteChunk drives one complete write sub-protocol from the usb and
// flash side: request in, forward to flash acked, final ack back to usb.
func runWriteChunk(t *testing.T, l *Loop, peers map[hal.PeerID]*hal.FakeKernel, size uint16) ipc.Envelope {
	t.Helper()

	sendEnv(t, peers[hal.PeerUSB], brokerID, ipc.New(ipc.DataWrDmaReq, ipc.StateWait, size))

	errc := runStep(t, l)

	fwd := recvEnv(t, peers[hal.PeerFlash])

	if fwd.Magic != ipc.DataWrDmaReq {
		t.Fatalf("expected forward to flash, got %+v", fwd)
	}

	sendEnv(t, peers[hal.PeerFlash], brokerID, ipc.New(ipc.DataWrDmaAck, ipc.StateDone, size))

	if err := waitStep(t, errc); err != nil {
		t.Fatalf("step(): %v", err)
	}

	return recvEnv(t, peers[hal.PeerUSB])
}

func TestWritePathUnalignedTail(t *testing.T) {
	l, peers := newWriteTestLoop(t, 512)

	// a 300-byte tail is padded to 304 for the engine, but the session
	// counter advances by the original transport size.
	ack := runWriteChunk(t, l, peers, 300)

	if ack.Magic != ipc.DataWrDmaAck || ack.U16() != 300 {
		t.Fatalf("unexpected ack to usb: %+v", ack)
	}

	if l.Session.TotalBytesRead != 300 {
		t.Fatalf("TotalBytesRead = %d, want 300", l.Session.TotalBytesRead)
	}
}

func TestWritePathWatchdogTimeoutFatal(t *testing.T) {
	l, peers := newWriteTestLoop(t, 512)

	defer func(ms uint32) { dmaWatchdogMillis = ms }(dmaWatchdogMillis)
	dmaWatchdogMillis = 5

	sim := l.Engine.(*crypto.SimEngine)
	sim.Faults = []crypto.Fault{crypto.FaultTimeout}

	sendEnv(t, peers[hal.PeerUSB], brokerID, ipc.New(ipc.DataWrDmaReq, ipc.StateWait, 512))

	if err := l.step(); err == nil {
		t.Fatal("expected fatal error after the watchdog expired on every retry")
	}
}

func TestWritePathDecryptsAcrossRetry(t *testing.T) {
	l, peers := newWriteTestLoop(t, 512)

	plaintext := bytes.Repeat([]byte("firmware-image-chunk-and-pad-16!"), 16) // 512 bytes

	// the session key is the engine's preloaded zero slot with a zero IV;
	// encrypt the expected plaintext with the same parameters so the write
	// path's decryption must reproduce it byte for byte.
	block, err := aes.NewCipher(make([]byte, crypto.BlockSize))

	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	ciphertext := make([]byte, len(plaintext))
	cipher.NewCTR(block, make([]byte, crypto.BlockSize)).XORKeyStream(ciphertext, plaintext)

	dma.Write(uint(l.Registry.USB().Address), 0, ciphertext)

	// a transient DMA fault on the first attempt forces the IV-restoring
	// retry; a wrong counter restore would corrupt the whole chunk.
	sim := l.Engine.(*crypto.SimEngine)
	sim.Faults = []crypto.Fault{crypto.FaultDMA, crypto.FaultNone}

	runWriteChunk(t, l, peers, 512)

	got := make([]byte, len(plaintext))
	dma.Read(uint(l.Registry.Flash().Address), 0, got)

	if !bytes.Equal(got, plaintext) {
		t.Fatal("decrypted chunk does not match plaintext after DMA retry")
	}
}

func TestWritePathCleanSession(t *testing.T) {
	l, peers := newWriteTestLoop(t, 512)

	// eight 512-byte chunks fill one 4096-byte crypto chunk with no
	// reinjection; the boundary is only acted on by the following write.
	for i := 0; i < 8; i++ {
		if l.Session.Reinject() {
			t.Fatalf("unexpected reinjection due before chunk %d", i+1)
		}

		runWriteChunk(t, l, peers, 512)
	}

	if l.Session.TotalBytesRead != 4096 {
		t.Fatalf("TotalBytesRead = %d, want 4096", l.Session.TotalBytesRead)
	}

	// the ninth chunk crosses the boundary: the loop must round-trip a
	// key reinjection with smart before touching the engine.
	sendEnv(t, peers[hal.PeerUSB], brokerID, ipc.New(ipc.DataWrDmaReq, ipc.StateWait, 512))

	errc := runStep(t, l)

	inject := recvEnv(t, peers[hal.PeerSmart])

	if inject.Magic != ipc.CryptoInjectCmd {
		t.Fatalf("expected key reinjection request on ninth chunk, got %+v", inject)
	}

	sendEnv(t, peers[hal.PeerSmart], brokerID, ipc.New(ipc.CryptoInjectResp, ipc.StateDone, 0))

	fwd := recvEnv(t, peers[hal.PeerFlash])

	if fwd.Magic != ipc.DataWrDmaReq {
		t.Fatalf("expected forward to flash after reinjection, got %+v", fwd)
	}

	sendEnv(t, peers[hal.PeerFlash], brokerID, ipc.New(ipc.DataWrDmaAck, ipc.StateDone, 512))

	if err := waitStep(t, errc); err != nil {
		t.Fatalf("step(): %v", err)
	}

	recvEnv(t, peers[hal.PeerUSB])

	if l.Session.TotalBytesRead != 4608 {
		t.Fatalf("TotalBytesRead = %d, want 4608", l.Session.TotalBytesRead)
	}
}

func TestWritePathLeavesUnrelatedTrafficQueued(t *testing.T) {
	l, peers := newWriteTestLoop(t, 512)

	sendEnv(t, peers[hal.PeerUSB], brokerID, ipc.New(ipc.DataWrDmaReq, ipc.StateWait, 512))

	errc := runStep(t, l)

	fwd := recvEnv(t, peers[hal.PeerFlash])

	if fwd.Magic != ipc.DataWrDmaReq {
		t.Fatalf("expected forward to flash, got %+v", fwd)
	}

	// while the broker blocks on flash's ack, a reboot request arrives
	// from pin; the filtered wait must leave it queued on its own pair
	// channel, not consume it.
	reboot := ipc.New(ipc.RebootRequest, ipc.StateDone, 0)
	sendEnv(t, peers[hal.PeerPIN], brokerID, reboot)

	sendEnv(t, peers[hal.PeerFlash], brokerID, ipc.New(ipc.DataWrDmaAck, ipc.StateDone, 512))

	if err := waitStep(t, errc); err != nil {
		t.Fatalf("step(): %v", err)
	}

	if ack := recvEnv(t, peers[hal.PeerUSB]); ack.Magic != ipc.DataWrDmaAck {
		t.Fatalf("unexpected ack to usb: %+v", ack)
	}

	// the queued reboot request dispatches on the next iteration and is
	// forwarded to smart intact.
	if err := l.step(); err != nil {
		t.Fatalf("step() after write: %v", err)
	}

	if got := recvEnv(t, peers[hal.PeerSmart]); got != reboot {
		t.Fatalf("forwarded reboot request = %+v, want %+v", got, reboot)
	}
}

func TestWritePathForwardsByteIdenticalPayload(t *testing.T) {
	l, peers := newWriteTestLoop(t, 512)

	req := ipc.New(ipc.DataWrDmaReq, ipc.StateWait, 512)
	sendEnv(t, peers[hal.PeerUSB], brokerID, req)

	errc := runStep(t, l)

	fwd := recvEnv(t, peers[hal.PeerFlash])

	if fwd != req {
		t.Fatalf("forwarded payload = %+v, want byte-identical %+v", fwd, req)
	}

	sendEnv(t, peers[hal.PeerFlash], brokerID, ipc.New(ipc.DataWrDmaAck, ipc.StateDone, 512))
	waitStep(t, errc)
}

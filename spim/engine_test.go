package spim

import (
	"bytes"
	"testing"

	"github.com/precursor-systems/cram-hal/herr"
)

// memDevice is a simulated SPI NOR flash (or PSRAM, with kind == "ram")
// used as the Transport under test; it decodes just enough of each
// descriptor list to drive the backing byte array the way the real
// UDMA-SPIM hardware would drive external memory.
type memDevice struct {
	kind     string
	mem      []byte
	status   byte
	security byte
	wedged   bool
}

func newMemDevice(kind string, size int) *memDevice {
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = 0xff
	}
	return &memDevice{kind: kind, mem: mem}
}

func sendCmdByte(cmds []Cmd) (byte, bool) {
	for _, c := range cmds {
		if c.Opcode() == OpSendCmd {
			return byte((uint32(c) >> 16) & 0xff), true
		}
	}
	return 0, false
}

func (d *memDevice) Execute(cmds []Cmd, tx []byte, rxLen int) ([]byte, error) {
	if d.wedged {
		return nil, ErrWedged
	}

	cmd, ok := sendCmdByte(cmds)
	if !ok {
		if rxLen > 0 {
			return append([]byte(nil), d.mem[:rxLen]...), nil
		}
		return nil, nil
	}

	switch cmd {
	case cmdRDID:
		return []byte{0xef, 0x40, 0x18}, nil

	case cmdWRSR:
		if len(tx) > 0 {
			d.status = tx[0]
		}
		return nil, nil

	case cmdWREN:
		d.status |= statusWEL
		return nil, nil

	case cmdWRDI:
		d.status &^= statusWEL
		return nil, nil

	case cmdRDSR:
		return []byte{d.status}, nil

	case cmdRDSCUR:
		return []byte{d.security}, nil

	case cmdPP: // PSRAM write shares the PP opcode value on a distinct chip
		addr := be24(tx[:3])
		copy(d.mem[addr:], tx[3:])
		if d.kind != "ram" {
			d.status &^= statusWIP
		}
		return nil, nil

	case cmdSE:
		addr := be24(tx[:3])
		start := addr - addr%FlashSectorLen
		for i := uint32(0); i < FlashSectorLen; i++ {
			d.mem[start+i] = 0xff
		}
		d.status &^= statusWIP
		return nil, nil

	case cmdBE:
		addr := be24(tx[:3])
		start := addr - addr%BlockEraseLen
		for i := uint32(0); i < BlockEraseLen; i++ {
			d.mem[start+i] = 0xff
		}
		d.status &^= statusWIP
		return nil, nil

	case 0x03, cmdQRead:
		addr := be24(tx[:3])
		return append([]byte(nil), d.mem[addr:addr+uint32(rxLen)]...), nil
	}

	return nil, nil
}

func be24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func newTestEngine(dev *memDevice) *Engine {
	return NewEngine(dev, DefaultConfig())
}

func TestPageProgramThenQuadRead(t *testing.T) {
	dev := newMemDevice("flash", 1<<20)
	e := newTestEngine(dev)
	e.cfg.Mode = ModeQuad

	var page [FlashPageLen]byte
	for i := range page {
		page[i] = byte(i)
	}

	ok, err := e.MemFlashWritePage(0x1000, page)
	if err != nil {
		t.Fatalf("MemFlashWritePage: %v", err)
	}
	if !ok {
		t.Fatal("MemFlashWritePage: reported failure")
	}

	got := make([]byte, FlashPageLen)
	if err := e.MemRead(0x1000, got); err != nil {
		t.Fatalf("MemRead: %v", err)
	}

	if !bytes.Equal(got, page[:]) {
		t.Fatalf("MemRead after write mismatch:\ngot  %x\nwant %x", got, page[:])
	}
}

func TestSectorEraseReturnsAllFF(t *testing.T) {
	dev := newMemDevice("flash", 1<<20)
	e := newTestEngine(dev)

	var page [FlashPageLen]byte
	for i := range page {
		page[i] = 0x42
	}

	addr := uint32(0x2000)
	if _, err := e.MemFlashWritePage(addr, page); err != nil {
		t.Fatalf("MemFlashWritePage: %v", err)
	}

	ok, err := e.FlashEraseSector(addr)
	if err != nil || !ok {
		t.Fatalf("FlashEraseSector: ok=%v err=%v", ok, err)
	}

	got := make([]byte, FlashPageLen)
	if err := e.MemRead(addr, got); err != nil {
		t.Fatalf("MemRead: %v", err)
	}

	for i, b := range got {
		if b != 0xff {
			t.Fatalf("byte %d = %#x after erase, want 0xff", i, b)
		}
	}
}

func TestFlashEraseBlockRequiresAlignment(t *testing.T) {
	dev := newMemDevice("flash", 1<<20)
	e := newTestEngine(dev)

	ok, err := e.FlashEraseBlock(1, BlockEraseLen)
	if err != nil {
		t.Fatalf("FlashEraseBlock: unexpected error %v", err)
	}
	if ok {
		t.Fatal("FlashEraseBlock: expected false on misaligned start")
	}

	ok, err = e.FlashEraseBlock(BlockEraseLen, BlockEraseLen+1)
	if err != nil {
		t.Fatalf("FlashEraseBlock: unexpected error %v", err)
	}
	if ok {
		t.Fatal("FlashEraseBlock: expected false on misaligned length")
	}
}

func TestQuadReadWatchdogReinitsOnRepeatedWedge(t *testing.T) {
	dev := newMemDevice("flash", 1<<20)
	dev.wedged = true

	e := newTestEngine(dev)
	e.cfg.Mode = ModeQuad

	buf := make([]byte, FlashPageLen)

	for i := 0; i < 2; i++ {
		err := e.MemRead(0, buf)
		if !herr.Is(err, herr.Timeout) {
			t.Fatalf("MemRead(%d): got %v, want Timeout", i, err)
		}
	}

	if e.wedgeStreak != 0 {
		t.Fatalf("wedgeStreak = %d after watchdog reinit, want 0", e.wedgeStreak)
	}
}

func TestTxRxAsyncAwait(t *testing.T) {
	dev := newMemDevice("flash", 1<<20)
	e := newTestEngine(dev)

	if _, err := e.TxRxDataAsync([]byte{cmdRDID_marker()}, 3, true, true); err != nil {
		t.Fatalf("TxRxDataAsync: %v", err)
	}

	rx, err := e.TxRxAwait(false)
	if err != nil {
		t.Fatalf("TxRxAwait: %v", err)
	}
	if rx == nil {
		t.Fatal("TxRxAwait: expected data")
	}
}

// cmdRDID_marker exists only so TestTxRxAsyncAwait exercises a non-empty tx
// buffer without depending on a specific command's semantics in memDevice
// (the fake ignores tx bytes for opcodes it doesn't special-case on
// SendCmd, since this path issues TxData directly, not SendCmd).
func cmdRDID_marker() byte { return 0xaa }

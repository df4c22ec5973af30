package spim

import (
	"encoding/binary"
	"errors"
	"log"
	"os"
	"time"

	"github.com/precursor-systems/cram-hal/herr"
)

// Flash/RAM byte-level command opcodes, following standard SPI NOR/PSRAM
// wire conventions.
const (
	cmdRDID    = 0x9f
	cmdQPIEn   = 0x35
	cmdQPIEx   = 0xf5
	cmdWRSR    = 0x01
	cmdPP      = 0x02
	cmdSE      = 0x20
	cmdBE      = 0xd8
	cmdRDSR    = 0x05
	cmdRDSCUR  = 0x2b
	cmdQRead   = 0xeb
	cmdWREN    = 0x06
	cmdWRDI    = 0x04
)

const (
	statusWIP = 1 << 0
	statusWEL = 1 << 1
	statusPFAIL = 1 << 5
)

// FlashPageLen is the SPI NOR page-program granularity.
const FlashPageLen = 256

// FlashSectorLen is the minimum erase granularity.
const FlashSectorLen = 4096

// BlockEraseLen is the block-erase granularity; flash_erase_block requires
// both bounds to be aligned to it.
const BlockEraseLen = 65536

// awaitTimeout bounds how long TxRxAwait spins for a transfer to complete.
const awaitTimeout = 500 * time.Millisecond

// ErrWedged is returned by a Transport to simulate a hardware timeout; the
// Engine maps it to herr.Timeout and, for quad-mode reads, to a watchdog
// reset attempt.
var ErrWedged = errors.New("spim: transport wedged")

// Transport executes a descriptor list against the SPI bus and returns any
// data clocked back in. Production code backs this with the real
// DMA-fed UDMA-SPIM hardware; tests back it with a simulated flash/PSRAM
// device (see memDevice in engine_test.go).
type Transport interface {
	Execute(cmds []Cmd, tx []byte, rxLen int) ([]byte, error)
}

// EngineConfig mirrors the SPIM engine's hardware configuration record.
type EngineConfig struct {
	ClockPolarity   bool
	ClockPhase      bool
	Divider         uint8
	ChipSelect      uint8
	Mode            Mode
	ByteAlign       bool
	Endianness      Endianness
	PreAssertWait   uint16
	PostDeassertWait uint16
	DummyCycles     uint16

	TxBufLen  int
	RxBufLen  int
	CmdBufLen int
}

// DefaultConfig returns an EngineConfig with the buffer sizes used throughout
// this package's tests and documentation.
func DefaultConfig() EngineConfig {
	return EngineConfig{
		Mode:      ModeStandard,
		Divider:   4,
		ByteAlign: true,
		TxBufLen:  FlashPageLen,
		RxBufLen:  FlashPageLen,
		CmdBufLen: 16,
	}
}

// Engine composes descriptor lists and drives them through a Transport.
type Engine struct {
	cfg       EngineConfig
	transport Transport
	log       *log.Logger

	pending     []byte
	pendingErr  error
	pendingDone bool
	wedgeStreak int
}

// NewEngine constructs an Engine over transport with the given
// configuration.
func NewEngine(transport Transport, cfg EngineConfig) *Engine {
	return &Engine{
		cfg:       cfg,
		transport: transport,
		log:       log.New(os.Stderr, "spim: ", log.LstdFlags),
	}
}

// Reinit fully reinitialises the engine's soft state, the escape hatch
// invoked when the quad-read watchdog cannot recover the PHY on its own.
func (e *Engine) Reinit() {
	e.pending = nil
	e.pendingErr = nil
	e.pendingDone = false
	e.wedgeStreak = 0
}

func (e *Engine) startXferCmds(eotEvent bool) []Cmd {
	cmds := []Cmd{StartXfer(e.cfg.ChipSelect)}
	if e.cfg.PreAssertWait > 0 {
		cmds = append(cmds, WaitCycles(e.cfg.PreAssertWait))
	}
	return cmds
}

// TxDataAsync transmits buf, chunked to the configured tx buffer size, with
// a StartXfer/TxData.../EndXfer descriptor sequence. The result (always
// empty) is collected with TxRxAwait.
func (e *Engine) TxDataAsync(buf []byte, useCS bool, eotEvent bool) error {
	_, err := e.TxRxDataAsync(buf, 0, useCS, eotEvent)
	return err
}

// TxRxDataAsync transmits len(tx) bytes (TxData descriptors) and then
// receives rxLen bytes (one RxData descriptor) in the same transfer,
// recording the transaction for TxRxAwait.
func (e *Engine) TxRxDataAsync(tx []byte, rxLen int, useCS bool, eotEvent bool) ([]byte, error) {
	var cmds []Cmd
	if useCS {
		cmds = append(cmds, e.startXferCmds(eotEvent)...)
	}

	chunk := e.cfg.TxBufLen
	if chunk == 0 {
		chunk = FlashPageLen
	}

	for off := 0; off < len(tx) || (len(tx) == 0 && off == 0); {
		end := off + chunk
		if end > len(tx) {
			end = len(tx)
		}
		n := end - off
		if n > 0 {
			cmds = append(cmds, TxData(e.cfg.Mode, 1, 8, e.cfg.Endianness, uint16(n)))
		}
		off = end
		if len(tx) == 0 {
			break
		}
	}

	if rxLen > 0 {
		cmds = append(cmds, RxData(e.cfg.Mode, 1, 8, e.cfg.Endianness, uint16(rxLen)))
	}

	if useCS {
		cmds = append(cmds, EndXfer(eotEvent))
	}

	rx, err := e.transport.Execute(cmds, tx, rxLen)

	e.pending = rx
	e.pendingDone = true

	if errors.Is(err, ErrWedged) {
		e.wedgeStreak++
		e.log.Printf("transport wedged, clearing rx bank (streak=%d)", e.wedgeStreak)
		e.pending = nil
		e.pendingErr = herr.New(herr.Timeout, "TxRxDataAsync", err)
		if e.cfg.Mode == ModeQuad && e.wedgeStreak >= 2 {
			e.log.Printf("quad-read watchdog: forcing full reinit")
			e.Reinit()
		}
		return nil, e.pendingErr
	}

	e.wedgeStreak = 0

	if err != nil {
		e.pendingErr = herr.New(herr.VendorInternal, "TxRxDataAsync", err)
		return nil, e.pendingErr
	}

	e.pendingErr = nil
	return rx, nil
}

// TxRxAwait returns the result of the most recently issued async
// transaction, subject to awaitTimeout. useYield is accepted for interface
// fidelity with the original cooperative-yield loop; this implementation's
// Transport.Execute already runs to completion synchronously.
func (e *Engine) TxRxAwait(useYield bool) ([]byte, error) {
	deadline := time.Now().Add(awaitTimeout)
	for !e.pendingDone {
		if time.Now().After(deadline) {
			return nil, herr.New(herr.Timeout, "TxRxAwait", nil)
		}
		if useYield {
			time.Sleep(time.Microsecond)
		}
	}

	rx, err := e.pending, e.pendingErr
	e.pending, e.pendingErr, e.pendingDone = nil, nil, false
	return rx, err
}

func (e *Engine) memReadID(cmd byte) ([]byte, error) {
	cmds := []Cmd{
		StartXfer(e.cfg.ChipSelect),
		SendCmd(ModeStandard, 8, uint32(cmd)<<24),
		RxData(ModeStandard, 1, 8, e.cfg.Endianness, 3),
		EndXfer(false),
	}
	return e.transport.Execute(cmds, nil, 3)
}

// MemReadIDFlash issues RDID (0x9f) against the flash device.
func (e *Engine) MemReadIDFlash() ([]byte, error) {
	return e.memReadID(cmdRDID)
}

// MemReadIDRAM issues RDID against the PSRAM device.
func (e *Engine) MemReadIDRAM() ([]byte, error) {
	return e.memReadID(cmdRDID)
}

// MemQPIMode enters (on=true) or exits (on=false) quad-SPI protocol mode.
func (e *Engine) MemQPIMode(on bool) error {
	cmd := byte(cmdQPIEx)
	if on {
		cmd = cmdQPIEn
		e.cfg.Mode = ModeQuad
	} else {
		e.cfg.Mode = ModeStandard
	}

	cmds := []Cmd{
		StartXfer(e.cfg.ChipSelect),
		SendCmd(ModeStandard, 8, uint32(cmd)<<24),
		EndXfer(false),
	}
	_, err := e.transport.Execute(cmds, nil, 0)
	if err != nil {
		return herr.New(herr.VendorInternal, "MemQPIMode", err)
	}
	return nil
}

// MemWriteStatusRegister issues WRSR (0x01).
func (e *Engine) MemWriteStatusRegister(value byte) error {
	cmds := []Cmd{
		StartXfer(e.cfg.ChipSelect),
		SendCmd(ModeStandard, 8, uint32(cmdWRSR)<<24),
		TxData(ModeStandard, 1, 8, e.cfg.Endianness, 1),
		EndXfer(false),
	}
	_, err := e.transport.Execute(cmds, []byte{value}, 0)
	if err != nil {
		return herr.New(herr.VendorInternal, "MemWriteStatusRegister", err)
	}
	return nil
}

func addrCmds(mode Mode, addr uint32, dummyCycles uint16) []Cmd {
	var cmds []Cmd
	cmds = append(cmds, SendAddr(mode, 24))
	if dummyCycles > 0 {
		cmds = append(cmds, Dummy(dummyCycles))
	}
	return cmds
}

// MemRead reads len(buf) bytes starting at addr into buf. In Quad mode this
// issues the 0xEB quad-read command with 3+dummy_cycles/2 address/dummy
// bytes.
func (e *Engine) MemRead(addr uint32, buf []byte) error {
	mode := e.cfg.Mode

	var cmds []Cmd
	cmds = append(cmds, StartXfer(e.cfg.ChipSelect))

	if mode == ModeQuad {
		cmds = append(cmds, SendCmd(ModeStandard, 8, uint32(cmdQRead)<<24))
		cmds = append(cmds, addrCmds(ModeQuad, addr, e.cfg.DummyCycles)...)
	} else {
		cmds = append(cmds, SendCmd(ModeStandard, 8, 0x03<<24)) // standard READ
		cmds = append(cmds, addrCmds(ModeStandard, addr, 0)...)
	}

	cmds = append(cmds, RxData(mode, 1, 8, e.cfg.Endianness, uint16(len(buf))))
	cmds = append(cmds, EndXfer(false))

	rx, err := e.transport.Execute(cmds, addrBytes(addr), len(buf))
	if errors.Is(err, ErrWedged) {
		e.wedgeStreak++
		if mode == ModeQuad && e.wedgeStreak >= 2 {
			e.log.Printf("quad-read watchdog: forcing full reinit")
			e.Reinit()
		}
		return herr.New(herr.Timeout, "MemRead", err)
	}
	if err != nil {
		return herr.New(herr.VendorInternal, "MemRead", err)
	}

	e.wedgeStreak = 0
	copy(buf, rx)
	return nil
}

// MemRAMWrite writes buf to the PSRAM device at addr.
func (e *Engine) MemRAMWrite(addr uint32, buf []byte) error {
	cmds := []Cmd{
		StartXfer(e.cfg.ChipSelect),
		SendCmd(ModeStandard, 8, 0x02<<24), // PSRAM write
		SendAddr(e.cfg.Mode, 24),
		TxData(e.cfg.Mode, 1, 8, e.cfg.Endianness, uint16(len(buf))),
		EndXfer(false),
	}
	_, err := e.transport.Execute(cmds, append(addrBytes(addr), buf...), 0)
	if err != nil {
		return herr.New(herr.VendorInternal, "MemRAMWrite", err)
	}
	return nil
}

func addrBytes(addr uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, addr)
	return buf[1:]
}

func (e *Engine) waitWhileBusy(statusBit byte) error {
	deadline := time.Now().Add(awaitTimeout)
	for {
		sr, err := e.readStatusRegister()
		if err != nil {
			return err
		}
		if sr&statusBit == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return herr.New(herr.Timeout, "waitWhileBusy", nil)
		}
	}
}

func (e *Engine) readStatusRegister() (byte, error) {
	cmds := []Cmd{
		StartXfer(e.cfg.ChipSelect),
		SendCmd(ModeStandard, 8, uint32(cmdRDSR)<<24),
		RxData(ModeStandard, 1, 8, e.cfg.Endianness, 1),
		EndXfer(false),
	}
	rx, err := e.transport.Execute(cmds, nil, 1)
	if err != nil {
		return 0, herr.New(herr.VendorInternal, "readStatusRegister", err)
	}
	if len(rx) < 1 {
		return 0, herr.New(herr.VendorInternal, "readStatusRegister", errors.New("short read"))
	}
	return rx[0], nil
}

func (e *Engine) readSecurityRegister() (byte, error) {
	cmds := []Cmd{
		StartXfer(e.cfg.ChipSelect),
		SendCmd(ModeStandard, 8, uint32(cmdRDSCUR)<<24),
		RxData(ModeStandard, 1, 8, e.cfg.Endianness, 1),
		EndXfer(false),
	}
	rx, err := e.transport.Execute(cmds, nil, 1)
	if err != nil {
		return 0, herr.New(herr.VendorInternal, "readSecurityRegister", err)
	}
	if len(rx) < 1 {
		return 0, herr.New(herr.VendorInternal, "readSecurityRegister", errors.New("short read"))
	}
	return rx[0], nil
}

func (e *Engine) writeEnable() error {
	deadline := time.Now().Add(awaitTimeout)
	for {
		cmds := []Cmd{
			StartXfer(e.cfg.ChipSelect),
			SendCmd(ModeStandard, 8, uint32(cmdWREN)<<24),
			EndXfer(false),
		}
		if _, err := e.transport.Execute(cmds, nil, 0); err != nil {
			return herr.New(herr.VendorInternal, "writeEnable", err)
		}

		sr, err := e.readStatusRegister()
		if err != nil {
			return err
		}
		if sr&statusWEL != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return herr.New(herr.Timeout, "writeEnable", nil)
		}
	}
}

func (e *Engine) writeDisable() error {
	cmds := []Cmd{
		StartXfer(e.cfg.ChipSelect),
		SendCmd(ModeStandard, 8, uint32(cmdWRDI)<<24),
		EndXfer(false),
	}
	_, err := e.transport.Execute(cmds, nil, 0)
	if err != nil {
		return herr.New(herr.VendorInternal, "writeDisable", err)
	}
	return nil
}

// MemFlashWritePage programs exactly one 256-byte page at addr, following
// the WREN -> PP -> poll WIP -> read security register -> WRDI sequence.
// It returns false on a P-FAIL rather than an error, since program failure
// is a normal flash-wear condition the caller is expected to handle.
func (e *Engine) MemFlashWritePage(addr uint32, page [FlashPageLen]byte) (bool, error) {
	if err := e.writeEnable(); err != nil {
		return false, err
	}

	cmds := []Cmd{
		StartXfer(e.cfg.ChipSelect),
		SendCmd(ModeStandard, 8, uint32(cmdPP)<<24),
		SendAddr(ModeStandard, 24),
		TxData(ModeStandard, 1, 8, e.cfg.Endianness, FlashPageLen),
		EndXfer(false),
	}
	if _, err := e.transport.Execute(cmds, append(addrBytes(addr), page[:]...), 0); err != nil {
		return false, herr.New(herr.VendorInternal, "MemFlashWritePage", err)
	}

	if err := e.waitWhileBusy(statusWIP); err != nil {
		return false, err
	}

	scur, err := e.readSecurityRegister()
	if err != nil {
		return false, err
	}

	if err := e.writeDisable(); err != nil {
		return false, err
	}

	return scur&statusPFAIL == 0, nil
}

// FlashEraseSector erases the 4 KiB sector containing addr.
func (e *Engine) FlashEraseSector(addr uint32) (bool, error) {
	return e.erase(cmdSE, addr)
}

// FlashEraseBlock erases len bytes starting at start, both of which must be
// 64 KiB aligned; if not, it returns false without side effects.
func (e *Engine) FlashEraseBlock(start uint32, length uint32) (bool, error) {
	if start%BlockEraseLen != 0 || length%BlockEraseLen != 0 {
		return false, nil
	}

	for off := uint32(0); off < length; off += BlockEraseLen {
		ok, err := e.erase(cmdBE, start+off)
		if err != nil || !ok {
			return ok, err
		}
	}

	return true, nil
}

func (e *Engine) erase(cmd byte, addr uint32) (bool, error) {
	if err := e.writeEnable(); err != nil {
		return false, err
	}

	cmds := []Cmd{
		StartXfer(e.cfg.ChipSelect),
		SendCmd(ModeStandard, 8, uint32(cmd)<<24),
		SendAddr(ModeStandard, 24),
		EndXfer(false),
	}
	if _, err := e.transport.Execute(cmds, addrBytes(addr), 0); err != nil {
		return false, herr.New(herr.VendorInternal, "erase", err)
	}

	if err := e.waitWhileBusy(statusWIP); err != nil {
		return false, err
	}

	scur, err := e.readSecurityRegister()
	if err != nil {
		return false, err
	}

	if err := e.writeDisable(); err != nil {
		return false, err
	}

	return scur&statusPFAIL == 0, nil
}

// Package spim implements the UDMA-SPIM descriptor-list command engine:
// a DMA-fed SPI master driven by a sequence of 32-bit opcode-tagged
// descriptors, used to talk to external SPI NOR flash and PSRAM.
package spim

import "github.com/precursor-systems/cram-hal/internal/bits"

// Opcode identifies the instruction encoded in the top 4 bits of a Cmd
// descriptor word.
type Opcode uint32

const (
	OpConfig Opcode = iota
	OpStartXfer
	OpSendCmd
	OpSendAddr
	OpDummy
	OpWait
	OpTxData
	OpRxData
	OpRepeatNextCmd
	OpEndXfer
	OpEndRepeat
	OpRxCheck
	OpFullDuplex
)

// Mode selects single-bit (Standard) or 4-bit (Quad) SPI signalling.
type Mode uint32

const (
	ModeStandard Mode = 0
	ModeQuad     Mode = 1
)

// Endianness controls byte order within a transferred word.
type Endianness uint32

const (
	LittleEndian Endianness = 0
	BigEndian    Endianness = 1
)

// CheckKind selects the RxCheck comparison performed against received data.
type CheckKind uint32

const (
	CheckAllBits CheckKind = iota
	CheckOnlyOnes
	CheckOnlyZeros
)

// Cmd is one 32-bit descriptor word. The opcode occupies bits 31:28;
// remaining bits are opcode-specific, packed in descending bit order to
// mirror the original UDMA-SPIM encoding.
type Cmd uint32

func withOpcode(op Opcode, body uint32) Cmd {
	var w uint32
	bits.SetN(&w, 28, 0xf, uint32(op))
	w |= body
	return Cmd(w)
}

// Config encodes clock polarity, phase, and divider.
func Config(pol, pha bool, divider uint8) Cmd {
	var w uint32
	if pol {
		bits.Set(&w, 27)
	}
	if pha {
		bits.Set(&w, 26)
	}
	bits.SetN(&w, 0, 0xff, uint32(divider))
	return withOpcode(OpConfig, w)
}

// StartXfer encodes the chip-select line to assert.
func StartXfer(cs uint8) Cmd {
	var w uint32
	bits.SetN(&w, 0, 0x3, uint32(cs))
	return withOpcode(OpStartXfer, w)
}

// SendCmd encodes a left-aligned command value of cmdSizeBits bits
// (1-32), transmitted in mode.
func SendCmd(mode Mode, cmdSizeBits uint8, value uint32) Cmd {
	var w uint32
	bits.SetN(&w, 24, 0x1, uint32(mode))
	bits.SetN(&w, 16, 0x1f, uint32(cmdSizeBits-1))
	w |= value >> 8 // command value occupies the low bits, left-aligned within 24
	return withOpcode(OpSendCmd, w)
}

// SendAddr encodes an address of addrBits bits.
func SendAddr(mode Mode, addrBits uint8) Cmd {
	var w uint32
	bits.SetN(&w, 24, 0x1, uint32(mode))
	bits.SetN(&w, 16, 0x1f, uint32(addrBits-1))
	return withOpcode(OpSendAddr, w)
}

// Dummy encodes a dummy-cycle count.
func Dummy(cycles uint16) Cmd {
	var w uint32
	bits.SetN(&w, 0, 0xffff, uint32(cycles))
	return withOpcode(OpDummy, w)
}

// WaitCycles encodes a fixed-cycle wait.
func WaitCycles(cycles uint16) Cmd {
	var w uint32
	bits.SetN(&w, 0, 0xffff, uint32(cycles))
	return withOpcode(OpWait, w)
}

// WaitEvent encodes a wait on an external event channel.
func WaitEvent(channel uint8) Cmd {
	var w uint32
	bits.Set(&w, 20)
	bits.SetN(&w, 0, 0xff, uint32(channel))
	return withOpcode(OpWait, w)
}

// TxData encodes a data transmit descriptor.
func TxData(mode Mode, wordsPerXfer uint8, bitsPerWord uint8, endian Endianness, wordCount uint16) Cmd {
	return dataCmd(OpTxData, mode, wordsPerXfer, bitsPerWord, endian, wordCount)
}

// RxData encodes a data receive descriptor.
func RxData(mode Mode, wordsPerXfer uint8, bitsPerWord uint8, endian Endianness, wordCount uint16) Cmd {
	return dataCmd(OpRxData, mode, wordsPerXfer, bitsPerWord, endian, wordCount)
}

func dataCmd(op Opcode, mode Mode, wordsPerXfer uint8, bitsPerWord uint8, endian Endianness, wordCount uint16) Cmd {
	var w uint32
	bits.SetN(&w, 26, 0x1, uint32(mode))
	bits.SetN(&w, 24, 0x3, wordsPerWordIndex(wordsPerXfer))
	bits.SetN(&w, 17, 0x3f, uint32(bitsPerWord-1))
	bits.SetN(&w, 16, 0x1, uint32(endian))
	bits.SetN(&w, 0, 0xffff, uint32(wordCount))
	return withOpcode(op, w)
}

func wordsPerWordIndex(n uint8) uint32 {
	switch n {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	default:
		return 0
	}
}

// RepeatNextCmd encodes a repeat count applied to the command immediately
// following in the descriptor stream.
func RepeatNextCmd(count uint16) Cmd {
	var w uint32
	bits.SetN(&w, 0, 0xffff, uint32(count))
	return withOpcode(OpRepeatNextCmd, w)
}

// EndXfer encodes whether an end-of-transfer event should be generated.
func EndXfer(generateEvent bool) Cmd {
	var w uint32
	if generateEvent {
		bits.Set(&w, 0)
	}
	return withOpcode(OpEndXfer, w)
}

// EndRepeat closes a RepeatNextCmd block.
func EndRepeat() Cmd {
	return withOpcode(OpEndRepeat, 0)
}

// RxCheck encodes a receive-and-compare descriptor.
func RxCheck(mode Mode, byteAlign bool, kind CheckKind, size uint8, value uint32) Cmd {
	var w uint32
	bits.SetN(&w, 26, 0x1, uint32(mode))
	if byteAlign {
		bits.Set(&w, 25)
	}
	bits.SetN(&w, 22, 0x3, uint32(kind))
	bits.SetN(&w, 16, 0x3f, uint32(size))
	w |= value & 0xffff
	return withOpcode(OpRxCheck, w)
}

// FullDuplex encodes a simultaneous tx+rx descriptor.
func FullDuplex(wordsPerXfer uint8, bitsPerWord uint8, endian Endianness, length uint16) Cmd {
	var w uint32
	bits.SetN(&w, 24, 0x3, wordsPerWordIndex(wordsPerXfer))
	bits.SetN(&w, 17, 0x3f, uint32(bitsPerWord-1))
	bits.SetN(&w, 16, 0x1, uint32(endian))
	bits.SetN(&w, 0, 0xffff, uint32(length))
	return withOpcode(OpFullDuplex, w)
}

// Opcode returns the opcode encoded in the top 4 bits of the descriptor.
func (c Cmd) Opcode() Opcode {
	return Opcode((uint32(c) >> 28) & 0xf)
}

package usbdev

import "container/list"

// arenaUnits is the controller RAM size in 16-byte-aligned units (4 KiB /
// 16), addressed by "offset / 16" rather than a byte pointer.
const arenaUnits = 0x1000 / 16

// reservedUnits covers the 16 endpoint-status slots plus the fixed SETUP
// scratch (0x40) and the dedicated EP0 OUT descriptor (0x50); allocation
// for endpoints 1-15 only ever hands out units at or above this offset.
const reservedUnits = 0x60 / 16

// ep0OutUnit is the fixed, always-allocated EP0 OUT descriptor offset.
const ep0OutUnit = 0x50 / 16

// packetUnits returns the 16-byte-aligned unit count one packet of
// basePacket bytes occupies in the descriptor arena: ((n+12)/16+1)*16
// bytes, expressed in units.
func packetUnits(basePacket int) int {
	return (basePacket+12)/16 + 1
}

// chainedPacketCount returns how many packets a chained (bulk) endpoint
// reserves: 512/basePacket, rounded down, at least 1.
func chainedPacketCount(basePacket int) int {
	n := 512 / basePacket
	if n < 1 {
		n = 1
	}
	return n
}

type block struct {
	unit int
	size int
}

// descArena is a first-fit free-list allocator over the [reservedUnits,
// arenaUnits) range of the descriptor arena, generalizing the allocation
// pattern of the teacher's dma.Region package to a 16-byte-unit-addressed
// heap instead of a byte-addressed DMA buffer.
type descArena struct {
	free *list.List // of *block, ascending by unit
	used map[int]*block
}

func newDescArena() *descArena {
	a := &descArena{
		free: list.New(),
		used: make(map[int]*block),
	}
	a.free.PushFront(&block{unit: reservedUnits, size: arenaUnits - reservedUnits})
	return a
}

// alloc finds the first free block that fits size units, splitting it if
// necessary, and returns the allocated unit offset. ok is false if no
// block fits.
func (a *descArena) alloc(size int) (unit int, ok bool) {
	for e := a.free.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)
		if b.size < size {
			continue
		}

		unit = b.unit
		if b.size == size {
			a.free.Remove(e)
		} else {
			b.unit += size
			b.size -= size
		}

		a.used[unit] = &block{unit: unit, size: size}
		return unit, true
	}

	return 0, false
}

// allocAt reserves exactly [unit, unit+size) if free; returns false
// (without side effects) on collision with an already-used region.
// AllocEp does not call it: explicit endpoint addresses are checked
// against the endpoint table and then placed with alloc.
func (a *descArena) allocAt(unit, size int) bool {
	for e := a.free.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)
		if unit < b.unit || unit+size > b.unit+b.size {
			continue
		}

		if unit > b.unit {
			a.free.InsertBefore(&block{unit: b.unit, size: unit - b.unit}, e)
		}
		if tail := b.unit + b.size - (unit + size); tail > 0 {
			a.free.InsertAfter(&block{unit: unit + size, size: tail}, e)
		}
		a.free.Remove(e)

		a.used[unit] = &block{unit: unit, size: size}
		return true
	}

	return false
}

// freeUnit releases the region previously returned by alloc/allocAt, merging
// with adjacent free blocks.
func (a *descArena) freeUnit(unit int) {
	b, ok := a.used[unit]
	if !ok {
		return
	}
	delete(a.used, unit)

	inserted := false
	for e := a.free.Front(); e != nil; e = e.Next() {
		fb := e.Value.(*block)

		if fb.unit+fb.size == b.unit {
			fb.size += b.size
			if next := e.Next(); next != nil {
				nb := next.Value.(*block)
				if fb.unit+fb.size == nb.unit {
					fb.size += nb.size
					a.free.Remove(next)
				}
			}
			inserted = true
			break
		}

		if b.unit+b.size == fb.unit {
			fb.unit = b.unit
			fb.size += b.size
			inserted = true
			break
		}

		if b.unit < fb.unit {
			a.free.InsertBefore(b, e)
			inserted = true
			break
		}
	}

	if !inserted {
		a.free.PushBack(b)
	}
}

// descriptor is a 16-byte-aligned controller RAM record describing one DMA
// packet. Packet payload bytes are modelled directly on the
// struct rather than via a separate byte-addressed data heap, since this
// module's descriptor arena exists to validate offset/chain bookkeeping,
// not to reproduce physical DMA addressing.
type descriptor struct {
	unit       int // this descriptor's own arena offset, in units
	next       int // successor's unit, 0 means null-terminated
	length     int // valid payload bytes
	inProgress bool
	dirIn      bool
	data       []byte
}

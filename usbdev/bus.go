// Package usbdev implements the USB device-controller capability set: a
// fixed-offset SETUP/EP0-OUT scratch area, a chained-descriptor bulk
// transfer model, and a priority-ordered event poll loop, generalized from
// a single on-chip controller driver into a hardware-independent state
// machine so it can be exercised without silicon.
package usbdev

import (
	"sync"
	"time"

	"github.com/precursor-systems/cram-hal/herr"
	"github.com/precursor-systems/cram-hal/internal/reg"
)

// Direction is the transfer direction of an endpoint, relative to the host.
type Direction int

const (
	DirOut Direction = iota
	DirIn
)

// EndpointType selects the USB transfer type an endpoint was allocated for.
type EndpointType int

const (
	EndpointControl EndpointType = iota
	EndpointBulk
	EndpointInterrupt
	EndpointIsochronous
)

// maxEndpoints is the number of addressable endpoint slots, matching the
// 16-entry endpoint-status table reserved at the low end of the
// descriptor arena.
const maxEndpoints = 16

// writeTimeout bounds how long Write waits for a prior in-flight
// transmission on the same endpoint's head descriptor to clear before
// staging a new one.
const writeTimeout = 20 * time.Millisecond

// ep0ReadDelay is preserved verbatim from the original driver: a fixed
// 1ms pause is required between arming the EP0 OUT descriptor and
// observing its completion, for reasons the original author documented
// as empirically necessary and left otherwise unexplained.
const ep0ReadDelay = 1 * time.Millisecond

type endpoint struct {
	allocated  bool
	dir        Direction
	typ        EndpointType
	maxPacket  int
	headUnit   int
	units      int
	forceStall bool
}

// EventKind identifies the category of a controller event, in the
// priority order poll() checks them.
type EventKind int

const (
	EventNone EventKind = iota
	EventReset
	EventEP0Setup
	EventEndpoint
	EventResume
	EventSuspend
	EventDisconnect
)

// Event is one dequeued controller event.
type Event struct {
	Kind      EventKind
	Endpoints uint32 // valid when Kind == EventEndpoint: bitmask of ready endpoints
}

// Bus implements the USB device-controller capability set
// (alloc_ep/enable/reset/set_device_address/write/read/set_stalled/
// is_stalled/set_ep0_out/suspend/resume/poll/force_reset) over an
// in-process descriptor arena, with no dependency on real silicon.
type Bus struct {
	mu sync.Mutex

	arena *descArena
	desc  map[int]*descriptor // keyed by unit

	endpoints [maxEndpoints]endpoint

	address        uint8
	pendingAddress *uint8 // latched by SET_ADDRESS, applied at STATUS stage

	setup [8]byte

	// Event state, drained in priority order by poll().
	pendingReset      bool
	pendingEP0Setup   bool
	pendingEndpoints  uint32 // accessed through internal/reg's Set/Read/Write
	pendingResume     bool
	pendingSuspend    bool
	pendingDisconnect bool

	// Mailbox receives a non-blocking signal whenever poll() clears an
	// event but leaves further events pending, mirroring the interrupt
	// self-repost the real controller's handler performs.
	Mailbox chan struct{}

	enabled bool
}

// NewBus constructs a Bus with EP0 (control, 64-byte max packet) allocated
// unconditionally, as the hardware always reserves it.
func NewBus() *Bus {
	b := &Bus{
		arena:   newDescArena(),
		desc:    make(map[int]*descriptor),
		Mailbox: make(chan struct{}, 1),
	}
	b.endpoints[0] = endpoint{
		allocated: true,
		dir:       DirOut,
		typ:       EndpointControl,
		maxPacket: 64,
		headUnit:  ep0OutUnit,
		units:     1,
	}
	b.desc[ep0OutUnit] = &descriptor{unit: ep0OutUnit}
	return b
}

// AllocEp allocates descriptor-arena space for a new endpoint and returns
// its index. addr, when non-nil, requests a specific endpoint index;
// otherwise the first free index in [1,15] is used. EP0 is a fixed
// allocation and is returned unconditionally without consuming arena
// space or an index slot.
func (b *Bus) AllocEp(dir Direction, addr *int, typ EndpointType, maxPacket int, interval int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if typ == EndpointControl && (addr == nil || *addr == 0) {
		return 0, nil
	}

	index := -1
	if addr != nil {
		if *addr <= 0 || *addr >= maxEndpoints {
			return 0, herr.New(herr.InvalidEndpoint, "AllocEp", nil)
		}
		if b.endpoints[*addr].allocated {
			return 0, herr.New(herr.InvalidEndpoint, "AllocEp", nil)
		}
		index = *addr
	} else {
		for i := 1; i < maxEndpoints; i++ {
			if !b.endpoints[i].allocated {
				index = i
				break
			}
		}
		if index == -1 {
			return 0, herr.New(herr.EndpointOverflow, "AllocEp", nil)
		}
	}

	units := packetUnits(maxPacket)
	packets := 1
	if typ == EndpointBulk {
		packets = chainedPacketCount(maxPacket)
	}

	var headUnit int
	chain := make([]int, 0, packets)
	for i := 0; i < packets; i++ {
		u, ok := b.arena.alloc(units)
		if !ok {
			for _, freed := range chain {
				b.arena.freeUnit(freed)
				delete(b.desc, freed)
			}
			return 0, herr.New(herr.EndpointMemoryOverflow, "AllocEp", nil)
		}
		chain = append(chain, u)
		b.desc[u] = &descriptor{unit: u, dirIn: dir == DirIn}
	}
	for i := 0; i < len(chain)-1; i++ {
		b.desc[chain[i]].next = chain[i+1]
	}
	headUnit = chain[0]

	b.endpoints[index] = endpoint{
		allocated: true,
		dir:       dir,
		typ:       typ,
		maxPacket: maxPacket,
		headUnit:  headUnit,
		units:     packets * units,
	}
	return index, nil
}

// Enable marks the controller as actively servicing the bus (post
// power-up / post-reset).
func (b *Bus) Enable() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = true
}

// Reset clears endpoint allocations (other than EP0), the device address,
// and all pending events, as the controller does on a bus reset.
func (b *Bus) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := 1; i < maxEndpoints; i++ {
		if !b.endpoints[i].allocated {
			continue
		}
		for u := b.endpoints[i].headUnit; u != 0; {
			next := b.desc[u].next
			b.arena.freeUnit(u)
			delete(b.desc, u)
			u = next
		}
		b.endpoints[i] = endpoint{}
	}

	b.address = 0
	b.pendingAddress = nil
	b.pendingReset = false
	b.pendingEP0Setup = false
	b.pendingEndpoints = 0
	b.pendingResume = false
	b.pendingSuspend = false
	b.pendingDisconnect = false
}

// SetDeviceAddress latches a SET_ADDRESS request (encoded as 0x200|addr
// by the caller's control-transfer handling), deferring the actual
// address change to the STATUS stage via CommitAddress.
func (b *Bus) SetDeviceAddress(addr uint8) {
	b.mu.Lock()
	defer b.mu.Unlock()
	a := addr
	b.pendingAddress = &a
}

// CommitAddress applies a previously latched SET_ADDRESS at the control
// transfer's STATUS stage.
func (b *Bus) CommitAddress() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pendingAddress != nil {
		b.address = *b.pendingAddress
		b.pendingAddress = nil
	}
}

// Address returns the device's currently committed bus address.
func (b *Bus) Address() uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.address
}

// Write stages up to len(data) bytes for transmission on ep. It first
// waits (bounded by writeTimeout) for any prior transmission on ep's
// head descriptor to clear, then commits the new payload. Real hardware
// completes the DMA asynchronously once the host pulls the packet; this
// model completes synchronously since there is no physical link to wait
// on, which trivially satisfies the wait-bound contract while preserving
// its ordering semantics.
func (b *Bus) Write(ep int, data []byte) error {
	if err := b.waitHeadClear(ep, writeTimeout); err != nil {
		return err
	}

	b.mu.Lock()
	e := b.endpoints[ep]
	if !e.allocated {
		b.mu.Unlock()
		return herr.New(herr.InvalidEndpoint, "Write", nil)
	}
	if e.forceStall {
		b.mu.Unlock()
		return herr.New(herr.EndpointStalled, "Write", nil)
	}

	unit := e.headUnit
	remaining := data
	for {
		d := b.desc[unit]
		n := len(remaining)
		if n > e.maxPacket {
			n = e.maxPacket
		}
		d.data = append(d.data[:0], remaining[:n]...)
		d.length = n
		remaining = remaining[n:]
		if len(remaining) == 0 || d.next == 0 {
			break
		}
		unit = d.next
	}
	for u := b.desc[unit].next; u != 0; u = b.desc[u].next {
		b.desc[u].length = 0
	}
	b.mu.Unlock()

	b.postEndpointEvent(ep)
	return nil
}

func (b *Bus) waitHeadClear(ep int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		b.mu.Lock()
		if ep < 0 || ep >= maxEndpoints || !b.endpoints[ep].allocated {
			b.mu.Unlock()
			return herr.New(herr.InvalidEndpoint, "waitHeadClear", nil)
		}
		d := b.desc[b.endpoints[ep].headUnit]
		busy := d.inProgress
		b.mu.Unlock()

		if !busy {
			return nil
		}
		if time.Now().After(deadline) {
			return herr.New(herr.Timeout, "Write", nil)
		}
		time.Sleep(time.Millisecond)
	}
}

// Read returns the bytes most recently staged on ep by the host-facing
// side of the controller. For EP0 it always returns the fixed 8-byte
// SETUP packet. For other endpoints, readAllowed gating is expressed by
// the caller checking Poll()'s EventEndpoint bitmask before calling Read.
func (b *Bus) Read(ep int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ep == 0 {
		return append([]byte(nil), b.setup[:]...), nil
	}

	if ep < 0 || ep >= maxEndpoints || !b.endpoints[ep].allocated {
		return nil, herr.New(herr.InvalidEndpoint, "Read", nil)
	}
	e := b.endpoints[ep]

	var out []byte
	for u := e.headUnit; u != 0; {
		d := b.desc[u]
		out = append(out, d.data[:d.length]...)
		if d.next == 0 {
			break
		}
		u = d.next
	}
	return out, nil
}

// SetEP0Out arms the EP0 OUT descriptor to receive the next OUT data
// stage packet, then observes completion after the fixed delay the
// original driver required between arming and reading back the
// descriptor.
func (b *Bus) SetEP0Out(data []byte) {
	b.mu.Lock()
	d := b.desc[ep0OutUnit]
	d.data = append(d.data[:0], data...)
	d.length = len(data)
	d.inProgress = true
	b.mu.Unlock()

	time.Sleep(ep0ReadDelay)

	b.mu.Lock()
	d.inProgress = false
	b.mu.Unlock()
}

// InjectSetup delivers a SETUP packet, as the real controller would on
// receiving one from the host, and posts an EventEP0Setup event.
func (b *Bus) InjectSetup(data [8]byte) {
	b.mu.Lock()
	b.setup = data
	b.pendingEP0Setup = true
	b.mu.Unlock()
	b.signalMailbox()
}

// SetStalled sets or clears the STALL condition on ep.
func (b *Bus) SetStalled(ep int, stalled bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ep < 0 || ep >= maxEndpoints || !b.endpoints[ep].allocated {
		return herr.New(herr.InvalidEndpoint, "SetStalled", nil)
	}
	b.endpoints[ep].forceStall = stalled
	return nil
}

// IsStalled reports whether ep currently has STALL asserted.
func (b *Bus) IsStalled(ep int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ep < 0 || ep >= maxEndpoints {
		return false
	}
	return b.endpoints[ep].forceStall
}

// Suspend and Resume post the corresponding bus power-management events.
func (b *Bus) Suspend() {
	b.mu.Lock()
	b.pendingSuspend = true
	b.mu.Unlock()
	b.signalMailbox()
}

func (b *Bus) Resume() {
	b.mu.Lock()
	b.pendingResume = true
	b.mu.Unlock()
	b.signalMailbox()
}

// Disconnect posts a bus-disconnect event.
func (b *Bus) Disconnect() {
	b.mu.Lock()
	b.pendingDisconnect = true
	b.mu.Unlock()
	b.signalMailbox()
}

// ForceReset posts a bus-reset event without waiting for the host to
// drive one, for recovery from a wedged link.
func (b *Bus) ForceReset() {
	b.mu.Lock()
	b.pendingReset = true
	b.mu.Unlock()
	b.signalMailbox()
}

// postEndpointEvent marks ep ready in the pending endpoint bitmask, as
// the controller does once a transfer completes.
func (b *Bus) postEndpointEvent(ep int) {
	b.mu.Lock()
	reg.Set(&b.pendingEndpoints, ep)
	b.mu.Unlock()
	b.signalMailbox()
}

func (b *Bus) signalMailbox() {
	select {
	case b.Mailbox <- struct{}{}:
	default:
	}
}

// Poll dequeues the single highest-priority pending event, in the fixed
// order reset, EP0 SETUP, per-endpoint completion, resume, suspend,
// disconnect. If further events remain pending after this one is
// cleared, it re-signals Mailbox so a driving loop re-enters Poll.
func (b *Bus) Poll() (Event, bool) {
	b.mu.Lock()

	var ev Event
	found := true

	switch {
	case b.pendingReset:
		b.pendingReset = false
		ev = Event{Kind: EventReset}
	case b.pendingEP0Setup:
		b.pendingEP0Setup = false
		ev = Event{Kind: EventEP0Setup}
	case b.pendingEndpoints != 0:
		ev = Event{Kind: EventEndpoint, Endpoints: reg.Read(&b.pendingEndpoints)}
		reg.Write(&b.pendingEndpoints, 0)
	case b.pendingResume:
		b.pendingResume = false
		ev = Event{Kind: EventResume}
	case b.pendingSuspend:
		b.pendingSuspend = false
		ev = Event{Kind: EventSuspend}
	case b.pendingDisconnect:
		b.pendingDisconnect = false
		ev = Event{Kind: EventDisconnect}
	default:
		found = false
	}

	remaining := b.pendingReset || b.pendingEP0Setup || b.pendingEndpoints != 0 ||
		b.pendingResume || b.pendingSuspend || b.pendingDisconnect
	b.mu.Unlock()

	if found && remaining {
		b.signalMailbox()
	}
	return ev, found
}

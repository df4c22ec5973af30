package usbdev

import (
	"testing"
	"time"

	"github.com/precursor-systems/cram-hal/herr"
)

func TestAllocEpReturnsDistinctEndpoints(t *testing.T) {
	b := NewBus()

	a, err := b.AllocEp(DirIn, nil, EndpointBulk, 64, 0)
	if err != nil {
		t.Fatalf("AllocEp: %v", err)
	}
	c, err := b.AllocEp(DirOut, nil, EndpointInterrupt, 8, 10)
	if err != nil {
		t.Fatalf("AllocEp: %v", err)
	}

	if a == c {
		t.Fatalf("AllocEp returned the same index twice: %d", a)
	}
	if a == 0 || c == 0 {
		t.Fatalf("AllocEp returned EP0's index for a non-control endpoint: a=%d c=%d", a, c)
	}
}

func TestAllocEpControlAlwaysReturnsEP0(t *testing.T) {
	b := NewBus()

	idx, err := b.AllocEp(DirOut, nil, EndpointControl, 64, 0)
	if err != nil {
		t.Fatalf("AllocEp(control): %v", err)
	}
	if idx != 0 {
		t.Fatalf("AllocEp(control) = %d, want 0", idx)
	}
}

func TestAllocEpExhaustsIndices(t *testing.T) {
	b := NewBus()

	for i := 0; i < maxEndpoints-1; i++ {
		if _, err := b.AllocEp(DirIn, nil, EndpointInterrupt, 8, 1); err != nil {
			t.Fatalf("AllocEp #%d: %v", i, err)
		}
	}

	if _, err := b.AllocEp(DirIn, nil, EndpointInterrupt, 8, 1); !herr.Is(err, herr.EndpointOverflow) {
		t.Fatalf("AllocEp past capacity: got %v, want EndpointOverflow", err)
	}
}

func TestAllocEpExhaustsArena(t *testing.T) {
	b := NewBus()

	var lastErr error
	allocated := 0
	for i := 0; i < maxEndpoints-1; i++ {
		_, err := b.AllocEp(DirIn, nil, EndpointBulk, 512, 0)
		if err != nil {
			lastErr = err
			break
		}
		allocated++
	}

	if allocated == 0 {
		t.Fatal("expected at least one bulk endpoint to fit before exhaustion")
	}
	if !herr.Is(lastErr, herr.EndpointMemoryOverflow) {
		t.Fatalf("got %v, want EndpointMemoryOverflow once arena space runs out", lastErr)
	}
}

func TestAllocEpExplicitCollision(t *testing.T) {
	b := NewBus()

	idx := 3
	if _, err := b.AllocEp(DirIn, &idx, EndpointBulk, 64, 0); err != nil {
		t.Fatalf("first AllocEp: %v", err)
	}
	if _, err := b.AllocEp(DirIn, &idx, EndpointBulk, 64, 0); !herr.Is(err, herr.InvalidEndpoint) {
		t.Fatalf("AllocEp collision: got %v, want InvalidEndpoint", err)
	}
}

func TestSetDeviceAddressDeferredUntilCommit(t *testing.T) {
	b := NewBus()

	b.SetDeviceAddress(0x12)
	if got := b.Address(); got != 0 {
		t.Fatalf("Address() before commit = %#x, want 0", got)
	}

	b.CommitAddress()
	if got := b.Address(); got != 0x12 {
		t.Fatalf("Address() after commit = %#x, want 0x12", got)
	}
}

func TestWriteClearsWithinTimeout(t *testing.T) {
	b := NewBus()
	ep, err := b.AllocEp(DirIn, nil, EndpointBulk, 64, 0)
	if err != nil {
		t.Fatalf("AllocEp: %v", err)
	}

	if err := b.Write(ep, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	deadline := time.After(writeTimeout)
	for {
		b.mu.Lock()
		busy := b.desc[b.endpoints[ep].headUnit].inProgress
		b.mu.Unlock()
		if !busy {
			break
		}
		select {
		case <-deadline:
			t.Fatal("head descriptor did not clear within the write timeout")
		default:
		}
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	b := NewBus()
	ep, err := b.AllocEp(DirIn, nil, EndpointBulk, 64, 0)
	if err != nil {
		t.Fatalf("AllocEp: %v", err)
	}

	want := []byte("usb payload")
	if err := b.Write(ep, want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := b.Read(ep)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("Read() = %q, want %q", got, want)
	}
}

func TestWriteChainsAcrossMultiplePackets(t *testing.T) {
	b := NewBus()
	ep, err := b.AllocEp(DirIn, nil, EndpointBulk, 8, 0)
	if err != nil {
		t.Fatalf("AllocEp: %v", err)
	}

	want := make([]byte, 20)
	for i := range want {
		want[i] = byte(i)
	}

	if err := b.Write(ep, want); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := b.Read(ep)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("Read() length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestWriteToStalledEndpointFails(t *testing.T) {
	b := NewBus()
	ep, err := b.AllocEp(DirIn, nil, EndpointBulk, 64, 0)
	if err != nil {
		t.Fatalf("AllocEp: %v", err)
	}

	if err := b.SetStalled(ep, true); err != nil {
		t.Fatalf("SetStalled: %v", err)
	}
	if !b.IsStalled(ep) {
		t.Fatal("IsStalled() = false after SetStalled(true)")
	}

	if err := b.Write(ep, []byte("x")); !herr.Is(err, herr.EndpointStalled) {
		t.Fatalf("Write to stalled endpoint: got %v, want EndpointStalled", err)
	}

	if err := b.SetStalled(ep, false); err != nil {
		t.Fatalf("SetStalled(false): %v", err)
	}
	if err := b.Write(ep, []byte("x")); err != nil {
		t.Fatalf("Write after unstall: %v", err)
	}
}

func TestEP0ReadReturnsSetupPacket(t *testing.T) {
	b := NewBus()

	var setup [8]byte
	copy(setup[:], []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x40, 0x00})
	b.InjectSetup(setup)

	got, err := b.Read(0)
	if err != nil {
		t.Fatalf("Read(0): %v", err)
	}
	if string(got) != string(setup[:]) {
		t.Fatalf("Read(0) = %x, want %x", got, setup)
	}
}

func TestPollPriorityOrder(t *testing.T) {
	b := NewBus()
	ep, err := b.AllocEp(DirIn, nil, EndpointBulk, 64, 0)
	if err != nil {
		t.Fatalf("AllocEp: %v", err)
	}

	b.Suspend()
	b.Resume()
	if err := b.Write(ep, []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var setup [8]byte
	b.InjectSetup(setup)
	b.ForceReset()

	wantOrder := []EventKind{EventReset, EventEP0Setup, EventEndpoint, EventResume, EventSuspend}
	for i, want := range wantOrder {
		ev, ok := b.Poll()
		if !ok {
			t.Fatalf("Poll() #%d: no event, want %v", i, want)
		}
		if ev.Kind != want {
			t.Fatalf("Poll() #%d = %v, want %v", i, ev.Kind, want)
		}
	}

	if _, ok := b.Poll(); ok {
		t.Fatal("Poll() returned an event after all pending events were drained")
	}
}

func TestPollSelfRepostsOnMailbox(t *testing.T) {
	b := NewBus()

	b.Suspend()
	b.Resume()

	select {
	case <-b.Mailbox:
	default:
		t.Fatal("Mailbox not signalled after posting events")
	}

	if ev, ok := b.Poll(); !ok || ev.Kind != EventResume {
		t.Fatalf("first Poll() = %v, %v, want EventResume, true", ev, ok)
	}

	select {
	case <-b.Mailbox:
	default:
		t.Fatal("Mailbox not re-signalled while a second event remained pending")
	}

	if ev, ok := b.Poll(); !ok || ev.Kind != EventSuspend {
		t.Fatalf("second Poll() = %v, %v, want EventSuspend, true", ev, ok)
	}
}

func TestResetReclaimsEndpointsButNotEP0(t *testing.T) {
	b := NewBus()

	ep, err := b.AllocEp(DirIn, nil, EndpointBulk, 64, 0)
	if err != nil {
		t.Fatalf("AllocEp: %v", err)
	}
	b.SetDeviceAddress(5)
	b.CommitAddress()

	b.Reset()

	if b.Address() != 0 {
		t.Fatalf("Address() after Reset = %#x, want 0", b.Address())
	}

	reallocated, err := b.AllocEp(DirIn, nil, EndpointBulk, 64, 0)
	if err != nil {
		t.Fatalf("AllocEp after Reset: %v", err)
	}
	if reallocated != ep {
		t.Fatalf("AllocEp after Reset = %d, want reuse of freed index %d", reallocated, ep)
	}

	if _, err := b.Read(0); err != nil {
		t.Fatalf("Read(0) after Reset: %v", err)
	}
}

func TestSetEP0OutObservesFixedDelay(t *testing.T) {
	b := NewBus()

	start := time.Now()
	b.SetEP0Out([]byte{1, 2, 3})
	if elapsed := time.Since(start); elapsed < ep0ReadDelay {
		t.Fatalf("SetEP0Out returned after %v, want at least %v", elapsed, ep0ReadDelay)
	}
}

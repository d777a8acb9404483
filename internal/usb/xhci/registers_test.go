package xhci

import (
	"testing"

	"github.com/emberos/ember/internal/hw"
)

func TestTRBTypeAndCycleRoundTrip(t *testing.T) {
	trb := NewNoOpCommandTRB().WithCycle(true)
	if trb.Type() != TRBTypeNoOpCommand || !trb.Cycle() {
		t.Errorf("trb = %#x", trb)
	}
	trb = trb.WithCycle(false)
	if trb.Cycle() || trb.Type() != TRBTypeNoOpCommand {
		t.Errorf("cycle clear disturbed type: %#x", trb)
	}
}

func TestLinkTRBLayout(t *testing.T) {
	link := NewLinkTRB(0x1234_5670, true).WithCycle(true)
	if link.pointer() != 0x1234_5670 {
		t.Errorf("pointer = %v", link.pointer())
	}
	if !link.ToggleCycle() || !link.Cycle() {
		t.Errorf("bits = %#x", link[3])
	}

	defer func() {
		if recover() == nil {
			t.Error("misaligned link target accepted")
		}
	}()
	NewLinkTRB(0x1234_5678+4, false)
}

func TestEventDecode(t *testing.T) {
	cc := Event{TRB: NewCommandCompletionEventTRB(0xABC0, CompletionSuccess, 5)}
	decoded, ok := cc.AsCommandCompletion()
	if !ok || decoded.CommandTRBPointer != 0xABC0 ||
		decoded.Code != CompletionSuccess || decoded.SlotID != 5 {
		t.Errorf("decoded = %+v", decoded)
	}
	if _, ok := cc.AsPortStatusChange(); ok {
		t.Error("completion decoded as port status change")
	}

	psc := Event{TRB: NewPortStatusChangeEventTRB(3)}
	port, ok := psc.AsPortStatusChange()
	if !ok || port.PortID != 3 {
		t.Errorf("port event = %+v", port)
	}
}

func TestPortSCNormalised(t *testing.T) {
	// All change bits plus enabled, power, connected.
	raw := PortStatusControl(1<<0 | 1<<1 | 1<<9 |
		1<<17 | 1<<18 | 1<<19 | 1<<20 | 1<<21 | 1<<22 | 1<<23)

	norm := raw.Normalised()
	if norm.PortEnabled() {
		t.Error("normalised value would disable the port (PED is RW1C)")
	}
	if norm.ConnectStatusChange() || norm.ResetChange() {
		t.Error("normalised value would acknowledge change bits")
	}
	if !norm.DeviceConnected() || !norm.PortPower() {
		t.Error("normalised value lost plain status bits")
	}

	cleared := norm.WithConnectStatusChangeCleared()
	if !cleared.ConnectStatusChange() {
		t.Error("explicit acknowledge not set")
	}
}

func TestERDPRoundTrip(t *testing.T) {
	erdp := NewERDP().
		WithSegmentIndex(5).
		WithEventHandlerBusy(true).
		WithPointer(0xFEED_0000)
	if erdp.SegmentIndex() != 5 || !erdp.EventHandlerBusy() || erdp.Pointer() != 0xFEED_0000 {
		t.Errorf("erdp = %#x", uint64(erdp))
	}
}

func TestCommandRingControlAlignment(t *testing.T) {
	crcr := NewCommandRingControl().
		WithRingCycleState(true).
		WithCommandRingPointer(0x10_0000)
	if !crcr.RingCycleState() || uint64(crcr)&^0x3F != 0x10_0000 {
		t.Errorf("crcr = %#x", uint64(crcr))
	}

	defer func() {
		if recover() == nil {
			t.Error("unaligned ring pointer accepted")
		}
	}()
	NewCommandRingControl().WithCommandRingPointer(0x10_0020)
}

func TestDeviceContextLayout(t *testing.T) {
	for _, stride := range []ContextSize{ContextSize32, ContextSize64} {
		mem := newFlatMemory(1 << 20)
		owned, err := NewOwnedDeviceContext(newTestAlloc(t), mem, stride)
		if err != nil {
			t.Fatal(err)
		}
		ctx := owned.Context()

		ctx.Slot().SetRootHubPortNumber(3)
		ctx.Endpoint(1).SetMaxPacketSize(512)

		if got := ctx.Slot().RootHubPortNumber(); got != 3 {
			t.Errorf("stride %d: port = %d", stride, got)
		}
		if got := ctx.Endpoint(1).MaxPacketSize(); got != 512 {
			t.Errorf("stride %d: max packet = %d", stride, got)
		}

		// The endpoint context must start one stride past the slot context.
		base := uint64(owned.PhysAddr())
		offset := base + uint64(stride) + 4 // word 1 of EP context
		word := uint32(mem.data[offset]) | uint32(mem.data[offset+1])<<8 |
			uint32(mem.data[offset+2])<<16 | uint32(mem.data[offset+3])<<24
		if got := word >> 16; got != 512 {
			t.Errorf("stride %d: max packet in memory = %d", stride, got)
		}
	}
}

func TestInputContextControlBits(t *testing.T) {
	mem := newFlatMemory(1 << 20)
	input, err := NewInputContext(newTestAlloc(t), mem, ContextSize32)
	if err != nil {
		t.Fatal(err)
	}

	input.Control().SetAddFlag(0)
	input.Control().SetAddFlag(1)
	input.Control().SetDropFlag(3)
	input.Control().SetConfiguration(2)

	if got := input.Control().AddFlags(); got != 0b11 {
		t.Errorf("add flags = %#x", got)
	}
	if got := input.Control().DropFlags(); got != 0b1000 {
		t.Errorf("drop flags = %#x", got)
	}
	if got := input.Control().Configuration(); got != 2 {
		t.Errorf("configuration = %d", got)
	}

	// The embedded device context follows the control context.
	input.Device().Slot().SetSpeed(4)
	if got := input.Device().Slot().Speed(); got != 4 {
		t.Errorf("speed = %d", got)
	}
}

func TestDCBAALayout(t *testing.T) {
	mem := newFlatMemory(1 << 20)

	// A capability block reporting 3 slots, 2 scratchpad buffers, 32-byte
	// contexts.
	capsMem := newFlatMemory(0x40)
	capsWin := hw.Window{Mem: capsMem, Base: 0}
	capsWin.WriteUint32(0x04, 3|4<<24) // 3 slots, 4 ports
	capsWin.WriteUint32(0x08, 2<<27)   // 2 scratchpad buffers
	caps := NewCapabilityRegisters(capsWin)

	dcbaa, err := NewDCBAA(newTestAlloc(t), mem, caps)
	if err != nil {
		t.Fatal(err)
	}

	arrayWin := hw.Window{Mem: mem, Base: dcbaa.PhysAddr()}

	// Entry 0 names the scratchpad array, whose entries are page aligned.
	scratchAddr := arrayWin.ReadUint64(0)
	if scratchAddr == 0 || scratchAddr%hw.PageSize != 0 {
		t.Fatalf("scratchpad array at %#x", scratchAddr)
	}
	scratchWin := hw.Window{Mem: mem, Base: hw.PhysAddr(scratchAddr)}
	for i := uint64(0); i < 2; i++ {
		if addr := scratchWin.ReadUint64(i * 8); addr == 0 || addr%hw.PageSize != 0 {
			t.Errorf("scratch buffer %d at %#x", i, addr)
		}
	}

	// Entries 1..3 name the device contexts.
	for slot := uint8(1); slot <= 3; slot++ {
		if got := arrayWin.ReadUint64(uint64(slot) * 8); got != uint64(dcbaa.Context(slot).PhysAddr()) {
			t.Errorf("entry %d = %#x", slot, got)
		}
	}
}

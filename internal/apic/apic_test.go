package apic

import (
	"encoding/binary"
	"testing"

	"github.com/emberos/ember/internal/apic/apicmodel"
	"github.com/emberos/ember/internal/hw"
	"github.com/emberos/ember/internal/hw/hosted"
	"github.com/emberos/ember/internal/mm"
)

func TestRedirectionEntryRoundTrip(t *testing.T) {
	entry := NewRedirectionEntry().
		WithVector(0x31).
		WithDelivery(DeliveryFixed).
		WithDestinationMode(DestinationPhysical).
		WithPolarity(ActiveHigh).
		WithTrigger(EdgeTriggered).
		WithMasked(false).
		WithDestination(0x0F)

	back := RedirectionEntryFromBits(entry.Bits())
	if back.Vector() != 0x31 || back.Delivery() != DeliveryFixed ||
		back.Polarity() != ActiveHigh || back.Trigger() != EdgeTriggered ||
		back.Masked() || back.Destination() != 0x0F {
		t.Errorf("round trip lost fields: %#x", back.Bits())
	}
}

func TestRedirectionEntryValidate(t *testing.T) {
	cases := []struct {
		name  string
		entry RedirectionEntry
		ok    bool
	}{
		{"FixedLevel", NewRedirectionEntry().WithDelivery(DeliveryFixed).WithTrigger(LevelTriggered), true},
		{"NMILevel", NewRedirectionEntry().WithDelivery(DeliveryNMI).WithTrigger(LevelTriggered), false},
		{"INITLevel", NewRedirectionEntry().WithDelivery(DeliveryINIT).WithTrigger(LevelTriggered), false},
		{"SMIWithVector", NewRedirectionEntry().WithDelivery(DeliverySMI).WithVector(0x20), false},
		{"SMIZeroVector", NewRedirectionEntry().WithDelivery(DeliverySMI), true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := c.entry.Validate()
			if (err == nil) != c.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, c.ok)
			}
		})
	}
}

func TestIPIRoundTrip(t *testing.T) {
	ipi := IPI{
		Vector:      0xAB,
		Delivery:    DeliveryStartUp,
		Shorthand:   ShorthandAllExceptSelf,
		Destination: 0x3,
		LevelAssert: true,
	}
	low, high := ipi.toBits()
	if back := ipiFromBits(low, high); back != ipi {
		t.Errorf("round trip: got %+v, want %+v", back, ipi)
	}
}

// flatMemory backs local-APIC tests; the register file is ordinary memory.
type flatMemory struct {
	data []byte
}

func (m *flatMemory) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.data[off:]), nil
}

func (m *flatMemory) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.data[off:], p), nil
}

func TestLocalAPICRegisterWrites(t *testing.T) {
	mem := &flatMemory{data: make([]byte, 1<<20)}
	const base = 0xE000
	mapper := mm.NewMMIOMapper(mm.NewTrackingMapper(), mem)

	lapic := NewLocalAPIC(mapper, base)

	reg32 := func(off uint64) uint32 {
		return binary.LittleEndian.Uint32(mem.data[base+off:])
	}

	lapic.Enable(0xFF)
	if got := reg32(0x0F0); got != 0x1FF {
		t.Errorf("SIV = %#x, want 0x1FF", got)
	}

	lapic.EnableTimer(0x30)
	if got := reg32(0x320); got != 1<<17|0x30 {
		t.Errorf("LVT_TIMER = %#x", got)
	}
	if got := reg32(0x3E0); got != 0b1010 {
		t.Errorf("DIVIDE_CONFIG = %#x, want divide-by-128", got)
	}
	if got := reg32(0x380); got == 0 {
		t.Error("INITIAL_COUNT not written")
	}

	mem.data[base+0xB0] = 0xAA
	lapic.NotifyEndOfInterrupt()
	if got := reg32(0x0B0); got != 0 {
		t.Errorf("EOI = %#x, want 0", got)
	}

	lapic.SendIPI(IPI{Vector: 0x40, Delivery: DeliveryFixed, Destination: 2, LevelAssert: true})
	if got := reg32(0x310); got != 2<<24 {
		t.Errorf("ICR high = %#x", got)
	}
	if got := reg32(0x300); got&0xFF != 0x40 {
		t.Errorf("ICR low = %#x", got)
	}
}

func TestIOAPICRouteIRQ(t *testing.T) {
	machine, err := hosted.NewMachine(1 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer machine.Close()

	model := apicmodel.New(0xC0000, 2)
	if err := machine.AttachMMIO(model); err != nil {
		t.Fatal(err)
	}

	mapper := mm.NewMMIOMapper(mm.NewTrackingMapper(), machine)
	io := NewIOAPIC(mapper, hw.PhysAddr(model.Base), 0)

	if got := io.ID(); got != 2 {
		t.Errorf("ID = %d", got)
	}
	if got := io.MaxRedirectionEntry(); got != 23 {
		t.Errorf("MaxRedirectionEntry = %d", got)
	}

	if err := io.RouteIRQ(1, 0x31, 0x05); err != nil {
		t.Fatal(err)
	}
	entry := RedirectionEntryFromBits(model.Entry(1))
	if entry.Vector() != 0x31 || entry.Masked() || entry.Destination() != 0x05 {
		t.Errorf("entry = %#x", entry.Bits())
	}
	if entry.Delivery() != DeliveryFixed || entry.Trigger() != EdgeTriggered || entry.Polarity() != ActiveHigh {
		t.Errorf("entry mode bits = %#x", entry.Bits())
	}

	if err := io.RouteIRQ(50, 0x32, 0); err == nil {
		t.Error("out-of-range input accepted")
	}
}

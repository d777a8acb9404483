package kernel

import (
	"io"
	"log/slog"
	"testing"

	"github.com/emberos/ember/internal/apic/apicmodel"
	"github.com/emberos/ember/internal/firmware"
	"github.com/emberos/ember/internal/hw"
	"github.com/emberos/ember/internal/hw/hosted"
	"github.com/emberos/ember/internal/interrupts"
	"github.com/emberos/ember/internal/mm"
	"github.com/emberos/ember/internal/pci"
	"github.com/emberos/ember/internal/pci/pcimodel"
	"github.com/emberos/ember/internal/usb/xhci/xhcimodel"
)

// TestBootEndToEnd walks the entire boot path once, on a hosted machine
// with synthesised firmware and a model xHCI controller, then delivers
// timer interrupts until the controller is serving events. The IDT can be
// installed only once per process, so this is a single test.
func TestBootEndToEnd(t *testing.T) {
	machine, err := hosted.NewMachine(8 << 20)
	if err != nil {
		t.Fatal(err)
	}
	defer machine.Close()

	// Firmware tables and device windows live in the reserved half of the
	// address space; the local APIC's registers are plain reads and writes,
	// so RAM stands in for them.
	const (
		lapicBase  = 0x0060_0000
		ioapicBase = 0x0061_0000
		xhciBAR    = 0x0050_0000
	)
	rsdp, err := firmware.InstallTables(machine, firmware.TableConfig{
		TablesBase: 0x0070_0000,
		RSDPBase:   0x007E_0000,
		NumCPUs:    1,
		LAPICBase:  lapicBase,
		IOAPIC:     firmware.IOAPICConfig{ID: 1, Address: ioapicBase},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := machine.AttachMMIO(apicmodel.New(ioapicBase, 1)); err != nil {
		t.Fatal(err)
	}

	model := xhcimodel.New(xhciBAR, machine)
	if err := machine.AttachMMIO(model); err != nil {
		t.Fatal(err)
	}

	hostPorts := pcimodel.NewHostPorts()
	fnAddr := pci.FunctionAddr{Bus: 0, Device: 4}
	if err := hostPorts.AddFunction(fnAddr, xhcimodel.NewConfigSpace(xhciBAR)); err != nil {
		t.Fatal(err)
	}
	if err := machine.AttachPorts(hostPorts); err != nil {
		t.Fatal(err)
	}

	handoff := firmware.Handoff{
		RSDP: rsdp,
		MemoryMap: []hw.MemoryRegion{
			{Start: 0x10000, End: 0x0040_0000, Kind: hw.MemoryUsable},
			{Start: 0x0040_0000, End: 0x0080_0000, Kind: hw.MemoryReserved},
		},
	}

	k, err := Boot(slog.New(slog.NewTextHandler(io.Discard, nil)), Machine{
		Mem:   machine,
		Ports: machine,
		Pages: mm.NewTrackingMapper(),
	}, handoff)
	if err != nil {
		t.Fatal(err)
	}

	if len(k.Controllers()) != 1 {
		t.Fatalf("found %d xHCI controllers", len(k.Controllers()))
	}
	controller := k.Controllers()[0]

	// Drive the machine by timer interrupts; the dispatcher polls the
	// controller through its init sequence.
	dispatcher := k.Dispatcher()
	for i := 0; i < 20_000 && !controller.Running(); i++ {
		dispatcher.Dispatch(interrupts.VectorTimer, &interrupts.Frame{})
	}
	if !controller.Running() {
		t.Fatalf("controller never started (failed=%v)", controller.Failed())
	}

	if dispatcher.Ticks() == 0 {
		t.Error("tick counter never advanced")
	}

	// A device attach flows through the whole stack: event ring, task
	// queue, port reset, slot request.
	model.ConnectDevice(1)
	for i := 0; i < 20; i++ {
		dispatcher.Dispatch(interrupts.VectorTimer, &interrupts.Frame{})
	}
	if len(model.EnableSlots) != 1 {
		t.Errorf("enable slot commands = %v", model.EnableSlots)
	}
}

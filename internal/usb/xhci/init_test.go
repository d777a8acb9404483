package xhci_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/emberos/ember/internal/hw"
	"github.com/emberos/ember/internal/hw/hosted"
	"github.com/emberos/ember/internal/mm"
	"github.com/emberos/ember/internal/pci"
	"github.com/emberos/ember/internal/usb/xhci"
	"github.com/emberos/ember/internal/usb/xhci/xhcimodel"
)

const (
	modelBARBase = 0x0030_0000
	tickNS       = 10_000_000
	ringLength   = 256
)

type testRig struct {
	controller *xhci.Controller
	model      *xhcimodel.Model
	fn         *pci.Function
}

// newTestRig wires a model controller onto a hosted machine and builds the
// driver for it.
func newTestRig(t *testing.T) *testRig {
	t.Helper()

	machine, err := hosted.NewMachine(4 << 20)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { machine.Close() })

	model := xhcimodel.New(modelBARBase, machine)
	if err := machine.AttachMMIO(model); err != nil {
		t.Fatal(err)
	}

	alloc := mm.NewFrameAllocator([]hw.MemoryRegion{
		{Start: 0x10000, End: 0x200000, Kind: hw.MemoryUsable},
	})
	mapper := mm.NewMMIOMapper(mm.NewTrackingMapper(), machine)

	fn := &pci.Function{
		Addr:   pci.FunctionAddr{Bus: 0, Device: 4},
		Access: xhcimodel.NewConfigSpace(modelBARBase),
	}
	header, err := fn.ReadHeader()
	if err != nil {
		t.Fatal(err)
	}

	c, err := xhci.NewController(fn, header, xhci.Config{
		Log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Alloc:  alloc,
		Mem:    machine,
		Mapper: mapper,
		APICID: 0,
		Vector: 0x50,
	})
	if err != nil {
		t.Fatal(err)
	}
	return &testRig{controller: c, model: model, fn: fn}
}

// tickUntilRunning drives the controller through its whole init sequence.
func (r *testRig) tickUntilRunning(t *testing.T) {
	t.Helper()
	for i := 0; i < 20_000; i++ {
		if r.controller.Running() {
			return
		}
		r.controller.Tick(tickNS)
	}
	t.Fatalf("controller never started (failed=%v)", r.controller.Failed())
}

func TestControllerResetWait(t *testing.T) {
	// S5: the init task yields every tick while USBCMD.reset or
	// USBSTS.controller_not_ready read back set, and configures the
	// controller only once both are clear.
	rig := newTestRig(t)

	rig.controller.Tick(tickNS) // writes reset

	// The model reports reset on two USBCMD reads and clears it on the
	// third; not-ready is then reported once more and clears on the next
	// USBSTS read. Polled once per tick, that is four ticks, and
	// configuration (which programs ERSTBA) must not happen before them.
	waitTicks := 0
	for rig.model.ERSTBase() == 0 {
		rig.controller.Tick(tickNS)
		waitTicks++
		if waitTicks > 20 {
			t.Fatal("reset wait never completed")
		}
	}
	if waitTicks < 4 {
		t.Fatalf("configured after %d wait ticks; reset wait did not yield per tick", waitTicks)
	}
}

func TestControllerFullInit(t *testing.T) {
	rig := newTestRig(t)
	rig.tickUntilRunning(t)
	model := rig.model

	// The self test pushed four ring lengths of No Ops through.
	if model.CommandCount < ringLength*4 {
		t.Errorf("model consumed %d commands, want at least %d",
			model.CommandCount, ringLength*4)
	}

	// CONFIG carries the port count; DCBAAP and CRCR were programmed.
	if model.Config()&0xFF != xhcimodel.PortCount {
		t.Errorf("CONFIG = %#x", model.Config())
	}
	if model.DCBAAP() == 0 || model.DCBAAP()%hw.PageSize != 0 {
		t.Errorf("DCBAAP = %#x", model.DCBAAP())
	}
	if model.CRCR()&1 != 1 {
		t.Errorf("CRCR cycle state not set: %#x", model.CRCR())
	}

	// The event ring registers describe one segment.
	if model.ERSTSize() != 1 {
		t.Errorf("ERSTSZ = %d", model.ERSTSize())
	}
	if model.ERSTBase() == 0 {
		t.Errorf("ERSTBA not programmed")
	}

	// With nothing connected, no slots were requested.
	if len(model.EnableSlots) != 0 {
		t.Errorf("enable slots = %v", model.EnableSlots)
	}
}

func TestControllerPortAttach(t *testing.T) {
	rig := newTestRig(t)
	rig.tickUntilRunning(t)
	model := rig.model

	model.ConnectDevice(2)
	for i := 0; i < 10; i++ {
		rig.controller.Tick(tickNS)
	}

	if len(model.EnableSlots) != 1 {
		t.Fatalf("enable slot commands = %v", model.EnableSlots)
	}
	if model.EnableSlots[0] != 1 {
		t.Errorf("slot type = %d, want 1 from the supported-protocol capability", model.EnableSlots[0])
	}

	// The port's change bits were acknowledged along the way.
	if model.PortSC(2)&(1<<17) != 0 {
		t.Errorf("connect status change not cleared: %#x", model.PortSC(2))
	}
	if model.PortSC(2)&(1<<21) != 0 {
		t.Errorf("reset change not cleared: %#x", model.PortSC(2))
	}
}

func TestControllerPortAttachTimeout(t *testing.T) {
	// S6: a port whose reset never signals completion makes the attach
	// task fail with a timeout, and no slot is requested.
	rig := newTestRig(t)
	rig.tickUntilRunning(t)
	model := rig.model

	model.SuppressResetEvent = true
	model.ConnectDevice(3)

	// 1 s timeout at 10 ms ticks, plus slack.
	for i := 0; i < 120; i++ {
		rig.controller.Tick(tickNS)
	}

	if len(model.EnableSlots) != 0 {
		t.Errorf("slot requested despite timeout: %v", model.EnableSlots)
	}
}

func TestControllerMSIXProgrammed(t *testing.T) {
	rig := newTestRig(t)
	rig.tickUntilRunning(t)

	msix, ok := rig.fn.MSIX()
	if !ok {
		t.Fatal("MSI-X capability missing")
	}
	ctrl := msix.MessageControl()
	if !ctrl.Enabled() || ctrl.FunctionMasked() {
		t.Errorf("message control = %#x", uint16(ctrl))
	}
	cmd := rig.fn.Command()
	if !cmd.BusMasterEnabled() || !cmd.MemorySpaceEnabled() || !cmd.InterruptsDisabled() {
		t.Errorf("command = %#x", uint16(cmd))
	}
}

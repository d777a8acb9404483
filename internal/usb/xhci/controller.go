package xhci

import (
	"fmt"
	"log/slog"

	"github.com/emberos/ember/internal/hw"
	"github.com/emberos/ember/internal/mm"
	"github.com/emberos/ember/internal/pci"
)

// Controller is one xHCI host controller discovered on PCI. It is driven
// entirely from Tick, called once per timer interrupt: first through the
// initialisation sequence, then through the event-drain main loop.
type Controller struct {
	log *slog.Logger
	fn  *pci.Function

	alloc  *mm.FrameAllocator
	mem    hw.Memory
	mapper *mm.MMIOMapper

	// apicID and vector are where MSI-X points the controller's
	// interrupts; delivery stays polled until IMAN enables are flipped.
	apicID uint8
	vector uint8

	mapping *mm.Mapping

	caps CapabilityRegisters
	op   OperationalRegisters
	rt   RuntimeRegisters
	db   DoorbellArray
	ext  *ExtendedCapabilities

	dcbaa        *DCBAA
	cmdRing      *CommandRing
	interrupters []*Interrupter
	queue        *TaskQueue

	phase    initPhase
	selfTest selfTestState
}

// Config carries a controller's dependencies.
type Config struct {
	Log    *slog.Logger
	Alloc  *mm.FrameAllocator
	Mem    hw.Memory
	Mapper *mm.MMIOMapper

	// APICID and Vector aim the controller's MSI-X messages.
	APICID uint8
	Vector uint8
}

// NewController maps the controller's registers and readies the init
// sequence. The first Tick starts the reset.
//
// Only one Controller may exist per function.
func NewController(fn *pci.Function, header *pci.Header, cfg Config) (*Controller, error) {
	if !header.ClassCode.IsXHCI() {
		return nil, fmt.Errorf("xhci: %v is not an xHCI controller (%v)", fn.Addr, header.ClassCode)
	}
	if header.Kind != pci.HeaderGeneralDevice {
		return nil, fmt.Errorf("xhci: %v has header type %d", fn.Addr, header.Kind)
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("fn", fn.Addr.String())

	// xHCI controllers carry their register file in BAR 0.
	frames, err := fn.Bar(0).Allocate(cfg.Alloc)
	if err != nil {
		return nil, fmt.Errorf("xhci: BAR 0 of %v: %w", fn.Addr, err)
	}
	mapping := cfg.Mapper.MapFrames(frames)

	c := &Controller{
		log:    log,
		fn:     fn,
		alloc:  cfg.Alloc,
		mem:    cfg.Mem,
		mapper: cfg.Mapper,
		apicID: cfg.APICID,
		vector: cfg.Vector,

		mapping: mapping,
		phase:   phaseStartReset,
	}
	c.findRegisters()
	c.queue = NewTaskQueue(log, c.spawnTask)

	log.Info("xhci: controller found",
		"version", fmt.Sprintf("%x.%02x", c.caps.HCIVersion()>>8, c.caps.HCIVersion()&0xFF),
		"ports", c.caps.StructuralParameters1().MaxPorts(),
		"slots", c.caps.StructuralParameters1().MaxDeviceSlots())
	return c, nil
}

// findRegisters derives the operational, runtime, doorbell and extended
// windows from the capability block at the BAR base.
func (c *Controller) findRegisters() {
	base := c.mapping.Window()
	c.caps = NewCapabilityRegisters(base)

	c.op = NewOperationalRegisters(
		base.Slice(uint64(c.caps.CapabilityLength())), c.caps)
	c.rt = NewRuntimeRegisters(base.Slice(c.caps.RuntimeRegisterSpaceOffset()))
	c.db = NewDoorbellArray(
		base.Slice(c.caps.DoorbellOffset()),
		c.caps.StructuralParameters1().MaxDeviceSlots())
	c.ext = NewExtendedCapabilities(
		base, c.caps.CapabilityParameters1().ExtendedCapabilitiesPointer())
}

// Running reports whether the controller finished init and is serving
// events.
func (c *Controller) Running() bool { return c.phase == phaseRun }

// Failed reports whether init aborted. The rest of the kernel keeps going.
func (c *Controller) Failed() bool { return c.phase == phaseFailed }

// WriteCommandTRB queues a command and rings the host-controller doorbell,
// returning the physical address that identifies the command in completion
// events.
func (c *Controller) WriteCommandTRB(trb TRB) (hw.PhysAddr, error) {
	addr, err := c.cmdRing.Enqueue(trb)
	if err != nil {
		return 0, err
	}
	c.db.RingHostController()
	return addr, nil
}

// ReadEventTRB pulls one event from the given interrupter, reporting
// consumption through ERDP and clearing the interrupt-pending latch.
func (c *Controller) ReadEventTRB(interrupter int) (Event, bool) {
	return c.interrupters[interrupter].ReadEvent()
}

// spawnTask starts a handler for an event no running task consumed.
func (c *Controller) spawnTask(ev Event) (future, string) {
	if psc, ok := ev.AsPortStatusChange(); ok {
		return newPortAttachTask(c, psc), fmt.Sprintf("port-attach-%d", psc.PortID)
	}
	return nil, ""
}

// Interrupter owns one entry of the interrupter array and its event ring.
type Interrupter struct {
	index int
	regs  InterrupterRegisters
	ring  *EventRing
}

// newInterrupter allocates the interrupter's event ring (one segment) and
// programs its registers: segment count, table base, initial dequeue
// pointer, and interrupts left disabled while delivery is polled.
func newInterrupter(index int, regs InterrupterRegisters, alloc *mm.FrameAllocator, mem hw.Memory) (*Interrupter, error) {
	ring, err := NewEventRing(alloc, mem, 1)
	if err != nil {
		return nil, err
	}

	regs.WriteERSTSize(uint16(ring.SegmentCount()))
	regs.WriteERDP(NewERDP().WithPointer(ring.Start()))
	regs.WriteERSTBase(ring.TableAddr())
	regs.WriteManagement(regs.Management().WithInterruptEnabled(false))

	return &Interrupter{index: index, regs: regs, ring: ring}, nil
}

// ReadEvent dequeues one event if the controller produced one, then
// acknowledges it: ERDP moves past the consumed TRB with the busy flag
// cleared, and the interrupt-pending latch is cleared.
func (i *Interrupter) ReadEvent() (Event, bool) {
	ev, ok := i.ring.Dequeue()
	if !ok {
		return Event{}, false
	}
	i.regs.WriteERDP(i.ring.DequeueERDP())
	i.regs.WriteManagement(i.regs.Management().WithInterruptPending(true))
	return ev, true
}

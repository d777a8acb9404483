// Package kernel sequences boot: take the firmware handoff, parse the ACPI
// tables, bring up the interrupt controllers and the IDT dispatch path,
// enumerate PCI, and hand every xHCI function to its driver. After Boot
// returns, all further progress happens from timer ticks.
package kernel

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/emberos/ember/internal/acpi"
	"github.com/emberos/ember/internal/apic"
	"github.com/emberos/ember/internal/firmware"
	"github.com/emberos/ember/internal/hw"
	"github.com/emberos/ember/internal/interrupts"
	"github.com/emberos/ember/internal/kstate"
	"github.com/emberos/ember/internal/mm"
	"github.com/emberos/ember/internal/pci"
	"github.com/emberos/ember/internal/usb/xhci"
)

// Machine is what the boot environment provides: the physical address
// space, the port space, and the active page table.
type Machine struct {
	Mem   hw.Memory
	Ports hw.PortIO
	Pages mm.PageMapper
}

// Kernel-wide singletons, initialised by the first Boot and never torn
// down. Lock order when holding more than one: mmio mapper, then frame
// allocator, then page table.
var (
	globalMapper kstate.Global[*mm.MMIOMapper]
	globalAlloc  kstate.Global[*mm.FrameAllocator]
	globalsOnce  sync.Once
)

// LockMMIOMapper acquires the global MMIO mapper, for collaborators outside
// the boot path (device drivers mapping their registers).
func LockMMIOMapper() *kstate.Guard[*mm.MMIOMapper] {
	return globalMapper.Lock()
}

// LockFrameAllocator acquires the global frame allocator.
func LockFrameAllocator() *kstate.Guard[*mm.FrameAllocator] {
	return globalAlloc.Lock()
}

// Kernel is the booted system.
type Kernel struct {
	log *slog.Logger

	mapper *mm.MMIOMapper
	alloc  *mm.FrameAllocator
	tables *acpi.TableDirectory

	lapic  *apic.LocalAPIC
	ioapic *apic.IOAPIC

	dispatcher  *interrupts.Dispatcher
	controllers []*xhci.Controller
}

// Boot brings the kernel up on the given machine with the given firmware
// handoff.
func Boot(log *slog.Logger, machine Machine, handoff firmware.Handoff) (*Kernel, error) {
	if log == nil {
		log = slog.Default()
	}

	alloc := mm.NewFrameAllocator(handoff.MemoryMap)
	mapper := mm.NewMMIOMapper(machine.Pages, machine.Mem)
	globalsOnce.Do(func() {
		globalMapper.Init(mapper)
		globalAlloc.Init(alloc)
	})

	k := &Kernel{
		log:    log,
		mapper: mapper,
		alloc:  alloc,
	}

	if err := k.discoverACPI(handoff); err != nil {
		return nil, err
	}

	k.dispatcher = interrupts.Install(k.lapic.NotifyEndOfInterrupt)
	k.lapic.Enable(interrupts.VectorSpurious)
	k.lapic.EnableTimer(interrupts.VectorTimer)

	// Route the PS/2 IRQs at the boot CPU; a controller driver registers
	// itself later if one exists.
	lapicID := k.lapic.ID()
	if err := k.ioapic.RouteIRQ(1, interrupts.VectorPS2Primary, lapicID); err != nil {
		return nil, err
	}
	if err := k.ioapic.RouteIRQ(12, interrupts.VectorPS2Secondary, lapicID); err != nil {
		return nil, err
	}

	k.enumeratePCI(machine, lapicID)

	log.Info("kernel: boot complete",
		"xhciControllers", len(k.controllers),
		"handlerAddrs", len(interrupts.HandlerAddresses()))
	return k, nil
}

// discoverACPI walks RSDP -> directory -> FADT/MADT and maps the interrupt
// controllers the MADT names.
func (k *Kernel) discoverACPI(handoff firmware.Handoff) error {
	if handoff.RSDP == 0 {
		return fmt.Errorf("kernel: firmware provided no RSDP")
	}

	rsdp, err := acpi.ReadRSDP(k.mapper, handoff.RSDP)
	if err != nil {
		return fmt.Errorf("kernel: reading RSDP: %w", err)
	}
	k.log.Info("kernel: ACPI found", "revision", rsdp.Revision, "oem", string(rsdp.OEMID[:]))

	dir, err := rsdp.SystemDescriptionTable(k.mapper)
	if err != nil {
		return fmt.Errorf("kernel: reading system description table: %w", err)
	}
	k.tables = dir

	if fadt, err := dir.FADT(); err != nil {
		k.log.Warn("kernel: no usable FADT", "err", err)
	} else {
		k.log.Debug("kernel: FADT parsed",
			"sci", fadt.SCIInterrupt, "dsdt", fadt.DSDTAddr())
	}

	madt, err := dir.MADT()
	if err != nil {
		return fmt.Errorf("kernel: reading MADT: %w", err)
	}

	cpus, err := madt.Processors()
	if err != nil {
		return err
	}
	k.log.Info("kernel: processors enumerated", "count", len(cpus))

	lapicAddr, err := madt.LocalAPICAddress()
	if err != nil {
		return err
	}
	k.lapic = apic.NewLocalAPIC(k.mapper, lapicAddr)

	ioapicRec, err := madt.IOAPIC()
	if err != nil {
		return err
	}
	k.ioapic = apic.NewIOAPIC(k.mapper, hw.PhysAddr(ioapicRec.Address), ioapicRec.GSIBase)
	return nil
}

// enumeratePCI scans bus 0 and attaches a driver to every xHCI function.
// Driver failures are logged, not fatal.
func (k *Kernel) enumeratePCI(machine Machine, lapicID uint8) {
	var access pci.ConfigAccess = pci.LegacyAccess{Ports: machine.Ports}
	buses := []uint8{0}

	// Prefer memory-mapped config space when the firmware announces it.
	if mcfg, err := k.tables.MCFG(); err == nil {
		segment := mcfg.Entries[0]
		access = pci.NewECAMAccess(k.mapper,
			hw.PhysAddr(segment.BaseAddress), segment.StartBus, segment.EndBus)
		buses = []uint8{segment.StartBus}
		k.log.Info("kernel: using ECAM config access",
			"base", hw.PhysAddr(segment.BaseAddress), "buses", segment.EndBus-segment.StartBus+1)
	}

	found := pci.Enumerate(access, buses)

	vector := uint8(0x50)
	for _, df := range found {
		k.log.Info("kernel: PCI function",
			"addr", df.Function.Addr, "class", df.Header.ClassCode.String())
		if !df.Header.ClassCode.IsXHCI() {
			continue
		}

		controller, err := xhci.NewController(df.Function, df.Header, xhci.Config{
			Log:    k.log,
			Alloc:  k.alloc,
			Mem:    machine.Mem,
			Mapper: k.mapper,
			APICID: lapicID,
			Vector: vector,
		})
		if err != nil {
			k.log.Error("kernel: xHCI attach failed", "addr", df.Function.Addr, "err", err)
			continue
		}
		vector++
		k.controllers = append(k.controllers, controller)

		k.dispatcher.AddPoller(controller.Tick)
	}
}

// Dispatcher returns the interrupt dispatcher, for the machine layer that
// delivers vectors.
func (k *Kernel) Dispatcher() *interrupts.Dispatcher { return k.dispatcher }

// Controllers returns the attached xHCI controllers.
func (k *Kernel) Controllers() []*xhci.Controller { return k.controllers }

// NowNanos returns nanoseconds since boot at tick precision.
func (k *Kernel) NowNanos() uint64 { return k.dispatcher.NowNanos() }

// Package xhcimodel emulates an xHCI controller behind an MMIO window:
// capability registers, the reset handshake, command-ring consumption
// behind doorbell zero, event production into the ERST-described event
// ring, and port resets. The driver is exercised against it in tests and in
// the hosted bringup harness; it reaches ring memory through the same
// physical space the driver allocates from.
package xhcimodel

import (
	"encoding/binary"
	"fmt"

	"github.com/emberos/ember/internal/hw"
	"github.com/emberos/ember/internal/pci"
	"github.com/emberos/ember/internal/usb/xhci"
)

// Geometry of the modelled controller.
const (
	PortCount = 4
	BARSize   = 0x1000

	capLength = 0x20
	extCapOff = 0x40
	opBase    = capLength
	dbOff     = 0x500
	rtsOff    = 0x600

	opUSBCmd   = opBase + 0x00
	opUSBSts   = opBase + 0x04
	opPageSize = opBase + 0x08
	opCRCR     = opBase + 0x18
	opDCBAAP   = opBase + 0x30
	opConfig   = opBase + 0x38
	opPorts    = opBase + 0x400
	portStride = 0x10

	irIMAN   = rtsOff + 0x20 + 0x00
	irERSTSZ = rtsOff + 0x20 + 0x08
	irERSTBA = rtsOff + 0x20 + 0x10
	irERDP   = rtsOff + 0x20 + 0x18
)

const trbSize = 16

// Model is the emulated controller.
type Model struct {
	base uint64
	mem  hw.Memory

	usbcmd uint32
	usbsts uint32
	crcr   uint64
	dcbaap uint64
	config uint32
	ports  [PortCount]uint32
	iman   uint32
	erstsz uint32
	erstba uint64
	erdp   uint64

	resetReads int
	cnrReads   int
	startReads int

	cmdPtr   uint64
	cmdCycle bool

	evIndex int
	evCycle bool

	// SuppressResetEvent swallows the port-status-change event a port
	// reset would produce, for timeout scenarios.
	SuppressResetEvent bool

	nextSlotID uint8

	// EnableSlots records the slot type of every Enable Slot command seen.
	EnableSlots []uint8

	// CommandCount counts consumed command TRBs.
	CommandCount int
}

// New builds a model at the given MMIO base, reaching ring memory through
// mem.
func New(base uint64, mem hw.Memory) *Model {
	return &Model{
		base:    base,
		mem:     mem,
		usbsts:  1, // halted
		evCycle: true,
	}
}

// MMIORegions implements hosted.MMIODevice.
func (m *Model) MMIORegions() []hw.MMIORegion {
	return []hw.MMIORegion{{Address: m.base, Size: BARSize}}
}

// ConnectDevice reports a device on the given 1-based port and queues the
// attach event.
func (m *Model) ConnectDevice(portID uint8) {
	m.ports[portID-1] |= 1 << 0  // connected
	m.ports[portID-1] |= 1 << 17 // connect status change
	m.ports[portID-1] |= 1 << 10 // full speed
	m.produceEvent(xhci.NewPortStatusChangeEventTRB(portID))
}

// Config reads back the CONFIG register, for assertions.
func (m *Model) Config() uint32 { return m.config }

// DCBAAP reads back the programmed context array pointer.
func (m *Model) DCBAAP() uint64 { return m.dcbaap }

// CRCR reads back the programmed command ring control value.
func (m *Model) CRCR() uint64 { return m.crcr }

// ERSTSize reads back the programmed segment count.
func (m *Model) ERSTSize() uint32 { return m.erstsz }

// ERSTBase reads back the programmed segment table base.
func (m *Model) ERSTBase() uint64 { return m.erstba }

// PortSC reads back a port's PORTSC state, 1-based.
func (m *Model) PortSC(portID uint8) uint32 { return m.ports[portID-1] }

// ReadMMIO implements hosted.MMIODevice.
func (m *Model) ReadMMIO(addr uint64, data []byte) error {
	offset := addr - m.base
	aligned := offset &^ 3
	value := m.read32(aligned) >> ((offset - aligned) * 8)

	switch len(data) {
	case 1:
		data[0] = uint8(value)
	case 2:
		binary.LittleEndian.PutUint16(data, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(data, value)
	case 8:
		binary.LittleEndian.PutUint64(data, uint64(value)|uint64(m.read32(aligned+4))<<32)
	default:
		return fmt.Errorf("xhcimodel: read size %d", len(data))
	}
	return nil
}

// WriteMMIO implements hosted.MMIODevice.
func (m *Model) WriteMMIO(addr uint64, data []byte) error {
	offset := addr - m.base
	switch len(data) {
	case 4:
		m.write32(offset, binary.LittleEndian.Uint32(data))
	case 8:
		value := binary.LittleEndian.Uint64(data)
		m.write32(offset, uint32(value))
		m.write32(offset+4, uint32(value>>32))
	default:
		return fmt.Errorf("xhcimodel: write size %d", len(data))
	}
	return nil
}

func (m *Model) read32(offset uint64) uint32 {
	switch {
	case offset == 0x00:
		return uint32(0x110)<<16 | capLength
	case offset == 0x04: // HCSPARAMS1: 4 ports, 1 interrupter, 8 slots
		return uint32(PortCount)<<24 | 1<<8 | 8
	case offset == 0x08: // HCSPARAMS2: two scratchpad buffers
		return 2 << 27
	case offset == 0x10: // HCCPARAMS1: xECP in dwords
		return uint32(extCapOff/4) << 16
	case offset == 0x14:
		return dbOff
	case offset == 0x18:
		return rtsOff

	case offset == extCapOff: // supported protocol, USB 3.0, last entry
		return uint32(3)<<24 | 2
	case offset == extCapOff+4:
		return 0x20425355 // "USB "
	case offset == extCapOff+8:
		return uint32(PortCount)<<8 | 1 // ports 1..4
	case offset == extCapOff+12:
		return 1 // slot type 1

	case offset == opUSBCmd:
		if m.usbcmd&(1<<1) != 0 {
			m.resetReads--
			if m.resetReads <= 0 {
				m.usbcmd &^= 1 << 1
			}
		}
		return m.usbcmd
	case offset == opUSBSts:
		if m.usbsts&(1<<11) != 0 {
			m.cnrReads--
			if m.cnrReads <= 0 {
				m.usbsts &^= 1 << 11
			}
		}
		if m.usbcmd&1 != 0 && m.usbsts&1 != 0 {
			m.startReads--
			if m.startReads <= 0 {
				m.usbsts &^= 1
			}
		}
		return m.usbsts
	case offset == opPageSize:
		return 1 // 4 KiB
	case offset == opConfig:
		return m.config

	case offset >= opPorts && offset < opPorts+PortCount*portStride:
		rel := offset - opPorts
		if rel%portStride == 0 {
			return m.ports[rel/portStride]
		}
		return 0

	case offset == irIMAN:
		return m.iman
	case offset == irERSTSZ:
		return m.erstsz
	case offset == irERSTBA:
		return uint32(m.erstba)
	case offset == irERSTBA+4:
		return uint32(m.erstba >> 32)
	case offset == irERDP:
		return uint32(m.erdp)
	case offset == irERDP+4:
		return uint32(m.erdp >> 32)
	}
	return 0
}

func (m *Model) write32(offset uint64, value uint32) {
	switch {
	case offset == opUSBCmd:
		wasEnabled := m.usbcmd&1 != 0
		m.usbcmd = value
		if value&(1<<1) != 0 {
			// Host controller reset: the bit reads back set for a few
			// accesses, then a not-ready window follows.
			m.resetReads = 3
			m.cnrReads = 2
			m.usbsts |= 1<<11 | 1
		}
		if value&1 != 0 && !wasEnabled {
			m.startReads = 1
		}
		if value&1 == 0 {
			m.usbsts |= 1
		}
	case offset == opCRCR:
		m.crcr = m.crcr&^uint64(0xFFFF_FFFF) | uint64(value)
		m.cmdPtr = m.crcr &^ 0x3F
		m.cmdCycle = value&1 != 0
	case offset == opCRCR+4:
		m.crcr = m.crcr&0xFFFF_FFFF | uint64(value)<<32
		m.cmdPtr = m.crcr &^ 0x3F
	case offset == opDCBAAP:
		m.dcbaap = m.dcbaap&^uint64(0xFFFF_FFFF) | uint64(value)
	case offset == opDCBAAP+4:
		m.dcbaap = m.dcbaap&0xFFFF_FFFF | uint64(value)<<32
	case offset == opConfig:
		m.config = value

	case offset >= opPorts && offset < opPorts+PortCount*portStride:
		rel := offset - opPorts
		if rel%portStride == 0 {
			m.writePortSC(int(rel/portStride), value)
		}

	case offset == dbOff:
		if value == 0 {
			m.processCommands()
		}

	case offset == irIMAN:
		// Bit 0 is write-one-to-clear.
		pending := m.iman&1 != 0 && value&1 == 0
		m.iman = value &^ 1
		if pending {
			m.iman |= 1
		}
	case offset == irERSTSZ:
		m.erstsz = value
	case offset == irERSTBA:
		m.erstba = m.erstba&^uint64(0xFFFF_FFFF) | uint64(value)
	case offset == irERSTBA+4:
		m.erstba = m.erstba&0xFFFF_FFFF | uint64(value)<<32
	case offset == irERDP:
		m.erdp = m.erdp&^uint64(0xFFFF_FFFF) | uint64(value&^(1<<3))
	case offset == irERDP+4:
		m.erdp = m.erdp&0xFFFF_FFFF | uint64(value)<<32
	}
}

// writePortSC applies PORTSC write semantics: the RW1C change bits clear
// when written with one, and a reset of a connected port completes
// immediately.
func (m *Model) writePortSC(port int, value uint32) {
	const rw1c = uint32(1<<1 | 1<<17 | 1<<18 | 1<<19 | 1<<20 | 1<<21 | 1<<22 | 1<<23)
	current := m.ports[port]
	current &^= value & rw1c
	if value&(1<<4) != 0 && current&1 != 0 {
		current |= 1<<1 | 1<<21 // enabled, reset change
		if !m.SuppressResetEvent {
			m.produceEvent(xhci.NewPortStatusChangeEventTRB(uint8(port + 1)))
		}
	}
	m.ports[port] = current
}

func (m *Model) readTRB(addr uint64) xhci.TRB {
	var buf [trbSize]byte
	if _, err := m.mem.ReadAt(buf[:], int64(addr)); err != nil {
		panic(err)
	}
	var trb xhci.TRB
	for w := range trb {
		trb[w] = binary.LittleEndian.Uint32(buf[w*4:])
	}
	return trb
}

func (m *Model) writeTRB(addr uint64, trb xhci.TRB) {
	var buf [trbSize]byte
	for w, word := range trb {
		binary.LittleEndian.PutUint32(buf[w*4:], word)
	}
	if _, err := m.mem.WriteAt(buf[:], int64(addr)); err != nil {
		panic(err)
	}
}

// processCommands consumes command TRBs until one it does not own, emitting
// a completion event for each.
func (m *Model) processCommands() {
	for {
		trb := m.readTRB(m.cmdPtr)
		if trb.Cycle() != m.cmdCycle {
			return
		}

		if trb.Type() == xhci.TRBTypeLink {
			target := uint64(trb[0]) | uint64(trb[1])<<32
			if trb.ToggleCycle() {
				m.cmdCycle = !m.cmdCycle
			}
			m.cmdPtr = target &^ 0xF
			continue
		}

		m.CommandCount++
		slotID := uint8(0)
		if trb.Type() == xhci.TRBTypeEnableSlot {
			m.nextSlotID++
			slotID = m.nextSlotID
			m.EnableSlots = append(m.EnableSlots, uint8(trb[3]>>16&0x1F))
		}
		m.produceEvent(xhci.NewCommandCompletionEventTRB(
			hw.PhysAddr(m.cmdPtr), xhci.CompletionSuccess, slotID))
		m.cmdPtr += trbSize
	}
}

// produceEvent writes one event TRB into the single ERST segment.
func (m *Model) produceEvent(trb xhci.TRB) {
	if m.erstba == 0 {
		return
	}
	var entry [16]byte
	if _, err := m.mem.ReadAt(entry[:], int64(m.erstba)); err != nil {
		panic(err)
	}
	segBase := binary.LittleEndian.Uint64(entry[0:8])
	segSize := int(binary.LittleEndian.Uint32(entry[8:12]))

	m.writeTRB(segBase+uint64(m.evIndex)*trbSize, trb.WithCycle(m.evCycle))
	m.iman |= 1
	m.evIndex++
	if m.evIndex == segSize {
		m.evIndex = 0
		m.evCycle = !m.evCycle
	}
}

// ConfigSpace is the model's PCI configuration space: an xHCI class code,
// BAR 0 preprogrammed at the model's MMIO base, and an MSI-X capability
// whose table lives at the top of BAR 0.
type ConfigSpace struct {
	regs [64]uint32
}

// NewConfigSpace builds the config space with BAR 0 at bar0.
func NewConfigSpace(bar0 uint32) *ConfigSpace {
	c := &ConfigSpace{}
	c.regs[0] = 0x0001_1B36
	c.regs[1] = 1 << (16 + 4) // status: capabilities list
	c.regs[2] = 0x0C_03_30_00 // serial bus / USB / xHCI
	c.regs[4] = bar0
	c.regs[0xD] = 0x50
	c.regs[0x50/4] = pci.CapabilityIDMSIX // one table entry (last index 0)
	c.regs[0x50/4+1] = 0x0800             // table: BIR 0, offset 0x800
	c.regs[0x50/4+2] = 0x0C00             // PBA: BIR 0, offset 0xC00
	return c
}

// ReadRegister implements pci.ConfigAccess.
func (c *ConfigSpace) ReadRegister(addr pci.Address) uint32 {
	if addr.Register == 4 {
		return c.regs[4] &^ (BARSize - 1)
	}
	return c.regs[addr.Register]
}

// WriteRegister implements pci.ConfigAccess. The status half of register 1
// is not writable, so the capabilities-list bit survives command writes.
func (c *ConfigSpace) WriteRegister(addr pci.Address, value uint32) {
	if addr.Register == 1 {
		value = value&0xFFFF | c.regs[1]&0xFFFF_0000
	}
	c.regs[addr.Register] = value
}

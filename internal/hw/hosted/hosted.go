// Package hosted implements the hw interfaces on top of an ordinary process:
// a flat RAM image with device models overlaid on physical address ranges and
// I/O ports. The kernel proper cannot tell the difference, which is what lets
// the whole boot path run under go test and inside the bringup harness.
package hosted

import (
	"fmt"
	"sort"

	"github.com/emberos/ember/internal/hw"
)

// MMIODevice is a device model claiming one or more physical address ranges.
// Accesses that fall inside a claimed range are routed to the model instead of
// RAM.
type MMIODevice interface {
	MMIORegions() []hw.MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// PortDevice is a device model claiming legacy I/O ports.
type PortDevice interface {
	IOPorts() []uint16

	ReadIOPort(port uint16, data []byte) error
	WriteIOPort(port uint16, data []byte) error
}

type mmioSlot struct {
	region hw.MMIORegion
	dev    MMIODevice
}

// Machine is a hosted rendition of the physical machine: RAM starting at
// address zero plus registered device models. It implements hw.Memory and
// hw.PortIO.
type Machine struct {
	ram   ram
	mmio  []mmioSlot
	ports map[uint16]PortDevice
}

// NewMachine allocates a machine with the given amount of RAM, rounded up to
// a page boundary.
func NewMachine(ramSize uint64) (*Machine, error) {
	ramSize = (ramSize + hw.PageSize - 1) &^ uint64(hw.PageSize-1)
	r, err := mapRAM(ramSize)
	if err != nil {
		return nil, fmt.Errorf("hosted: map ram: %w", err)
	}
	return &Machine{
		ram:   r,
		ports: make(map[uint16]PortDevice),
	}, nil
}

// RAMSize returns the size of the RAM image in bytes.
func (m *Machine) RAMSize() uint64 { return uint64(len(m.ram.data)) }

// Close releases the RAM image. The machine must not be used afterwards.
func (m *Machine) Close() error { return m.ram.unmap() }

// AttachMMIO registers a device model's address ranges. Overlapping an
// existing registration is an error.
func (m *Machine) AttachMMIO(dev MMIODevice) error {
	for _, region := range dev.MMIORegions() {
		for _, slot := range m.mmio {
			if region.Address < slot.region.Address+slot.region.Size &&
				slot.region.Address < region.Address+region.Size {
				return fmt.Errorf("hosted: MMIO region %#x+%#x overlaps %#x+%#x",
					region.Address, region.Size, slot.region.Address, slot.region.Size)
			}
		}
		m.mmio = append(m.mmio, mmioSlot{region: region, dev: dev})
	}
	sort.Slice(m.mmio, func(i, j int) bool {
		return m.mmio[i].region.Address < m.mmio[j].region.Address
	})
	return nil
}

// AttachPorts registers a device model's I/O ports.
func (m *Machine) AttachPorts(dev PortDevice) error {
	for _, port := range dev.IOPorts() {
		if _, taken := m.ports[port]; taken {
			return fmt.Errorf("hosted: port %#x already claimed", port)
		}
		m.ports[port] = dev
	}
	return nil
}

func (m *Machine) findMMIO(addr uint64, size int) *mmioSlot {
	for i := range m.mmio {
		slot := &m.mmio[i]
		if addr >= slot.region.Address && addr+uint64(size) <= slot.region.Address+slot.region.Size {
			return slot
		}
	}
	return nil
}

// ReadAt implements hw.Memory.
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	addr := uint64(off)
	if slot := m.findMMIO(addr, len(p)); slot != nil {
		if err := slot.dev.ReadMMIO(addr, p); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return m.ram.readAt(p, addr)
}

// WriteAt implements hw.Memory.
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	addr := uint64(off)
	if slot := m.findMMIO(addr, len(p)); slot != nil {
		if err := slot.dev.WriteMMIO(addr, p); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return m.ram.writeAt(p, addr)
}

func (m *Machine) readPort(port uint16, data []byte) {
	dev := m.ports[port]
	if dev == nil {
		// Floating bus.
		for i := range data {
			data[i] = 0xff
		}
		return
	}
	if err := dev.ReadIOPort(port, data); err != nil {
		for i := range data {
			data[i] = 0xff
		}
	}
}

func (m *Machine) writePort(port uint16, data []byte) {
	dev := m.ports[port]
	if dev == nil {
		return
	}
	_ = dev.WriteIOPort(port, data)
}

// In8 implements hw.PortIO.
func (m *Machine) In8(port uint16) uint8 {
	var buf [1]byte
	m.readPort(port, buf[:])
	return buf[0]
}

// Out8 implements hw.PortIO.
func (m *Machine) Out8(port uint16, value uint8) {
	m.writePort(port, []byte{value})
}

// In16 implements hw.PortIO.
func (m *Machine) In16(port uint16) uint16 {
	var buf [2]byte
	m.readPort(port, buf[:])
	return uint16(buf[0]) | uint16(buf[1])<<8
}

// Out16 implements hw.PortIO.
func (m *Machine) Out16(port uint16, value uint16) {
	m.writePort(port, []byte{byte(value), byte(value >> 8)})
}

// In32 implements hw.PortIO.
func (m *Machine) In32(port uint16) uint32 {
	var buf [4]byte
	m.readPort(port, buf[:])
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}

// Out32 implements hw.PortIO.
func (m *Machine) Out32(port uint16, value uint32) {
	m.writePort(port, []byte{byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24)})
}

var (
	_ hw.Memory = (*Machine)(nil)
	_ hw.PortIO = (*Machine)(nil)
)

type ram struct {
	data []byte
}

func (r ram) readAt(p []byte, addr uint64) (int, error) {
	if addr >= uint64(len(r.data)) || addr+uint64(len(p)) > uint64(len(r.data)) {
		return 0, fmt.Errorf("hosted: read outside RAM: %#x+%#x", addr, len(p))
	}
	return copy(p, r.data[addr:]), nil
}

func (r ram) writeAt(p []byte, addr uint64) (int, error) {
	if addr >= uint64(len(r.data)) || addr+uint64(len(p)) > uint64(len(r.data)) {
		return 0, fmt.Errorf("hosted: write outside RAM: %#x+%#x", addr, len(p))
	}
	return copy(r.data[addr:], p), nil
}

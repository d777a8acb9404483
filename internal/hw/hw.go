// Package hw defines the boundary between the kernel and the machine it runs
// on: typed physical and virtual addresses, the physical-memory accessor every
// device-visible load and store goes through, and legacy port I/O.
//
// Nothing in the kernel dereferences a physical address directly. Code that
// needs to touch device memory holds a Window obtained from the MMIO mapper
// and performs explicit, access-sized reads and writes through it.
package hw

import (
	"fmt"
	"io"
)

// PhysAddr is an address in the machine's physical address space.
type PhysAddr uint64

// VirtAddr is an address in the kernel's virtual address space.
type VirtAddr uint64

func (a PhysAddr) String() string { return fmt.Sprintf("phys:%#x", uint64(a)) }
func (a VirtAddr) String() string { return fmt.Sprintf("virt:%#x", uint64(a)) }

// PageSize is the only page size the kernel maps with.
const PageSize = 4096

// PageOffset returns the offset of the address within its page.
func (a PhysAddr) PageOffset() uint64 { return uint64(a) % PageSize }

// PageBase returns the address rounded down to its page boundary.
func (a PhysAddr) PageBase() PhysAddr { return a &^ (PageSize - 1) }

// Memory provides access to the physical address space. Reads and writes take
// effect immediately and in program order; implementations must not buffer,
// merge, or reorder accesses, since MMIO registers have read and write side
// effects.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// MMIORegion names a physical address range occupied by a device's registers.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// MemoryKind classifies an entry of the firmware memory map.
type MemoryKind uint8

const (
	MemoryUsable MemoryKind = iota
	MemoryReserved
	MemoryACPIReclaimable
	MemoryACPINVS
	MemoryBad
)

// MemoryRegion is one entry of the firmware memory map. Start and End are
// byte addresses; End is exclusive.
type MemoryRegion struct {
	Start PhysAddr
	End   PhysAddr
	Kind  MemoryKind
}

// PortIO provides access to the legacy x86 I/O port space.
type PortIO interface {
	In8(port uint16) uint8
	Out8(port uint16, value uint8)
	In16(port uint16) uint16
	Out16(port uint16, value uint16)
	In32(port uint16) uint32
	Out32(port uint16, value uint32)
}

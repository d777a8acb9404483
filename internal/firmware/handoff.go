// Package firmware carries what the boot environment hands to the kernel —
// the RSDP location and the physical memory map — and, for the hosted
// machine, synthesises the ACPI tables themselves.
package firmware

import (
	"github.com/emberos/ember/internal/hw"
)

// Handoff is the boot shim's gift to the kernel.
type Handoff struct {
	// RSDP is the physical address of the ACPI root pointer, or zero if the
	// firmware did not provide one.
	RSDP hw.PhysAddr

	// MemoryMap lists physical memory regions in ascending order.
	MemoryMap []hw.MemoryRegion
}

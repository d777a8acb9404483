// Package interrupts owns the interrupt descriptor table and the dispatch
// path from a hardware vector to kernel code: exceptions panic with their
// vector, the timer advances the tick counter and polls the registered task
// runtimes, and device vectors route to their registered handlers. Every
// hardware interrupt except the spurious vector ends with an EOI to the
// local APIC.
package interrupts

import (
	"encoding/binary"

	"github.com/emberos/ember/internal/bits"
)

// Exception and hardware vectors.
const (
	VectorDivideError       = 0
	VectorDebug             = 1
	VectorNMI               = 2
	VectorBreakpoint        = 3
	VectorOverflow          = 4
	VectorBoundRange        = 5
	VectorInvalidOpcode     = 6
	VectorDeviceNotAvail    = 7
	VectorDoubleFault       = 8
	VectorInvalidTSS        = 10
	VectorSegmentNotPresent = 11
	VectorStackFault        = 12
	VectorGeneralProtection = 13
	VectorPageFault         = 14

	// PICRemapBase is where the legacy PIC's vectors are moved so they stop
	// aliasing the exceptions.
	PICRemapBase = 0x20

	VectorTimer        = PICRemapBase + 0
	VectorPS2Primary   = PICRemapBase + 1
	VectorPS2Secondary = PICRemapBase + 12

	// VectorSpurious is the local APIC's spurious interrupt vector.
	VectorSpurious = 0xFF
)

// Interrupt stack table slots. The double fault handler runs on its own
// stack so a corrupt kernel stack cannot take it down; the other dedicated
// handlers share the second slot.
const (
	ISTDoubleFault = 1
	ISTInterrupts  = 2
)

// GateType is the descriptor type field of an IDT gate.
type GateType uint8

const (
	GateInterrupt GateType = 0xE
	GateTrap      GateType = 0xF
)

// GateDescriptor is one 16-byte IDT entry.
type GateDescriptor struct {
	Offset   uint64
	Selector uint16
	IST      uint8
	Type     GateType
	DPL      uint8
	Present  bool
}

// Encode packs the descriptor into its 16-byte hardware layout.
func (g GateDescriptor) Encode() [16]byte {
	var raw [16]byte
	binary.LittleEndian.PutUint16(raw[0:2], uint16(g.Offset))
	binary.LittleEndian.PutUint16(raw[2:4], g.Selector)
	raw[4] = g.IST & 0x7

	flags := uint8(g.Type) & 0xF
	flags = uint8(bits.WithField32(uint32(flags), 5, 2, uint32(g.DPL)))
	if g.Present {
		flags |= 1 << 7
	}
	raw[5] = flags

	binary.LittleEndian.PutUint16(raw[6:8], uint16(g.Offset>>16))
	binary.LittleEndian.PutUint32(raw[8:12], uint32(g.Offset>>32))
	return raw
}

// DecodeGateDescriptor unpacks a 16-byte IDT entry.
func DecodeGateDescriptor(raw [16]byte) GateDescriptor {
	return GateDescriptor{
		Offset: uint64(binary.LittleEndian.Uint16(raw[0:2])) |
			uint64(binary.LittleEndian.Uint16(raw[6:8]))<<16 |
			uint64(binary.LittleEndian.Uint32(raw[8:12]))<<32,
		Selector: binary.LittleEndian.Uint16(raw[2:4]),
		IST:      raw[4] & 0x7,
		Type:     GateType(raw[5] & 0xF),
		DPL:      raw[5] >> 5 & 0x3,
		Present:  raw[5]>>7 == 1,
	}
}

// IDT is the full 256-gate table.
type IDT struct {
	gates [256]GateDescriptor
}

// SetGate installs a gate for the given vector.
func (t *IDT) SetGate(vector uint8, gate GateDescriptor) {
	t.gates[vector] = gate
}

// Gate returns the gate for the given vector.
func (t *IDT) Gate(vector uint8) GateDescriptor {
	return t.gates[vector]
}

// Encode renders the table in the layout the lidt instruction expects.
func (t *IDT) Encode() [256 * 16]byte {
	var raw [256 * 16]byte
	for i, gate := range t.gates {
		encoded := gate.Encode()
		copy(raw[i*16:], encoded[:])
	}
	return raw
}

package pci

import (
	"fmt"

	"github.com/emberos/ember/internal/bits"
	"github.com/emberos/ember/internal/hw"
)

// MSIXMessageControl is the upper half of an MSI-X capability's first
// register.
type MSIXMessageControl uint16

// LastIndex returns the index of the last table entry (table size minus
// one).
func (m MSIXMessageControl) LastIndex() uint16 {
	return bits.Field16(uint16(m), 0, 11)
}

func (m MSIXMessageControl) FunctionMasked() bool { return bits.Bit16(uint16(m), 14) }
func (m MSIXMessageControl) Enabled() bool        { return bits.Bit16(uint16(m), 15) }

func (m MSIXMessageControl) WithFunctionMasked(v bool) MSIXMessageControl {
	return MSIXMessageControl(bits.WithBit16(uint16(m), 14, v))
}

func (m MSIXMessageControl) WithEnabled(v bool) MSIXMessageControl {
	return MSIXMessageControl(bits.WithBit16(uint16(m), 15, v))
}

// MSIXTableEntrySize is the size of one interrupt-table entry: two address
// halves, the message data, and the vector control word.
const MSIXTableEntrySize = 16

// MSIX drives a function's MSI-X capability. Construct it with
// (*Function).MSIX; at most one may exist per function while enable bits or
// the table are being written.
type MSIX struct {
	fn  *Function
	cap Capability
}

// MSIX returns a handle to the function's MSI-X capability.
func (f *Function) MSIX() (*MSIX, bool) {
	c, ok := f.FindCapability(CapabilityIDMSIX)
	if !ok {
		return nil, false
	}
	return &MSIX{fn: f, cap: c}, true
}

// MessageControl reads the capability's message control word.
func (m *MSIX) MessageControl() MSIXMessageControl {
	return MSIXMessageControl(m.fn.reg(m.cap.Register) >> 16)
}

func (m *MSIX) writeMessageControl(ctrl MSIXMessageControl) {
	dword := m.fn.reg(m.cap.Register)
	m.fn.writeReg(m.cap.Register, uint32(ctrl)<<16|dword&0xFFFF)
}

// Table returns the BAR number and byte offset of the interrupt table.
//
// The table's BAR may be shared with device registers, so no window is
// produced here: the caller resolves the BAR number against whatever handle
// it already holds, keeping the one-handle-per-BAR rule intact.
func (m *MSIX) Table() (barNumber int, offset uint64) {
	dword := m.fn.reg(m.cap.Register + 1)
	return int(dword & 0x7), uint64(dword &^ 0x7)
}

// PendingBits returns the BAR number and byte offset of the pending-bit
// array.
func (m *MSIX) PendingBits() (barNumber int, offset uint64) {
	dword := m.fn.reg(m.cap.Register + 2)
	return int(dword & 0x7), uint64(dword &^ 0x7)
}

// Enable programs every table entry to deliver the given vector to the
// given local APIC, unmasks them, enables the capability, and flips the
// function over to message-signalled delivery.
//
// table must be a window positioned at the interrupt table, resolved by the
// caller from Table().
func (m *MSIX) Enable(table hw.Window, apicID uint8, vector uint8) error {
	last := m.MessageControl().LastIndex()
	for i := uint64(0); i <= uint64(last); i++ {
		base := i * MSIXTableEntrySize
		table.WriteUint32(base+0, msiAddress(apicID))
		table.WriteUint32(base+4, 0)
		table.WriteUint32(base+8, msiData(vector))
		// Vector control bit 0 is the per-entry mask.
		table.WriteUint32(base+12, 0)
	}

	m.writeMessageControl(m.MessageControl().WithEnabled(true).WithFunctionMasked(false))

	ctrl := m.MessageControl()
	if !ctrl.Enabled() || ctrl.FunctionMasked() {
		return fmt.Errorf("pci: MSI-X enable did not stick on %v", m.fn.Addr)
	}

	m.fn.WriteCommand(m.fn.Command().
		WithBusMasterEnabled(true).
		WithMemorySpaceEnabled(true).
		WithInterruptsDisabled(true))
	return nil
}

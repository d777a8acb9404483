package pci

import (
	"fmt"

	"github.com/emberos/ember/internal/bits"
	"github.com/emberos/ember/internal/hw"
)

// MSIMessageControl is the upper half of an MSI capability's first register.
type MSIMessageControl uint16

func (m MSIMessageControl) Enabled() bool       { return bits.Bit16(uint16(m), 0) }
func (m MSIMessageControl) Is64Bit() bool       { return bits.Bit16(uint16(m), 7) }
func (m MSIMessageControl) PerVectorMask() bool { return bits.Bit16(uint16(m), 8) }

func (m MSIMessageControl) WithEnabled(v bool) MSIMessageControl {
	return MSIMessageControl(bits.WithBit16(uint16(m), 0, v))
}

// WithMultipleMessageEnable requests 2^n vectors; this kernel always asks
// for one.
func (m MSIMessageControl) WithMultipleMessageEnable(n uint16) MSIMessageControl {
	return MSIMessageControl(bits.WithField16(uint16(m), 4, 3, n))
}

// MSI drives a function's legacy MSI capability: a single address/data pair
// in the capability itself rather than a table behind a BAR.
type MSI struct {
	fn  *Function
	cap Capability
}

// MSI returns a handle to the function's MSI capability.
func (f *Function) MSI() (*MSI, bool) {
	c, ok := f.FindCapability(CapabilityIDMSI)
	if !ok {
		return nil, false
	}
	return &MSI{fn: f, cap: c}, true
}

// MessageControl reads the capability's message control word.
func (m *MSI) MessageControl() MSIMessageControl {
	return MSIMessageControl(m.fn.reg(m.cap.Register) >> 16)
}

func (m *MSI) writeMessageControl(ctrl MSIMessageControl) {
	dword := m.fn.reg(m.cap.Register)
	m.fn.writeReg(m.cap.Register, uint32(ctrl)<<16|dword&0xFFFF)
}

// Enable points the message at the given local APIC and vector and enables
// delivery.
func (m *MSI) Enable(apicID uint8, vector uint8) error {
	ctrl := m.MessageControl()

	m.fn.writeReg(m.cap.Register+1, msiAddress(apicID))
	dataRegister := m.cap.Register + 2
	if ctrl.Is64Bit() {
		m.fn.writeReg(m.cap.Register+2, 0)
		dataRegister = m.cap.Register + 3
	}
	m.fn.writeReg(dataRegister, msiData(vector))

	m.writeMessageControl(ctrl.WithEnabled(true).WithMultipleMessageEnable(0))

	if !m.MessageControl().Enabled() {
		return fmt.Errorf("pci: MSI enable did not stick on %v", m.fn.Addr)
	}

	m.fn.WriteCommand(m.fn.Command().
		WithBusMasterEnabled(true).
		WithMemorySpaceEnabled(true).
		WithInterruptsDisabled(true))
	return nil
}

// SetupMessageInterrupts enables MSI-X when the function has it, falling
// back to legacy MSI. resolveBar maps a BAR number to a window over that
// BAR, so the caller's existing handle is reused for a shared BAR.
func (f *Function) SetupMessageInterrupts(apicID uint8, vector uint8, resolveBar func(barNumber int) (hw.Window, error)) error {
	if msix, ok := f.MSIX(); ok {
		barNumber, offset := msix.Table()
		win, err := resolveBar(barNumber)
		if err != nil {
			return fmt.Errorf("pci: resolving MSI-X table BAR %d: %w", barNumber, err)
		}
		return msix.Enable(win.Slice(offset), apicID, vector)
	}
	if msi, ok := f.MSI(); ok {
		return msi.Enable(apicID, vector)
	}
	return fmt.Errorf("pci: %v has neither MSI-X nor MSI", f.Addr)
}

// Package apic programs the interrupt controllers discovered through the
// MADT: the per-core local APIC and the I/O APIC that fans device interrupts
// out to it.
package apic

import (
	"log/slog"

	"github.com/emberos/ember/internal/hw"
	"github.com/emberos/ember/internal/mm"
)

// Local APIC register offsets. All registers are 32 bits wide at 16-byte
// strides.
const (
	lapicRegID           = 0x020
	lapicRegVersion      = 0x030
	lapicRegEOI          = 0x0B0
	lapicRegSpurious     = 0x0F0
	lapicRegErrorStatus  = 0x280
	lapicRegICRLow       = 0x300
	lapicRegICRHigh      = 0x310
	lapicRegLVTTimer     = 0x320
	lapicRegInitialCount = 0x380
	lapicRegCurrentCount = 0x390
	lapicRegDivideConfig = 0x3E0
)

// timerInitialCount approximates a 100 Hz timer with divisor 128 on the
// hardware this was brought up on.
// TODO: calibrate against the PIT or the ACPI PM timer instead of assuming
// the bus frequency.
const timerInitialCount = 100_000

// divideBy128 is the DIVIDE_CONFIG encoding for a divisor of 128.
const divideBy128 = 0b1010

// LocalAPIC is the boot processor's local APIC register window.
//
// Reads are side-effect free; writes change interrupt delivery for the whole
// machine, which is why everything stateful takes the receiver by pointer and
// is called only from the boot path or the interrupt path.
type LocalAPIC struct {
	mapping *mm.Mapping
	win     hw.Window
}

// NewLocalAPIC maps the local APIC at the given physical base. Two frames
// are mapped so a window that crosses a page boundary stays reachable.
func NewLocalAPIC(mapper *mm.MMIOMapper, base hw.PhysAddr) *LocalAPIC {
	mapping := mapper.Map(base, 2*hw.PageSize)
	return &LocalAPIC{
		mapping: mapping,
		win:     mapping.Window(),
	}
}

// ID returns the local APIC's id.
func (l *LocalAPIC) ID() uint8 {
	return uint8(l.win.ReadUint32(lapicRegID) >> 24)
}

// Enable sets the APIC-enable bit in the spurious interrupt vector register,
// delivering spurious interrupts to the given vector.
func (l *LocalAPIC) Enable(spuriousVector uint8) {
	l.win.WriteUint32(lapicRegSpurious, 0x100|uint32(spuriousVector))
}

// EnableTimer programs the LVT timer for periodic delivery on the given
// vector at roughly 100 Hz.
func (l *LocalAPIC) EnableTimer(vector uint8) {
	// Periodic mode is bit 17 of the LVT entry.
	l.win.WriteUint32(lapicRegLVTTimer, 1<<17|uint32(vector))
	l.win.WriteUint32(lapicRegDivideConfig, divideBy128)
	l.win.WriteUint32(lapicRegInitialCount, timerInitialCount)
	slog.Debug("apic: timer enabled", "vector", vector, "initialCount", timerInitialCount)
}

// NotifyEndOfInterrupt signals completion of the in-service interrupt.
func (l *LocalAPIC) NotifyEndOfInterrupt() {
	l.win.WriteUint32(lapicRegEOI, 0)
}

// SendIPI writes the interrupt command register, high half first; the write
// to the low half sends the interrupt.
func (l *LocalAPIC) SendIPI(ipi IPI) {
	low, high := ipi.toBits()
	l.win.WriteUint32(lapicRegICRHigh, high)
	l.win.WriteUint32(lapicRegICRLow, low)
}

// DeliveryPending reports whether the previous IPI is still being sent.
func (l *LocalAPIC) DeliveryPending() bool {
	return l.win.ReadUint32(lapicRegICRLow)>>12&1 == 1
}

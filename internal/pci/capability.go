package pci

import (
	"github.com/emberos/ember/internal/bits"
)

// Capability ids this kernel cares about.
const (
	CapabilityIDMSI            = 0x05
	CapabilityIDVendorSpecific = 0x09
	CapabilityIDMSIX           = 0x11
)

// capabilityPointerRegister holds the byte offset of the first capability.
const capabilityPointerRegister = 0xD

// Capability is one entry of a function's capability list.
type Capability struct {
	ID uint8

	// Register is the index of the capability's first register. Pointer
	// fields are byte offsets in config space; dividing by four converts
	// them to register indexes.
	Register uint16
}

// Capabilities walks the function's capability list. A function without the
// capabilities-list status bit yields nothing.
//
// The returned entries alias the function's registers: mutating a capability
// (enable bits, interrupt tables) requires the caller to be the only holder,
// the same exclusivity rule BARs follow.
func (f *Function) Capabilities() []Capability {
	if !f.Status().CapabilitiesList() {
		return nil
	}

	var caps []Capability
	pointer := uint16(f.reg(capabilityPointerRegister)&0xFC) >> 2

	// A malformed list could loop; cap the walk at the number of distinct
	// registers a capability could start at.
	for steps := 0; pointer != 0 && steps < 64; steps++ {
		dword := f.reg(pointer)
		caps = append(caps, Capability{
			ID:       uint8(dword),
			Register: pointer,
		})
		pointer = uint16(dword>>8&0xFC) >> 2
	}
	return caps
}

// FindCapability returns the first capability with the given id.
func (f *Function) FindCapability(id uint8) (Capability, bool) {
	for _, c := range f.Capabilities() {
		if c.ID == id {
			return c, true
		}
	}
	return Capability{}, false
}

// msiAddress builds the x86-64 message address targeting the given local
// APIC with physical destination mode.
func msiAddress(apicID uint8) uint32 {
	addr := uint32(0xFEE) << 20
	addr = bits.WithField32(addr, 12, 8, uint32(apicID))
	return addr
}

// msiData builds the message data for fixed delivery, edge trigger, of the
// given vector.
func msiData(vector uint8) uint32 {
	return uint32(vector)
}

package xhci

import (
	"github.com/emberos/ember/internal/bits"
	"github.com/emberos/ember/internal/hw"
)

// Per-port register block offsets.
const (
	portRegSC    = 0x0
	portRegPMSC  = 0x4
	portRegLI    = 0x8
	portRegHLPMC = 0xC
)

// PortRegisters is one port's 16-byte register block.
type PortRegisters struct {
	win hw.Window
}

// StatusAndControl reads PORTSC.
func (p PortRegisters) StatusAndControl() PortStatusControl {
	return PortStatusControl(p.win.ReadUint32(portRegSC))
}

// WriteStatusAndControl writes PORTSC. Callers almost always want to write
// a Normalised value so the register's write-one-to-clear bits are not
// cleared by accident.
func (p PortRegisters) WriteStatusAndControl(v PortStatusControl) {
	p.win.WriteUint32(portRegSC, uint32(v))
}

// PowerManagement reads PORTPMSC.
func (p PortRegisters) PowerManagement() uint32 {
	return p.win.ReadUint32(portRegPMSC)
}

// LinkInfo reads PORTLI.
func (p PortRegisters) LinkInfo() uint32 {
	return p.win.ReadUint32(portRegLI)
}

// PortStatusControl is the PORTSC register.
type PortStatusControl uint32

// portSCRW1CMask covers the bits that clear when written with one: port
// enabled/disabled (1) and the change bits (17-23).
const portSCRW1CMask = uint32(1<<1 |
	1<<17 | 1<<18 | 1<<19 | 1<<20 | 1<<21 | 1<<22 | 1<<23)

func (p PortStatusControl) DeviceConnected() bool { return bits.Bit32(uint32(p), 0) }
func (p PortStatusControl) PortEnabled() bool     { return bits.Bit32(uint32(p), 1) }
func (p PortStatusControl) OverCurrent() bool     { return bits.Bit32(uint32(p), 3) }
func (p PortStatusControl) Reset() bool           { return bits.Bit32(uint32(p), 4) }
func (p PortStatusControl) PortPower() bool       { return bits.Bit32(uint32(p), 9) }

// LinkState returns the port link state field.
func (p PortStatusControl) LinkState() uint8 {
	return uint8(bits.Field32(uint32(p), 5, 4))
}

// Speed returns the port speed id from the port's protocol speed table.
func (p PortStatusControl) Speed() uint8 {
	return uint8(bits.Field32(uint32(p), 10, 4))
}

func (p PortStatusControl) ConnectStatusChange() bool { return bits.Bit32(uint32(p), 17) }
func (p PortStatusControl) PortEnabledChange() bool   { return bits.Bit32(uint32(p), 18) }
func (p PortStatusControl) WarmResetChange() bool     { return bits.Bit32(uint32(p), 19) }
func (p PortStatusControl) OverCurrentChange() bool   { return bits.Bit32(uint32(p), 20) }
func (p PortStatusControl) ResetChange() bool         { return bits.Bit32(uint32(p), 21) }
func (p PortStatusControl) LinkStateChange() bool     { return bits.Bit32(uint32(p), 22) }
func (p PortStatusControl) ConfigErrorChange() bool   { return bits.Bit32(uint32(p), 23) }

// Normalised returns the value with every write-one-to-clear bit zeroed, so
// a read-modify-write does not acknowledge changes it never looked at.
func (p PortStatusControl) Normalised() PortStatusControl {
	return PortStatusControl(uint32(p) &^ portSCRW1CMask)
}

// WithReset asserts the port reset bit.
func (p PortStatusControl) WithReset(v bool) PortStatusControl {
	return PortStatusControl(bits.WithBit32(uint32(p), 4, v))
}

// WithConnectStatusChangeCleared acknowledges the connect status change bit
// (write one to clear).
func (p PortStatusControl) WithConnectStatusChangeCleared() PortStatusControl {
	return PortStatusControl(bits.WithBit32(uint32(p), 17, true))
}

// WithResetChangeCleared acknowledges the reset change bit.
func (p PortStatusControl) WithResetChangeCleared() PortStatusControl {
	return PortStatusControl(bits.WithBit32(uint32(p), 21, true))
}

package pci

import (
	"fmt"

	"github.com/emberos/ember/internal/hw"
	"github.com/emberos/ember/internal/mm"
)

// ConfigAccess reads and writes configuration-space registers. Addresses are
// validated at construction, so neither method returns an error; a register
// the mechanism cannot reach (past index 63 through the legacy ports, or on a
// bus outside the ECAM segment) panics.
type ConfigAccess interface {
	ReadRegister(addr Address) uint32
	WriteRegister(addr Address, value uint32)
}

// Legacy port-based configuration access.
const (
	portConfigAddress = 0xCF8
	portConfigData    = 0xCFC
)

// LegacyAccess drives configuration space through the 0xCF8/0xCFC port
// pair. Registers past index 63 are unreachable this way.
type LegacyAccess struct {
	Ports hw.PortIO
}

func legacyConfigAddress(addr Address) uint32 {
	return 1<<31 |
		uint32(addr.Bus)<<16 |
		uint32(addr.Device)<<11 |
		uint32(addr.Function)<<8 |
		uint32(addr.Register)*4
}

// ReadRegister implements ConfigAccess.
func (l LegacyAccess) ReadRegister(addr Address) uint32 {
	if addr.Register >= maxLegacyRegister {
		panic(fmt.Sprintf("pci: register %#x unreachable via ports", addr.Register))
	}
	l.Ports.Out32(portConfigAddress, legacyConfigAddress(addr))
	return l.Ports.In32(portConfigData)
}

// WriteRegister implements ConfigAccess.
func (l LegacyAccess) WriteRegister(addr Address, value uint32) {
	if addr.Register >= maxLegacyRegister {
		panic(fmt.Sprintf("pci: register %#x unreachable via ports", addr.Register))
	}
	l.Ports.Out32(portConfigAddress, legacyConfigAddress(addr))
	l.Ports.Out32(portConfigData, value)
}

// ECAMAccess drives configuration space through the memory-mapped window the
// MCFG table names. The whole segment is mapped once at boot.
type ECAMAccess struct {
	mapping  *mm.Mapping
	win      hw.Window
	StartBus uint8
	EndBus   uint8
}

// NewECAMAccess maps the ECAM segment covering buses [startBus, endBus].
func NewECAMAccess(mapper *mm.MMIOMapper, base hw.PhysAddr, startBus, endBus uint8) *ECAMAccess {
	buses := uint64(endBus-startBus) + 1
	mapping := mapper.Map(base, buses<<20)
	return &ECAMAccess{
		mapping:  mapping,
		win:      mapping.Window(),
		StartBus: startBus,
		EndBus:   endBus,
	}
}

func (e *ECAMAccess) offset(addr Address) uint64 {
	if addr.Bus < e.StartBus || addr.Bus > e.EndBus {
		panic(fmt.Sprintf("pci: bus %d outside ECAM segment [%d, %d]", addr.Bus, e.StartBus, e.EndBus))
	}
	return uint64(addr.Bus-e.StartBus)<<20 |
		uint64(addr.Device)<<15 |
		uint64(addr.Function)<<12 |
		uint64(addr.Register)*4
}

// ReadRegister implements ConfigAccess.
func (e *ECAMAccess) ReadRegister(addr Address) uint32 {
	return e.win.ReadUint32(e.offset(addr))
}

// WriteRegister implements ConfigAccess.
func (e *ECAMAccess) WriteRegister(addr Address, value uint32) {
	e.win.WriteUint32(e.offset(addr), value)
}

var (
	_ ConfigAccess = LegacyAccess{}
	_ ConfigAccess = (*ECAMAccess)(nil)
)

package xhci

import (
	"github.com/emberos/ember/internal/bits"
	"github.com/emberos/ember/internal/hw"
)

// Extended capability ids.
const (
	ExtCapUSBLegacySupport  = 1
	ExtCapSupportedProtocol = 2
)

// ExtendedCapability is one entry of the controller's extended capability
// list.
type ExtendedCapability struct {
	ID  uint8
	win hw.Window
}

// ExtendedCapabilities walks the list rooted at the capability parameters'
// pointer. Pointer fields are measured in 32-bit words.
type ExtendedCapabilities struct {
	entries []ExtendedCapability
}

// NewExtendedCapabilities walks the list that starts pointer * 4 bytes past
// the capability base window. A zero pointer yields an empty list.
func NewExtendedCapabilities(capBase hw.Window, pointer uint16) *ExtendedCapabilities {
	caps := &ExtendedCapabilities{}
	if pointer == 0 {
		return caps
	}

	offset := uint64(pointer) * 4
	for steps := 0; steps < 64; steps++ {
		win := capBase.Slice(offset)
		header := win.ReadUint32(0)
		caps.entries = append(caps.entries, ExtendedCapability{
			ID:  uint8(header),
			win: win,
		})
		next := bits.Field32(header, 8, 8)
		if next == 0 {
			break
		}
		offset += uint64(next) * 4
	}
	return caps
}

// Entries returns the discovered capabilities.
func (e *ExtendedCapabilities) Entries() []ExtendedCapability { return e.entries }

// SupportedProtocol describes one Supported Protocol capability: a USB
// revision covering a contiguous range of root-hub ports.
type SupportedProtocol struct {
	MajorRevision uint8
	MinorRevision uint8

	// CompatiblePortOffset is the 1-based id of the first port covered.
	CompatiblePortOffset uint8
	CompatiblePortCount  uint8

	// SlotType is what Enable Slot commands for these ports must carry.
	SlotType uint8
}

// SupportedProtocols decodes every Supported Protocol capability.
func (e *ExtendedCapabilities) SupportedProtocols() []SupportedProtocol {
	var protocols []SupportedProtocol
	for _, entry := range e.entries {
		if entry.ID != ExtCapSupportedProtocol {
			continue
		}
		word0 := entry.win.ReadUint32(0)
		word2 := entry.win.ReadUint32(8)
		word3 := entry.win.ReadUint32(12)
		protocols = append(protocols, SupportedProtocol{
			MajorRevision:        uint8(bits.Field32(word0, 24, 8)),
			MinorRevision:        uint8(bits.Field32(word0, 16, 8)),
			CompatiblePortOffset: uint8(bits.Field32(word2, 0, 8)),
			CompatiblePortCount:  uint8(bits.Field32(word2, 8, 8)),
			SlotType:             uint8(bits.Field32(word3, 0, 5)),
		})
	}
	return protocols
}

// ProtocolForPort returns the supported-protocol entry covering the given
// 1-based port id.
func (e *ExtendedCapabilities) ProtocolForPort(portID uint8) (SupportedProtocol, bool) {
	for _, p := range e.SupportedProtocols() {
		if portID >= p.CompatiblePortOffset &&
			portID < p.CompatiblePortOffset+p.CompatiblePortCount {
			return p, true
		}
	}
	return SupportedProtocol{}, false
}

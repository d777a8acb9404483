// Package pcimodel models the legacy PCI configuration mechanism: the
// 0xCF8/0xCFC port pair in front of a set of per-function configuration
// spaces. The hosted machine attaches it so the kernel's normal port-based
// enumeration path works unchanged.
package pcimodel

import (
	"encoding/binary"
	"fmt"

	"github.com/emberos/ember/internal/pci"
)

const (
	portConfigAddress = 0xCF8
	portConfigData    = 0xCFC
)

// HostPorts implements hosted.PortDevice for the config mechanism.
type HostPorts struct {
	functions map[pci.FunctionAddr]pci.ConfigAccess
	address   uint32
}

// NewHostPorts builds an empty bridge.
func NewHostPorts() *HostPorts {
	return &HostPorts{functions: make(map[pci.FunctionAddr]pci.ConfigAccess)}
}

// AddFunction attaches a config space at the given location.
func (h *HostPorts) AddFunction(addr pci.FunctionAddr, space pci.ConfigAccess) error {
	if _, taken := h.functions[addr]; taken {
		return fmt.Errorf("pcimodel: %v already present", addr)
	}
	h.functions[addr] = space
	return nil
}

// IOPorts implements hosted.PortDevice.
func (h *HostPorts) IOPorts() []uint16 {
	return []uint16{portConfigAddress, portConfigData}
}

// decode splits the latched config address.
func (h *HostPorts) decode() (pci.Address, bool) {
	if h.address&(1<<31) == 0 {
		return pci.Address{}, false
	}
	addr, err := pci.NewAddress(
		uint8(h.address>>16),
		uint8(h.address>>11&0x1F),
		uint8(h.address>>8&0x7),
		uint16(h.address>>2&0x3F),
	)
	if err != nil {
		return pci.Address{}, false
	}
	return addr, true
}

// ReadIOPort implements hosted.PortDevice.
func (h *HostPorts) ReadIOPort(port uint16, data []byte) error {
	var value uint32 = 0xFFFF_FFFF
	switch port {
	case portConfigAddress:
		value = h.address
	case portConfigData:
		if addr, ok := h.decode(); ok {
			key := pci.FunctionAddr{Bus: addr.Bus, Device: addr.Device, Function: addr.Function}
			if space, present := h.functions[key]; present {
				value = space.ReadRegister(addr)
			}
		}
	}
	for i := range data {
		data[i] = byte(value >> (8 * i))
	}
	return nil
}

// WriteIOPort implements hosted.PortDevice.
func (h *HostPorts) WriteIOPort(port uint16, data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("pcimodel: %d-byte config port write", len(data))
	}
	value := binary.LittleEndian.Uint32(data)
	switch port {
	case portConfigAddress:
		h.address = value
	case portConfigData:
		if addr, ok := h.decode(); ok {
			key := pci.FunctionAddr{Bus: addr.Bus, Device: addr.Device, Function: addr.Function}
			if space, present := h.functions[key]; present {
				space.WriteRegister(addr, value)
			}
		}
	}
	return nil
}

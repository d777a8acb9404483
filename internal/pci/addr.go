// Package pci enumerates the PCI buses and gives drivers typed access to
// configuration space: header decode, BAR sizing and allocation, the
// capability list, and MSI/MSI-X programming.
package pci

import (
	"fmt"
)

// InvalidAddressError reports a configuration-space address with an
// out-of-range field.
type InvalidAddressError struct {
	Field string
	Value uint32
	Limit uint32
}

func (e InvalidAddressError) Error() string {
	if e.Limit == 0 {
		return fmt.Sprintf("pci: %s %d is misaligned", e.Field, e.Value)
	}
	return fmt.Sprintf("pci: %s %d out of range (limit %d)", e.Field, e.Value, e.Limit)
}

// Address names one 32-bit configuration register of one function.
type Address struct {
	Bus      uint8
	Device   uint8
	Function uint8
	Register uint16
}

// Address construction limits. Legacy port access reaches 64 registers per
// function; ECAM reaches 1024.
const (
	maxDevice         = 32
	maxFunction       = 8
	maxLegacyRegister = 64
	maxECAMRegister   = 1024
)

// NewAddress builds a legacy-reachable address.
func NewAddress(bus, device, function uint8, register uint16) (Address, error) {
	return newAddress(bus, device, function, register, maxLegacyRegister)
}

// NewECAMAddress builds an address reaching the extended register space.
func NewECAMAddress(bus, device, function uint8, register uint16) (Address, error) {
	return newAddress(bus, device, function, register, maxECAMRegister)
}

func newAddress(bus, device, function uint8, register uint16, registerLimit uint16) (Address, error) {
	if device >= maxDevice {
		return Address{}, InvalidAddressError{Field: "device", Value: uint32(device), Limit: maxDevice}
	}
	if function >= maxFunction {
		return Address{}, InvalidAddressError{Field: "function", Value: uint32(function), Limit: maxFunction}
	}
	if register >= registerLimit {
		return Address{}, InvalidAddressError{Field: "register", Value: uint32(register), Limit: uint32(registerLimit)}
	}
	return Address{Bus: bus, Device: device, Function: function, Register: register}, nil
}

// NewAddressFromOffset builds a legacy-reachable address from a byte offset
// into config space. The offset must be 4-byte aligned.
func NewAddressFromOffset(bus, device, function uint8, offset uint16) (Address, error) {
	if offset%4 != 0 {
		return Address{}, InvalidAddressError{Field: "register offset", Value: uint32(offset), Limit: 0}
	}
	return newAddress(bus, device, function, offset/4, maxLegacyRegister)
}

// WithRegister returns the same function's address at another register.
func (a Address) WithRegister(register uint16) (Address, error) {
	return newAddress(a.Bus, a.Device, a.Function, register, maxECAMRegister)
}

func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x.%x reg %#x", a.Bus, a.Device, a.Function, a.Register)
}

// FunctionAddr names a function without a register.
type FunctionAddr struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

func (f FunctionAddr) String() string {
	return fmt.Sprintf("%02x:%02x.%x", f.Bus, f.Device, f.Function)
}

// Register returns an address for the given register of this function.
func (f FunctionAddr) Register(register uint16) (Address, error) {
	return newAddress(f.Bus, f.Device, f.Function, register, maxECAMRegister)
}

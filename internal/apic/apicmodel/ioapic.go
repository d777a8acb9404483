// Package apicmodel emulates the I/O APIC's indirect register protocol for
// the hosted machine: an index register, a data register, and 24
// redirection entries. The local APIC needs no model — its registers are
// plain reads and writes, which RAM already provides.
package apicmodel

import (
	"encoding/binary"
	"fmt"

	"github.com/emberos/ember/internal/hw"
)

const (
	registerSelect = 0x00
	registerData   = 0x10

	idRegister           = 0x00
	versionRegister      = 0x01
	redirectionTableBase = 0x10

	entryCount = 24
)

// IOAPIC is the emulated controller.
type IOAPIC struct {
	Base uint64
	ID   uint8

	index   uint8
	entries [entryCount]uint64
}

// New builds an I/O APIC model at the given MMIO base.
func New(base uint64, id uint8) *IOAPIC {
	return &IOAPIC{Base: base, ID: id}
}

// Entry returns the raw redirection entry for the given input.
func (m *IOAPIC) Entry(input int) uint64 { return m.entries[input] }

// MMIORegions implements hosted.MMIODevice.
func (m *IOAPIC) MMIORegions() []hw.MMIORegion {
	return []hw.MMIORegion{{Address: m.Base, Size: 0x20}}
}

func (m *IOAPIC) register(index uint8) *uint64 {
	if index >= redirectionTableBase && int(index) < redirectionTableBase+2*entryCount {
		return &m.entries[(index-redirectionTableBase)/2]
	}
	return nil
}

// ReadMMIO implements hosted.MMIODevice.
func (m *IOAPIC) ReadMMIO(addr uint64, data []byte) error {
	var value uint32
	switch addr - m.Base {
	case registerSelect:
		value = uint32(m.index)
	case registerData:
		switch {
		case m.index == idRegister:
			value = uint32(m.ID) << 24
		case m.index == versionRegister:
			value = uint32(entryCount-1)<<16 | 0x11
		default:
			if reg := m.register(m.index); reg != nil {
				if m.index&1 == 1 {
					value = uint32(*reg >> 32)
				} else {
					value = uint32(*reg)
				}
			}
		}
	default:
		return fmt.Errorf("apicmodel: bad read offset %#x", addr-m.Base)
	}
	binary.LittleEndian.PutUint32(data, value)
	return nil
}

// WriteMMIO implements hosted.MMIODevice.
func (m *IOAPIC) WriteMMIO(addr uint64, data []byte) error {
	value := binary.LittleEndian.Uint32(data)
	switch addr - m.Base {
	case registerSelect:
		m.index = uint8(value)
	case registerData:
		if reg := m.register(m.index); reg != nil {
			if m.index&1 == 1 {
				*reg = *reg&0xFFFF_FFFF | uint64(value)<<32
			} else {
				*reg = *reg&^uint64(0xFFFF_FFFF) | uint64(value)
			}
		}
	default:
		return fmt.Errorf("apicmodel: bad write offset %#x", addr-m.Base)
	}
	return nil
}

package pci

import (
	"fmt"

	"github.com/emberos/ember/internal/bits"
)

// CommandRegister is the 16-bit command register at config offset 0x04.
type CommandRegister uint16

func (c CommandRegister) IOSpaceEnabled() bool      { return bits.Bit16(uint16(c), 0) }
func (c CommandRegister) MemorySpaceEnabled() bool  { return bits.Bit16(uint16(c), 1) }
func (c CommandRegister) BusMasterEnabled() bool    { return bits.Bit16(uint16(c), 2) }
func (c CommandRegister) ParityErrorResponse() bool { return bits.Bit16(uint16(c), 6) }
func (c CommandRegister) SERREnabled() bool         { return bits.Bit16(uint16(c), 8) }
func (c CommandRegister) InterruptsDisabled() bool  { return bits.Bit16(uint16(c), 10) }

func (c CommandRegister) WithIOSpaceEnabled(v bool) CommandRegister {
	return CommandRegister(bits.WithBit16(uint16(c), 0, v))
}

func (c CommandRegister) WithMemorySpaceEnabled(v bool) CommandRegister {
	return CommandRegister(bits.WithBit16(uint16(c), 1, v))
}

func (c CommandRegister) WithBusMasterEnabled(v bool) CommandRegister {
	return CommandRegister(bits.WithBit16(uint16(c), 2, v))
}

func (c CommandRegister) WithInterruptsDisabled(v bool) CommandRegister {
	return CommandRegister(bits.WithBit16(uint16(c), 10, v))
}

// StatusRegister is the 16-bit status register at config offset 0x06. The
// error bits are write-one-to-clear latches.
type StatusRegister uint16

func (s StatusRegister) InterruptPending() bool      { return bits.Bit16(uint16(s), 3) }
func (s StatusRegister) CapabilitiesList() bool      { return bits.Bit16(uint16(s), 4) }
func (s StatusRegister) MasterDataParityError() bool { return bits.Bit16(uint16(s), 8) }
func (s StatusRegister) SignaledTargetAbort() bool   { return bits.Bit16(uint16(s), 11) }
func (s StatusRegister) ReceivedTargetAbort() bool   { return bits.Bit16(uint16(s), 12) }
func (s StatusRegister) ReceivedMasterAbort() bool   { return bits.Bit16(uint16(s), 13) }
func (s StatusRegister) SignaledSystemError() bool   { return bits.Bit16(uint16(s), 14) }
func (s StatusRegister) DetectedParityError() bool   { return bits.Bit16(uint16(s), 15) }

// HeaderKind is the layout of the type-specific part of a header.
type HeaderKind uint8

const (
	HeaderGeneralDevice HeaderKind = 0x00
	HeaderPCIToPCI      HeaderKind = 0x01
	HeaderCardbus       HeaderKind = 0x02
)

// BARCount returns how many BAR slots the layout carries.
func (k HeaderKind) BARCount() int {
	switch k {
	case HeaderGeneralDevice:
		return 6
	case HeaderPCIToPCI:
		return 2
	default:
		return 0
	}
}

// Header is the decoded common prefix of a function's configuration header.
type Header struct {
	VendorID uint16
	DeviceID uint16
	Command  CommandRegister
	Status   StatusRegister

	RevisionID uint8
	ClassCode  ClassCode

	CacheLineSize uint8
	LatencyTimer  uint8
	Kind          HeaderKind
	MultiFunction bool
	BIST          uint8
}

// invalidVendorID is what a read of a vacant slot returns.
const invalidVendorID = 0xFFFF

// headerRegisterCount covers the common prefix plus the type-specific tail
// of a type 0 header.
const headerRegisterCount = 0x11

// Function is one discovered PCI function: its location plus the access path
// to its registers.
type Function struct {
	Addr   FunctionAddr
	Access ConfigAccess
}

// reg reads one register of this function.
func (f *Function) reg(register uint16) uint32 {
	addr, err := f.Addr.Register(register)
	if err != nil {
		panic(fmt.Sprintf("pci: %v", err))
	}
	return f.Access.ReadRegister(addr)
}

// writeReg writes one register of this function.
func (f *Function) writeReg(register uint16, value uint32) {
	addr, err := f.Addr.Register(register)
	if err != nil {
		panic(fmt.Sprintf("pci: %v", err))
	}
	f.Access.WriteRegister(addr, value)
}

// Command reads the command register.
func (f *Function) Command() CommandRegister {
	return CommandRegister(f.reg(1) & 0xFFFF)
}

// WriteCommand writes the command register, preserving the status half of
// the dword. The status bits are write-one-to-clear, so zeroes are written
// there.
func (f *Function) WriteCommand(cmd CommandRegister) {
	f.writeReg(1, uint32(cmd))
}

// Status reads the status register.
func (f *Function) Status() StatusRegister {
	return StatusRegister(f.reg(1) >> 16)
}

// ReadHeader decodes the function's header. A nil header with a nil error
// means the slot is vacant.
func (f *Function) ReadHeader() (*Header, error) {
	var regs [headerRegisterCount]uint32
	regs[0] = f.reg(0)

	vendor := uint16(regs[0] & 0xFFFF)
	if vendor == invalidVendorID {
		return nil, nil
	}
	for i := uint16(1); i < headerRegisterCount; i++ {
		regs[i] = f.reg(i)
	}

	class, err := DecodeClassCode(uint8(regs[2]>>24), uint8(regs[2]>>16), uint8(regs[2]>>8))
	if err != nil {
		return nil, err
	}

	headerType := uint8(regs[3] >> 16)
	kind := HeaderKind(headerType & 0x7F)
	switch kind {
	case HeaderGeneralDevice, HeaderPCIToPCI, HeaderCardbus:
	default:
		return nil, InvalidValueError{What: "header type", Value: uint32(kind)}
	}

	return &Header{
		VendorID:      vendor,
		DeviceID:      uint16(regs[0] >> 16),
		Command:       CommandRegister(regs[1]),
		Status:        StatusRegister(regs[1] >> 16),
		RevisionID:    uint8(regs[2]),
		ClassCode:     class,
		CacheLineSize: uint8(regs[3]),
		LatencyTimer:  uint8(regs[3] >> 8),
		Kind:          kind,
		MultiFunction: headerType&0x80 != 0,
		BIST:          uint8(regs[3] >> 24),
	}, nil
}

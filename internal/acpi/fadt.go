package acpi

import (
	"encoding/binary"
	"fmt"

	"github.com/emberos/ember/internal/hw"
)

// GenericAddress is the ACPI Generic Address Structure: a register described
// by address-space id rather than a bare pointer.
type GenericAddress struct {
	AddressSpace uint8
	BitWidth     uint8
	BitOffset    uint8
	AccessSize   uint8
	Address      uint64
}

func decodeGenericAddress(b []byte) GenericAddress {
	return GenericAddress{
		AddressSpace: b[0],
		BitWidth:     b[1],
		BitOffset:    b[2],
		AccessSize:   b[3],
		Address:      binary.LittleEndian.Uint64(b[4:12]),
	}
}

// FADT is the Fixed ACPI Description Table. The main fields sit at fixed
// offsets from the table start; revision 1 and later tables append the
// extended block with the reset register and 64-bit structure pointers.
type FADT struct {
	Header SDTHeader

	FirmwareCtrl       uint32
	DSDT               uint32
	PreferredPMProfile uint8
	SCIInterrupt       uint16
	SMICommand         uint32
	ACPIEnable         uint8
	ACPIDisable        uint8
	S4BIOSReq          uint8
	PStateControl      uint8
	PM1aEventBlock     uint32
	PM1bEventBlock     uint32
	PM1aControlBlock   uint32
	PM1bControlBlock   uint32
	PM2ControlBlock    uint32
	PMTimerBlock       uint32
	GPE0Block          uint32
	GPE1Block          uint32
	PM1EventLength     uint8
	PM1ControlLength   uint8
	PM2ControlLength   uint8
	PMTimerLength      uint8
	GPE0BlockLength    uint8
	GPE1BlockLength    uint8
	GPE1Base           uint8
	CStateControl      uint8
	PLevel2Latency     uint16
	PLevel3Latency     uint16
	FlushSize          uint16
	FlushStride        uint16
	DutyOffset         uint8
	DutyWidth          uint8
	DayAlarm           uint8
	MonthAlarm         uint8
	Century            uint8
	IAPCBootArch       uint16
	Flags              uint32

	// Extension holds the revision >= 1 trailer when present.
	Extension *FADTExtension
}

// FADTExtension is the Generic-Address-Structure block appended by later
// FADT revisions.
type FADTExtension struct {
	ResetRegister GenericAddress
	ResetValue    uint8
	ARMBootArch   uint16
	MinorVersion  uint8

	XFirmwareCtrl uint64
	XDSDT         uint64

	XPM1aEventBlock   GenericAddress
	XPM1bEventBlock   GenericAddress
	XPM1aControlBlock GenericAddress
	XPM1bControlBlock GenericAddress
	XPM2ControlBlock  GenericAddress
	XPMTimerBlock     GenericAddress
	XGPE0Block        GenericAddress
	XGPE1Block        GenericAddress
}

// Byte offsets from the start of the table.
const (
	fadtMainEnd      = 116
	fadtExtensionEnd = 244
)

func parseFADT(header SDTHeader, raw []byte) (*FADT, error) {
	if len(raw) < fadtMainEnd {
		return nil, fmt.Errorf("acpi: FADT too short: %d bytes", len(raw))
	}

	f := &FADT{
		Header:             header,
		FirmwareCtrl:       binary.LittleEndian.Uint32(raw[36:40]),
		DSDT:               binary.LittleEndian.Uint32(raw[40:44]),
		PreferredPMProfile: raw[45],
		SCIInterrupt:       binary.LittleEndian.Uint16(raw[46:48]),
		SMICommand:         binary.LittleEndian.Uint32(raw[48:52]),
		ACPIEnable:         raw[52],
		ACPIDisable:        raw[53],
		S4BIOSReq:          raw[54],
		PStateControl:      raw[55],
		PM1aEventBlock:     binary.LittleEndian.Uint32(raw[56:60]),
		PM1bEventBlock:     binary.LittleEndian.Uint32(raw[60:64]),
		PM1aControlBlock:   binary.LittleEndian.Uint32(raw[64:68]),
		PM1bControlBlock:   binary.LittleEndian.Uint32(raw[68:72]),
		PM2ControlBlock:    binary.LittleEndian.Uint32(raw[72:76]),
		PMTimerBlock:       binary.LittleEndian.Uint32(raw[76:80]),
		GPE0Block:          binary.LittleEndian.Uint32(raw[80:84]),
		GPE1Block:          binary.LittleEndian.Uint32(raw[84:88]),
		PM1EventLength:     raw[88],
		PM1ControlLength:   raw[89],
		PM2ControlLength:   raw[90],
		PMTimerLength:      raw[91],
		GPE0BlockLength:    raw[92],
		GPE1BlockLength:    raw[93],
		GPE1Base:           raw[94],
		CStateControl:      raw[95],
		PLevel2Latency:     binary.LittleEndian.Uint16(raw[96:98]),
		PLevel3Latency:     binary.LittleEndian.Uint16(raw[98:100]),
		FlushSize:          binary.LittleEndian.Uint16(raw[100:102]),
		FlushStride:        binary.LittleEndian.Uint16(raw[102:104]),
		DutyOffset:         raw[104],
		DutyWidth:          raw[105],
		DayAlarm:           raw[106],
		MonthAlarm:         raw[107],
		Century:            raw[108],
		IAPCBootArch:       binary.LittleEndian.Uint16(raw[109:111]),
		Flags:              binary.LittleEndian.Uint32(raw[112:116]),
	}

	if header.Revision >= 1 && len(raw) >= fadtExtensionEnd {
		ext := &FADTExtension{
			ResetRegister: decodeGenericAddress(raw[116:128]),
			ResetValue:    raw[128],
			ARMBootArch:   binary.LittleEndian.Uint16(raw[129:131]),
			MinorVersion:  raw[131],
			XFirmwareCtrl: binary.LittleEndian.Uint64(raw[132:140]),
			XDSDT:         binary.LittleEndian.Uint64(raw[140:148]),
		}
		gas := []*GenericAddress{
			&ext.XPM1aEventBlock, &ext.XPM1bEventBlock,
			&ext.XPM1aControlBlock, &ext.XPM1bControlBlock,
			&ext.XPM2ControlBlock, &ext.XPMTimerBlock,
			&ext.XGPE0Block, &ext.XGPE1Block,
		}
		for i, g := range gas {
			off := 148 + i*12
			*g = decodeGenericAddress(raw[off : off+12])
		}
		f.Extension = ext
	}

	return f, nil
}

// DSDTAddr returns the DSDT location, preferring the 64-bit extension
// pointer when it is non-zero.
func (f *FADT) DSDTAddr() hw.PhysAddr {
	if f.Extension != nil && f.Extension.XDSDT != 0 {
		return hw.PhysAddr(f.Extension.XDSDT)
	}
	return hw.PhysAddr(f.DSDT)
}

// FACSAddr returns the FACS location, preferring the 64-bit extension
// pointer when it is non-zero.
func (f *FADT) FACSAddr() hw.PhysAddr {
	if f.Extension != nil && f.Extension.XFirmwareCtrl != 0 {
		return hw.PhysAddr(f.Extension.XFirmwareCtrl)
	}
	return hw.PhysAddr(f.FirmwareCtrl)
}

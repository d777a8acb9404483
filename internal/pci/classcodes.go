package pci

import (
	"fmt"
)

// InvalidValueError reports a class/subclass/prog-if triple (or another
// enumerated field) this kernel does not recognise. The header is discarded
// but enumeration continues.
type InvalidValueError struct {
	What  string
	Value uint32
}

func (e InvalidValueError) Error() string {
	return fmt.Sprintf("pci: unrecognised %s %#x", e.What, e.Value)
}

// BaseClass is the top level of the class-code triple.
type BaseClass uint8

const (
	ClassLegacy           BaseClass = 0x00
	ClassMassStorage      BaseClass = 0x01
	ClassNetwork          BaseClass = 0x02
	ClassDisplay          BaseClass = 0x03
	ClassMultimedia       BaseClass = 0x04
	ClassMemory           BaseClass = 0x05
	ClassBridge           BaseClass = 0x06
	ClassSimpleComm       BaseClass = 0x07
	ClassBaseSystem       BaseClass = 0x08
	ClassInput            BaseClass = 0x09
	ClassDockingStation   BaseClass = 0x0A
	ClassProcessor        BaseClass = 0x0B
	ClassSerialBus        BaseClass = 0x0C
	ClassWireless         BaseClass = 0x0D
	ClassIntelligentIO    BaseClass = 0x0E
	ClassSatelliteComm    BaseClass = 0x0F
	ClassEncryption       BaseClass = 0x10
	ClassSignalProcessing BaseClass = 0x11
	ClassProcessingAccel  BaseClass = 0x12
	ClassNonEssential     BaseClass = 0x13
	ClassCoprocessor      BaseClass = 0x40
	ClassVendorUnassigned BaseClass = 0xFF
)

// MassStorageType is the subclass of a mass-storage controller.
type MassStorageType uint8

const (
	MassStorageSCSI   MassStorageType = 0x00
	MassStorageIDE    MassStorageType = 0x01
	MassStorageFloppy MassStorageType = 0x02
	MassStorageIPI    MassStorageType = 0x03
	MassStorageRAID   MassStorageType = 0x04
	MassStorageATA    MassStorageType = 0x05
	MassStorageSATA   MassStorageType = 0x06
	MassStorageSAS    MassStorageType = 0x07
	MassStorageNVM    MassStorageType = 0x08
	MassStorageOther  MassStorageType = 0x80
)

// SerialBusType is the subclass of a serial-bus controller.
type SerialBusType uint8

const (
	SerialBusFireWire   SerialBusType = 0x00
	SerialBusACCESS     SerialBusType = 0x01
	SerialBusSSA        SerialBusType = 0x02
	SerialBusUSB        SerialBusType = 0x03
	SerialBusFibre      SerialBusType = 0x04
	SerialBusSMBus      SerialBusType = 0x05
	SerialBusInfiniBand SerialBusType = 0x06
	SerialBusIPMI       SerialBusType = 0x07
	SerialBusSERCOS     SerialBusType = 0x08
	SerialBusCANbus     SerialBusType = 0x09
	SerialBusOther      SerialBusType = 0x80
)

// USBControllerType is the programming interface of a USB controller.
type USBControllerType uint8

const (
	USBControllerUHCI        USBControllerType = 0x00
	USBControllerOHCI        USBControllerType = 0x10
	USBControllerEHCI        USBControllerType = 0x20
	USBControllerXHCI        USBControllerType = 0x30
	USBControllerUnspecified USBControllerType = 0x80
	USBControllerDevice      USBControllerType = 0xFE
)

// ClassCode is a decoded class/subclass/prog-if triple.
type ClassCode struct {
	Base   BaseClass
	Sub    uint8
	ProgIF uint8
}

// DecodeClassCode validates the triple against the combinations the kernel
// knows how to interpret.
func DecodeClassCode(base, sub, progIF uint8) (ClassCode, error) {
	c := ClassCode{Base: BaseClass(base), Sub: sub, ProgIF: progIF}
	switch c.Base {
	case ClassLegacy, ClassMassStorage, ClassNetwork, ClassDisplay, ClassMultimedia,
		ClassMemory, ClassBridge, ClassSimpleComm, ClassBaseSystem, ClassInput,
		ClassDockingStation, ClassProcessor, ClassWireless, ClassIntelligentIO,
		ClassSatelliteComm, ClassEncryption, ClassSignalProcessing,
		ClassProcessingAccel, ClassNonEssential, ClassCoprocessor,
		ClassVendorUnassigned:
		return c, nil
	case ClassSerialBus:
		if SerialBusType(sub) == SerialBusUSB {
			switch USBControllerType(progIF) {
			case USBControllerUHCI, USBControllerOHCI, USBControllerEHCI,
				USBControllerXHCI, USBControllerUnspecified, USBControllerDevice:
				return c, nil
			default:
				return ClassCode{}, InvalidValueError{What: "USB prog-if", Value: uint32(progIF)}
			}
		}
		return c, nil
	default:
		return ClassCode{}, InvalidValueError{What: "class code", Value: uint32(base)}
	}
}

// USBController returns the USB controller kind, if this function is one.
func (c ClassCode) USBController() (USBControllerType, bool) {
	if c.Base == ClassSerialBus && SerialBusType(c.Sub) == SerialBusUSB {
		return USBControllerType(c.ProgIF), true
	}
	return 0, false
}

// IsXHCI reports whether the function is an xHCI USB host controller.
func (c ClassCode) IsXHCI() bool {
	kind, ok := c.USBController()
	return ok && kind == USBControllerXHCI
}

// MassStorage returns the mass-storage subclass, if this function is one.
func (c ClassCode) MassStorage() (MassStorageType, bool) {
	if c.Base == ClassMassStorage {
		return MassStorageType(c.Sub), true
	}
	return 0, false
}

func (c ClassCode) String() string {
	if kind, ok := c.USBController(); ok {
		switch kind {
		case USBControllerUHCI:
			return "USB controller (UHCI)"
		case USBControllerOHCI:
			return "USB controller (OHCI)"
		case USBControllerEHCI:
			return "USB controller (EHCI)"
		case USBControllerXHCI:
			return "USB controller (xHCI)"
		default:
			return "USB controller"
		}
	}
	return fmt.Sprintf("class %02x:%02x:%02x", uint8(c.Base), c.Sub, c.ProgIF)
}

package apic

import (
	"github.com/emberos/ember/internal/bits"
)

// DeliveryMode selects how an interrupt is presented to its target.
type DeliveryMode uint8

const (
	DeliveryFixed          DeliveryMode = 0b000
	DeliveryLowestPriority DeliveryMode = 0b001
	DeliverySMI            DeliveryMode = 0b010
	DeliveryNMI            DeliveryMode = 0b100
	DeliveryINIT           DeliveryMode = 0b101
	DeliveryStartUp        DeliveryMode = 0b110
	DeliveryExtINT         DeliveryMode = 0b111
)

// DestinationMode selects physical or logical addressing.
type DestinationMode uint8

const (
	DestinationPhysical DestinationMode = 0
	DestinationLogical  DestinationMode = 1
)

// DestinationShorthand addresses a group of processors without naming one.
type DestinationShorthand uint8

const (
	ShorthandNone          DestinationShorthand = 0b00
	ShorthandSelf          DestinationShorthand = 0b01
	ShorthandAll           DestinationShorthand = 0b10
	ShorthandAllExceptSelf DestinationShorthand = 0b11
)

// IPI describes an inter-processor interrupt to be written to the ICR.
type IPI struct {
	Vector          uint8
	Delivery        DeliveryMode
	DestinationMode DestinationMode
	Shorthand       DestinationShorthand

	// Destination is the target local-APIC id, used when Shorthand is
	// ShorthandNone. APICs are always named by id, never by reference; the
	// id comes from the MADT.
	Destination uint8

	// LevelAssert and LevelTriggered encode the INIT level de-assert
	// protocol; ordinary IPIs leave LevelAssert true.
	LevelAssert    bool
	LevelTriggered bool
}

// toBits packs the IPI into the ICR's two 32-bit halves.
func (i IPI) toBits() (low, high uint32) {
	low = uint32(i.Vector)
	low = bits.WithField32(low, 8, 3, uint32(i.Delivery))
	low = bits.WithField32(low, 11, 1, uint32(i.DestinationMode))
	low = bits.WithBit32(low, 14, i.LevelAssert)
	low = bits.WithBit32(low, 15, i.LevelTriggered)
	low = bits.WithField32(low, 18, 2, uint32(i.Shorthand))

	high = uint32(i.Destination) << 24
	return low, high
}

// ipiFromBits unpacks the ICR halves; the inverse of toBits.
func ipiFromBits(low, high uint32) IPI {
	return IPI{
		Vector:          uint8(bits.Field32(low, 0, 8)),
		Delivery:        DeliveryMode(bits.Field32(low, 8, 3)),
		DestinationMode: DestinationMode(bits.Field32(low, 11, 1)),
		LevelAssert:     bits.Bit32(low, 14),
		LevelTriggered:  bits.Bit32(low, 15),
		Shorthand:       DestinationShorthand(bits.Field32(low, 18, 2)),
		Destination:     uint8(high >> 24),
	}
}

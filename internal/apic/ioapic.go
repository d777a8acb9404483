package apic

import (
	"fmt"
	"log/slog"

	"github.com/emberos/ember/internal/bits"
	"github.com/emberos/ember/internal/hw"
	"github.com/emberos/ember/internal/mm"
)

// I/O APIC indirect access: an index register and a data register.
const (
	ioapicRegisterSelect = 0x00
	ioapicRegisterData   = 0x10

	ioapicIDRegister           = 0x00
	ioapicVersionRegister      = 0x01
	ioapicRedirectionTableBase = 0x10
)

// PinPolarity selects the active level of an interrupt input.
type PinPolarity uint8

const (
	ActiveHigh PinPolarity = 0
	ActiveLow  PinPolarity = 1
)

// TriggerMode selects edge or level triggering.
type TriggerMode uint8

const (
	EdgeTriggered  TriggerMode = 0
	LevelTriggered TriggerMode = 1
)

// RedirectionEntry is one 64-bit I/O APIC redirection table entry.
type RedirectionEntry struct {
	value uint64
}

// NewRedirectionEntry builds a masked entry.
func NewRedirectionEntry() RedirectionEntry {
	return RedirectionEntry{value: 1 << 16}
}

// RedirectionEntryFromBits wraps a raw 64-bit value.
func RedirectionEntryFromBits(value uint64) RedirectionEntry {
	return RedirectionEntry{value: value}
}

// Bits returns the raw 64-bit value.
func (e RedirectionEntry) Bits() uint64 { return e.value }

func (e RedirectionEntry) Vector() uint8 { return uint8(e.value & 0xFF) }

func (e RedirectionEntry) WithVector(v uint8) RedirectionEntry {
	e.value = bits.WithField64(e.value, 0, 8, uint64(v))
	return e
}

func (e RedirectionEntry) Delivery() DeliveryMode {
	return DeliveryMode(bits.Field64(e.value, 8, 3))
}

func (e RedirectionEntry) WithDelivery(d DeliveryMode) RedirectionEntry {
	e.value = bits.WithField64(e.value, 8, 3, uint64(d))
	return e
}

func (e RedirectionEntry) DestinationMode() DestinationMode {
	return DestinationMode(bits.Field64(e.value, 11, 1))
}

func (e RedirectionEntry) WithDestinationMode(m DestinationMode) RedirectionEntry {
	e.value = bits.WithField64(e.value, 11, 1, uint64(m))
	return e
}

// DeliveryPending is the read-only delivery status bit.
func (e RedirectionEntry) DeliveryPending() bool { return bits.Bit64(e.value, 12) }

func (e RedirectionEntry) Polarity() PinPolarity {
	return PinPolarity(bits.Field64(e.value, 13, 1))
}

func (e RedirectionEntry) WithPolarity(p PinPolarity) RedirectionEntry {
	e.value = bits.WithField64(e.value, 13, 1, uint64(p))
	return e
}

// RemoteIRR is the read-only in-service bit for level-triggered entries.
func (e RedirectionEntry) RemoteIRR() bool { return bits.Bit64(e.value, 14) }

func (e RedirectionEntry) Trigger() TriggerMode {
	return TriggerMode(bits.Field64(e.value, 15, 1))
}

func (e RedirectionEntry) WithTrigger(t TriggerMode) RedirectionEntry {
	e.value = bits.WithField64(e.value, 15, 1, uint64(t))
	return e
}

func (e RedirectionEntry) Masked() bool { return bits.Bit64(e.value, 16) }

func (e RedirectionEntry) WithMasked(m bool) RedirectionEntry {
	e.value = bits.WithBit64(e.value, 16, m)
	return e
}

func (e RedirectionEntry) Destination() uint8 { return uint8(e.value >> 56) }

func (e RedirectionEntry) WithDestination(d uint8) RedirectionEntry {
	e.value = bits.WithField64(e.value, 56, 8, uint64(d))
	return e
}

// Validate enforces the entries the hardware would ignore or misdeliver:
// NMI, INIT and SMI deliveries are always edge-triggered, and SMI requires a
// zero vector.
func (e RedirectionEntry) Validate() error {
	switch e.Delivery() {
	case DeliveryNMI, DeliveryINIT, DeliverySMI:
		if e.Trigger() != EdgeTriggered {
			return fmt.Errorf("apic: delivery mode %d must be edge-triggered", e.Delivery())
		}
	}
	if e.Delivery() == DeliverySMI && e.Vector() != 0 {
		return fmt.Errorf("apic: SMI entries require vector 0, got %d", e.Vector())
	}
	return nil
}

// IOAPIC drives one I/O APIC through its index/data register pair.
type IOAPIC struct {
	mapping *mm.Mapping
	win     hw.Window

	// GSIBase is the first global system interrupt this APIC serves, from
	// the MADT.
	GSIBase uint32
}

// NewIOAPIC maps the I/O APIC at the given physical base.
func NewIOAPIC(mapper *mm.MMIOMapper, base hw.PhysAddr, gsiBase uint32) *IOAPIC {
	mapping := mapper.Map(base, hw.PageSize)
	return &IOAPIC{
		mapping: mapping,
		win:     mapping.Window(),
		GSIBase: gsiBase,
	}
}

// readReg reads the register selected by index.
func (io *IOAPIC) readReg(index uint8) uint32 {
	io.win.WriteUint32(ioapicRegisterSelect, uint32(index))
	return io.win.ReadUint32(ioapicRegisterData)
}

// writeReg writes the register selected by index.
func (io *IOAPIC) writeReg(index uint8, value uint32) {
	io.win.WriteUint32(ioapicRegisterSelect, uint32(index))
	io.win.WriteUint32(ioapicRegisterData, value)
}

// ID returns the APIC's id.
func (io *IOAPIC) ID() uint8 {
	return uint8(io.readReg(ioapicIDRegister) >> 24 & 0x0F)
}

// MaxRedirectionEntry returns the index of the last redirection entry.
func (io *IOAPIC) MaxRedirectionEntry() uint8 {
	return uint8(io.readReg(ioapicVersionRegister) >> 16)
}

// ReadRedirectionEntry reads the 64-bit entry for the given input.
func (io *IOAPIC) ReadRedirectionEntry(input uint8) (RedirectionEntry, error) {
	if input > io.MaxRedirectionEntry() {
		return RedirectionEntry{}, fmt.Errorf("apic: redirection entry %d out of range", input)
	}
	low := io.readReg(ioapicRedirectionTableBase + 2*input)
	high := io.readReg(ioapicRedirectionTableBase + 2*input + 1)
	return RedirectionEntryFromBits(uint64(high)<<32 | uint64(low)), nil
}

// WriteRedirectionEntry programs the entry for the given input, low half
// first.
func (io *IOAPIC) WriteRedirectionEntry(input uint8, entry RedirectionEntry) error {
	if input > io.MaxRedirectionEntry() {
		return fmt.Errorf("apic: redirection entry %d out of range", input)
	}
	if err := entry.Validate(); err != nil {
		return err
	}
	raw := entry.Bits()
	io.writeReg(ioapicRedirectionTableBase+2*input, uint32(raw))
	io.writeReg(ioapicRedirectionTableBase+2*input+1, uint32(raw>>32))

	// Read-back check, ignoring the read-only status bits (12 and 14).
	const roMask = uint64(1<<12 | 1<<14)
	if got, err := io.ReadRedirectionEntry(input); err == nil {
		if got.Bits()&^roMask != raw&^roMask {
			slog.Warn("apic: redirection entry read-back mismatch",
				"input", input, "wrote", raw, "read", got.Bits())
		}
	}
	return nil
}

// RouteIRQ points a device interrupt at the given local APIC: fixed
// delivery, physical destination, active high, edge triggered, unmasked.
func (io *IOAPIC) RouteIRQ(input uint8, vector uint8, lapicID uint8) error {
	entry := NewRedirectionEntry().
		WithVector(vector).
		WithDelivery(DeliveryFixed).
		WithDestinationMode(DestinationPhysical).
		WithPolarity(ActiveHigh).
		WithTrigger(EdgeTriggered).
		WithMasked(false).
		WithDestination(lapicID)
	return io.WriteRedirectionEntry(input, entry)
}

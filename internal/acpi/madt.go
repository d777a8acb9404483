package acpi

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/emberos/ember/internal/hw"
)

// MADT is the Multiple APIC Description Table: the local-APIC address and a
// stream of interrupt-controller records.
type MADT struct {
	Header SDTHeader

	// LocalAPICAddr is the 32-bit local-APIC address from the fixed part of
	// the table. A LocalAPICAddressOverride record supersedes it.
	LocalAPICAddr uint32
	Flags         uint32

	records []byte
}

const madtFixedEnd = 44

func parseMADT(header SDTHeader, raw []byte) (*MADT, error) {
	if len(raw) < madtFixedEnd {
		return nil, fmt.Errorf("acpi: MADT too short: %d bytes", len(raw))
	}
	return &MADT{
		Header:        header,
		LocalAPICAddr: binary.LittleEndian.Uint32(raw[36:40]),
		Flags:         binary.LittleEndian.Uint32(raw[40:44]),
		records:       raw[madtFixedEnd:],
	}, nil
}

// MADT record type tags.
const (
	madtTypeLocalAPIC         = 0
	madtTypeIOAPIC            = 1
	madtTypeSourceOverride    = 2
	madtTypeNMISource         = 3
	madtTypeLocalAPICNMI      = 4
	madtTypeLocalAPICOverride = 5
	madtTypeIOSAPIC           = 6
	madtTypeLocalSAPIC        = 7
	madtTypeLocalX2APIC       = 9
)

// MADTRecord is one decoded interrupt-controller record. Exactly one of the
// typed fields is non-nil; unknown types decode to Reserved.
type MADTRecord struct {
	Type   uint8
	Length uint8

	LocalAPIC         *LocalAPICRecord
	IOAPIC            *IOAPICRecord
	SourceOverride    *SourceOverrideRecord
	NMISource         *NMISourceRecord
	LocalAPICNMI      *LocalAPICNMIRecord
	LocalAPICOverride *LocalAPICOverrideRecord
	IOSAPIC           *IOSAPICRecord
	LocalSAPIC        *LocalSAPICRecord
	LocalX2APIC       *LocalX2APICRecord

	// Reserved carries the raw body of a record type this kernel does not
	// decode; iteration continues past it by Length.
	Reserved []byte
}

// LocalAPICRecord announces one processor's local APIC.
type LocalAPICRecord struct {
	ProcessorID uint8
	APICID      uint8
	Flags       uint32
}

// IOAPICRecord announces an I/O APIC and its interrupt base.
type IOAPICRecord struct {
	ID      uint8
	Address uint32
	GSIBase uint32
}

// SourceOverrideRecord maps a legacy IRQ onto a global system interrupt.
type SourceOverrideRecord struct {
	Bus    uint8
	Source uint8
	GSI    uint32
	Flags  uint16
}

// NMISourceRecord names a global system interrupt wired to NMI.
type NMISourceRecord struct {
	Flags uint16
	GSI   uint32
}

// LocalAPICNMIRecord names the local-APIC input a processor's NMI is wired
// to.
type LocalAPICNMIRecord struct {
	ProcessorID uint8
	Flags       uint16
	LINT        uint8
}

// LocalAPICOverrideRecord supersedes the 32-bit local-APIC address in the
// fixed part of the table.
type LocalAPICOverrideRecord struct {
	Address uint64
}

// IOSAPICRecord is the Itanium-era I/O SAPIC variant.
type IOSAPICRecord struct {
	ID      uint8
	GSIBase uint32
	Address uint64
}

// LocalSAPICRecord is the Itanium-era local SAPIC variant.
type LocalSAPICRecord struct {
	ProcessorID  uint8
	ID           uint8
	EID          uint8
	Flags        uint32
	ProcessorUID uint32
}

// LocalX2APICRecord announces a processor addressed through x2APIC.
type LocalX2APICRecord struct {
	X2APICID     uint32
	Flags        uint32
	ProcessorUID uint32
}

// ErrZeroLengthRecord reports a corrupt MADT whose record stream cannot make
// progress.
var ErrZeroLengthRecord = errors.New("acpi: MADT record with zero length")

// Records iterates the record stream in table order. A record of an unknown
// type is yielded as Reserved; a record with length zero aborts iteration
// with ErrZeroLengthRecord.
func (m *MADT) Records(fn func(rec MADTRecord) error) error {
	body := m.records
	for len(body) >= 2 {
		recType := body[0]
		recLen := body[1]
		if recLen == 0 {
			return ErrZeroLengthRecord
		}
		if int(recLen) > len(body) {
			return fmt.Errorf("acpi: MADT record overruns table (type %d, length %d)", recType, recLen)
		}

		rec, err := decodeMADTRecord(recType, recLen, body[:recLen])
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		body = body[recLen:]
	}
	if len(body) != 0 {
		return fmt.Errorf("acpi: %d trailing bytes in MADT record stream", len(body))
	}
	return nil
}

func decodeMADTRecord(recType, recLen uint8, body []byte) (MADTRecord, error) {
	rec := MADTRecord{Type: recType, Length: recLen}
	short := func(want int) error {
		return fmt.Errorf("acpi: MADT record type %d is %d bytes, want %d", recType, recLen, want)
	}

	switch recType {
	case madtTypeLocalAPIC:
		if len(body) < 8 {
			return rec, short(8)
		}
		rec.LocalAPIC = &LocalAPICRecord{
			ProcessorID: body[2],
			APICID:      body[3],
			Flags:       binary.LittleEndian.Uint32(body[4:8]),
		}
	case madtTypeIOAPIC:
		if len(body) < 12 {
			return rec, short(12)
		}
		rec.IOAPIC = &IOAPICRecord{
			ID:      body[2],
			Address: binary.LittleEndian.Uint32(body[4:8]),
			GSIBase: binary.LittleEndian.Uint32(body[8:12]),
		}
	case madtTypeSourceOverride:
		if len(body) < 10 {
			return rec, short(10)
		}
		rec.SourceOverride = &SourceOverrideRecord{
			Bus:    body[2],
			Source: body[3],
			GSI:    binary.LittleEndian.Uint32(body[4:8]),
			Flags:  binary.LittleEndian.Uint16(body[8:10]),
		}
	case madtTypeNMISource:
		if len(body) < 8 {
			return rec, short(8)
		}
		rec.NMISource = &NMISourceRecord{
			Flags: binary.LittleEndian.Uint16(body[2:4]),
			GSI:   binary.LittleEndian.Uint32(body[4:8]),
		}
	case madtTypeLocalAPICNMI:
		if len(body) < 6 {
			return rec, short(6)
		}
		rec.LocalAPICNMI = &LocalAPICNMIRecord{
			ProcessorID: body[2],
			Flags:       binary.LittleEndian.Uint16(body[3:5]),
			LINT:        body[5],
		}
	case madtTypeLocalAPICOverride:
		if len(body) < 12 {
			return rec, short(12)
		}
		rec.LocalAPICOverride = &LocalAPICOverrideRecord{
			Address: binary.LittleEndian.Uint64(body[4:12]),
		}
	case madtTypeIOSAPIC:
		if len(body) < 16 {
			return rec, short(16)
		}
		rec.IOSAPIC = &IOSAPICRecord{
			ID:      body[2],
			GSIBase: binary.LittleEndian.Uint32(body[4:8]),
			Address: binary.LittleEndian.Uint64(body[8:16]),
		}
	case madtTypeLocalSAPIC:
		if len(body) < 16 {
			return rec, short(16)
		}
		rec.LocalSAPIC = &LocalSAPICRecord{
			ProcessorID:  body[2],
			ID:           body[3],
			EID:          body[4],
			Flags:        binary.LittleEndian.Uint32(body[8:12]),
			ProcessorUID: binary.LittleEndian.Uint32(body[12:16]),
		}
	case madtTypeLocalX2APIC:
		if len(body) < 16 {
			return rec, short(16)
		}
		rec.LocalX2APIC = &LocalX2APICRecord{
			X2APICID:     binary.LittleEndian.Uint32(body[4:8]),
			Flags:        binary.LittleEndian.Uint32(body[8:12]),
			ProcessorUID: binary.LittleEndian.Uint32(body[12:16]),
		}
	default:
		rec.Reserved = append([]byte{}, body...)
	}
	return rec, nil
}

// LocalAPICAddress returns the physical address of the boot processor's
// local APIC, honouring an address-override record if present.
func (m *MADT) LocalAPICAddress() (hw.PhysAddr, error) {
	addr := hw.PhysAddr(m.LocalAPICAddr)
	err := m.Records(func(rec MADTRecord) error {
		if rec.LocalAPICOverride != nil {
			addr = hw.PhysAddr(rec.LocalAPICOverride.Address)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return addr, nil
}

// IOAPIC returns the single I/O APIC record.
//
// TODO: machines with more than one I/O APIC need a handle per APIC with
// routing by GSI range; until then finding a second one is an error.
func (m *MADT) IOAPIC() (IOAPICRecord, error) {
	var found *IOAPICRecord
	err := m.Records(func(rec MADTRecord) error {
		if rec.IOAPIC == nil {
			return nil
		}
		if found != nil {
			return errors.New("acpi: multiple I/O APICs are not supported")
		}
		r := *rec.IOAPIC
		found = &r
		return nil
	})
	if err != nil {
		return IOAPICRecord{}, err
	}
	if found == nil {
		return IOAPICRecord{}, errors.New("acpi: MADT lists no I/O APIC")
	}
	return *found, nil
}

// Processors returns the usable processor local-APIC records, x2APIC
// variants included.
func (m *MADT) Processors() ([]LocalAPICRecord, error) {
	var cpus []LocalAPICRecord
	err := m.Records(func(rec MADTRecord) error {
		switch {
		case rec.LocalAPIC != nil:
			cpus = append(cpus, *rec.LocalAPIC)
		case rec.LocalX2APIC != nil:
			cpus = append(cpus, LocalAPICRecord{
				ProcessorID: uint8(rec.LocalX2APIC.ProcessorUID),
				APICID:      uint8(rec.LocalX2APIC.X2APICID),
				Flags:       rec.LocalX2APIC.Flags,
			})
		}
		return nil
	})
	return cpus, err
}

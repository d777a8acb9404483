package acpi

import (
	"encoding/binary"
	"fmt"
)

// MCFGEntry describes one ECAM segment: a memory-mapped window over the
// configuration space of a range of buses.
type MCFGEntry struct {
	BaseAddress  uint64
	SegmentGroup uint16
	StartBus     uint8
	EndBus       uint8
}

// MCFG is the PCIe memory-mapped configuration table.
type MCFG struct {
	Header  SDTHeader
	Entries []MCFGEntry
}

// mcfgFixedEnd covers the header plus the 8 reserved bytes before the
// entry array.
const mcfgFixedEnd = 44

// MCFG finds and parses the PCIe configuration-space table. Firmware that
// predates PCIe does not provide one; the caller falls back to port-based
// access.
func (d *TableDirectory) MCFG() (*MCFG, error) {
	header, raw, err := d.Table("MCFG")
	if err != nil {
		return nil, err
	}
	if len(raw) < mcfgFixedEnd {
		return nil, fmt.Errorf("acpi: MCFG too short: %d bytes", len(raw))
	}

	m := &MCFG{Header: header}
	body := raw[mcfgFixedEnd:]
	for len(body) >= 16 {
		m.Entries = append(m.Entries, MCFGEntry{
			BaseAddress:  binary.LittleEndian.Uint64(body[0:8]),
			SegmentGroup: binary.LittleEndian.Uint16(body[8:10]),
			StartBus:     body[10],
			EndBus:       body[11],
		})
		body = body[16:]
	}
	if len(m.Entries) == 0 {
		return nil, fmt.Errorf("acpi: MCFG lists no segments")
	}
	return m, nil
}

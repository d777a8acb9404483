package acpi

import (
	"encoding/binary"
	"fmt"

	"github.com/emberos/ember/internal/hw"
	"github.com/emberos/ember/internal/mm"
)

// TableDirectory is the RSDT or XSDT: the common header followed by an
// unaligned array of physical table pointers, 32 bits wide in the RSDT and 64
// bits wide in the XSDT.
type TableDirectory struct {
	Header SDTHeader
	Wide   bool

	entries []hw.PhysAddr
	mapper  *mm.MMIOMapper
}

func readTableDirectory(mapper *mm.MMIOMapper, addr hw.PhysAddr, wide bool) (*TableDirectory, error) {
	header, raw, err := readTable(mapper, addr)
	if err != nil {
		return nil, err
	}

	want := "RSDT"
	stride := 4
	if wide {
		want = "XSDT"
		stride = 8
	}
	if header.SignatureString() != want {
		return nil, fmt.Errorf("acpi: expected %s, found %q", want, header.SignatureString())
	}

	body := raw[SDTHeaderSize:]
	entries := make([]hw.PhysAddr, 0, len(body)/stride)
	for len(body) >= stride {
		if wide {
			entries = append(entries, hw.PhysAddr(binary.LittleEndian.Uint64(body)))
		} else {
			entries = append(entries, hw.PhysAddr(binary.LittleEndian.Uint32(body)))
		}
		body = body[stride:]
	}

	return &TableDirectory{
		Header:  header,
		Wide:    wide,
		entries: entries,
		mapper:  mapper,
	}, nil
}

// Entries returns the physical addresses of the listed tables.
func (d *TableDirectory) Entries() []hw.PhysAddr { return d.entries }

// Table scans the directory for the first table with the given 4-byte
// signature whose header checksum validates, and returns its raw bytes along
// with the parsed header. A candidate with a matching signature but a bad
// checksum is skipped.
func (d *TableDirectory) Table(signature string) (SDTHeader, []byte, error) {
	if len(signature) != 4 {
		return SDTHeader{}, nil, fmt.Errorf("acpi: signature %q is not 4 bytes", signature)
	}
	for _, addr := range d.entries {
		sig := peekSignature(d.mapper, addr)
		if string(sig[:]) != signature {
			continue
		}
		header, raw, err := readTable(d.mapper, addr)
		if err != nil {
			continue
		}
		return header, raw, nil
	}
	return SDTHeader{}, nil, fmt.Errorf("acpi: no valid %s table", signature)
}

// FADT finds and parses the Fixed ACPI Description Table.
func (d *TableDirectory) FADT() (*FADT, error) {
	header, raw, err := d.Table("FACP")
	if err != nil {
		return nil, err
	}
	return parseFADT(header, raw)
}

// MADT finds and parses the Multiple APIC Description Table.
func (d *TableDirectory) MADT() (*MADT, error) {
	header, raw, err := d.Table("APIC")
	if err != nil {
		return nil, err
	}
	return parseMADT(header, raw)
}

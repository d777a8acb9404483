package acpi

import (
	"encoding/binary"
	"fmt"

	"github.com/emberos/ember/internal/hw"
	"github.com/emberos/ember/internal/mm"
)

// rsdpSignature is the fixed 8-byte RSDP signature.
var rsdpSignature = [8]byte{'R', 'S', 'D', ' ', 'P', 'T', 'R', ' '}

const (
	rsdpV1Size = 20
	rsdpV2Size = 36
)

// RSDP is the Root System Description Pointer as handed over by the
// bootloader or EFI. Revision 0 carries only the RSDT address; revision 2 and
// later add a length, the XSDT address, and a second checksum over the whole
// structure.
type RSDP struct {
	Revision uint8
	OEMID    [6]byte

	RSDTAddr uint32

	// Revision >= 2 only.
	Length   uint32
	XSDTAddr uint64
}

// ReadRSDP reads and validates the RSDP at the given physical address.
//
// The 20-byte checksum always applies; for revision >= 2 the extended
// checksum over Length bytes must also validate. The XSDT fields are never
// read for a revision 0 structure.
func ReadRSDP(mapper *mm.MMIOMapper, addr hw.PhysAddr) (RSDP, error) {
	var head [rsdpV1Size]byte
	mapper.WithMapping(addr, rsdpV1Size, func(win hw.Window) {
		win.ReadBytes(0, head[:])
	})

	revision := head[15]
	if revision < 2 {
		return parseRSDP(head[:])
	}

	var lengthField [4]byte
	mapper.WithMapping(addr+rsdpV1Size, 4, func(win hw.Window) {
		win.ReadBytes(0, lengthField[:])
	})
	length := binary.LittleEndian.Uint32(lengthField[:])
	if length < rsdpV2Size {
		return RSDP{}, fmt.Errorf("acpi: RSDP declares length %d", length)
	}

	raw := make([]byte, length)
	mapper.WithMapping(addr, uint64(length), func(win hw.Window) {
		win.ReadBytes(0, raw)
	})
	return parseRSDP(raw)
}

func parseRSDP(raw []byte) (RSDP, error) {
	if [8]byte(raw[0:8]) != rsdpSignature {
		return RSDP{}, fmt.Errorf("acpi: bad RSDP signature %q", raw[0:8])
	}
	if err := validateChecksum(raw[:rsdpV1Size]); err != nil {
		return RSDP{}, err
	}

	r := RSDP{
		Revision: raw[15],
		RSDTAddr: binary.LittleEndian.Uint32(raw[16:20]),
	}
	copy(r.OEMID[:], raw[9:15])

	if r.Revision >= 2 {
		if len(raw) < rsdpV2Size {
			return RSDP{}, fmt.Errorf("acpi: truncated revision %d RSDP", r.Revision)
		}
		r.Length = binary.LittleEndian.Uint32(raw[20:24])
		if int(r.Length) != len(raw) {
			return RSDP{}, fmt.Errorf("acpi: RSDP declares length %d", r.Length)
		}
		if err := validateChecksum(raw[:r.Length]); err != nil {
			return RSDP{}, err
		}
		r.XSDTAddr = binary.LittleEndian.Uint64(raw[24:32])
	}
	return r, nil
}

// SystemDescriptionTable returns the table directory the RSDP points at: the
// XSDT when the revision provides one, otherwise the RSDT.
func (r RSDP) SystemDescriptionTable(mapper *mm.MMIOMapper) (*TableDirectory, error) {
	if r.Revision >= 2 && r.XSDTAddr != 0 {
		return readTableDirectory(mapper, hw.PhysAddr(r.XSDTAddr), true)
	}
	return readTableDirectory(mapper, hw.PhysAddr(r.RSDTAddr), false)
}

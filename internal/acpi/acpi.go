// Package acpi locates and parses the firmware's ACPI tables: the RSDP root
// pointer, the RSDT/XSDT directory, the FADT, and the MADT with its
// interrupt-controller records. Tables are reached through the MMIO mapper
// and copied out of firmware memory once their checksums validate.
package acpi

import (
	"encoding/binary"
	"fmt"

	"github.com/emberos/ember/internal/hw"
	"github.com/emberos/ember/internal/mm"
)

// ChecksumError reports a table whose bytes do not sum to zero mod 256. The
// table is discarded.
type ChecksumError struct {
	Sum uint8
}

func (e ChecksumError) Error() string {
	return fmt.Sprintf("acpi: table checksum failed (sum %#02x)", e.Sum)
}

// checksum sums all bytes; a valid table region sums to 0 mod 256.
func checksum(b []byte) uint8 {
	var sum uint8
	for _, v := range b {
		sum += v
	}
	return sum
}

func validateChecksum(b []byte) error {
	if sum := checksum(b); sum != 0 {
		return ChecksumError{Sum: sum}
	}
	return nil
}

// SDTHeaderSize is the size of the header every system description table
// starts with.
const SDTHeaderSize = 36

// SDTHeader is the common table header.
type SDTHeader struct {
	Signature       [4]byte
	Length          uint32
	Revision        uint8
	Checksum        uint8
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       uint32
	CreatorRevision uint32
}

func decodeSDTHeader(b []byte) SDTHeader {
	var h SDTHeader
	copy(h.Signature[:], b[0:4])
	h.Length = binary.LittleEndian.Uint32(b[4:8])
	h.Revision = b[8]
	h.Checksum = b[9]
	copy(h.OEMID[:], b[10:16])
	copy(h.OEMTableID[:], b[16:24])
	h.OEMRevision = binary.LittleEndian.Uint32(b[24:28])
	h.CreatorID = binary.LittleEndian.Uint32(b[28:32])
	h.CreatorRevision = binary.LittleEndian.Uint32(b[32:36])
	return h
}

// SignatureString returns the table signature as text.
func (h SDTHeader) SignatureString() string { return string(h.Signature[:]) }

// Encode renders the header in its wire layout; the inverse of
// decodeSDTHeader. Table synthesis (the hosted machine's firmware) goes
// through this so the header shape is defined in exactly one place.
func (h SDTHeader) Encode() [SDTHeaderSize]byte {
	var b [SDTHeaderSize]byte
	copy(b[0:4], h.Signature[:])
	binary.LittleEndian.PutUint32(b[4:8], h.Length)
	b[8] = h.Revision
	b[9] = h.Checksum
	copy(b[10:16], h.OEMID[:])
	copy(b[16:24], h.OEMTableID[:])
	binary.LittleEndian.PutUint32(b[24:28], h.OEMRevision)
	binary.LittleEndian.PutUint32(b[28:32], h.CreatorID)
	binary.LittleEndian.PutUint32(b[32:36], h.CreatorRevision)
	return b
}

// readTable maps the table at addr, reads its declared length, copies the
// whole table out of firmware memory, and validates the header checksum.
func readTable(mapper *mm.MMIOMapper, addr hw.PhysAddr) (SDTHeader, []byte, error) {
	var length uint32
	mapper.WithMapping(addr, SDTHeaderSize, func(win hw.Window) {
		length = win.ReadUint32(4)
	})
	if length < SDTHeaderSize {
		return SDTHeader{}, nil, fmt.Errorf("acpi: table at %v declares length %d", addr, length)
	}

	raw := make([]byte, length)
	mapper.WithMapping(addr, uint64(length), func(win hw.Window) {
		win.ReadBytes(0, raw)
	})

	if err := validateChecksum(raw); err != nil {
		return SDTHeader{}, nil, err
	}
	return decodeSDTHeader(raw), raw, nil
}

// peekSignature reads just the 4-byte signature of the table at addr.
func peekSignature(mapper *mm.MMIOMapper, addr hw.PhysAddr) [4]byte {
	var sig [4]byte
	mapper.WithMapping(addr, 4, func(win hw.Window) {
		win.ReadBytes(0, sig[:])
	})
	return sig
}

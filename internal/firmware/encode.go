package firmware

import (
	"encoding/binary"

	"github.com/emberos/ember/internal/acpi"
)

// Table serialisation is driven by the same types the kernel parses with:
// acpi.SDTHeader defines the header layout and acpi.GenericAddress the GAS
// layout, so the wire shapes are declared in exactly one place.

func byteSum(b []byte) (sum byte) {
	for _, v := range b {
		sum += v
	}
	return sum
}

// Checksum returns the byte that makes b, with that byte included, sum to
// zero modulo 256.
func Checksum(b []byte) byte {
	return -byteSum(b)
}

// header stamps an SDT header with the machine's OEM identity.
func (oem OEMInfo) header(signature string, revision uint8) acpi.SDTHeader {
	h := acpi.SDTHeader{
		Revision:        revision,
		OEMID:           oem.OEMID,
		OEMTableID:      oem.OEMTableID,
		OEMRevision:     oem.OEMRevision,
		CreatorID:       binary.LittleEndian.Uint32(oem.CreatorID[:]),
		CreatorRevision: oem.CreatorRevision,
	}
	copy(h.Signature[:], signature)
	return h
}

// encodeTable serialises a complete table. The header's length covers
// header plus body, and its checksum byte is chosen so the whole table sums
// to zero.
func encodeTable(header acpi.SDTHeader, body []byte) []byte {
	header.Length = uint32(acpi.SDTHeaderSize + len(body))
	header.Checksum = 0
	head := header.Encode()
	header.Checksum = -(byteSum(head[:]) + byteSum(body))
	head = header.Encode()
	return append(head[:], body...)
}

// encodeGAS serialises a Generic Address Structure; the inverse of the
// decoder in internal/acpi.
func encodeGAS(g acpi.GenericAddress) []byte {
	out := make([]byte, 12)
	out[0] = g.AddressSpace
	out[1] = g.BitWidth
	out[2] = g.BitOffset
	out[3] = g.AccessSize
	binary.LittleEndian.PutUint64(out[4:], g.Address)
	return out
}

func le16(v uint16) []byte {
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, v)
	return out
}

func le32(v uint32) []byte {
	out := make([]byte, 4)
	binary.LittleEndian.PutUint32(out, v)
	return out
}

func le64(v uint64) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint64(out, v)
	return out
}

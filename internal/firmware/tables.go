package firmware

import (
	"encoding/binary"
	"fmt"

	"github.com/emberos/ember/internal/acpi"
	"github.com/emberos/ember/internal/hw"
)

// OEMInfo is stamped into every synthesised table header.
type OEMInfo struct {
	OEMID           [6]byte
	OEMTableID      [8]byte
	OEMRevision     uint32
	CreatorID       [4]byte
	CreatorRevision uint32
}

// DefaultOEM is the identity the hosted machine reports.
var DefaultOEM = OEMInfo{
	OEMID:           [6]byte{'E', 'M', 'B', 'E', 'R', ' '},
	OEMTableID:      [8]byte{'E', 'M', 'B', 'R', 'M', 'A', 'C', 'H'},
	OEMRevision:     1,
	CreatorID:       [4]byte{'E', 'M', 'B', 'R'},
	CreatorRevision: 1,
}

// TableConfig describes the machine the synthesised tables announce.
type TableConfig struct {
	OEM OEMInfo

	// TablesBase is where the tables are placed; RSDPBase is where the
	// root pointer is placed.
	TablesBase hw.PhysAddr
	RSDPBase   hw.PhysAddr

	NumCPUs   int
	LAPICBase uint32
	IOAPIC    IOAPICConfig

	// LAPICOverride, when non-zero, adds a Local APIC Address Override
	// record superseding LAPICBase.
	LAPICOverride uint64

	// ExtraMADTRecords is appended verbatim to the MADT record stream.
	ExtraMADTRecords []byte

	// ECAM, when set, adds an MCFG table naming one configuration segment.
	ECAM *ECAMConfig
}

// IOAPICConfig describes the announced I/O APIC.
type IOAPICConfig struct {
	ID      uint8
	Address uint32
	GSIBase uint32
}

// ECAMConfig describes the announced PCIe configuration segment.
type ECAMConfig struct {
	Base     uint64
	StartBus uint8
	EndBus   uint8
}

func (c *TableConfig) normalize() {
	if c.OEM == (OEMInfo{}) {
		c.OEM = DefaultOEM
	}
	if c.NumCPUs == 0 {
		c.NumCPUs = 1
	}
	if c.LAPICBase == 0 {
		c.LAPICBase = 0xFEE00000
	}
	if c.IOAPIC.Address == 0 {
		c.IOAPIC.Address = 0xFEC00000
	}
}

// InstallTables writes an RSDP, XSDT, FADT and MADT (plus an MCFG when the
// machine has ECAM) into memory per the config, and returns the RSDP
// address for the handoff.
func InstallTables(mem hw.Memory, cfg TableConfig) (hw.PhysAddr, error) {
	cfg.normalize()
	if cfg.TablesBase == 0 || cfg.RSDPBase == 0 {
		return 0, fmt.Errorf("firmware: table placement not configured")
	}

	tables := [][]byte{
		encodeTable(cfg.OEM.header("FACP", fadtRevision), encodeFADTBody()),
		encodeTable(cfg.OEM.header("APIC", 1), encodeMADTBody(cfg)),
	}
	if cfg.ECAM != nil {
		tables = append(tables,
			encodeTable(cfg.OEM.header("MCFG", 1), encodeMCFGBody(cfg.ECAM)))
	}

	// Place the tables one after another on 8-byte boundaries; the XSDT
	// naming them goes last.
	addrs := make([]hw.PhysAddr, len(tables))
	cursor := cfg.TablesBase
	for i, table := range tables {
		addrs[i] = cursor
		cursor += hw.PhysAddr((len(table) + 7) &^ 7)
	}
	xsdtAddr := cursor
	xsdt := encodeTable(cfg.OEM.header("XSDT", 1), encodeXSDTBody(addrs))

	for i, table := range tables {
		if _, err := mem.WriteAt(table, int64(addrs[i])); err != nil {
			return 0, fmt.Errorf("firmware: write %s: %w", table[0:4], err)
		}
	}
	if _, err := mem.WriteAt(xsdt, int64(xsdtAddr)); err != nil {
		return 0, fmt.Errorf("firmware: write XSDT: %w", err)
	}
	if _, err := mem.WriteAt(BuildRSDP(xsdtAddr, cfg.OEM), int64(cfg.RSDPBase)); err != nil {
		return 0, fmt.Errorf("firmware: write RSDP: %w", err)
	}
	return cfg.RSDPBase, nil
}

// MADT record type tags and flags, matching the parser's set.
const (
	recProcessorLocalAPIC = 0
	recIOAPIC             = 1
	recSourceOverride     = 2
	recLocalAPICOverride  = 5

	madtFlagPCATCompatible = 1
	lapicFlagEnabled       = 1
)

// madtRecord frames one interrupt-controller record: type tag, total
// length, payload.
func madtRecord(recType uint8, payload ...byte) []byte {
	return append([]byte{recType, uint8(2 + len(payload))}, payload...)
}

func encodeMADTBody(cfg TableConfig) []byte {
	body := le32(cfg.LAPICBase)
	body = append(body, le32(madtFlagPCATCompatible)...)

	for cpu := 0; cpu < cfg.NumCPUs; cpu++ {
		id := uint8(cpu)
		payload := append([]byte{id, id}, le32(lapicFlagEnabled)...)
		body = append(body, madtRecord(recProcessorLocalAPIC, payload...)...)
	}

	ioapic := []byte{cfg.IOAPIC.ID, 0}
	ioapic = append(ioapic, le32(cfg.IOAPIC.Address)...)
	ioapic = append(ioapic, le32(cfg.IOAPIC.GSIBase)...)
	body = append(body, madtRecord(recIOAPIC, ioapic...)...)

	// The PC's timer interrupt, ISA IRQ 0, arrives on GSI 2.
	override := append([]byte{0, 0}, le32(2)...)
	override = append(override, le16(0)...)
	body = append(body, madtRecord(recSourceOverride, override...)...)

	if cfg.LAPICOverride != 0 {
		payload := append(le16(0), le64(cfg.LAPICOverride)...)
		body = append(body, madtRecord(recLocalAPICOverride, payload...)...)
	}

	return append(body, cfg.ExtraMADTRecords...)
}

// The fixed-hardware profile the hosted machine announces: a desktop with
// the legacy 8042 present, no SMI or PM register blocks, and reset through
// the PC reset port.
const (
	fadtRevision     = 5
	fadtMinorVersion = 1
	fadtLength       = 244

	pmProfileDesktop = 1
	sciInterrupt     = 9

	iapcBootLegacyDevices = 1 << 0
	iapcBoot8042          = 1 << 1

	fadtFlagHWReducedACPI = 1 << 20

	gasSystemIO = 1
	resetPort   = 0xCF9
	resetValue  = 6
)

// resetRegister is the machine's reset mechanism, described as a GAS.
var resetRegister = acpi.GenericAddress{
	AddressSpace: gasSystemIO,
	BitWidth:     8,
	Address:      resetPort,
}

// encodeFADTBody lays the fixed fields out at the offsets the parser in
// internal/acpi/fadt.go reads them from (table offsets, shifted past the
// header). Everything this machine does not provide — DSDT, FACS, the PM
// blocks — stays zero.
func encodeFADTBody() []byte {
	body := make([]byte, fadtLength-acpi.SDTHeaderSize)
	field := func(tableOffset int) []byte {
		return body[tableOffset-acpi.SDTHeaderSize:]
	}

	field(45)[0] = pmProfileDesktop
	copy(field(46), le16(sciInterrupt))
	copy(field(109), le16(iapcBootLegacyDevices|iapcBoot8042))
	copy(field(112), le32(fadtFlagHWReducedACPI))
	copy(field(116), encodeGAS(resetRegister))
	field(128)[0] = resetValue
	field(131)[0] = fadtMinorVersion
	return body
}

func encodeXSDTBody(addrs []hw.PhysAddr) []byte {
	body := make([]byte, 8*len(addrs))
	for i, addr := range addrs {
		binary.LittleEndian.PutUint64(body[8*i:], uint64(addr))
	}
	return body
}

// encodeMCFGBody emits the reserved prefix and one configuration-segment
// entry.
func encodeMCFGBody(ecam *ECAMConfig) []byte {
	body := make([]byte, 8+16)
	binary.LittleEndian.PutUint64(body[8:], ecam.Base)
	body[18] = ecam.StartBus
	body[19] = ecam.EndBus
	return body
}

// BuildRSDP returns a revision 2 root pointer naming the XSDT, with both
// checksum regions made to validate. Field placement mirrors the parser in
// internal/acpi/rsdp.go.
func BuildRSDP(xsdtAddr hw.PhysAddr, oem OEMInfo) []byte {
	const (
		v1Region = 20
		length   = 36
	)
	out := make([]byte, length)
	copy(out, "RSD PTR ")
	copy(out[9:15], oem.OEMID[:])
	out[15] = 2
	binary.LittleEndian.PutUint32(out[20:], length)
	binary.LittleEndian.PutUint64(out[24:], uint64(xsdtAddr))

	out[8] = Checksum(out[:v1Region])
	out[32] = Checksum(out)
	return out
}

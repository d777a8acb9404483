package pci

import (
	"errors"
	"testing"

	"github.com/emberos/ember/internal/hw"
	"github.com/emberos/ember/internal/mm"
)

// mockConfigSpace emulates one function's config space with BAR sizing
// semantics.
type mockConfigSpace struct {
	regs     [64]uint32
	barSize  [6]uint32
	barFlags [6]uint32
}

func (m *mockConfigSpace) barSlot(reg uint16) (int, bool) {
	if reg >= barBaseRegister && reg < barBaseRegister+6 {
		return int(reg - barBaseRegister), true
	}
	return -1, false
}

func (m *mockConfigSpace) ReadRegister(addr Address) uint32 {
	reg := addr.Register
	if slot, ok := m.barSlot(reg); ok && m.barSize[slot] != 0 {
		return m.regs[reg]&^(m.barSize[slot]-1) | m.barFlags[slot]
	}
	return m.regs[reg]
}

func (m *mockConfigSpace) WriteRegister(addr Address, value uint32) {
	m.regs[addr.Register] = value
}

// newXHCIFunctionSpace builds the config space of an xHCI controller with a
// 0x2000-byte BAR 0 and an MSI-X capability at offset 0x50 with four table
// entries behind BAR 0 at offset 0x1000.
func newXHCIFunctionSpace(bar0 uint32) *mockConfigSpace {
	m := &mockConfigSpace{}
	m.regs[0] = 0xABCD_1B36   // device:vendor
	m.regs[1] = 1 << (16 + 4) // status: capabilities list
	m.regs[2] = 0x0C_03_30_01 // serial bus / USB / xHCI, rev 1
	m.regs[3] = 0x00_00_00_10 // header type 0, cache line 16

	m.barSize[0] = 0x2000
	m.regs[barBaseRegister] = bar0

	m.regs[0xD] = 0x50 // capability pointer

	const capReg = 0x50 / 4
	m.regs[capReg] = uint32(3)<<16 | CapabilityIDMSIX // last index 3, next 0
	m.regs[capReg+1] = 0x1000                         // table: BIR 0, offset 0x1000
	m.regs[capReg+2] = 0x1800                         // PBA: BIR 0, offset 0x1800
	return m
}

// sparseMemory is a byte-granular sparse physical space.
type sparseMemory struct {
	data map[uint64]byte
}

func newSparseMemory() *sparseMemory {
	return &sparseMemory{data: make(map[uint64]byte)}
}

func (m *sparseMemory) ReadAt(p []byte, off int64) (int, error) {
	for i := range p {
		p[i] = m.data[uint64(off)+uint64(i)]
	}
	return len(p), nil
}

func (m *sparseMemory) WriteAt(p []byte, off int64) (int, error) {
	for i := range p {
		m.data[uint64(off)+uint64(i)] = p[i]
	}
	return len(p), nil
}

func (m *sparseMemory) uint32At(addr uint64) uint32 {
	return uint32(m.data[addr]) | uint32(m.data[addr+1])<<8 |
		uint32(m.data[addr+2])<<16 | uint32(m.data[addr+3])<<24
}

func TestAddressValidation(t *testing.T) {
	var invalid InvalidAddressError

	if _, err := NewAddress(0, 32, 0, 0); !errors.As(err, &invalid) {
		t.Errorf("device 32: %v", err)
	}
	if _, err := NewAddress(0, 0, 8, 0); !errors.As(err, &invalid) {
		t.Errorf("function 8: %v", err)
	}
	if _, err := NewAddressFromOffset(0, 0, 0, 2); !errors.As(err, &invalid) {
		t.Errorf("offset 2: %v", err)
	}
	if _, err := NewAddress(0, 0, 0, 64); !errors.As(err, &invalid) {
		t.Errorf("legacy register 64: %v", err)
	}
	if _, err := NewECAMAddress(0, 0, 0, 64); err != nil {
		t.Errorf("ECAM register 64: %v", err)
	}
	if _, err := NewECAMAddress(0, 0, 0, 1024); !errors.As(err, &invalid) {
		t.Errorf("ECAM register 1024: %v", err)
	}
	if _, err := NewAddress(3, 31, 7, 63); err != nil {
		t.Errorf("max in-range address rejected: %v", err)
	}
}

// capturePorts records 32-bit port writes and serves reads.
type capturePorts struct {
	lastAddr uint32
	data     uint32
}

func (p *capturePorts) In8(uint16) uint8     { return 0xFF }
func (p *capturePorts) Out8(uint16, uint8)   {}
func (p *capturePorts) In16(uint16) uint16   { return 0xFFFF }
func (p *capturePorts) Out16(uint16, uint16) {}

func (p *capturePorts) In32(port uint16) uint32 {
	if port == portConfigData {
		return p.data
	}
	return 0xFFFF_FFFF
}

func (p *capturePorts) Out32(port uint16, value uint32) {
	if port == portConfigAddress {
		p.lastAddr = value
	}
}

func TestLegacyConfigAddressEncoding(t *testing.T) {
	ports := &capturePorts{data: 0x1234_5678}
	access := LegacyAccess{Ports: ports}

	addr, err := NewAddress(2, 3, 1, 5)
	if err != nil {
		t.Fatal(err)
	}
	if got := access.ReadRegister(addr); got != 0x1234_5678 {
		t.Errorf("data = %#x", got)
	}
	want := uint32(1<<31 | 2<<16 | 3<<11 | 1<<8 | 5*4)
	if ports.lastAddr != want {
		t.Errorf("address = %#x, want %#x", ports.lastAddr, want)
	}
}

func TestReadHeader(t *testing.T) {
	t.Run("XHCIController", func(t *testing.T) {
		fn := &Function{Access: newXHCIFunctionSpace(0)}
		header, err := fn.ReadHeader()
		if err != nil {
			t.Fatal(err)
		}
		if header == nil {
			t.Fatal("header is nil for a present function")
		}
		if header.VendorID != 0x1B36 || header.DeviceID != 0xABCD {
			t.Errorf("vendor:device = %04x:%04x", header.VendorID, header.DeviceID)
		}
		if !header.ClassCode.IsXHCI() {
			t.Errorf("class = %v", header.ClassCode)
		}
		if header.Kind != HeaderGeneralDevice || header.Kind.BARCount() != 6 {
			t.Errorf("kind = %v", header.Kind)
		}
	})

	t.Run("VacantSlot", func(t *testing.T) {
		space := &mockConfigSpace{}
		space.regs[0] = 0xFFFF_FFFF
		fn := &Function{Access: space}
		header, err := fn.ReadHeader()
		if err != nil || header != nil {
			t.Errorf("vacant slot: header=%v err=%v", header, err)
		}
	})

	t.Run("UnknownClass", func(t *testing.T) {
		space := newXHCIFunctionSpace(0)
		space.regs[2] = 0x0C_03_99_01 // unknown USB prog-if
		fn := &Function{Access: space}
		var invalid InvalidValueError
		if _, err := fn.ReadHeader(); !errors.As(err, &invalid) {
			t.Errorf("expected InvalidValueError, got %v", err)
		}
	})
}

func TestBarSizeAndRoundTrip(t *testing.T) {
	space := newXHCIFunctionSpace(0x8000_0000)
	fn := &Function{Access: space}
	bar := fn.Bar(0)

	size := bar.Size()
	if size != 0x2000 {
		t.Fatalf("size = %#x, want 0x2000", size)
	}
	if size&(size-1) != 0 {
		t.Errorf("size %#x is not a power of two", size)
	}

	// The probe must restore the programmed base.
	value, ok := bar.ReadValue().(MemorySpaceBar)
	if !ok || value.Addr != 0x8000_0000 {
		t.Errorf("value after probe = %+v", value)
	}

	if err := bar.WriteU32(0x8010_0000); err != nil {
		t.Fatal(err)
	}
	value, _ = bar.ReadValue().(MemorySpaceBar)
	if value.Addr != 0x8010_0000 {
		t.Errorf("value after write = %+v", value)
	}

	if err := bar.WriteU32(0x8010_0800); err == nil {
		t.Error("unaligned base accepted")
	}
}

func TestBar64RoundTrip(t *testing.T) {
	space := &mockConfigSpace{}
	space.regs[0] = 0x0001_1B36
	space.barSize[2] = 0x4000
	space.barFlags[2] = 0x4 // 64-bit memory BAR

	fn := &Function{Access: space}
	bar := fn.Bar(2)

	const base = uint64(0x1_2000_0000)
	if err := bar.WriteU64(base); err != nil {
		t.Fatal(err)
	}
	value, ok := bar.ReadValue().(MemorySpaceBar)
	if !ok || !value.Wide {
		t.Fatalf("value = %+v", value)
	}
	if value.Addr != base {
		t.Errorf("addr = %#x, want %#x", value.Addr, base)
	}
}

func TestBarAllocate(t *testing.T) {
	alloc := mm.NewFrameAllocator([]hw.MemoryRegion{
		{Start: 0x100000, End: 0x200000, Kind: hw.MemoryUsable},
	})

	t.Run("ExistingBaseReused", func(t *testing.T) {
		space := newXHCIFunctionSpace(0x8000_0000)
		fn := &Function{Access: space}
		frames, err := fn.Bar(0).Allocate(alloc)
		if err != nil {
			t.Fatal(err)
		}
		if frames.Start.Addr() != 0x8000_0000 {
			t.Errorf("existing allocation not returned: %v", frames.Start.Addr())
		}
	})

	t.Run("FreshAllocation", func(t *testing.T) {
		space := newXHCIFunctionSpace(0)
		fn := &Function{Access: space}
		frames, err := fn.Bar(0).Allocate(alloc)
		if err != nil {
			t.Fatal(err)
		}
		if frames.Count != 2 {
			t.Errorf("frames = %d, want 2", frames.Count)
		}
		if uint64(frames.Start.Addr())%0x2000 != 0 {
			t.Errorf("base %v not size-aligned", frames.Start.Addr())
		}
		value, _ := fn.Bar(0).ReadValue().(MemorySpaceBar)
		if value.Addr != uint64(frames.Start.Addr()) {
			t.Errorf("BAR not programmed: %#x", value.Addr)
		}
	})
}

func TestCapabilityWalk(t *testing.T) {
	space := newXHCIFunctionSpace(0)
	// Chain a vendor capability after the MSI-X one.
	const capReg = 0x50 / 4
	space.regs[capReg] = uint32(3)<<16 | 0x60<<8 | CapabilityIDMSIX
	space.regs[0x60/4] = CapabilityIDVendorSpecific

	fn := &Function{Access: space}
	caps := fn.Capabilities()
	if len(caps) != 2 {
		t.Fatalf("caps = %+v", caps)
	}
	if caps[0].ID != CapabilityIDMSIX || caps[1].ID != CapabilityIDVendorSpecific {
		t.Errorf("ids = %d, %d", caps[0].ID, caps[1].ID)
	}

	t.Run("NoListBit", func(t *testing.T) {
		space := newXHCIFunctionSpace(0)
		space.regs[1] = 0
		fn := &Function{Access: space}
		if caps := fn.Capabilities(); caps != nil {
			t.Errorf("caps without list bit = %+v", caps)
		}
	})
}

func TestMSIXEnable(t *testing.T) {
	// The S4 layout: MSI-X capability at 0x50, last index 3, table in BAR 0
	// at offset 0x1000; BAR 0 is 0x2000 bytes at 0x80000000.
	space := newXHCIFunctionSpace(0x8000_0000)
	fn := &Function{Access: space}
	mem := newSparseMemory()

	msix, ok := fn.MSIX()
	if !ok {
		t.Fatal("MSI-X capability not found")
	}
	barNumber, offset := msix.Table()
	if barNumber != 0 || offset != 0x1000 {
		t.Fatalf("table at BAR %d offset %#x", barNumber, offset)
	}

	barValue, _ := fn.Bar(barNumber).ReadValue().(MemorySpaceBar)
	win := hw.Window{Mem: mem, Base: hw.PhysAddr(barValue.Addr)}

	if err := msix.Enable(win.Slice(offset), 0, 0xAA); err != nil {
		t.Fatal(err)
	}

	for i := uint64(0); i < 4; i++ {
		base := 0x8000_1000 + i*16
		if got := mem.uint32At(base); got != 0xFEE0_0000 {
			t.Errorf("entry %d addr_lo = %#x", i, got)
		}
		if got := mem.uint32At(base + 4); got != 0 {
			t.Errorf("entry %d addr_hi = %#x", i, got)
		}
		if got := mem.uint32At(base + 8); got != 0x00AA {
			t.Errorf("entry %d data = %#x", i, got)
		}
		if got := mem.uint32At(base + 12); got != 0 {
			t.Errorf("entry %d vector_control = %#x (masked)", i, got)
		}
	}

	ctrl := msix.MessageControl()
	if !ctrl.Enabled() || ctrl.FunctionMasked() {
		t.Errorf("message control = %#x", uint16(ctrl))
	}

	cmd := fn.Command()
	if !cmd.BusMasterEnabled() || !cmd.InterruptsDisabled() {
		t.Errorf("command = %#x, want bits 2 and 10 set", uint16(cmd))
	}
	if !cmd.MemorySpaceEnabled() {
		t.Errorf("memory space not enabled: %#x", uint16(cmd))
	}
}

func TestMSIEnable(t *testing.T) {
	space := &mockConfigSpace{}
	space.regs[0] = 0x0001_8086
	space.regs[1] = 1 << (16 + 4)
	space.regs[2] = 0x01_06_01_00 // SATA
	space.regs[0xD] = 0x40
	space.regs[0x40/4] = 1<<(16+7) | CapabilityIDMSI // 64-bit capable

	fn := &Function{Access: space}
	msi, ok := fn.MSI()
	if !ok {
		t.Fatal("MSI capability not found")
	}
	if err := msi.Enable(1, 0x55); err != nil {
		t.Fatal(err)
	}

	if got := space.regs[0x40/4+1]; got != 0xFEE0_1000 {
		t.Errorf("address = %#x", got)
	}
	if got := space.regs[0x40/4+3]; got != 0x55 {
		t.Errorf("data = %#x", got)
	}
	if !msi.MessageControl().Enabled() {
		t.Error("not enabled")
	}
}

func TestEnumerate(t *testing.T) {
	present := newXHCIFunctionSpace(0)
	access := routedAccess{
		spaces: map[FunctionAddr]ConfigAccess{
			{Bus: 0, Device: 3}: present,
		},
	}

	found := Enumerate(access, []uint8{0})
	if len(found) != 1 {
		t.Fatalf("found %d functions", len(found))
	}
	if found[0].Function.Addr.Device != 3 || !found[0].Header.ClassCode.IsXHCI() {
		t.Errorf("found = %+v", found[0])
	}
}

// routedAccess fans ConfigAccess out to per-function mock spaces; vacant
// slots read as all ones.
type routedAccess struct {
	spaces map[FunctionAddr]ConfigAccess
}

func (r routedAccess) ReadRegister(addr Address) uint32 {
	key := FunctionAddr{Bus: addr.Bus, Device: addr.Device, Function: addr.Function}
	if space, ok := r.spaces[key]; ok {
		return space.ReadRegister(addr)
	}
	return 0xFFFF_FFFF
}

func (r routedAccess) WriteRegister(addr Address, value uint32) {
	key := FunctionAddr{Bus: addr.Bus, Device: addr.Device, Function: addr.Function}
	if space, ok := r.spaces[key]; ok {
		space.WriteRegister(addr, value)
	}
}

func TestECAMAccessOffsets(t *testing.T) {
	mem := newSparseMemory()
	mapper := mm.NewMMIOMapper(mm.NewTrackingMapper(), mem)
	ecam := NewECAMAccess(mapper, 0x4000_0000, 0, 3)

	addr, err := NewECAMAddress(1, 3, 2, 0x40)
	if err != nil {
		t.Fatal(err)
	}

	ecam.WriteRegister(addr, 0xCAFE_F00D)
	want := uint64(0x4000_0000) | 1<<20 | 3<<15 | 2<<12 | 0x40*4
	if got := mem.uint32At(want); got != 0xCAFE_F00D {
		t.Errorf("write landed at wrong offset: mem[%#x] = %#x", want, got)
	}
	if got := ecam.ReadRegister(addr); got != 0xCAFE_F00D {
		t.Errorf("read = %#x", got)
	}

	t.Run("BusOutsideSegment", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("bus outside segment accepted")
			}
		}()
		out, _ := NewECAMAddress(7, 0, 0, 0)
		ecam.ReadRegister(out)
	})
}

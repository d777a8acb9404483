package mm

import (
	"fmt"

	"github.com/emberos/ember/internal/hw"
)

const (
	// MMIOArenaBase is the start of the virtual arena reserved for MMIO
	// mappings, in the kernel's linear region.
	MMIOArenaBase hw.VirtAddr = 0xFFFF_9000_0000_0000

	// MMIOArenaSize is the size of the arena. 100 GiB of device windows is
	// far beyond what any one machine exposes.
	MMIOArenaSize uint64 = 100 << 30
)

// MMIOMapper grants access to device memory. It owns a bump cursor into the
// virtual arena; each Map call installs PRESENT|WRITABLE|NO_CACHE
// translations for a physical frame range and returns a handle whose Unmap
// removes every page again.
//
// This is the only route from a PhysAddr to something dereferenceable.
type MMIOMapper struct {
	pages  PageMapper
	mem    hw.Memory
	cursor hw.VirtAddr
}

// NewMMIOMapper builds a mapper over the given page table and physical
// accessor.
func NewMMIOMapper(pages PageMapper, mem hw.Memory) *MMIOMapper {
	return &MMIOMapper{pages: pages, mem: mem, cursor: MMIOArenaBase}
}

// Cursor returns the next virtual address the arena would hand out. It only
// ever grows.
func (m *MMIOMapper) Cursor() hw.VirtAddr { return m.cursor }

// Mapping ties a virtual range to the physical frame range it translates to.
// Unmap releases it; the handle must not be used afterwards.
type Mapping struct {
	mapper *MMIOMapper
	virt   hw.VirtAddr
	frames FrameRange
	// offset of the first requested byte within the first page
	offset uint64
	done   bool
}

// Map grants a mapping covering the byte range [addr, addr+size).
//
// Exhausting the arena is fatal: the cursor never rewinds, and a kernel that
// has burned through 100 GiB of device windows is not going to recover.
func (m *MMIOMapper) Map(addr hw.PhysAddr, size uint64) *Mapping {
	if size == 0 {
		panic("mm: zero-length MMIO mapping")
	}
	frames := FrameRangeCovering(addr, size)

	if uint64(m.cursor-MMIOArenaBase)+frames.Bytes() > MMIOArenaSize {
		panic("mm: MMIO arena exhausted")
	}
	virt := m.cursor

	for i := uint64(0); i < frames.Count; i++ {
		err := m.pages.Map(
			virt+hw.VirtAddr(i*hw.PageSize),
			frames.Start+Frame(i),
			FlagPresent|FlagWritable|FlagNoCache,
		)
		if err != nil {
			panic(fmt.Sprintf("mm: MMIO map failed: %v", err))
		}
	}
	m.cursor = virt + hw.VirtAddr(frames.Bytes())

	return &Mapping{
		mapper: m,
		virt:   virt,
		frames: frames,
		offset: addr.PageOffset(),
	}
}

// MapFrames grants a mapping covering a whole frame range.
func (m *MMIOMapper) MapFrames(frames FrameRange) *Mapping {
	return m.Map(frames.Start.Addr(), frames.Bytes())
}

// WithMapping maps the byte range, invokes f with a window positioned at the
// first requested byte, then unmaps.
func (m *MMIOMapper) WithMapping(addr hw.PhysAddr, size uint64, f func(win hw.Window)) {
	mapping := m.Map(addr, size)
	defer mapping.Unmap()
	f(mapping.Window())
}

// VirtBase returns the virtual address of the first requested byte.
func (p *Mapping) VirtBase() hw.VirtAddr {
	return p.virt + hw.VirtAddr(p.offset)
}

// Frames returns the mapped physical frame range.
func (p *Mapping) Frames() FrameRange { return p.frames }

// Window returns an accessor positioned at the first requested byte.
func (p *Mapping) Window() hw.Window {
	if p.done {
		panic("mm: use of unmapped MMIO window")
	}
	return hw.Window{
		Mem:  p.mapper.mem,
		Base: p.frames.Start.Addr() + hw.PhysAddr(p.offset),
	}
}

// Unmap removes every page of the mapping and flushes. Unmapping twice
// panics.
func (p *Mapping) Unmap() {
	if p.done {
		panic("mm: mapping unmapped twice")
	}
	p.done = true
	for i := uint64(0); i < p.frames.Count; i++ {
		err := p.mapper.pages.Unmap(p.virt + hw.VirtAddr(i*hw.PageSize))
		if err != nil {
			panic(fmt.Sprintf("mm: MMIO unmap failed: %v", err))
		}
	}
}

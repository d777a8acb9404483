package mm

import (
	"testing"

	"github.com/emberos/ember/internal/hw"
)

// flatMemory is a tiny in-process physical space for tests.
type flatMemory struct {
	data []byte
}

func (m *flatMemory) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, m.data[off:]), nil
}

func (m *flatMemory) WriteAt(p []byte, off int64) (int, error) {
	return copy(m.data[off:], p), nil
}

func TestMMIOMapperCursorMonotonic(t *testing.T) {
	pages := NewTrackingMapper()
	mapper := NewMMIOMapper(pages, &flatMemory{data: make([]byte, 1<<20)})

	last := mapper.Cursor()
	for i := 0; i < 4; i++ {
		m := mapper.Map(hw.PhysAddr(0x1000*(i+1)), 0x1000)
		if mapper.Cursor() <= last {
			t.Fatalf("cursor did not grow: %v -> %v", last, mapper.Cursor())
		}
		last = mapper.Cursor()
		m.Unmap()
		if mapper.Cursor() != last {
			t.Fatalf("cursor rewound on unmap")
		}
	}
}

func TestMMIOMapperUnmapRemovesPages(t *testing.T) {
	pages := NewTrackingMapper()
	mapper := NewMMIOMapper(pages, &flatMemory{data: make([]byte, 1<<20)})

	m := mapper.Map(0x3000, 3*hw.PageSize)
	if got := pages.MappedPages(); got != 3 {
		t.Fatalf("mapped %d pages, want 3", got)
	}
	virt := m.VirtBase()
	if frame, ok := pages.Lookup(virt); !ok || frame.Addr() != 0x3000 {
		t.Fatalf("lookup %v = %v, %v", virt, frame, ok)
	}

	m.Unmap()
	if got := pages.MappedPages(); got != 0 {
		t.Fatalf("%d pages left mapped after unmap", got)
	}
}

func TestMMIOMapperBoundaryCrossing(t *testing.T) {
	pages := NewTrackingMapper()
	mapper := NewMMIOMapper(pages, &flatMemory{data: make([]byte, 1<<20)})

	// Two bytes short of a page boundary, four bytes long: two frames.
	m := mapper.Map(0x1FFE, 4)
	defer m.Unmap()
	if m.Frames().Count != 2 {
		t.Fatalf("frames = %d, want 2", m.Frames().Count)
	}
	win := m.Window()
	win.WriteUint32(0, 0xDEADBEEF)
	if got := win.ReadUint32(0); got != 0xDEADBEEF {
		t.Errorf("read back %#x", got)
	}
}

func TestWithMapping(t *testing.T) {
	pages := NewTrackingMapper()
	mem := &flatMemory{data: make([]byte, 1<<20)}
	mapper := NewMMIOMapper(pages, mem)

	mapper.WithMapping(0x4004, 8, func(win hw.Window) {
		win.WriteUint64(0, 0x1122334455667788)
	})
	if got := pages.MappedPages(); got != 0 {
		t.Fatalf("%d pages left mapped after WithMapping", got)
	}
	if mem.data[0x4004] != 0x88 {
		t.Errorf("write did not land at requested physical byte")
	}
}

func TestPageBoxZeroesAndFrees(t *testing.T) {
	mem := &flatMemory{data: make([]byte, 1<<20)}
	for i := range mem.data {
		mem.data[i] = 0xAA
	}
	alloc := NewFrameAllocator([]hw.MemoryRegion{usable(0x10000, 0x20000)})

	box, err := NewPageBox(alloc, mem)
	if err != nil {
		t.Fatal(err)
	}
	win := box.Window()
	for _, off := range []uint64{0, 8, hw.PageSize - 8} {
		if got := win.ReadUint64(off); got != 0 {
			t.Errorf("byte %d not zeroed: %#x", off, got)
		}
	}

	frame := box.Frame()
	box.Free()
	next, err := alloc.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if next != frame {
		t.Errorf("freed frame not returned to allocator")
	}
}

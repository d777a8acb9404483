package mm

import (
	"errors"
	"testing"

	"github.com/emberos/ember/internal/hw"
)

func usable(start, end uint64) hw.MemoryRegion {
	return hw.MemoryRegion{Start: hw.PhysAddr(start), End: hw.PhysAddr(end), Kind: hw.MemoryUsable}
}

func reserved(start, end uint64) hw.MemoryRegion {
	return hw.MemoryRegion{Start: hw.PhysAddr(start), End: hw.PhysAddr(end), Kind: hw.MemoryReserved}
}

func TestAllocFrameAscending(t *testing.T) {
	a := NewFrameAllocator([]hw.MemoryRegion{
		usable(0x1000, 0x4000),
		reserved(0x4000, 0x8000),
		usable(0x8000, 0xA000),
	})

	want := []hw.PhysAddr{0x1000, 0x2000, 0x3000, 0x8000, 0x9000}
	for i, addr := range want {
		f, err := a.AllocFrame()
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if f.Addr() != addr {
			t.Errorf("alloc %d: got %v, want %#x", i, f.Addr(), uint64(addr))
		}
	}

	if _, err := a.AllocFrame(); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("expected out of memory, got %v", err)
	}
}

func TestAllocFrameSkipsPartialPages(t *testing.T) {
	// A region that does not contain one whole frame yields nothing.
	a := NewFrameAllocator([]hw.MemoryRegion{
		usable(0x1800, 0x2800),
		usable(0x5000, 0x6000),
	})
	f, err := a.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f.Addr() != 0x5000 {
		t.Errorf("got %v, want 0x5000", f.Addr())
	}
}

func TestAllocContiguousAlignment(t *testing.T) {
	a := NewFrameAllocator([]hw.MemoryRegion{usable(0x1000, 0x20000)})

	// Burn one frame so the cursor is misaligned for a 4-frame request.
	if _, err := a.AllocFrame(); err != nil {
		t.Fatal(err)
	}

	r, err := a.AllocContiguous(4)
	if err != nil {
		t.Fatal(err)
	}
	if r.Count != 4 {
		t.Fatalf("count = %d, want 4", r.Count)
	}
	if uint64(r.Start)%4 != 0 {
		t.Errorf("range start %v not size-aligned", r.Start)
	}

	// The frames skipped for alignment are still handed out afterwards.
	f, err := a.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f.Addr() >= r.Start.Addr() && f.Addr() < r.Start.Addr()+hw.PhysAddr(r.Bytes()) {
		t.Errorf("reused frame %v inside contiguous range", f)
	}
}

func TestAllocContiguousExhaustion(t *testing.T) {
	a := NewFrameAllocator([]hw.MemoryRegion{usable(0x1000, 0x3000)})
	if _, err := a.AllocContiguous(8); !errors.Is(err, ErrOutOfMemory) {
		t.Errorf("expected out of memory, got %v", err)
	}
}

func TestFreeFrameReuse(t *testing.T) {
	a := NewFrameAllocator([]hw.MemoryRegion{usable(0x1000, 0x3000)})
	f, err := a.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	a.FreeFrame(f)
	g, err := a.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if g != f {
		t.Errorf("freed frame not reused: got %v, want %v", g, f)
	}
}

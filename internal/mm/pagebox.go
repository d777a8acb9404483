package mm

import (
	"github.com/emberos/ember/internal/hw"
)

// PageBox owns one page-aligned, zeroed physical frame in the kernel's
// identity region. Ring buffers, context pages and scratchpad frames are all
// PageBoxes: the hardware sees the physical address, the kernel reaches the
// bytes through the box's window.
type PageBox struct {
	alloc *FrameAllocator
	mem   hw.Memory
	frame Frame
	freed bool
}

// NewPageBox allocates and zeroes one frame.
func NewPageBox(alloc *FrameAllocator, mem hw.Memory) (*PageBox, error) {
	frame, err := alloc.AllocFrame()
	if err != nil {
		return nil, err
	}
	b := &PageBox{alloc: alloc, mem: mem, frame: frame}
	zero := make([]byte, hw.PageSize)
	if _, err := mem.WriteAt(zero, int64(frame.Addr())); err != nil {
		alloc.FreeFrame(frame)
		return nil, err
	}
	return b, nil
}

// Frame returns the owned frame.
func (b *PageBox) Frame() Frame { return b.frame }

// PhysAddr returns the physical address of the first byte of the page.
func (b *PageBox) PhysAddr() hw.PhysAddr { return b.frame.Addr() }

// Window returns an accessor over the page.
func (b *PageBox) Window() hw.Window {
	if b.freed {
		panic("mm: use of freed page box")
	}
	return hw.Window{Mem: b.mem, Base: b.frame.Addr()}
}

// Free returns the frame to the allocator. The box must not be used
// afterwards; the caller is responsible for making sure no device still
// holds the physical address.
func (b *PageBox) Free() {
	if b.freed {
		panic("mm: page box freed twice")
	}
	b.freed = true
	b.alloc.FreeFrame(b.frame)
}

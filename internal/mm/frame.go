// Package mm owns the kernel's physical memory plumbing: the boot frame
// allocator, the page-mapper boundary, the MMIO arena that turns physical
// frame ranges into usable windows, and page-sized owned buffers.
package mm

import (
	"fmt"

	"github.com/emberos/ember/internal/hw"
)

// Frame is a 4 KiB physical page frame, identified by its frame number.
type Frame uint64

// FrameAt returns the frame containing the given physical address.
func FrameAt(addr hw.PhysAddr) Frame {
	return Frame(uint64(addr) / hw.PageSize)
}

// Addr returns the physical address of the first byte of the frame.
func (f Frame) Addr() hw.PhysAddr {
	return hw.PhysAddr(uint64(f) * hw.PageSize)
}

func (f Frame) String() string {
	return fmt.Sprintf("frame:%#x", uint64(f))
}

// FrameRange is a contiguous run of physical frames.
type FrameRange struct {
	Start Frame
	Count uint64
}

// Contains reports whether the given frame falls inside the range.
func (r FrameRange) Contains(f Frame) bool {
	return f >= r.Start && uint64(f-r.Start) < r.Count
}

// Bytes returns the size of the range in bytes.
func (r FrameRange) Bytes() uint64 {
	return r.Count * hw.PageSize
}

// FrameRangeCovering returns the smallest frame range covering the byte range
// [addr, addr+size).
func FrameRangeCovering(addr hw.PhysAddr, size uint64) FrameRange {
	start := FrameAt(addr)
	end := FrameAt(addr + hw.PhysAddr(size) - 1)
	return FrameRange{Start: start, Count: uint64(end-start) + 1}
}

package pci

import (
	"fmt"

	"github.com/emberos/ember/internal/hw"
	"github.com/emberos/ember/internal/mm"
)

// barBaseRegister is the register index of BAR 0 in a type 0 header.
const barBaseRegister = 4

// BarValue is the decoded content of a base address register.
type BarValue interface {
	isBarValue()
}

// IOSpaceBar is an I/O-space BAR.
type IOSpaceBar struct {
	Addr uint32
}

// MemorySpaceBar is a memory-space BAR. Wide BARs span two registers and
// carry a 64-bit address.
type MemorySpaceBar struct {
	Addr         uint64
	Wide         bool
	Prefetchable bool
}

func (IOSpaceBar) isBarValue()     {}
func (MemorySpaceBar) isBarValue() {}

// Bar drives one base address register of a function.
//
// At most one Bar may exist per (function, slot): sizing a BAR temporarily
// destroys its value, so two handles probing concurrently would corrupt each
// other. For wide BARs the slot names the lower half.
type Bar struct {
	fn   *Function
	slot int
}

// Bar returns a handle for the given BAR slot. The caller is responsible for
// the slot actually being a BAR of this header layout and for not creating a
// second handle to the same slot.
func (f *Function) Bar(slot int) *Bar {
	if slot < 0 || slot >= 6 {
		panic(fmt.Sprintf("pci: BAR slot %d out of range", slot))
	}
	return &Bar{fn: f, slot: slot}
}

func (b *Bar) register() uint16 {
	return uint16(barBaseRegister + b.slot)
}

// ReadValue decodes the BAR's current content.
func (b *Bar) ReadValue() BarValue {
	low := b.fn.reg(b.register())
	if low&1 == 1 {
		return IOSpaceBar{Addr: low &^ 0x3}
	}

	prefetchable := low&0x8 != 0
	switch low >> 1 & 0x3 {
	case 0b10:
		high := b.fn.reg(b.register() + 1)
		return MemorySpaceBar{
			Addr:         uint64(high)<<32 | uint64(low&^0xF),
			Wide:         true,
			Prefetchable: prefetchable,
		}
	default:
		return MemorySpaceBar{
			Addr:         uint64(low &^ 0xF),
			Prefetchable: prefetchable,
		}
	}
}

// writeAndReset writes probe to the register, reads the result back, then
// restores the original value in the same read-modify-write pass.
func (b *Bar) writeAndReset(register uint16, probe uint32) uint32 {
	original := b.fn.reg(register)
	b.fn.writeReg(register, probe)
	result := b.fn.reg(register)
	b.fn.writeReg(register, original)
	return result
}

// Size probes the BAR's window size by writing all ones to the low register.
// The result is always a power of two.
func (b *Bar) Size() uint64 {
	masked := b.writeAndReset(b.register(), 0xFFFF_FFFF)
	if masked&1 == 1 {
		masked &^= 0x3
	} else {
		masked &^= 0xF
	}
	if masked == 0 {
		return 0
	}
	return uint64(^masked) + 1
}

// WriteU32 programs a narrow BAR with the given base, which must be aligned
// to the BAR's size.
func (b *Bar) WriteU32(base uint32) error {
	if size := b.Size(); size != 0 && uint64(base)%size != 0 {
		return fmt.Errorf("pci: BAR base %#x not aligned to size %#x", base, size)
	}
	low := b.fn.reg(b.register())
	b.fn.writeReg(b.register(), base|low&0xF)
	return nil
}

// WriteU64 programs a wide BAR. The upper half is committed before the
// lower half so the device never decodes a torn address.
func (b *Bar) WriteU64(base uint64) error {
	if size := b.Size(); size != 0 && base%size != 0 {
		return fmt.Errorf("pci: BAR base %#x not aligned to size %#x", base, size)
	}
	low := b.fn.reg(b.register())
	if low>>1&0x3 != 0b10 {
		return fmt.Errorf("pci: BAR %d is not 64-bit capable", b.slot)
	}
	b.fn.writeReg(b.register()+1, uint32(base>>32))
	b.fn.writeReg(b.register(), uint32(base)|low&0xF)
	return nil
}

// Allocate backs the BAR with physical memory: if the firmware already
// programmed a base, that allocation is returned; otherwise enough
// contiguous, size-aligned frames are reserved and written in.
func (b *Bar) Allocate(alloc *mm.FrameAllocator) (mm.FrameRange, error) {
	size := b.Size()
	if size == 0 {
		return mm.FrameRange{}, fmt.Errorf("pci: BAR %d of %v is not implemented", b.slot, b.fn.Addr)
	}

	value := b.ReadValue()
	mem, ok := value.(MemorySpaceBar)
	if !ok {
		return mm.FrameRange{}, fmt.Errorf("pci: BAR %d of %v is I/O space", b.slot, b.fn.Addr)
	}

	if mem.Addr != 0 {
		return mm.FrameRangeCovering(hw.PhysAddr(mem.Addr), size), nil
	}

	frameCount := (size + hw.PageSize - 1) / hw.PageSize
	frames, err := alloc.AllocContiguous(frameCount)
	if err != nil {
		return mm.FrameRange{}, fmt.Errorf("pci: allocating BAR %d of %v: %w", b.slot, b.fn.Addr, err)
	}

	if mem.Wide {
		err = b.WriteU64(uint64(frames.Start.Addr()))
	} else {
		err = b.WriteU32(uint32(frames.Start.Addr()))
	}
	if err != nil {
		return mm.FrameRange{}, err
	}
	return frames, nil
}

package xhci

import (
	"fmt"

	"github.com/emberos/ember/internal/hw"
	"github.com/emberos/ember/internal/mm"
)

// DCBAA is the Device Context Base Address Array: a page of 64-bit
// pointers. Entry zero names the scratchpad buffer array; entries
// 1..maxSlots name device contexts. Built in two passes: the scratchpad
// first, then a context per slot.
type DCBAA struct {
	page       *mm.PageBox
	scratchpad *ScratchpadArray
	contexts   []*OwnedDeviceContext
}

// NewDCBAA allocates the array, the scratchpad the controller asked for,
// and a device context for each of the controller's MaxDeviceSlots slots.
func NewDCBAA(alloc *mm.FrameAllocator, mem hw.Memory, caps CapabilityRegisters) (*DCBAA, error) {
	page, err := mm.NewPageBox(alloc, mem)
	if err != nil {
		return nil, err
	}
	win := page.Window()

	d := &DCBAA{page: page}

	if count := caps.StructuralParameters2().MaxScratchpadBuffers(); count > 0 {
		scratchpad, err := NewScratchpadArray(alloc, mem, int(count))
		if err != nil {
			return nil, fmt.Errorf("xhci: allocating scratchpad: %w", err)
		}
		d.scratchpad = scratchpad
		win.WriteUint64(0, uint64(scratchpad.PhysAddr()))
	}

	stride := contextSizeFor(caps)
	maxSlots := int(caps.StructuralParameters1().MaxDeviceSlots())
	for slot := 1; slot <= maxSlots; slot++ {
		context, err := NewOwnedDeviceContext(alloc, mem, stride)
		if err != nil {
			return nil, fmt.Errorf("xhci: allocating device context %d: %w", slot, err)
		}
		d.contexts = append(d.contexts, context)
		win.WriteUint64(uint64(slot)*8, uint64(context.PhysAddr()))
	}

	return d, nil
}

// PhysAddr returns the array's physical address, for DCBAAP.
func (d *DCBAA) PhysAddr() hw.PhysAddr { return d.page.PhysAddr() }

// Context returns the device context for the given 1-based slot id.
func (d *DCBAA) Context(slot uint8) *OwnedDeviceContext {
	if slot == 0 || int(slot) > len(d.contexts) {
		panic(fmt.Sprintf("xhci: slot %d out of range", slot))
	}
	return d.contexts[slot-1]
}

// Contexts returns every slot's device context, indexed by slot-1.
func (d *DCBAA) Contexts() []*OwnedDeviceContext { return d.contexts }

// ScratchpadArray is a page of 64-bit pointers to controller-owned scratch
// frames. The OS allocates and then never touches them.
type ScratchpadArray struct {
	page   *mm.PageBox
	frames []mm.Frame
}

// NewScratchpadArray allocates count scratch frames and the pointer array
// naming them.
func NewScratchpadArray(alloc *mm.FrameAllocator, mem hw.Memory, count int) (*ScratchpadArray, error) {
	if count > hw.PageSize/8 {
		return nil, fmt.Errorf("xhci: %d scratchpad buffers exceed one array page", count)
	}
	page, err := mm.NewPageBox(alloc, mem)
	if err != nil {
		return nil, err
	}

	s := &ScratchpadArray{page: page}
	win := page.Window()
	for i := 0; i < count; i++ {
		buffer, err := mm.NewPageBox(alloc, mem)
		if err != nil {
			return nil, err
		}
		s.frames = append(s.frames, buffer.Frame())
		win.WriteUint64(uint64(i)*8, uint64(buffer.PhysAddr()))
	}
	return s, nil
}

// PhysAddr returns the array's physical address, for DCBAA entry zero.
func (s *ScratchpadArray) PhysAddr() hw.PhysAddr { return s.page.PhysAddr() }

// BufferCount returns the number of scratch frames.
func (s *ScratchpadArray) BufferCount() int { return len(s.frames) }

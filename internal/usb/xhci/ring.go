package xhci

import (
	"errors"
	"fmt"

	"github.com/emberos/ember/internal/hw"
	"github.com/emberos/ember/internal/mm"
)

// ErrRingFull is returned when a software-driven ring has no free slots.
// Callers may retry once a doorbell has let the controller drain entries.
var ErrRingFull = errors.New("xhci: TRB ring full")

// Ring geometry: one page of TRBs, the last slot permanently holding the
// link TRB back to the start.
const (
	ringTotalLength  = hw.PageSize / TRBSize
	ringUsableLength = ringTotalLength - 1
)

// softwareRing is the shared implementation of the command and transfer
// rings: the OS produces TRBs, the controller consumes them. Ownership of
// each slot is carried by the cycle bit.
type softwareRing struct {
	page *mm.PageBox

	// enqueue is the slot the next TRB is written to.
	enqueue int

	// cycleState is the cycle bit value marking TRBs as owned by the
	// controller. It flips every time the enqueue pointer wraps through the
	// link TRB.
	cycleState bool

	// dequeue is the slot the controller is known to have consumed up to,
	// maintained from Command Completion / Transfer events.
	dequeue int

	// queued counts TRBs handed to the controller and not yet acknowledged.
	// Kept separately from the enqueue/dequeue indexes so a completely full
	// ring is distinguishable from an empty one.
	queued int
}

func newSoftwareRing(alloc *mm.FrameAllocator, mem hw.Memory) (*softwareRing, error) {
	page, err := mm.NewPageBox(alloc, mem)
	if err != nil {
		return nil, err
	}
	return &softwareRing{
		page:       page,
		cycleState: true,
	}, nil
}

// Start returns the physical address of the first TRB slot.
func (r *softwareRing) Start() hw.PhysAddr {
	return r.page.PhysAddr()
}

// write stores the TRB into slot i. The TRB's cycle bit must equal the
// ring's cycle state; handing the controller a slot with a stale cycle is a
// protocol violation, not a recoverable error.
func (r *softwareRing) write(i int, trb TRB) {
	if i >= ringTotalLength {
		panic(fmt.Sprintf("xhci: ring slot %d out of range", i))
	}
	if trb.Cycle() != r.cycleState {
		panic("xhci: TRB cycle bit does not match ring cycle state")
	}
	win := r.page.Window()
	base := uint64(i) * TRBSize
	for w, word := range trb {
		win.WriteUint32(base+uint64(w)*4, word)
	}
}

// writeLinkTRB stores the link TRB in the final slot, pointing back at the
// ring start with the toggle-cycle bit set.
func (r *softwareRing) writeLinkTRB() {
	if r.enqueue != ringTotalLength-1 {
		panic("xhci: link TRB written away from the ring end")
	}
	r.write(ringTotalLength-1, NewLinkTRB(r.Start(), true).WithCycle(r.cycleState))
}

// FreeSpace returns how many slots the OS currently owns.
func (r *softwareRing) FreeSpace() int {
	return ringUsableLength - r.queued
}

// Enqueue writes a TRB and returns its physical address, which identifies
// the TRB in later completion events. The caller still has to ring a
// doorbell for the controller to notice.
//
// build is given the ring's current cycle state and must return a TRB
// carrying it.
func (r *softwareRing) Enqueue(build func(cycle bool) TRB) (hw.PhysAddr, error) {
	if r.FreeSpace() == 0 {
		return 0, ErrRingFull
	}

	addr := r.Start() + hw.PhysAddr(r.enqueue*TRBSize)
	r.write(r.enqueue, build(r.cycleState))
	r.enqueue++
	r.queued++

	if r.enqueue == ringUsableLength {
		r.writeLinkTRB()
		r.enqueue = 0
		r.cycleState = !r.cycleState
	}

	return addr, nil
}

// UpdateDequeue advances the dequeue index past the TRB at addr. addr must
// come from the command_trb_pointer of a completion event.
func (r *softwareRing) UpdateDequeue(addr hw.PhysAddr) {
	if addr < r.Start() {
		panic(fmt.Sprintf("xhci: dequeue pointer %v below ring start %v", addr, r.Start()))
	}
	acknowledged := int(addr-r.Start()) / TRBSize
	if acknowledged >= ringUsableLength {
		panic(fmt.Sprintf("xhci: dequeue pointer %v beyond ring end", addr))
	}
	next := (acknowledged + 1) % ringTotalLength

	// Consumed slots are the walk from the old dequeue to the new one; a
	// wrap steps over the link slot, which never held a queued TRB.
	consumed := (next - r.dequeue + ringTotalLength) % ringTotalLength
	if next < r.dequeue {
		consumed--
	}
	r.dequeue = next
	r.queued -= consumed
	if r.queued < 0 {
		panic("xhci: dequeue acknowledged more TRBs than were queued")
	}
}

// CommandRing carries commands for the controller to execute.
type CommandRing struct {
	ring *softwareRing
}

// NewCommandRing allocates a zeroed command ring.
func NewCommandRing(alloc *mm.FrameAllocator, mem hw.Memory) (*CommandRing, error) {
	ring, err := newSoftwareRing(alloc, mem)
	if err != nil {
		return nil, err
	}
	return &CommandRing{ring: ring}, nil
}

// Start returns the physical address of the ring's first TRB.
func (r *CommandRing) Start() hw.PhysAddr { return r.ring.Start() }

// FreeSpace returns how many command slots are free.
func (r *CommandRing) FreeSpace() int { return r.ring.FreeSpace() }

// Enqueue queues one command TRB without ringing the doorbell, returning
// its physical address.
func (r *CommandRing) Enqueue(trb TRB) (hw.PhysAddr, error) {
	return r.ring.Enqueue(trb.WithCycle)
}

// UpdateDequeue advances past the command acknowledged by a Command
// Completion event.
func (r *CommandRing) UpdateDequeue(addr hw.PhysAddr) {
	r.ring.UpdateDequeue(addr)
}

// TransferRing carries transfer TRBs for one endpoint (or stream).
type TransferRing struct {
	ring *softwareRing
}

// NewTransferRing allocates a zeroed transfer ring.
func NewTransferRing(alloc *mm.FrameAllocator, mem hw.Memory) (*TransferRing, error) {
	ring, err := newSoftwareRing(alloc, mem)
	if err != nil {
		return nil, err
	}
	return &TransferRing{ring: ring}, nil
}

// Start returns the physical address of the ring's first TRB.
func (r *TransferRing) Start() hw.PhysAddr { return r.ring.Start() }

// FreeSpace returns how many transfer slots are free.
func (r *TransferRing) FreeSpace() int { return r.ring.FreeSpace() }

// Enqueue queues one transfer TRB without ringing the doorbell.
func (r *TransferRing) Enqueue(trb TRB) (hw.PhysAddr, error) {
	return r.ring.Enqueue(trb.WithCycle)
}

// UpdateDequeue advances past the TRB acknowledged by a Transfer event.
func (r *TransferRing) UpdateDequeue(addr hw.PhysAddr) {
	r.ring.UpdateDequeue(addr)
}

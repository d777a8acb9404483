package xhci

import (
	"github.com/emberos/ember/internal/hw"
	"github.com/emberos/ember/internal/mm"
)

// erstEntrySize is the size of one Event Ring Segment Table entry: a 64-bit
// segment base, a 16-bit TRB count, and reserved space.
const erstEntrySize = 16

// EventRing is a hardware-producer / software-consumer ring described to the
// controller by its segment table. The OS chases the producer by cycle bit
// and reports progress through ERDP.
type EventRing struct {
	table    *mm.PageBox
	segments []*mm.PageBox

	segment       int
	dequeue       int
	consumerCycle bool

	// lastConsumed is the address written to ERDP after a dequeue.
	lastConsumed hw.PhysAddr
}

// NewEventRing allocates segmentCount segments of a page each and the
// segment table naming them.
func NewEventRing(alloc *mm.FrameAllocator, mem hw.Memory, segmentCount int) (*EventRing, error) {
	table, err := mm.NewPageBox(alloc, mem)
	if err != nil {
		return nil, err
	}

	r := &EventRing{
		table:         table,
		consumerCycle: true,
	}
	win := table.Window()
	for i := 0; i < segmentCount; i++ {
		segment, err := mm.NewPageBox(alloc, mem)
		if err != nil {
			return nil, err
		}
		r.segments = append(r.segments, segment)

		base := uint64(i) * erstEntrySize
		win.WriteUint64(base, uint64(segment.PhysAddr()))
		win.WriteUint32(base+8, ringTotalLength)
		win.WriteUint32(base+12, 0)
	}
	r.lastConsumed = r.segments[0].PhysAddr()
	return r, nil
}

// TableAddr returns the physical address of the segment table, for ERSTBA.
func (r *EventRing) TableAddr() hw.PhysAddr { return r.table.PhysAddr() }

// SegmentCount returns the number of segments, for ERSTSZ.
func (r *EventRing) SegmentCount() int { return len(r.segments) }

// Start returns the physical address of the first segment, for the initial
// ERDP.
func (r *EventRing) Start() hw.PhysAddr { return r.segments[0].PhysAddr() }

func (r *EventRing) readTRB(segment, index int) TRB {
	win := r.segments[segment].Window()
	base := uint64(index) * TRBSize
	var trb TRB
	for w := range trb {
		trb[w] = win.ReadUint32(base + uint64(w)*4)
	}
	return trb
}

// Dequeue returns the next event if the controller has produced one. The
// caller reports consumption by writing the interrupter's ERDP with
// DequeueERDP.
func (r *EventRing) Dequeue() (Event, bool) {
	trb := r.readTRB(r.segment, r.dequeue)
	if trb.Cycle() != r.consumerCycle {
		return Event{}, false
	}

	r.lastConsumed = r.segments[r.segment].PhysAddr() + hw.PhysAddr(r.dequeue*TRBSize)

	r.dequeue++
	if r.dequeue == ringTotalLength {
		r.dequeue = 0
		r.segment++
		if r.segment == len(r.segments) {
			r.segment = 0
			// The producer flips its cycle once per trip through the whole
			// segment table, and so does the consumer.
			r.consumerCycle = !r.consumerCycle
		}
	}

	return Event{TRB: trb}, true
}

// DequeueERDP returns the value to write to the interrupter's ERDP: the
// last-consumed TRB address, the current segment index in the low bits, and
// the event-handler-busy flag asserted so the write clears it.
func (r *EventRing) DequeueERDP() ERDP {
	return NewERDP().
		WithSegmentIndex(uint8(r.segment)).
		WithEventHandlerBusy(true).
		WithPointer(r.lastConsumed)
}

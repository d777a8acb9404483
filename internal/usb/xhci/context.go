package xhci

import (
	"github.com/emberos/ember/internal/bits"
	"github.com/emberos/ember/internal/hw"
	"github.com/emberos/ember/internal/mm"
)

// ContextSize is the stride of one context structure: 32 bytes, or 64 when
// the controller's context-size flag is set. All context accessors read and
// write through windows at stride multiples; nothing holds a decoded copy,
// because the controller owns these bytes between doorbells.
type ContextSize uint8

const (
	ContextSize32 ContextSize = 32
	ContextSize64 ContextSize = 64
)

// contextSizeFor maps the capability flag to a stride.
func contextSizeFor(caps CapabilityRegisters) ContextSize {
	if caps.CapabilityParameters1().ContextSize64() {
		return ContextSize64
	}
	return ContextSize32
}

// SlotContext is a view of one Slot Context.
type SlotContext struct {
	win hw.Window
}

func (s SlotContext) RouteString() uint32 {
	return bits.Field32(s.win.ReadUint32(0), 0, 20)
}

func (s SlotContext) Speed() uint8 {
	return uint8(bits.Field32(s.win.ReadUint32(0), 20, 4))
}

func (s SlotContext) ContextEntries() uint8 {
	return uint8(bits.Field32(s.win.ReadUint32(0), 27, 5))
}

func (s SlotContext) SetContextEntries(n uint8) {
	s.win.WriteUint32(0, bits.WithField32(s.win.ReadUint32(0), 27, 5, uint32(n)))
}

func (s SlotContext) SetSpeed(speed uint8) {
	s.win.WriteUint32(0, bits.WithField32(s.win.ReadUint32(0), 20, 4, uint32(speed)))
}

func (s SlotContext) SetRouteString(route uint32) {
	s.win.WriteUint32(0, bits.WithField32(s.win.ReadUint32(0), 0, 20, route))
}

func (s SlotContext) RootHubPortNumber() uint8 {
	return uint8(bits.Field32(s.win.ReadUint32(4), 16, 8))
}

func (s SlotContext) SetRootHubPortNumber(port uint8) {
	s.win.WriteUint32(4, bits.WithField32(s.win.ReadUint32(4), 16, 8, uint32(port)))
}

func (s SlotContext) InterrupterTarget() uint16 {
	return uint16(bits.Field32(s.win.ReadUint32(8), 22, 10))
}

func (s SlotContext) SetInterrupterTarget(target uint16) {
	s.win.WriteUint32(8, bits.WithField32(s.win.ReadUint32(8), 22, 10, uint32(target)))
}

func (s SlotContext) DeviceAddress() uint8 {
	return uint8(bits.Field32(s.win.ReadUint32(12), 0, 8))
}

// SlotState is the controller-owned state machine field.
func (s SlotContext) SlotState() uint8 {
	return uint8(bits.Field32(s.win.ReadUint32(12), 27, 5))
}

// Endpoint context types.
const (
	EPTypeIsochOut     = 1
	EPTypeBulkOut      = 2
	EPTypeInterruptOut = 3
	EPTypeControl      = 4
	EPTypeIsochIn      = 5
	EPTypeBulkIn       = 6
	EPTypeInterruptIn  = 7
)

// EndpointContext is a view of one Endpoint Context.
type EndpointContext struct {
	win hw.Window
}

func (e EndpointContext) State() uint8 {
	return uint8(bits.Field32(e.win.ReadUint32(0), 0, 3))
}

func (e EndpointContext) Interval() uint8 {
	return uint8(bits.Field32(e.win.ReadUint32(0), 16, 8))
}

func (e EndpointContext) SetInterval(v uint8) {
	e.win.WriteUint32(0, bits.WithField32(e.win.ReadUint32(0), 16, 8, uint32(v)))
}

func (e EndpointContext) EndpointType() uint8 {
	return uint8(bits.Field32(e.win.ReadUint32(4), 3, 3))
}

func (e EndpointContext) SetEndpointType(v uint8) {
	e.win.WriteUint32(4, bits.WithField32(e.win.ReadUint32(4), 3, 3, uint32(v)))
}

func (e EndpointContext) ErrorCount() uint8 {
	return uint8(bits.Field32(e.win.ReadUint32(4), 1, 2))
}

func (e EndpointContext) SetErrorCount(v uint8) {
	e.win.WriteUint32(4, bits.WithField32(e.win.ReadUint32(4), 1, 2, uint32(v)))
}

func (e EndpointContext) MaxPacketSize() uint16 {
	return uint16(bits.Field32(e.win.ReadUint32(4), 16, 16))
}

func (e EndpointContext) SetMaxPacketSize(v uint16) {
	e.win.WriteUint32(4, bits.WithField32(e.win.ReadUint32(4), 16, 16, uint32(v)))
}

// TRDequeuePointer returns the transfer ring dequeue pointer; bit 0 is the
// dequeue cycle state.
func (e EndpointContext) TRDequeuePointer() (hw.PhysAddr, bool) {
	raw := e.win.ReadUint64(8)
	return hw.PhysAddr(raw &^ 0xF), raw&1 == 1
}

func (e EndpointContext) SetTRDequeuePointer(addr hw.PhysAddr, cycle bool) {
	raw := uint64(addr &^ 0xF)
	if cycle {
		raw |= 1
	}
	e.win.WriteUint64(8, raw)
}

func (e EndpointContext) SetAverageTRBLength(v uint16) {
	e.win.WriteUint32(16, bits.WithField32(e.win.ReadUint32(16), 0, 16, uint32(v)))
}

// DeviceContext is a view of one slot's output context: the slot context
// followed by up to 31 endpoint contexts, laid out
// [slot, EP0 bidi, EP1 OUT, EP1 IN, ...] at the controller's stride.
type DeviceContext struct {
	win    hw.Window
	stride ContextSize
}

// Slot returns the slot context view.
func (d DeviceContext) Slot() SlotContext {
	return SlotContext{win: d.win}
}

// Endpoint returns the endpoint context at device context index dci
// (1..31).
func (d DeviceContext) Endpoint(dci uint8) EndpointContext {
	if dci == 0 || dci > 31 {
		panic("xhci: device context index out of range")
	}
	return EndpointContext{win: d.win.Slice(uint64(dci) * uint64(d.stride))}
}

// OwnedDeviceContext is a device context in a page the OS allocated; the
// controller writes it once the slot address is in the DCBAA.
type OwnedDeviceContext struct {
	page    *mm.PageBox
	context DeviceContext
}

// NewOwnedDeviceContext allocates a zeroed device context page.
func NewOwnedDeviceContext(alloc *mm.FrameAllocator, mem hw.Memory, stride ContextSize) (*OwnedDeviceContext, error) {
	page, err := mm.NewPageBox(alloc, mem)
	if err != nil {
		return nil, err
	}
	return &OwnedDeviceContext{
		page: page,
		context: DeviceContext{
			win:    page.Window(),
			stride: stride,
		},
	}, nil
}

// PhysAddr returns the context's physical address, for the DCBAA entry.
func (o *OwnedDeviceContext) PhysAddr() hw.PhysAddr { return o.page.PhysAddr() }

// Context returns the context view.
func (o *OwnedDeviceContext) Context() DeviceContext { return o.context }

// InputControlContext is the drop/add flag block at the head of an input
// context.
type InputControlContext struct {
	win hw.Window
}

func (c InputControlContext) DropFlags() uint32 { return c.win.ReadUint32(0) }
func (c InputControlContext) AddFlags() uint32  { return c.win.ReadUint32(4) }

func (c InputControlContext) SetDropFlag(dci uint8) {
	c.win.WriteUint32(0, bits.WithBit32(c.win.ReadUint32(0), uint(dci), true))
}

func (c InputControlContext) SetAddFlag(dci uint8) {
	c.win.WriteUint32(4, bits.WithBit32(c.win.ReadUint32(4), uint(dci), true))
}

func (c InputControlContext) Configuration() uint8 {
	return uint8(bits.Field32(c.win.ReadUint32(28), 0, 8))
}

func (c InputControlContext) SetConfiguration(v uint8) {
	c.win.WriteUint32(28, bits.WithField32(c.win.ReadUint32(28), 0, 8, uint32(v)))
}

func (c InputControlContext) InterfaceNumber() uint8 {
	return uint8(bits.Field32(c.win.ReadUint32(28), 8, 8))
}

func (c InputControlContext) AlternateSetting() uint8 {
	return uint8(bits.Field32(c.win.ReadUint32(28), 16, 8))
}

// InputContext is the input control context followed by a device context,
// handed to Address Device and Configure Endpoint commands.
type InputContext struct {
	page   *mm.PageBox
	stride ContextSize
}

// NewInputContext allocates a zeroed input context page.
func NewInputContext(alloc *mm.FrameAllocator, mem hw.Memory, stride ContextSize) (*InputContext, error) {
	page, err := mm.NewPageBox(alloc, mem)
	if err != nil {
		return nil, err
	}
	return &InputContext{page: page, stride: stride}, nil
}

// PhysAddr returns the input context's physical address, for command TRBs.
func (i *InputContext) PhysAddr() hw.PhysAddr { return i.page.PhysAddr() }

// Control returns the input control context view.
func (i *InputContext) Control() InputControlContext {
	return InputControlContext{win: i.page.Window()}
}

// Device returns the embedded device context view, one stride past the
// control context.
func (i *InputContext) Device() DeviceContext {
	return DeviceContext{
		win:    i.page.Window().Slice(uint64(i.stride)),
		stride: i.stride,
	}
}

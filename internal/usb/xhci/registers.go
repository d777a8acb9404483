package xhci

import (
	"github.com/emberos/ember/internal/bits"
	"github.com/emberos/ember/internal/hw"
)

// Register windows are all derived from the capability window at the base of
// the controller's first BAR:
//
//	operational = capability + CAPLENGTH
//	runtime     = capability + RTSOFF
//	doorbell    = capability + DBOFF
//	extended    = capability + extended-capabilities pointer * 4
//
// Every access is an explicit read or write through the window; no field of
// any register block is ever referenced directly.

// CapabilityRegisters is the read-only block at the start of the BAR.
type CapabilityRegisters struct {
	win hw.Window
}

// NewCapabilityRegisters wraps the capability block at the BAR base.
func NewCapabilityRegisters(win hw.Window) CapabilityRegisters {
	return CapabilityRegisters{win: win}
}

// CapabilityLength returns the offset of the operational registers.
func (c CapabilityRegisters) CapabilityLength() uint8 {
	return c.win.ReadUint8(0x00)
}

// HCIVersion returns the interface version as BCD.
func (c CapabilityRegisters) HCIVersion() uint16 {
	return c.win.ReadUint16(0x02)
}

// StructuralParameters1 reads HCSPARAMS1.
func (c CapabilityRegisters) StructuralParameters1() StructuralParameters1 {
	return StructuralParameters1(c.win.ReadUint32(0x04))
}

// StructuralParameters2 reads HCSPARAMS2.
func (c CapabilityRegisters) StructuralParameters2() StructuralParameters2 {
	return StructuralParameters2(c.win.ReadUint32(0x08))
}

// CapabilityParameters1 reads HCCPARAMS1.
func (c CapabilityRegisters) CapabilityParameters1() CapabilityParameters1 {
	return CapabilityParameters1(c.win.ReadUint32(0x10))
}

// DoorbellOffset returns the byte offset of the doorbell array. The
// register stores it in 4-byte units.
func (c CapabilityRegisters) DoorbellOffset() uint64 {
	return uint64(c.win.ReadUint32(0x14) &^ 0x3)
}

// RuntimeRegisterSpaceOffset returns the byte offset of the runtime
// registers. The register stores it in 32-byte units.
func (c CapabilityRegisters) RuntimeRegisterSpaceOffset() uint64 {
	return uint64(c.win.ReadUint32(0x18) &^ 0x1F)
}

// StructuralParameters1 packs the controller's port and slot counts.
type StructuralParameters1 uint32

func (p StructuralParameters1) MaxDeviceSlots() uint8 {
	return uint8(bits.Field32(uint32(p), 0, 8))
}

func (p StructuralParameters1) MaxInterrupters() uint16 {
	return uint16(bits.Field32(uint32(p), 8, 11))
}

func (p StructuralParameters1) MaxPorts() uint8 {
	return uint8(bits.Field32(uint32(p), 24, 8))
}

// StructuralParameters2 packs event-ring and scratchpad geometry.
type StructuralParameters2 uint32

// ERSTMax returns the log2 of the largest supported segment-table size.
func (p StructuralParameters2) ERSTMax() uint8 {
	return uint8(bits.Field32(uint32(p), 4, 4))
}

// MaxScratchpadBuffers splices the split hi/lo fields back together.
func (p StructuralParameters2) MaxScratchpadBuffers() uint32 {
	hi := bits.Field32(uint32(p), 21, 5)
	lo := bits.Field32(uint32(p), 27, 5)
	return hi<<5 | lo
}

// CapabilityParameters1 packs controller capabilities.
type CapabilityParameters1 uint32

// AC64 reports 64-bit addressing support.
func (p CapabilityParameters1) AC64() bool { return bits.Bit32(uint32(p), 0) }

// ContextSize64 reports whether contexts are 64 bytes instead of 32.
func (p CapabilityParameters1) ContextSize64() bool { return bits.Bit32(uint32(p), 2) }

// ExtendedCapabilitiesPointer returns the offset of the extended capability
// list in 32-bit words, or zero if there is none.
func (p CapabilityParameters1) ExtendedCapabilitiesPointer() uint16 {
	return uint16(bits.Field32(uint32(p), 16, 16))
}

// Operational register offsets.
const (
	opRegUSBCmd   = 0x00
	opRegUSBSts   = 0x04
	opRegPageSize = 0x08
	opRegCRCR     = 0x18
	opRegDCBAAP   = 0x30
	opRegConfig   = 0x38

	opPortBase   = 0x400
	opPortStride = 0x10
)

// OperationalRegisters is the run/stop, ring-pointer, and port block at
// capability + CAPLENGTH.
type OperationalRegisters struct {
	win      hw.Window
	maxPorts uint8
}

// NewOperationalRegisters wraps the operational block.
func NewOperationalRegisters(win hw.Window, caps CapabilityRegisters) OperationalRegisters {
	return OperationalRegisters{
		win:      win,
		maxPorts: caps.StructuralParameters1().MaxPorts(),
	}
}

func (o OperationalRegisters) USBCommand() USBCommand {
	return USBCommand(o.win.ReadUint32(opRegUSBCmd))
}

func (o OperationalRegisters) WriteUSBCommand(cmd USBCommand) {
	o.win.WriteUint32(opRegUSBCmd, uint32(cmd))
}

func (o OperationalRegisters) USBStatus() USBStatus {
	return USBStatus(o.win.ReadUint32(opRegUSBSts))
}

// PageSizeSupports4K reports whether the controller operates on 4 KiB
// pages. The xHCI spec allows larger page sizes; this driver requires 4 KiB.
func (o OperationalRegisters) PageSizeSupports4K() bool {
	return o.win.ReadUint32(opRegPageSize)&1 == 1
}

func (o OperationalRegisters) CommandRingControl() CommandRingControl {
	return CommandRingControl(o.win.ReadUint64(opRegCRCR))
}

func (o OperationalRegisters) WriteCommandRingControl(crcr CommandRingControl) {
	o.win.WriteUint64(opRegCRCR, uint64(crcr))
}

func (o OperationalRegisters) WriteDCBAAP(addr hw.PhysAddr) {
	o.win.WriteUint64(opRegDCBAAP, uint64(addr))
}

func (o OperationalRegisters) Configure() ConfigureRegister {
	return ConfigureRegister(o.win.ReadUint32(opRegConfig))
}

func (o OperationalRegisters) WriteConfigure(cfg ConfigureRegister) {
	o.win.WriteUint32(opRegConfig, uint32(cfg))
}

// MaxPorts returns the number of port register blocks.
func (o OperationalRegisters) MaxPorts() uint8 { return o.maxPorts }

// Port returns the register block for the given 1-based port id.
func (o OperationalRegisters) Port(portID uint8) PortRegisters {
	if portID == 0 || portID > o.maxPorts {
		panic("xhci: port id out of range")
	}
	return PortRegisters{
		win: o.win.Slice(opPortBase + uint64(portID-1)*opPortStride),
	}
}

// USBCommand is the USBCMD register.
type USBCommand uint32

func (c USBCommand) Enabled() bool           { return bits.Bit32(uint32(c), 0) }
func (c USBCommand) Reset() bool             { return bits.Bit32(uint32(c), 1) }
func (c USBCommand) InterruptsEnabled() bool { return bits.Bit32(uint32(c), 2) }
func (c USBCommand) WrapEventsEnabled() bool { return bits.Bit32(uint32(c), 10) }

func (c USBCommand) WithEnabled(v bool) USBCommand {
	return USBCommand(bits.WithBit32(uint32(c), 0, v))
}

func (c USBCommand) WithReset(v bool) USBCommand {
	return USBCommand(bits.WithBit32(uint32(c), 1, v))
}

func (c USBCommand) WithInterruptsEnabled(v bool) USBCommand {
	return USBCommand(bits.WithBit32(uint32(c), 2, v))
}

func (c USBCommand) WithWrapEventsEnabled(v bool) USBCommand {
	return USBCommand(bits.WithBit32(uint32(c), 10, v))
}

// USBStatus is the USBSTS register.
type USBStatus uint32

func (s USBStatus) HostControllerHalted() bool { return bits.Bit32(uint32(s), 0) }
func (s USBStatus) HostSystemError() bool      { return bits.Bit32(uint32(s), 2) }
func (s USBStatus) EventInterrupt() bool       { return bits.Bit32(uint32(s), 3) }
func (s USBStatus) PortChangeDetect() bool     { return bits.Bit32(uint32(s), 4) }
func (s USBStatus) ControllerNotReady() bool   { return bits.Bit32(uint32(s), 11) }

// CommandRingControl is the CRCR register: flag bits in the low six bits and
// a 64-byte-aligned ring pointer above them.
type CommandRingControl uint64

func NewCommandRingControl() CommandRingControl { return 0 }

func (c CommandRingControl) RingCycleState() bool     { return bits.Bit64(uint64(c), 0) }
func (c CommandRingControl) CommandRingRunning() bool { return bits.Bit64(uint64(c), 3) }

func (c CommandRingControl) WithRingCycleState(v bool) CommandRingControl {
	return CommandRingControl(bits.WithBit64(uint64(c), 0, v))
}

func (c CommandRingControl) WithCommandRingPointer(addr hw.PhysAddr) CommandRingControl {
	if addr%64 != 0 {
		panic("xhci: command ring pointer must be 64-byte aligned")
	}
	return CommandRingControl(uint64(c)&0x3F | uint64(addr))
}

// ConfigureRegister is the CONFIG register.
type ConfigureRegister uint32

func (r ConfigureRegister) MaxDeviceSlotsEnabled() uint8 {
	return uint8(bits.Field32(uint32(r), 0, 8))
}

func (r ConfigureRegister) WithMaxDeviceSlotsEnabled(n uint8) ConfigureRegister {
	return ConfigureRegister(bits.WithField32(uint32(r), 0, 8, uint32(n)))
}

// Runtime register layout.
const (
	rtRegMFIndex        = 0x00
	rtInterrupterBase   = 0x20
	rtInterrupterStride = 0x20

	irRegManagement = 0x00
	irRegModeration = 0x04
	irRegERSTSize   = 0x08
	irRegERSTBase   = 0x10
	irRegERDP       = 0x18
)

// RuntimeRegisters is the block at capability + RTSOFF.
type RuntimeRegisters struct {
	win hw.Window
}

// NewRuntimeRegisters wraps the runtime block.
func NewRuntimeRegisters(win hw.Window) RuntimeRegisters {
	return RuntimeRegisters{win: win}
}

// MicroframeIndex reads MFINDEX.
func (r RuntimeRegisters) MicroframeIndex() uint32 {
	return r.win.ReadUint32(rtRegMFIndex) & 0x3FFF
}

// Interrupter returns the register set for interrupter i.
func (r RuntimeRegisters) Interrupter(i int) InterrupterRegisters {
	return InterrupterRegisters{
		win: r.win.Slice(rtInterrupterBase + uint64(i)*rtInterrupterStride),
	}
}

// InterrupterRegisters is one entry of the interrupter register array.
type InterrupterRegisters struct {
	win hw.Window
}

func (r InterrupterRegisters) Management() InterrupterManagement {
	return InterrupterManagement(r.win.ReadUint32(irRegManagement))
}

func (r InterrupterRegisters) WriteManagement(m InterrupterManagement) {
	r.win.WriteUint32(irRegManagement, uint32(m))
}

func (r InterrupterRegisters) WriteModeration(interval uint16) {
	r.win.WriteUint32(irRegModeration, uint32(interval))
}

func (r InterrupterRegisters) WriteERSTSize(segments uint16) {
	r.win.WriteUint32(irRegERSTSize, uint32(segments))
}

func (r InterrupterRegisters) WriteERSTBase(addr hw.PhysAddr) {
	r.win.WriteUint64(irRegERSTBase, uint64(addr))
}

func (r InterrupterRegisters) ERDPValue() ERDP {
	return ERDP(r.win.ReadUint64(irRegERDP))
}

func (r InterrupterRegisters) WriteERDP(v ERDP) {
	r.win.WriteUint64(irRegERDP, uint64(v))
}

// InterrupterManagement is the IMAN register. The pending bit is
// write-one-to-clear.
type InterrupterManagement uint32

func (m InterrupterManagement) InterruptPending() bool { return bits.Bit32(uint32(m), 0) }
func (m InterrupterManagement) InterruptEnabled() bool { return bits.Bit32(uint32(m), 1) }

func (m InterrupterManagement) WithInterruptPending(v bool) InterrupterManagement {
	return InterrupterManagement(bits.WithBit32(uint32(m), 0, v))
}

func (m InterrupterManagement) WithInterruptEnabled(v bool) InterrupterManagement {
	return InterrupterManagement(bits.WithBit32(uint32(m), 1, v))
}

// ERDP is the event-ring dequeue pointer: a 3-bit segment index, the
// write-one-to-clear event-handler-busy flag, and the 16-byte-aligned
// dequeue address.
type ERDP uint64

func NewERDP() ERDP { return 0 }

func (e ERDP) SegmentIndex() uint8    { return uint8(bits.Field64(uint64(e), 0, 3)) }
func (e ERDP) EventHandlerBusy() bool { return bits.Bit64(uint64(e), 3) }
func (e ERDP) Pointer() hw.PhysAddr   { return hw.PhysAddr(uint64(e) &^ 0xF) }

func (e ERDP) WithSegmentIndex(i uint8) ERDP {
	return ERDP(bits.WithField64(uint64(e), 0, 3, uint64(i)))
}

func (e ERDP) WithEventHandlerBusy(v bool) ERDP {
	return ERDP(bits.WithBit64(uint64(e), 3, v))
}

func (e ERDP) WithPointer(addr hw.PhysAddr) ERDP {
	if addr%TRBSize != 0 {
		panic("xhci: ERDP pointer must be 16-byte aligned")
	}
	return ERDP(uint64(e)&0xF | uint64(addr))
}

// DoorbellArray is the write-only doorbell block at capability + DBOFF.
type DoorbellArray struct {
	win   hw.Window
	slots uint8
}

// NewDoorbellArray wraps the doorbell block.
func NewDoorbellArray(win hw.Window, maxSlots uint8) DoorbellArray {
	return DoorbellArray{win: win, slots: maxSlots}
}

// RingHostController rings doorbell zero, telling the controller to process
// the command ring.
func (d DoorbellArray) RingHostController() {
	d.win.WriteUint32(0, 0)
}

// RingDevice rings the doorbell for a device slot with the given target
// (endpoint or stream id).
func (d DoorbellArray) RingDevice(slot uint8, target uint8) {
	if slot == 0 || slot > d.slots {
		panic("xhci: doorbell slot out of range")
	}
	d.win.WriteUint32(uint64(slot)*4, uint32(target))
}

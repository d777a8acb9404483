// Package xhci drives xHCI USB host controllers: register windows over the
// controller's BAR, command/transfer/event TRB rings, device contexts, the
// initialisation sequence, and the cooperative tasks that service port
// events.
package xhci

import (
	"fmt"

	"github.com/emberos/ember/internal/bits"
	"github.com/emberos/ember/internal/hw"
)

// TRBSize is the size of every Transfer Request Block.
const TRBSize = 16

// TRB is one Transfer Request Block: four little-endian 32-bit words. Word 3
// carries the cycle bit (bit 0) and the TRB type (bits 10-15); the meaning
// of the rest depends on the type.
type TRB [4]uint32

// TRBType is the type field of word 3.
type TRBType uint8

const (
	TRBTypeNormal          TRBType = 1
	TRBTypeSetupStage      TRBType = 2
	TRBTypeDataStage       TRBType = 3
	TRBTypeStatusStage     TRBType = 4
	TRBTypeIsoch           TRBType = 5
	TRBTypeLink            TRBType = 6
	TRBTypeEventData       TRBType = 7
	TRBTypeNoOpTransfer    TRBType = 8
	TRBTypeEnableSlot      TRBType = 9
	TRBTypeDisableSlot     TRBType = 10
	TRBTypeAddressDevice   TRBType = 11
	TRBTypeConfigureEP     TRBType = 12
	TRBTypeEvaluateContext TRBType = 13
	TRBTypeResetEndpoint   TRBType = 14
	TRBTypeStopEndpoint    TRBType = 15
	TRBTypeSetTRDequeue    TRBType = 16
	TRBTypeResetDevice     TRBType = 17
	TRBTypeNoOpCommand     TRBType = 23

	TRBTypeTransferEvent       TRBType = 32
	TRBTypeCommandCompletion   TRBType = 33
	TRBTypePortStatusChange    TRBType = 34
	TRBTypeBandwidthRequest    TRBType = 35
	TRBTypeDoorbellEvent       TRBType = 36
	TRBTypeHostControllerEvent TRBType = 37
	TRBTypeDeviceNotification  TRBType = 38
	TRBTypeMFINDEXWrap         TRBType = 39
)

// Cycle returns word 3 bit 0.
func (t TRB) Cycle() bool { return t[3]&1 == 1 }

// WithCycle returns the TRB with the cycle bit set to c.
func (t TRB) WithCycle(c bool) TRB {
	t[3] = bits.WithBit32(t[3], 0, c)
	return t
}

// Type returns the TRB type field.
func (t TRB) Type() TRBType {
	return TRBType(bits.Field32(t[3], 10, 6))
}

func (t TRB) withType(kind TRBType) TRB {
	t[3] = bits.WithField32(t[3], 10, 6, uint32(kind))
	return t
}

// pointer returns words 0 and 1 as a 64-bit physical address.
func (t TRB) pointer() hw.PhysAddr {
	return hw.PhysAddr(uint64(t[0]) | uint64(t[1])<<32)
}

func (t TRB) withPointer(addr hw.PhysAddr) TRB {
	t[0] = uint32(addr)
	t[1] = uint32(uint64(addr) >> 32)
	return t
}

// NewNoOpCommandTRB builds a No Op command.
func NewNoOpCommandTRB() TRB {
	return TRB{}.withType(TRBTypeNoOpCommand)
}

// NewEnableSlotTRB builds an Enable Slot command for the given slot type
// (from the supported-protocol capability of the port's protocol).
func NewEnableSlotTRB(slotType uint8) TRB {
	t := TRB{}.withType(TRBTypeEnableSlot)
	t[3] = bits.WithField32(t[3], 16, 5, uint32(slotType))
	return t
}

// NewLinkTRB builds a Link TRB pointing at target, with the toggle-cycle bit
// controlling whether the consumer flips its cycle state when following it.
func NewLinkTRB(target hw.PhysAddr, toggleCycle bool) TRB {
	if target%TRBSize != 0 {
		panic(fmt.Sprintf("xhci: link target %v is not 16-byte aligned", target))
	}
	t := TRB{}.withType(TRBTypeLink).withPointer(target)
	t[3] = bits.WithBit32(t[3], 1, toggleCycle)
	return t
}

// ToggleCycle returns the link TRB's toggle-cycle bit.
func (t TRB) ToggleCycle() bool { return bits.Bit32(t[3], 1) }

// CompletionCode reports how the controller completed a command or
// transfer.
type CompletionCode uint8

const (
	CompletionInvalid            CompletionCode = 0
	CompletionSuccess            CompletionCode = 1
	CompletionDataBufferError    CompletionCode = 2
	CompletionBabbleDetected     CompletionCode = 3
	CompletionUSBTransaction     CompletionCode = 4
	CompletionTRBError           CompletionCode = 5
	CompletionStallError         CompletionCode = 6
	CompletionResourceError      CompletionCode = 7
	CompletionBandwidthError     CompletionCode = 8
	CompletionNoSlotsAvailable   CompletionCode = 9
	CompletionShortPacket        CompletionCode = 13
	CompletionRingUnderrun       CompletionCode = 14
	CompletionRingOverrun        CompletionCode = 15
	CompletionParameterError     CompletionCode = 17
	CompletionContextStateError  CompletionCode = 19
	CompletionCommandRingStopped CompletionCode = 24
	CompletionCommandAborted     CompletionCode = 25
	CompletionStopped            CompletionCode = 26
)

// CompletionError wraps a non-success completion code. The task that issued
// the command logs it and aborts.
type CompletionError struct {
	Code CompletionCode
}

func (e CompletionError) Error() string {
	return fmt.Sprintf("xhci: completion code %d", e.Code)
}

// Event is a decoded event-ring TRB.
type Event struct {
	TRB TRB
}

// Kind returns the event's TRB type.
func (e Event) Kind() TRBType { return e.TRB.Type() }

// CommandCompletion decodes a Command Completion event.
type CommandCompletion struct {
	CommandTRBPointer hw.PhysAddr
	Code              CompletionCode
	SlotID            uint8
}

// AsCommandCompletion decodes the event if it is a command completion.
func (e Event) AsCommandCompletion() (CommandCompletion, bool) {
	if e.Kind() != TRBTypeCommandCompletion {
		return CommandCompletion{}, false
	}
	return CommandCompletion{
		CommandTRBPointer: e.TRB.pointer(),
		Code:              CompletionCode(bits.Field32(e.TRB[2], 24, 8)),
		SlotID:            uint8(bits.Field32(e.TRB[3], 24, 8)),
	}, true
}

// PortStatusChange decodes a Port Status Change event.
type PortStatusChange struct {
	PortID uint8
	Code   CompletionCode
}

// AsPortStatusChange decodes the event if it is a port status change.
func (e Event) AsPortStatusChange() (PortStatusChange, bool) {
	if e.Kind() != TRBTypePortStatusChange {
		return PortStatusChange{}, false
	}
	return PortStatusChange{
		PortID: uint8(bits.Field32(e.TRB[0], 24, 8)),
		Code:   CompletionCode(bits.Field32(e.TRB[2], 24, 8)),
	}, true
}

// NewCommandCompletionEventTRB builds the event a controller would produce;
// used by the controller model in tests.
func NewCommandCompletionEventTRB(command hw.PhysAddr, code CompletionCode, slotID uint8) TRB {
	t := TRB{}.withType(TRBTypeCommandCompletion).withPointer(command)
	t[2] = bits.WithField32(t[2], 24, 8, uint32(code))
	t[3] = bits.WithField32(t[3], 24, 8, uint32(slotID))
	return t
}

// NewPortStatusChangeEventTRB builds a Port Status Change event.
func NewPortStatusChangeEventTRB(portID uint8) TRB {
	t := TRB{}.withType(TRBTypePortStatusChange)
	t[0] = bits.WithField32(t[0], 24, 8, uint32(portID))
	t[2] = bits.WithField32(t[2], 24, 8, uint32(CompletionSuccess))
	return t
}

// NewMFINDEXWrapEventTRB builds an MFINDEX Wrap event.
func NewMFINDEXWrapEventTRB() TRB {
	return TRB{}.withType(TRBTypeMFINDEXWrap)
}

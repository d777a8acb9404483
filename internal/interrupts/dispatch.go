package interrupts

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync/atomic"
)

// Frame is the stack frame the CPU pushes when an interrupt is delivered.
type Frame struct {
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64

	// ErrorCode is valid only for the exceptions that push one.
	ErrorCode uint64
}

// Handler services one vector.
type Handler func(vector uint8, frame *Frame)

// Poller is called once per timer tick with the nanoseconds elapsed since
// the previous call. Task runtimes register themselves here.
type Poller func(nsSinceLast uint64)

// TickPeriodNS is the nominal nanoseconds per timer tick: the local APIC
// timer is programmed for roughly 100 Hz.
const TickPeriodNS = 10_000_000

// Dispatcher routes delivered vectors. There is exactly one, installed once
// during boot.
type Dispatcher struct {
	idt      IDT
	handlers [256]Handler

	ticks atomic.Uint64

	eoi     func()
	pollers []Poller

	// ps2 receives the two PS/2 vectors when a controller driver has
	// registered itself.
	ps2 Handler
}

var installed atomic.Bool

// Install builds the IDT, wires the fixed exception handlers, and returns
// the dispatcher. Installing twice panics.
func Install(eoi func()) *Dispatcher {
	if !installed.CompareAndSwap(false, true) {
		panic("interrupts: IDT installed twice")
	}

	d := &Dispatcher{eoi: eoi}

	for v := 0; v < 32; v++ {
		vector := uint8(v)
		d.handlers[vector] = func(vector uint8, frame *Frame) {
			panic(fmt.Sprintf("interrupts: unhandled exception %d (error code %#x) at %#x",
				vector, frame.ErrorCode, frame.RIP))
		}
		d.idt.SetGate(vector, GateDescriptor{
			Offset:   stubAddress(genericExceptionStub),
			Selector: kernelCodeSelector,
			IST:      ISTInterrupts,
			Type:     GateInterrupt,
			Present:  true,
		})
	}

	d.handlers[VectorBreakpoint] = breakpointHandler
	d.handlers[VectorInvalidOpcode] = invalidOpcodeHandler
	d.handlers[VectorDoubleFault] = doubleFaultHandler
	d.handlers[VectorGeneralProtection] = generalProtectionHandler
	d.handlers[VectorPageFault] = pageFaultHandler

	d.idt.SetGate(VectorDoubleFault, GateDescriptor{
		Offset:   stubAddress(doubleFaultHandler),
		Selector: kernelCodeSelector,
		IST:      ISTDoubleFault,
		Type:     GateInterrupt,
		Present:  true,
	})

	for _, v := range []uint8{VectorTimer, VectorPS2Primary, VectorPS2Secondary, VectorSpurious} {
		d.idt.SetGate(v, GateDescriptor{
			Offset:   stubAddress(genericExceptionStub),
			Selector: kernelCodeSelector,
			IST:      ISTInterrupts,
			Type:     GateInterrupt,
			Present:  true,
		})
	}

	return d
}

// kernelCodeSelector is the GDT slot the boot shim loads for kernel code.
const kernelCodeSelector = 0x08

// IDT returns the installed table, for the code that loads it.
func (d *Dispatcher) IDT() *IDT { return &d.idt }

// Ticks returns the number of timer interrupts delivered since boot.
func (d *Dispatcher) Ticks() uint64 { return d.ticks.Load() }

// NowNanos returns nanoseconds since boot, at timer-tick precision.
func (d *Dispatcher) NowNanos() uint64 { return d.ticks.Load() * TickPeriodNS }

// AddPoller registers a task runtime to be polled on every timer tick.
func (d *Dispatcher) AddPoller(p Poller) {
	d.pollers = append(d.pollers, p)
}

// SetPS2Handler routes the PS/2 vectors to a controller driver.
func (d *Dispatcher) SetPS2Handler(h Handler) { d.ps2 = h }

// Dispatch services a delivered vector. This is the ISR entry point: it runs
// with interrupts disabled and must not block.
func (d *Dispatcher) Dispatch(vector uint8, frame *Frame) {
	switch vector {
	case VectorTimer:
		d.ticks.Add(1)
		for _, p := range d.pollers {
			p(TickPeriodNS)
		}
		d.eoi()
	case VectorPS2Primary, VectorPS2Secondary:
		if d.ps2 != nil {
			d.ps2(vector, frame)
		}
		d.eoi()
	case VectorSpurious:
		// No EOI for spurious interrupts.
	default:
		if h := d.handlers[vector]; h != nil {
			h(vector, frame)
			return
		}
		slog.Warn("interrupts: stray vector", "vector", vector)
		d.eoi()
	}
}

func breakpointHandler(vector uint8, frame *Frame) {
	slog.Info("interrupts: breakpoint", "rip", frame.RIP)
}

func invalidOpcodeHandler(vector uint8, frame *Frame) {
	panic(fmt.Sprintf("interrupts: invalid opcode at %#x", frame.RIP))
}

func doubleFaultHandler(vector uint8, frame *Frame) {
	panic(fmt.Sprintf("interrupts: double fault (error code %#x) at %#x", frame.ErrorCode, frame.RIP))
}

func generalProtectionHandler(vector uint8, frame *Frame) {
	panic(fmt.Sprintf("interrupts: general protection fault (error code %#x) at %#x",
		frame.ErrorCode, frame.RIP))
}

func pageFaultHandler(vector uint8, frame *Frame) {
	panic(fmt.Sprintf("interrupts: page fault (error code %#x) at %#x", frame.ErrorCode, frame.RIP))
}

// genericExceptionStub is the entry stub shared by vectors without a
// dedicated stack or handler; its address appears in the IDT and in
// HandlerAddresses.
func genericExceptionStub(vector uint8, frame *Frame) {
	panic(fmt.Sprintf("interrupts: exception %d at %#x", vector, frame.RIP))
}

func stubAddress(h Handler) uint64 {
	return uint64(reflect.ValueOf(h).Pointer())
}

// HandlerAddresses returns the entry addresses of the interrupt handlers, so
// the backtrace printer can stop unwinding when it reaches one.
func HandlerAddresses() []uint64 {
	return []uint64{
		stubAddress(genericExceptionStub),
		stubAddress(breakpointHandler),
		stubAddress(invalidOpcodeHandler),
		stubAddress(doubleFaultHandler),
		stubAddress(generalProtectionHandler),
		stubAddress(pageFaultHandler),
	}
}

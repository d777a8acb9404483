package xhci

import (
	"fmt"

	"github.com/emberos/ember/internal/hw"
)

// The init sequence follows xHCI spec section 4.2, advanced one step per
// timer tick so every hardware wait yields instead of spinning.
type initPhase uint8

const (
	phaseStartReset initPhase = iota
	phaseAwaitReset
	phaseAwaitRunning
	phaseSelfTest
	phaseRun
	phaseFailed
)

type selfTestState struct {
	remaining   int
	outstanding bool
	addr        hw.PhysAddr
	polls       int
}

// selfTestPollLimit bounds how many ticks a single No Op may stay
// unanswered.
const selfTestPollLimit = 20

// Tick advances the controller: through the init phases first, then the
// event-drain main loop. Called once per timer interrupt.
func (c *Controller) Tick(nsSinceLast uint64) {
	switch c.phase {
	case phaseStartReset:
		c.log.Info("xhci: sending host controller reset")
		c.op.WriteUSBCommand(c.op.USBCommand().WithReset(true))
		c.phase = phaseAwaitReset

	case phaseAwaitReset:
		if c.op.USBCommand().Reset() || c.op.USBStatus().ControllerNotReady() {
			return
		}
		if err := c.configure(); err != nil {
			c.fail(err)
			return
		}
		c.op.WriteUSBCommand(c.op.USBCommand().
			WithInterruptsEnabled(true).
			WithWrapEventsEnabled(true).
			WithEnabled(true))
		c.phase = phaseAwaitRunning

	case phaseAwaitRunning:
		if c.op.USBStatus().HostControllerHalted() {
			return
		}
		c.db.RingHostController()
		c.selfTest = selfTestState{remaining: ringTotalLength * 4}
		c.phase = phaseSelfTest

	case phaseSelfTest:
		if err := c.selfTestStep(); err != nil {
			c.fail(err)
		}

	case phaseRun:
		c.runStep(nsSinceLast)

	case phaseFailed:
	}
}

func (c *Controller) fail(err error) {
	c.log.Error("xhci: controller init aborted", "err", err)
	c.phase = phaseFailed
}

// configure performs the one-shot setup between reset and start: slot
// count, DCBAA, command ring, interrupters, and MSI-X.
func (c *Controller) configure() error {
	if !c.op.PageSizeSupports4K() {
		// Controllers with other page sizes exist; this driver does not
		// speak to them yet.
		return fmt.Errorf("xhci: controller does not support 4 KiB pages")
	}

	// Make every root-hub port usable.
	maxPorts := c.caps.StructuralParameters1().MaxPorts()
	c.op.WriteConfigure(c.op.Configure().WithMaxDeviceSlotsEnabled(maxPorts))

	dcbaa, err := NewDCBAA(c.alloc, c.mem, c.caps)
	if err != nil {
		return err
	}
	c.dcbaa = dcbaa
	c.op.WriteDCBAAP(dcbaa.PhysAddr())

	if !c.op.USBStatus().HostControllerHalted() {
		return fmt.Errorf("xhci: controller not halted before command ring setup")
	}
	if c.op.CommandRingControl().CommandRingRunning() {
		return fmt.Errorf("xhci: command ring already running")
	}
	cmdRing, err := NewCommandRing(c.alloc, c.mem)
	if err != nil {
		return err
	}
	c.cmdRing = cmdRing
	c.op.WriteCommandRingControl(NewCommandRingControl().
		WithRingCycleState(true).
		WithCommandRingPointer(cmdRing.Start()))

	maxInterrupters := int(c.caps.StructuralParameters1().MaxInterrupters())
	for i := 0; i < maxInterrupters; i++ {
		interrupter, err := newInterrupter(i, c.rt.Interrupter(i), c.alloc, c.mem)
		if err != nil {
			return fmt.Errorf("xhci: interrupter %d: %w", i, err)
		}
		c.interrupters = append(c.interrupters, interrupter)
	}
	if len(c.interrupters) == 0 {
		return fmt.Errorf("xhci: controller reports no interrupters")
	}

	// Aim MSI-X at the boot CPU. IMAN enables stay off, so delivery is
	// still polled from the timer tick.
	err = c.fn.SetupMessageInterrupts(c.apicID, c.vector, func(barNumber int) (hw.Window, error) {
		if barNumber != 0 {
			return hw.Window{}, fmt.Errorf("xhci: MSI-X table in unexpected BAR %d", barNumber)
		}
		return c.mapping.Window(), nil
	})
	if err != nil {
		return err
	}

	return nil
}

// selfTestStep proves the command ring and event path work by pushing No Op
// commands through them, one at a time, until the ring has wrapped four
// times.
func (c *Controller) selfTestStep() error {
	if !c.selfTest.outstanding {
		if c.op.USBStatus().HostControllerHalted() || !c.op.USBCommand().Enabled() {
			return fmt.Errorf("xhci: controller stopped during self test")
		}
		addr, err := c.WriteCommandTRB(NewNoOpCommandTRB())
		if err != nil {
			return fmt.Errorf("xhci: self test enqueue: %w", err)
		}
		c.selfTest.outstanding = true
		c.selfTest.addr = addr
		c.selfTest.polls = 0
		return nil
	}

	ev, ok := c.ReadEventTRB(0)
	if !ok {
		c.selfTest.polls++
		if c.selfTest.polls > selfTestPollLimit {
			return fmt.Errorf("xhci: no completion for self-test command at %v", c.selfTest.addr)
		}
		return nil
	}

	completion, isCompletion := ev.AsCommandCompletion()
	if !isCompletion {
		c.log.Debug("xhci: unexpected event during self test", "type", uint8(ev.Kind()))
		return nil
	}

	c.cmdRing.UpdateDequeue(completion.CommandTRBPointer)
	if completion.CommandTRBPointer != c.selfTest.addr {
		return fmt.Errorf("xhci: completion for %v, expected %v",
			completion.CommandTRBPointer, c.selfTest.addr)
	}
	if completion.Code != CompletionSuccess {
		return CompletionError{Code: completion.Code}
	}

	c.selfTest.outstanding = false
	c.selfTest.remaining--
	if c.selfTest.remaining > 0 {
		return nil
	}

	c.log.Info("xhci: self test passed, resetting ports")
	c.resetAllPorts()
	c.phase = phaseRun
	return nil
}

// resetAllPorts kicks off a reset on every root-hub port. Each reset's
// completion arrives as a Port Status Change event and is handled by a port
// task.
func (c *Controller) resetAllPorts() {
	for portID := uint8(1); portID <= c.op.MaxPorts(); portID++ {
		port := c.op.Port(portID)
		port.WriteStatusAndControl(port.StatusAndControl().Normalised().WithReset(true))
	}
}

// runStep is the main loop body: drain one event, fold command completions
// into the ring's dequeue state, and hand everything else to the task
// queue.
func (c *Controller) runStep(nsSinceLast uint64) {
	var forTasks *Event

	if ev, ok := c.ReadEventTRB(0); ok {
		if completion, isCompletion := ev.AsCommandCompletion(); isCompletion {
			c.cmdRing.UpdateDequeue(completion.CommandTRBPointer)
			if completion.Code != CompletionSuccess {
				c.log.Error("xhci: command failed",
					"err", CompletionError{Code: completion.Code}, "slot", completion.SlotID)
			} else if completion.SlotID != 0 {
				c.log.Info("xhci: slot enabled", "slot", completion.SlotID)
			}
		} else {
			forTasks = &ev
		}
	}

	c.queue.Poll(nsSinceLast, forTasks)
}

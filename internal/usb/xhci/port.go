package xhci

import (
	"fmt"
)

// portAttachTask walks a root-hub port from "something changed" to a slot
// request, per USB's attachment flow: acknowledge the change, reset the
// port, wait up to a second for the reset's status-change event, then ask
// the controller for a device slot of the port's protocol.
type portAttachTask struct {
	c     *Controller
	port  uint8
	state portAttachState
}

type portAttachState uint8

const (
	portAttachReset portAttachState = iota
	portAttachAwaitReset
)

func newPortAttachTask(c *Controller, trb PortStatusChange) *portAttachTask {
	return &portAttachTask{c: c, port: trb.PortID}
}

func (t *portAttachTask) poll(w *Waker) (bool, error) {
	switch t.state {
	case portAttachReset:
		port := t.c.op.Port(t.port)
		status := port.StatusAndControl()

		if !status.DeviceConnected() {
			// Detach: acknowledge the change and stop.
			port.WriteStatusAndControl(status.Normalised().WithConnectStatusChangeCleared())
			return true, nil
		}

		// Acknowledge the connect change and start a reset in one write.
		port.WriteStatusAndControl(status.Normalised().
			WithConnectStatusChangeCleared().
			WithReset(true))

		w.WaitForPortStatusChange(t.port, timeout1Second)
		t.state = portAttachAwaitReset
		return false, nil

	case portAttachAwaitReset:
		if w.TimedOut() {
			return true, fmt.Errorf("port %d reset: %w", t.port, ErrTimeoutReached)
		}
		if _, ok := w.TakeReceived(); !ok {
			return true, fmt.Errorf("port %d: woken without reset event", t.port)
		}

		port := t.c.op.Port(t.port)
		status := port.StatusAndControl()
		port.WriteStatusAndControl(status.Normalised().WithResetChangeCleared())

		if !status.PortEnabled() {
			return true, fmt.Errorf("port %d not enabled after reset", t.port)
		}

		slotType := uint8(0)
		if protocol, ok := t.c.ext.ProtocolForPort(t.port); ok {
			slotType = protocol.SlotType
		}

		if _, err := t.c.WriteCommandTRB(NewEnableSlotTRB(slotType)); err != nil {
			return true, fmt.Errorf("port %d: enable slot: %w", t.port, err)
		}
		t.c.log.Info("xhci: slot requested",
			"port", t.port, "speed", status.Speed(), "slotType", slotType)
		return true, nil

	default:
		return true, fmt.Errorf("port %d: bad task state %d", t.port, t.state)
	}
}

package xhci

import (
	"errors"
	"log/slog"
)

// timeout1Second is the task timeout used for port operations.
const timeout1Second = 1_000_000_000

// ErrTimeoutReached reports that a waited-for event did not arrive within
// its deadline. The owning task logs it and aborts.
var ErrTimeoutReached = errors.New("xhci: timeout reached")

type waitingKind uint8

const (
	// waitingNone: the task is not waiting and is polled immediately.
	waitingNone waitingKind = iota
	// waitingTimeoutReached: a timeout expired; the task is polled to
	// observe it.
	waitingTimeoutReached
	// waitingTimeout: the task sleeps until the remaining nanoseconds run
	// out.
	waitingTimeout
	// waitingPortStatusChange: the task sleeps until a Port Status Change
	// for its port arrives or the timeout runs out.
	waitingPortStatusChange
	// waitingPortReceived: the wanted TRB arrived; the task is polled to
	// consume it.
	waitingPortReceived
)

// waiting is what a task is suspended on. The queue rewrites it between
// polls: timeouts count down, and a matching TRB flips a port wait into
// waitingPortReceived.
type waiting struct {
	kind      waitingKind
	timeoutNS uint64
	port      uint8
	received  PortStatusChange
}

// active reports whether a task in this state should be polled.
func (w waiting) active() bool {
	switch w.kind {
	case waitingNone, waitingTimeoutReached, waitingPortReceived:
		return true
	default:
		return false
	}
}

// Waker carries a task's waiting state. A task's poll method suspends by
// arming the waker and returning; it resumes when the queue sees the armed
// condition met.
type Waker struct {
	state waiting
}

// WaitForTimeout suspends the task for the given nanoseconds.
func (w *Waker) WaitForTimeout(ns uint64) {
	w.state = waiting{kind: waitingTimeout, timeoutNS: ns}
}

// WaitForPortStatusChange suspends the task until a Port Status Change
// event for the port arrives, or the timeout expires.
func (w *Waker) WaitForPortStatusChange(port uint8, timeoutNS uint64) {
	w.state = waiting{kind: waitingPortStatusChange, port: port, timeoutNS: timeoutNS}
}

// TimedOut reports whether the armed wait expired.
func (w *Waker) TimedOut() bool { return w.state.kind == waitingTimeoutReached }

// TakeReceived consumes a received Port Status Change, clearing the wait.
func (w *Waker) TakeReceived() (PortStatusChange, bool) {
	if w.state.kind != waitingPortReceived {
		return PortStatusChange{}, false
	}
	trb := w.state.received
	w.state = waiting{}
	return trb, true
}

// Clear resets the waker to not-waiting.
func (w *Waker) Clear() { w.state = waiting{} }

// future is a task body: a state machine advanced by poll. Returning done
// removes the task from the queue; a non-nil error is logged first.
type future interface {
	poll(w *Waker) (done bool, err error)
}

type task struct {
	name  string
	waker Waker
	fut   future
}

// TaskQueue runs the controller's cooperative tasks. It is polled once per
// timer tick from the ISR path; tasks make progress only there.
type TaskQueue struct {
	log   *slog.Logger
	tasks []*task

	// spawn builds a task for an event no existing task consumed, or
	// returns nil to drop it.
	spawn func(ev Event) (future, string)
}

// NewTaskQueue builds an empty queue.
func NewTaskQueue(log *slog.Logger, spawn func(ev Event) (future, string)) *TaskQueue {
	return &TaskQueue{log: log, spawn: spawn}
}

// Len returns the number of live tasks.
func (q *TaskQueue) Len() int { return len(q.tasks) }

// Poll advances the queue: waiting states are updated with the elapsed time
// and the event (if any), active tasks are polled, finished tasks are
// dropped, and an unconsumed event may start a new task.
func (q *TaskQueue) Poll(nsSinceLast uint64, ev *Event) {
	leftover := q.pollTasks(nsSinceLast, ev)
	if leftover != nil {
		q.push(*leftover)
	}
}

func (q *TaskQueue) pollTasks(nsSinceLast uint64, ev *Event) *Event {
	kept := q.tasks[:0]
	for _, t := range q.tasks {
		state := t.waker.state
		switch state.kind {
		case waitingTimeout:
			if state.timeoutNS <= nsSinceLast {
				state = waiting{kind: waitingTimeoutReached}
			} else {
				state.timeoutNS -= nsSinceLast
			}
		case waitingPortStatusChange:
			consumed := false
			if ev != nil {
				if psc, ok := ev.AsPortStatusChange(); ok && psc.PortID == state.port {
					state = waiting{kind: waitingPortReceived, received: psc}
					ev = nil
					consumed = true
				}
			}
			if !consumed {
				if state.timeoutNS <= nsSinceLast {
					state = waiting{kind: waitingTimeoutReached}
				} else {
					state.timeoutNS -= nsSinceLast
				}
			}
		}
		t.waker.state = state

		if !state.active() {
			kept = append(kept, t)
			continue
		}

		done, err := t.fut.poll(&t.waker)
		if err != nil {
			q.log.Error("xhci: task failed", "task", t.name, "err", err)
			continue
		}
		if !done {
			kept = append(kept, t)
		}
	}
	q.tasks = kept
	return ev
}

// push starts a task for an event nobody consumed.
func (q *TaskQueue) push(ev Event) {
	switch ev.Kind() {
	case TRBTypeMFINDEXWrap:
		// Nothing to do for wrap events.
		return
	}
	fut, name := q.spawn(ev)
	if fut == nil {
		q.log.Warn("xhci: unhandled event", "type", uint8(ev.Kind()))
		return
	}
	q.tasks = append(q.tasks, &task{name: name, fut: fut})
}

package xhci

import (
	"errors"
	"testing"
)

// scriptedTask is a future driven by explicit steps for queue tests.
type scriptedTask struct {
	steps []func(w *Waker) (bool, error)
	calls int
}

func (s *scriptedTask) poll(w *Waker) (bool, error) {
	step := s.steps[0]
	if len(s.steps) > 1 {
		s.steps = s.steps[1:]
	}
	s.calls++
	return step(w)
}

func newQueue(spawn func(ev Event) (future, string)) *TaskQueue {
	if spawn == nil {
		spawn = func(Event) (future, string) { return nil, "" }
	}
	return NewTaskQueue(discardLogger(), spawn)
}

func (q *TaskQueue) add(name string, fut future) *task {
	t := &task{name: name, fut: fut}
	q.tasks = append(q.tasks, t)
	return t
}

func TestQueueTimeoutCountdown(t *testing.T) {
	q := newQueue(nil)

	var woke bool
	st := &scriptedTask{steps: []func(w *Waker) (bool, error){
		func(w *Waker) (bool, error) {
			w.WaitForTimeout(15_000_000) // 15 ms
			return false, nil
		},
		func(w *Waker) (bool, error) {
			if !w.TimedOut() {
				t.Error("woken before timeout")
			}
			woke = true
			return true, nil
		},
	}}
	q.add("sleeper", st)

	q.Poll(10_000_000, nil) // polls once, arms the wait
	q.Poll(10_000_000, nil) // 5 ms remain
	if woke {
		t.Fatal("woke too early")
	}
	q.Poll(10_000_000, nil) // underflow -> TimeoutReached
	if !woke {
		t.Fatal("never woke")
	}
	if q.Len() != 0 {
		t.Errorf("finished task still queued")
	}
}

func TestQueuePortWaitConsumesMatchingTRB(t *testing.T) {
	q := newQueue(nil)

	var got PortStatusChange
	st := &scriptedTask{steps: []func(w *Waker) (bool, error){
		func(w *Waker) (bool, error) {
			w.WaitForPortStatusChange(3, timeout1Second)
			return false, nil
		},
		func(w *Waker) (bool, error) {
			trb, ok := w.TakeReceived()
			if !ok {
				t.Error("poll without received TRB")
			}
			got = trb
			return true, nil
		},
	}}
	q.add("port-3", st)
	q.Poll(0, nil)

	// A TRB for another port must not wake the task; it spawns nothing
	// here and is dropped.
	other := Event{TRB: NewPortStatusChangeEventTRB(9)}
	q.Poll(10_000_000, &other)
	if q.Len() != 1 {
		t.Fatalf("task vanished on mismatched port")
	}

	match := Event{TRB: NewPortStatusChangeEventTRB(3)}
	q.Poll(10_000_000, &match)
	if got.PortID != 3 {
		t.Errorf("received = %+v", got)
	}
	if q.Len() != 0 {
		t.Errorf("finished task still queued")
	}
}

func TestQueuePortWaitTimesOut(t *testing.T) {
	q := newQueue(nil)

	var timedOut bool
	st := &scriptedTask{steps: []func(w *Waker) (bool, error){
		func(w *Waker) (bool, error) {
			w.WaitForPortStatusChange(1, 30_000_000)
			return false, nil
		},
		func(w *Waker) (bool, error) {
			timedOut = w.TimedOut()
			return true, ErrTimeoutReached
		},
	}}
	q.add("port-1", st)
	q.Poll(0, nil)

	for i := 0; i < 3; i++ {
		q.Poll(10_000_000, nil)
	}
	if !timedOut {
		t.Error("task never saw the timeout")
	}
	if q.Len() != 0 {
		t.Error("errored task still queued")
	}
}

func TestQueueSpawnsForUnconsumedEvent(t *testing.T) {
	var spawned []uint8
	q := newQueue(func(ev Event) (future, string) {
		psc, ok := ev.AsPortStatusChange()
		if !ok {
			return nil, ""
		}
		spawned = append(spawned, psc.PortID)
		return &scriptedTask{steps: []func(w *Waker) (bool, error){
			func(w *Waker) (bool, error) { return true, nil },
		}}, "spawned"
	})

	ev := Event{TRB: NewPortStatusChangeEventTRB(7)}
	q.Poll(0, &ev)
	if len(spawned) != 1 || spawned[0] != 7 {
		t.Fatalf("spawned = %v", spawned)
	}
	if q.Len() != 1 {
		t.Fatalf("new task not queued")
	}

	// MFINDEX wrap events never start tasks.
	wrap := Event{TRB: NewMFINDEXWrapEventTRB()}
	q.Poll(0, &wrap)
	if len(spawned) != 1 {
		t.Errorf("wrap event spawned a task")
	}
}

func TestQueueDropsFailedTask(t *testing.T) {
	q := newQueue(nil)
	q.add("failing", &scriptedTask{steps: []func(w *Waker) (bool, error){
		func(w *Waker) (bool, error) { return true, errors.New("broken") },
	}})
	q.Poll(0, nil)
	if q.Len() != 0 {
		t.Error("failed task still queued")
	}
}

package sched

import (
	"time"

	"argentum/internal/irq"
	"argentum/internal/kerr"
)

// Resume makes a Suspended task Ready and lets it preempt the calling
// cpu's current task if it outranks it (k_task_resume). cpu identifies
// the calling context, since Resume is often invoked from boot/init
// code that is not itself a Task.
func (s *Scheduler) Resume(cpu int, t *Task) kerr.Err {
	s.lock.Acquire(cpu)
	defer s.lock.Release(cpu)

	if t.State != StateSuspended {
		return kerr.EINVAL
	}
	s.enqueueLocked(cpu, t)
	s.mayYieldLocked(cpu, t)
	return kerr.None
}

// Yield relinquishes the cpu, re-enqueuing t at its own priority
// (k_task_yield).
func (s *Scheduler) Yield(t *Task) {
	cpu := t.cpu.ID
	s.lock.Acquire(cpu)
	s.enqueueLocked(cpu, t)
	s.yieldLocked(cpu)
	s.lock.Release(cpu)
}

// Suspend parks t indefinitely; only an explicit Resume makes it
// runnable again (k_task_suspend).
func (s *Scheduler) Suspend(t *Task) {
	cpu := t.cpu.ID
	s.lock.Acquire(cpu)
	t.State = StateSuspended
	s.yieldLocked(cpu)
	s.lock.Release(cpu)
}

// Exit retires t permanently, handing it to the destroy list for the
// idle loop to reclaim (k_task_exit). It never returns: the
// underlying goroutine blocks forever inside the final yieldLocked,
// exactly as the destroyed stack in the original never runs again.
func (s *Scheduler) Exit(t *Task) {
	cpu := t.cpu.ID
	s.lock.Acquire(cpu)
	t.State = StateDestroyed
	s.destroy.pushBack(t)
	s.yieldLocked(cpu)
	panic("sched: destroyed task resumed")
}

// armTimeoutLocked schedules an asynchronous wakeup of t after timeout
// elapses, simulating the timer firing on the cpu that put it to
// sleep (no real per-cpu timer hardware backs this simulator).
func (s *Scheduler) armTimeoutLocked(cpu int, t *Task, timeout time.Duration) {
	s.assertLocked(cpu)
	t.timer = time.AfterFunc(timeout, func() {
		s.lock.Acquire(cpu)
		switch t.State {
		case StateSleep, StateSleepInterruptible, StateMutex, StateSemaphore:
			s.wakeLocked(cpu, t, kerr.ETIMEDOUT)
		}
		s.lock.Release(cpu)
	})
}

// Sleep puts the calling task t to sleep in state, optionally queued
// on q and optionally bounded by timeout, dropping lock (if non-nil)
// for the duration and reacquiring it before returning
// (_k_sched_sleep). It returns the result the waker set, ETIMEDOUT if
// the timer fired first, or whatever sleepResult was left at EINTR by
// an interrupting signal.
func (s *Scheduler) Sleep(t *Task, q *Queue, state State, timeout time.Duration, lock *irq.Spinlock) kerr.Err {
	cpu := t.cpu.ID

	if lock != nil {
		s.lock.Acquire(cpu)
		lock.Release(cpu)
	} else {
		s.assertLocked(cpu)
	}

	if irq.Depth(cpu) > 1 {
		panic("sched: sleep called from IRQ context")
	}
	if s.cpus[cpu].Task != t {
		panic("sched: sleep called by a task not currently running")
	}

	if timeout > 0 {
		s.armTimeoutLocked(cpu, t, timeout)
	}

	t.State = state
	t.queue = q
	if q != nil {
		q.pushBack(t)
	}

	s.yieldLocked(cpu)

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}

	if lock != nil {
		s.lock.Release(cpu)
		lock.Acquire(cpu)
	}

	return t.sleepResult
}

// wakeLocked moves a sleeping/blocked task back onto its priority's
// run queue with the given wakeup result, and may preempt the cpu
// that performed the wakeup (_k_sched_resume).
func (s *Scheduler) wakeLocked(cpu int, t *Task, result kerr.Err) {
	s.assertLocked(cpu)
	switch t.State {
	case StateSleep, StateSleepInterruptible, StateMutex, StateSemaphore:
	default:
		return
	}

	t.sleepResult = result
	if t.queue != nil {
		t.queue.remove(t)
		t.queue = nil
	}
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}

	s.enqueueLocked(cpu, t)
	s.mayYieldLocked(cpu, t)
}

// WakeupOneLocked wakes the highest-priority waiter on q, if any
// (_k_sched_wakeup_one_locked). The caller must already hold the
// scheduler lock via Lock(cpu).
func (s *Scheduler) WakeupOneLocked(cpu int, q *Queue, result kerr.Err) {
	s.assertLocked(cpu)
	if t := q.highest(); t != nil {
		s.wakeLocked(cpu, t, result)
	}
}

// WakeupAllLocked wakes every waiter on q with the same result
// (_k_sched_wakeup_all_locked).
func (s *Scheduler) WakeupAllLocked(cpu int, q *Queue, result kerr.Err) {
	s.assertLocked(cpu)
	for !q.Empty() {
		s.wakeLocked(cpu, q.popFront(), result)
	}
}

// Interrupt wakes t early with EINTR if it is sleeping interruptibly,
// used by signal delivery (k_task_interrupt).
func (s *Scheduler) Interrupt(cpu int, t *Task) {
	s.lock.Acquire(cpu)
	defer s.lock.Release(cpu)
	if t.State == StateSleepInterruptible {
		s.wakeLocked(cpu, t, kerr.EINTR)
	}
}

// TickMark sets FlagReschedule on cpu's currently running task, if
// any, matching the timer IRQ handler's step (a): "sets the current
// task's reschedule flag under the scheduler lock" (spec §4.J).
func (s *Scheduler) TickMark(cpu int) {
	s.lock.Acquire(cpu)
	defer s.lock.Release(cpu)
	if t := s.cpus[cpu].Task; t != nil {
		t.Flags |= FlagReschedule
	}
}

// CheckPreempt consumes t's pending reschedule flag, if set, by
// re-enqueuing it and yielding (k_irq_handler_end's flag check). Real
// IRQ delivery interrupts whatever instruction a CPU is executing and
// runs the epilogue on return; a Go goroutine cannot be suspended from
// outside itself, so here the check runs wherever cooperating kernel
// code calls in instead — the task's own loop body, at the same
// granularity real kernel code only actually gets preempted at (trap
// and syscall return, never mid-instruction).
func (s *Scheduler) CheckPreempt(t *Task) {
	cpu := t.cpu.ID
	s.lock.Acquire(cpu)
	if t.Flags&FlagReschedule != 0 {
		t.Flags &^= FlagReschedule
		s.enqueueLocked(cpu, t)
		s.yieldLocked(cpu)
	}
	s.lock.Release(cpu)
}

// SetPriorityLocked changes t's priority, moving it between run
// queues if it is currently Ready (_k_sched_set_priority). Priority
// inheritance across owned mutexes is ksync's responsibility, which
// calls this once per affected task while already holding the lock.
func (s *Scheduler) SetPriorityLocked(cpu int, t *Task, priority int) {
	s.assertLocked(cpu)
	if t.State == StateReady {
		s.queues[t.Priority].remove(t)
		t.Priority = priority
		s.enqueueLocked(cpu, t)
		return
	}
	t.Priority = priority
}

// SavedPriority returns t's base priority, unaffected by any
// transient priority-inheritance boost (the saved_priority field).
func (t *Task) SavedPriority() int { return t.savedPriority }

// SetSavedPriority updates t's base priority, used when a thread
// changes its own nice-style priority outside of inheritance.
func (t *Task) SetSavedPriority(p int) { t.savedPriority = p }

// CurrentCPU returns the CPU t is presently running on, or nil if it
// is not currently scheduled.
func (t *Task) CurrentCPU() *CPU { return t.cpu }

package ksync

import (
	"time"

	"argentum/internal/irq"
	"argentum/internal/kerr"
	"argentum/internal/sched"
)

// WaitQueue is a thin wrapper over sched's sleep/wake primitives with
// no companion lock of its own: callers pass whatever lock they were
// holding to release for the sleep (k_waitqueue_sleep).
type WaitQueue struct {
	s     *sched.Scheduler
	queue sched.Queue
}

// NewWaitQueue creates an empty wait queue (k_waitqueue_init).
func NewWaitQueue(s *sched.Scheduler) *WaitQueue {
	return &WaitQueue{s: s}
}

// Sleep blocks t on the queue, releasing lock (if non-nil) for the
// duration, with an optional timeout (k_waitqueue_timed_sleep).
func (w *WaitQueue) Sleep(t *sched.Task, lock *irq.Spinlock, timeout time.Duration) kerr.Err {
	return w.s.Sleep(t, &w.queue, sched.StateSleepInterruptible, timeout, lock)
}

// WakeupOne wakes the highest-priority waiter (k_waitqueue_wakeup_one).
func (w *WaitQueue) WakeupOne(cpu int) {
	w.s.Lock(cpu)
	defer w.s.Unlock(cpu)
	w.s.WakeupOneLocked(cpu, &w.queue, kerr.None)
}

// WakeupAll wakes every waiter (k_waitqueue_wakeup_all).
func (w *WaitQueue) WakeupAll(cpu int) {
	w.s.Lock(cpu)
	defer w.s.Unlock(cpu)
	w.s.WakeupAllLocked(cpu, &w.queue, kerr.None)
}

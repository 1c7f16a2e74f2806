package ksync

import (
	"time"

	"argentum/internal/irq"
	"argentum/internal/kerr"
	"argentum/internal/sched"
)

// Semaphore is a counting semaphore with its own spinlock (independent
// of the scheduler lock until a waiter actually needs to sleep),
// grounded on original_source/kernel/core/semaphore.c.
type Semaphore struct {
	s     *sched.Scheduler
	lock  *irq.Spinlock
	queue sched.Queue
	count int
}

// NewSemaphore creates a semaphore with the given initial count
// (k_semaphore_create).
func NewSemaphore(s *sched.Scheduler, initial int) *Semaphore {
	return &Semaphore{s: s, lock: irq.NewSpinlock("ksync.semaphore"), count: initial}
}

func (sem *Semaphore) tryGetLocked() kerr.Err {
	if sem.count == 0 {
		return kerr.EAGAIN
	}
	sem.count--
	return kerr.None
}

// TryGet takes one count without blocking, returning EAGAIN if the
// count is zero (k_semaphore_try_get).
func (sem *Semaphore) TryGet(cpu int) kerr.Err {
	sem.lock.Acquire(cpu)
	defer sem.lock.Release(cpu)
	return sem.tryGetLocked()
}

// Get blocks until a count is available, interruptibly unless
// uninterruptible is set, optionally bounded by timeout
// (k_semaphore_timed_get).
func (sem *Semaphore) Get(t *sched.Task, timeout time.Duration, uninterruptible bool) kerr.Err {
	cpu := t.CurrentCPU().ID
	sem.lock.Acquire(cpu)
	defer sem.lock.Release(cpu)

	state := sched.StateSleepInterruptible
	if uninterruptible {
		state = sched.StateSleep
	}

	for {
		r := sem.tryGetLocked()
		if r != kerr.EAGAIN {
			return r
		}
		r = sem.s.Sleep(t, &sem.queue, state, timeout, sem.lock)
		if r != kerr.None {
			return r
		}
	}
}

// Put increments the count and wakes one waiter, if any
// (k_semaphore_put).
func (sem *Semaphore) Put(cpu int) {
	sem.lock.Acquire(cpu)
	defer sem.lock.Release(cpu)
	sem.count++
	sem.s.Lock(cpu)
	sem.s.WakeupOneLocked(cpu, &sem.queue, kerr.None)
	sem.s.Unlock(cpu)
}

// Destroy wakes every waiter with EINVAL (k_semaphore_destroy).
func (sem *Semaphore) Destroy(cpu int) {
	sem.lock.Acquire(cpu)
	defer sem.lock.Release(cpu)
	sem.s.Lock(cpu)
	sem.s.WakeupAllLocked(cpu, &sem.queue, kerr.EINVAL)
	sem.s.Unlock(cpu)
}

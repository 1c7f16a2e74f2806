package ksync

import (
	"argentum/internal/kerr"
	"argentum/internal/sched"
)

// CondVar is a condition variable used together with a Mutex,
// grounded on original_source/kernel/core/condvar.c.
type CondVar struct {
	s     *sched.Scheduler
	queue sched.Queue
}

// NewCondVar creates an empty condition variable (k_condvar_init).
func NewCondVar(s *sched.Scheduler) *CondVar {
	return &CondVar{s: s}
}

// Wait atomically unlocks m and sleeps on the condition variable,
// re-acquiring m before returning (k_condvar_timed_wait). t must hold
// m on entry.
func (c *CondVar) Wait(t *sched.Task, m *Mutex) kerr.Err {
	cpu := t.CurrentCPU().ID
	c.s.Lock(cpu)

	if m.owner != t {
		c.s.Unlock(cpu)
		return kerr.EPERM
	}
	m.unlockLocked(cpu, t)

	r := c.s.Sleep(t, &c.queue, sched.StateSleepInterruptible, 0, nil)

	// Re-acquire m regardless of how Sleep returned, matching
	// _k_mutex_timed_lock(mutex, 0)'s unconditional re-lock (the
	// original discards this second call's result too).
	for {
		lr := m.tryLockLocked(cpu, t)
		if lr != kerr.EAGAIN {
			break
		}
		m.mayRaisePriorityLocked(cpu, t.Priority)
		t.SleepOnMutex = m
		sr := c.s.Sleep(t, &m.queue, sched.StateMutex, 0, nil)
		t.SleepOnMutex = nil
		if sr != kerr.None {
			break
		}
	}

	c.s.Unlock(cpu)
	return r
}

// Signal wakes the highest-priority waiter, if any (k_condvar_signal).
func (c *CondVar) Signal(cpu int) {
	c.s.Lock(cpu)
	defer c.s.Unlock(cpu)
	c.s.WakeupOneLocked(cpu, &c.queue, kerr.None)
}

// Broadcast wakes every waiter (k_condvar_broadcast).
func (c *CondVar) Broadcast(cpu int) {
	c.s.Lock(cpu)
	defer c.s.Unlock(cpu)
	c.s.WakeupAllLocked(cpu, &c.queue, kerr.None)
}

// Destroy wakes every waiter with EINVAL (k_condvar_fini).
func (c *CondVar) Destroy(cpu int) {
	c.s.Lock(cpu)
	defer c.s.Unlock(cpu)
	c.s.WakeupAllLocked(cpu, &c.queue, kerr.EINVAL)
}

// Package ksync implements the kernel's sleeping synchronization
// primitives (spec §4.G): a priority-inheriting mutex, a counting
// semaphore, a condition variable, a thin waitqueue wrapper, a
// fixed-capacity mailbox, and the timer delta-queue. Every primitive
// is built directly on sched.Scheduler's Sleep/WakeupOne/WakeupAll
// rather than Go's sync package, since the whole point of this layer
// is the priority-aware wake/sleep semantics sync.Mutex/sync.Cond
// don't provide.
//
// Grounded on original_source/kernel/core/mutex.c, semaphore.c,
// condvar.c, waitqueue.c, mailbox.c and timer.c: the one deliberate
// generalization is that every primitive here is a first-class Go
// value parameterized by a *sched.Scheduler and a calling task's cpu
// id, in place of the C sources' implicit k_task_current()/_k_cpu().
package ksync

import (
	"argentum/internal/kerr"
	"argentum/internal/sched"
)

// Mutex is a sleeping mutual-exclusion lock with priority inheritance:
// a low-priority owner blocking a higher-priority waiter has its
// effective priority raised to the waiter's for as long as the waiter
// blocks (k_mutex_timed_lock's "donate priority to the owner").
type Mutex struct {
	sched *sched.Scheduler
	queue sched.Queue

	owner    *sched.Task
	priority int // lowest priority among current waiters, or noWaiters
}

// noWaiters is the mutex's priority field when nobody is blocked on
// it, matching K_TASK_MAX_PRIORITIES (lower than any real priority).
const noWaiters = sched.NumPriorities

// NewMutex creates an unheld mutex (k_mutex_init).
func NewMutex(s *sched.Scheduler) *Mutex {
	return &Mutex{sched: s, priority: noWaiters}
}

// tryLockLocked attempts to take the mutex on behalf of t, requiring
// the scheduler lock already held on cpu (k_mutex_try_lock_locked).
// On success m is front-inserted into t's owned-mutex list, so a later
// Unlock can recompute t's priority over whatever t still owns
// (k_list_add_front(&current->owned_mutexes, ...)).
func (m *Mutex) tryLockLocked(cpu int, t *sched.Task) kerr.Err {
	if m.owner != nil {
		if m.owner == t {
			return kerr.EDEADLK
		}
		return kerr.EAGAIN
	}
	m.owner = t
	t.OwnedMutexes = append([]interface{}{m}, t.OwnedMutexes...)
	return kerr.None
}

// TryLock attempts to acquire the mutex without blocking.
func (m *Mutex) TryLock(t *sched.Task) kerr.Err {
	cpu := t.CurrentCPU().ID
	m.sched.Lock(cpu)
	defer m.sched.Unlock(cpu)
	return m.tryLockLocked(cpu, t)
}

// mayRaisePriorityLocked donates priority to the owner when a
// higher-priority task starts waiting (_k_mutex_may_raise_priority),
// propagating the donation transitively if the owner is itself
// blocked on another mutex (_k_sched_raise_priority).
func (m *Mutex) mayRaisePriorityLocked(cpu int, priority int) {
	if m.priority <= priority {
		return
	}
	m.priority = priority
	raisePriorityChainLocked(cpu, m.sched, m.owner, priority)
}

// raisePriorityChainLocked raises owner's priority and, if owner is
// itself asleep on another mutex, that mutex's donated-priority floor
// and its own owner in turn, walking the whole
// owner -> sleep_on_mutex -> mutex.owner -> ... chain
// (_k_sched_raise_priority) instead of stopping at the first link.
func raisePriorityChainLocked(cpu int, s *sched.Scheduler, owner *sched.Task, priority int) {
	for {
		if owner.Priority > priority {
			s.SetPriorityLocked(cpu, owner, priority)
		}
		next, ok := owner.SleepOnMutex.(*Mutex)
		if !ok || next == nil || next.owner == nil {
			return
		}
		if next.priority <= priority {
			return
		}
		next.priority = priority
		owner = next.owner
	}
}

// Lock blocks until t owns the mutex, donating priority to the
// current owner while it waits (k_mutex_timed_lock). It returns
// EDEADLK if t already owns the mutex.
func (m *Mutex) Lock(t *sched.Task) kerr.Err {
	cpu := t.CurrentCPU().ID
	m.sched.Lock(cpu)
	defer m.sched.Unlock(cpu)

	for {
		r := m.tryLockLocked(cpu, t)
		if r != kerr.EAGAIN {
			return r
		}
		m.mayRaisePriorityLocked(cpu, t.Priority)
		t.SleepOnMutex = m
		r = m.sched.Sleep(t, &m.queue, sched.StateMutex, 0, nil)
		t.SleepOnMutex = nil
		if r != kerr.None {
			return r
		}
	}
}

// recalcPriorityLocked resets the mutex's donated-priority floor to
// the highest-priority remaining waiter, or noWaiters if none
// (_k_mutex_recalc_priority). The source reads only the queue head
// because it keeps the wait list priority-sorted on insert; this
// queue stays FIFO-ordered instead (sched.Queue's only ordering
// discipline), so the floor is recomputed with a full scan here.
func (m *Mutex) recalcPriorityLocked() {
	if m.queue.Empty() {
		m.priority = noWaiters
		return
	}
	best := noWaiters
	for _, w := range m.queue.Waiters() {
		if w.Priority < best {
			best = w.Priority
		}
	}
	m.priority = best
}

// removeOwnedMutexLocked drops m from t's owned-mutex list
// (k_mutex_unlock's list_del(&mp->owned_mutexes)).
func removeOwnedMutexLocked(t *sched.Task, m *Mutex) {
	for i, o := range t.OwnedMutexes {
		if o == m {
			t.OwnedMutexes = append(t.OwnedMutexes[:i], t.OwnedMutexes[i+1:]...)
			return
		}
	}
}

// recomputeOwnPriorityLocked resets t's current priority to the
// minimum of its saved priority and the donated-priority floor of
// every mutex it still owns (_k_sched_update_effective_priority),
// undoing whatever boost releasing m doesn't by itself account for.
func recomputeOwnPriorityLocked(cpu int, s *sched.Scheduler, t *sched.Task) {
	priority := t.SavedPriority()
	for _, o := range t.OwnedMutexes {
		if om, ok := o.(*Mutex); ok && om.priority < priority {
			priority = om.priority
		}
	}
	if priority != t.Priority {
		s.SetPriorityLocked(cpu, t, priority)
	}
}

// unlockLocked releases the mutex, recomputes the releasing task's own
// priority now that it no longer owns m, and wakes the
// highest-priority waiter, which becomes the new owner
// (_k_mutex_unlock).
func (m *Mutex) unlockLocked(cpu int, t *sched.Task) {
	m.owner = nil
	removeOwnedMutexLocked(t, m)
	recomputeOwnPriorityLocked(cpu, m.sched, t)
	m.sched.WakeupOneLocked(cpu, &m.queue, kerr.None)
	m.recalcPriorityLocked()
}

// Unlock releases the mutex; t must be the current owner.
func (m *Mutex) Unlock(t *sched.Task) kerr.Err {
	cpu := t.CurrentCPU().ID
	m.sched.Lock(cpu)
	defer m.sched.Unlock(cpu)
	if m.owner != t {
		return kerr.EPERM
	}
	m.unlockLocked(cpu, t)
	return kerr.None
}

// Holding reports whether t currently owns the mutex.
func (m *Mutex) Holding(t *sched.Task) bool {
	cpu := t.CurrentCPU().ID
	m.sched.Lock(cpu)
	defer m.sched.Unlock(cpu)
	return m.owner == t
}

// Destroy wakes every waiter with EINVAL, flushing the queue before
// the mutex's storage is released (k_mutex_fini).
func (m *Mutex) Destroy(cpu int) {
	m.sched.Lock(cpu)
	defer m.sched.Unlock(cpu)
	m.sched.WakeupAllLocked(cpu, &m.queue, kerr.EINVAL)
}

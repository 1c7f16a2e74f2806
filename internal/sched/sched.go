// Package sched implements the fixed-priority, multi-CPU kernel
// scheduler (spec §4.F): 32 run queues keyed by priority, one global
// scheduler spinlock, voluntary yield, interruptible/uninterruptible
// sleep and wakeup, tick-driven preemption, and destroyed-task
// cleanup.
//
// Grounded on original_source/kernel/core/sched.c and
// kernel/core/task.c — the "dead code and forks" open question
// recorded in DESIGN.md resolves to following that lineage
// exclusively, since biscuit delegates scheduling entirely to the Go
// runtime and retrieved no scheduler source of its own to adapt.
//
// k_arch_switch's raw stack-pointer swap has no counterpart inside a
// Go process, so every Task owns a dedicated goroutine parked on a
// channel; "switching to a task" is the scheduler sending on that
// channel and waiting for the task to cooperatively hand control back
// at the same points task.c hands back to k_sched_start
// (k_task_yield, _k_sched_sleep, k_task_exit). sched.c's trick of
// leaving the scheduler spinlock artificially held across the switch
// so the freshly-entered stack can release it as its first
// instruction has no counterpart here either: a channel handoff need
// not hold the lock across the switch in the first place, so
// Acquire/Release simply bracket the scheduling decision on either
// side of it.
package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"argentum/internal/irq"
	"argentum/internal/kerr"
	"argentum/internal/mem"
	"argentum/internal/pagemap"
)

// NumPriorities is the number of run-queue priority bands; 0 is
// highest, matching THREAD_MAX_PRIORITIES.
const NumPriorities = 32

// State is a task's scheduling state.
type State int

const (
	StateSuspended State = iota
	StateReady
	StateRunning
	StateSleep
	StateSleepInterruptible
	StateMutex
	StateSemaphore
	StateDestroyed
)

// Flag bits stored in Task.Flags.
const (
	// FlagReschedule marks a running task for a deferred yield, set by
	// mayYieldLocked when an IRQ-critical section prevents an immediate
	// switch (THREAD_FLAG_RESCHEDULE); the tick/irq epilogue consults it.
	FlagReschedule uint32 = 1 << iota
)

// Queue is a FIFO wait queue of tasks, the Go equivalent of a
// KListLink list head threaded through task->link.
type Queue struct {
	waiters []*Task
}

func (q *Queue) pushBack(t *Task) { q.waiters = append(q.waiters, t) }

func (q *Queue) popFront() *Task {
	t := q.waiters[0]
	q.waiters = q.waiters[1:]
	return t
}

func (q *Queue) remove(t *Task) {
	for i, w := range q.waiters {
		if w == t {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}

// Empty reports whether the queue has no waiters.
func (q *Queue) Empty() bool { return len(q.waiters) == 0 }

// Waiters returns the queue's current waiters in FIFO order, for
// callers (ksync's priority-floor recalculation) that need to scan
// without popping.
func (q *Queue) Waiters() []*Task { return q.waiters }

// highest returns the highest-priority waiter (lowest Priority value
// wins), matching _k_sched_wakeup_one_locked's linear scan.
func (q *Queue) highest() *Task {
	var best *Task
	for _, w := range q.waiters {
		if best == nil || w.Priority < best.Priority {
			best = w
		}
	}
	return best
}

// CPU is one simulated processor: its own run-to-completion dispatch
// loop and the task it is currently executing, if any.
type CPU struct {
	ID   int
	Task *Task
}

// Task is one schedulable thread of control. Entry receives the Task
// itself rather than relying on an implicit "current task" lookup
// (k_task_current's _k_cpu()->task): Go has no cheap per-goroutine
// thread-local storage, and threading the pointer explicitly is the
// idiomatic replacement.
type Task struct {
	ID            uint64
	Priority      int
	savedPriority int
	State         State
	Flags         uint32

	Entry   func(t *Task)
	Process interface{}  // opaque to avoid an import cycle with proc
	Port    pagemap.Root // loaded/unloaded onto the CPU around each run

	// SleepOnMutex and OwnedMutexes back ksync's priority-inheritance
	// chain: OwnedMutexes is the owned_mutexes list
	// k_mutex_try_lock_locked front-inserts into on acquire, and
	// SleepOnMutex is the sleep_on_mutex back-pointer
	// _k_sched_raise_priority walks to donate priority transitively
	// through a multi-mutex blocking chain. Both hold *ksync.Mutex
	// values but are typed interface{} here, opaque to sched, the same
	// way Process avoids an import cycle with proc.
	SleepOnMutex interface{}
	OwnedMutexes []interface{}

	sleepResult kerr.Err
	queue       *Queue
	timer       *time.Timer
	cpu         *CPU

	resumeCh   chan struct{}
	switchBack chan struct{}

	alloc  *mem.Allocator
	kstack mem.Frame
}

// Scheduler owns the run queues, the destroy list, and the single
// spinlock serializing access to both (_k_sched_spinlock).
type Scheduler struct {
	lock    *irq.Spinlock
	queues  [NumPriorities]Queue
	destroy Queue
	cpus    []*CPU
	nextID  uint64

	idleMu   sync.Mutex
	idleCond *sync.Cond
}

// New creates a scheduler for ncpu simulated processors
// (k_sched_init generalized to SMP).
func New(ncpu int) *Scheduler {
	s := &Scheduler{lock: irq.NewSpinlock("sched")}
	s.idleCond = sync.NewCond(&s.idleMu)
	s.cpus = make([]*CPU, ncpu)
	for i := range s.cpus {
		s.cpus[i] = &CPU{ID: i}
	}
	return s
}

// CPUOf returns the CPU descriptor for id.
func (s *Scheduler) CPUOf(id int) *CPU { return s.cpus[id] }

// Lock acquires the scheduler spinlock on behalf of cpu; callers
// composing several "_locked" primitives into one atomic operation
// (ksync's mutex/semaphore/condvar) bracket them with Lock/Unlock
// themselves, mirroring _k_sched_lock/_k_sched_unlock.
func (s *Scheduler) Lock(cpu int) { s.lock.Acquire(cpu) }

// Unlock releases the scheduler spinlock held by cpu.
func (s *Scheduler) Unlock(cpu int) { s.lock.Release(cpu) }

// Holding reports whether cpu currently holds the scheduler spinlock.
func (s *Scheduler) Holding(cpu int) bool { return s.lock.Holding(cpu) }

func (s *Scheduler) assertLocked(cpu int) {
	if !s.lock.Holding(cpu) {
		panic("sched: scheduler not locked")
	}
}

// CreateTask allocates a new task in the Suspended state, backed by a
// dedicated goroutine, and reserves a kernel-stack frame for it from
// alloc (task_create's stack_page, accounted for but never addressed
// since Go goroutines carry their own growable stacks). The task must
// be made runnable with Resume.
func (s *Scheduler) CreateTask(alloc *mem.Allocator, entry func(t *Task), priority int) *Task {
	f, ok := alloc.AllocBlock(0, mem.TagKernelStack)
	if !ok {
		panic("sched: out of memory for kernel stack")
	}
	alloc.Refup(f)

	t := &Task{
		ID:            atomic.AddUint64(&s.nextID, 1),
		Priority:      priority,
		savedPriority: priority,
		State:         StateSuspended,
		Entry:         entry,
		resumeCh:      make(chan struct{}),
		alloc:         alloc,
		kstack:        f,
	}
	go s.taskMain(t)
	return t
}

// taskMain is the goroutine body backing every Task: it idles until
// first dispatched, runs Entry to completion, then exits
// (k_task_run's trampoline).
func (s *Scheduler) taskMain(t *Task) {
	<-t.resumeCh
	t.Entry(t)
	s.Exit(t)
}

func (s *Scheduler) enqueueLocked(cpu int, t *Task) {
	s.assertLocked(cpu)
	t.State = StateReady
	s.queues[t.Priority].pushBack(t)
	s.wakeIdle()
}

func (s *Scheduler) dequeueLocked(cpu int) *Task {
	s.assertLocked(cpu)
	for i := range s.queues {
		if !s.queues[i].Empty() {
			return s.queues[i].popFront()
		}
	}
	return nil
}

// EnqueueLocked makes t ready to run; exported for ksync primitives
// that bracket several scheduling steps with their own Lock/Unlock.
func (s *Scheduler) EnqueueLocked(cpu int, t *Task) { s.enqueueLocked(cpu, t) }

func (s *Scheduler) wakeIdle() {
	s.idleMu.Lock()
	s.idleCond.Broadcast()
	s.idleMu.Unlock()
}

// mayYieldLocked checks whether candidate outranks the cpu's currently
// running task and, if so, either preempts immediately or — if cpu is
// mid some other critical section — defers via FlagReschedule for the
// next irq epilogue to act on (_k_sched_may_yield).
func (s *Scheduler) mayYieldLocked(cpu int, candidate *Task) {
	s.assertLocked(cpu)
	cur := s.cpus[cpu].Task
	if cur == nil || candidate.Priority >= cur.Priority {
		return
	}
	if irq.Depth(cpu) > 1 {
		cur.Flags |= FlagReschedule
		return
	}
	s.enqueueLocked(cpu, cur)
	s.yieldLocked(cpu)
}

// yieldLocked switches the cpu's currently running task out and
// returns control to the dispatch loop (_k_sched_yield_locked).
func (s *Scheduler) yieldLocked(cpu int) {
	s.assertLocked(cpu)
	t := s.cpus[cpu].Task
	if t == nil {
		panic("sched: yield with no current task")
	}
	done := t.switchBack
	s.lock.Release(cpu)
	done <- struct{}{}
	<-t.resumeCh
	s.lock.Acquire(cpu)
}

// Run is a simulated CPU's dispatch loop (k_sched_start); it never
// returns.
func (s *Scheduler) Run(cpu int) {
	s.lock.Acquire(cpu)
	for {
		next := s.dequeueLocked(cpu)
		if next == nil {
			s.idleLocked(cpu)
			continue
		}
		s.lock.Release(cpu)
		s.switchTo(cpu, next)
		s.lock.Acquire(cpu)
	}
}

// switchTo hands control to t and blocks until it yields back
// (k_sched_switch).
func (s *Scheduler) switchTo(cpu int, t *Task) {
	c := s.cpus[cpu]
	t.State = StateRunning
	t.cpu = c
	c.Task = t

	if t.Port != nil {
		t.Port.NoteLoaded(cpu)
	}

	done := make(chan struct{})
	t.switchBack = done
	t.resumeCh <- struct{}{}
	<-done

	if t.Port != nil {
		t.Port.NoteUnloaded(cpu)
	}
	c.Task = nil
	t.cpu = nil
}

// idleLocked drains the destroy list, freeing each exited task's
// kernel-stack frame, then parks until another CPU makes a task ready
// (k_sched_idle's destroy-list sweep plus "wfi").
func (s *Scheduler) idleLocked(cpu int) {
	s.assertLocked(cpu)
	for !s.destroy.Empty() {
		t := s.destroy.popFront()
		s.lock.Release(cpu)
		if t.alloc.Refdown(t.kstack) {
			t.alloc.FreeBlock(t.kstack, 0)
		}
		s.lock.Acquire(cpu)
	}

	s.lock.Release(cpu)
	s.idleMu.Lock()
	s.idleCond.Wait()
	s.idleMu.Unlock()
	s.lock.Acquire(cpu)
}

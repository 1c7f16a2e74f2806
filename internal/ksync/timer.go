package ksync

import (
	"argentum/internal/irq"
	"argentum/internal/kerr"
)

// Timer is a one-shot or periodic callback driven by the global delta
// queue, grounded on original_source/kernel/core/timer.c and the
// underlying delta-list algorithm in kernel/core/timeout.c. Storage is
// caller-provided (NewTimer allocates the Go value, but nothing else);
// there is exactly one queue for the whole kernel, matching the
// source's single static k_timer_queue.
type Timer struct {
	callback func()
	delay    uint64 // initial delay, in ticks
	period   uint64 // re-arm period, in ticks, or 0 for one-shot

	remain uint64 // delta to the previous queue entry, valid while queued
	queued bool
	prev   *Timer
	next   *Timer
}

var (
	timerLock    = irq.NewSpinlock("ksync.timer")
	timerQueue   *Timer // head of the delta list
	timerCurrent *Timer // timer whose callback is presently running, if any
)

// NewTimer creates a stopped timer (k_timer_create). callback runs with
// no kernel lock held; period of 0 makes the timer one-shot.
func NewTimer(callback func(), delay, period uint64) *Timer {
	return &Timer{callback: callback, delay: delay, period: period}
}

// timerEnqueueLocked inserts t into the delta list so that t.remain
// plus the sum of every preceding entry's remain equals delay
// (_k_timeout_enqueue).
func timerEnqueueLocked(t *Timer, delay uint64) {
	if delay == 0 {
		panic("ksync: timer delay must be > 0")
	}
	t.remain = delay

	var prev *Timer
	cur := timerQueue
	for cur != nil {
		if cur.remain > t.remain {
			cur.remain -= t.remain
			break
		}
		t.remain -= cur.remain
		prev = cur
		cur = cur.next
	}

	t.prev, t.next = prev, cur
	if prev != nil {
		prev.next = t
	} else {
		timerQueue = t
	}
	if cur != nil {
		cur.prev = t
	}
	t.queued = true
}

// timerDequeueLocked removes t from the delta list, folding its delta
// into the following entry so the list's total remains correct
// (_k_timeout_dequeue).
func timerDequeueLocked(t *Timer) {
	next := t.next
	if next != nil {
		next.remain += t.remain
	}
	if t.prev != nil {
		t.prev.next = next
	} else {
		timerQueue = next
	}
	if next != nil {
		next.prev = t.prev
	}
	t.prev, t.next = nil, nil
	t.queued = false
}

// Start arms the timer using its configured delay (k_timer_start). It
// fails with EINVAL if the timer is already running. cpu identifies
// the calling context.
func (t *Timer) Start(cpu int) kerr.Err {
	timerLock.Acquire(cpu)
	defer timerLock.Release(cpu)
	if t.queued {
		return kerr.EINVAL
	}
	timerEnqueueLocked(t, t.delay)
	return kerr.None
}

// Stop disarms the timer (k_timer_stop). If the timer's callback is
// presently running on another goroutine, Stop only prevents its
// periodic re-arm; it does not wait for the callback to return.
func (t *Timer) Stop(cpu int) {
	timerLock.Acquire(cpu)
	defer timerLock.Release(cpu)
	if t.queued {
		timerDequeueLocked(t)
	} else if timerCurrent == t {
		timerCurrent = nil
	}
}

// Destroy stops the timer; the Timer value must not be reused
// afterward (k_timer_destroy).
func (t *Timer) Destroy(cpu int) {
	t.Stop(cpu)
}

// fireLocked runs one expired timer's callback with the timer lock
// released, then re-arms it if it is periodic and was not stopped
// from within the callback (_k_timer_timeout).
func fireLocked(cpu int, t *Timer) {
	timerCurrent = t
	timerLock.Release(cpu)

	t.callback()

	timerLock.Acquire(cpu)
	if timerCurrent != nil {
		if timerCurrent != t {
			panic("ksync: timer queue corrupted during callback")
		}
		if t.period != 0 {
			timerEnqueueLocked(t, t.period)
		}
		timerCurrent = nil
	}
}

// Tick advances the global delta queue by one tick, firing every timer
// whose delta has reached zero (_k_timer_tick /
// _k_timeout_process_queue). Called once per simulated clock tick by
// package tick.
func Tick(cpu int) {
	timerLock.Acquire(cpu)
	defer timerLock.Release(cpu)

	if timerQueue == nil {
		return
	}

	head := timerQueue
	head.remain--

	for head != nil && head.remain == 0 {
		timerDequeueLocked(head)
		fireLocked(cpu, head)
		head = timerQueue
	}
}

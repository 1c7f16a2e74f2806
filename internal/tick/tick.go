// Package tick drives the kernel's simulated 100 Hz clock (spec
// §4.J). Each simulated CPU gets its own goroutine standing in for
// that CPU's private timer IRQ; biscuit's retrieved slice carries no
// tick driver of its own (the forked Go runtime's scheduler handles
// this natively), so the driver is built directly from spec.md §4.J's
// prose, in the same "software-simulated hardware" register the rest
// of the kernel uses for irq/pagemap.
package tick

import (
	"sync/atomic"
	"time"

	"argentum/internal/irq"
	"argentum/internal/ksync"
	"argentum/internal/sched"
)

// Driver owns one goroutine per simulated CPU, each ticking at Hz.
type Driver struct {
	sched *sched.Scheduler
	hz    int
	ticks uint64 // global tick counter, bumped only by CPU 0

	stop chan struct{}
}

// New creates a driver for s ticking at hz per second (bootcfg.Config
// .TickHz, default 100).
func New(s *sched.Scheduler, hz int) *Driver {
	if hz <= 0 {
		panic("tick: hz must be positive")
	}
	return &Driver{sched: s, hz: hz, stop: make(chan struct{})}
}

// Ticks returns the global tick count, advanced once per period by
// CPU 0 only (spec §4.J: "if this is CPU 0, increments a global tick
// counter").
func (d *Driver) Ticks() uint64 { return atomic.LoadUint64(&d.ticks) }

// Run is one simulated CPU's private-timer goroutine; it never
// returns until Stop is called. Callers typically launch one of these
// per CPU alongside that CPU's Scheduler.Run dispatch loop.
func (d *Driver) Run(cpu int) {
	period := time.Second / time.Duration(d.hz)
	t := time.NewTicker(period)
	defer t.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-t.C:
			d.fire(cpu)
		}
	}
}

// fire is the timer IRQ handler body (spec §4.J): (a) sets the
// running task's reschedule flag, (b) on CPU 0, bumps the tick counter
// and runs the timer delta-queue pass. No EOI is sent: there is no
// simulated interrupt controller to acknowledge. irq.Save/
// Restore bracket it so nested spinlock code observes IRQs disabled
// for the handler's duration, matching every other simulated
// interrupt path in this kernel.
func (d *Driver) fire(cpu int) {
	irq.Save(cpu)

	d.sched.TickMark(cpu)
	if cpu == 0 {
		atomic.AddUint64(&d.ticks, 1)
		ksync.Tick(cpu)
	}

	irq.Restore(cpu)
}

// Stop halts every CPU's ticking goroutine.
func (d *Driver) Stop() { close(d.stop) }

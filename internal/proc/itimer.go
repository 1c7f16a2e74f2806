package proc

import (
	"time"

	"argentum/internal/kerr"
	"argentum/internal/ksync"
)

// Which selects an interval timer kind. Only ITIMER_REAL is
// implemented, matching process_set_itimer, which itself rejects
// ITIMER_VIRTUAL/ITIMER_PROF with a TODO.
const ITIMERReal = 0

// ITimerValue mirrors struct itimerval: Value is the time remaining
// until the next expiration, Interval is the period to reload after
// each expiration (0 for a one-shot timer).
type ITimerValue struct {
	Value    time.Duration
	Interval time.Duration
}

func ticksFor(hz int, d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	ticks := d * time.Duration(hz) / time.Second
	if ticks < 1 {
		ticks = 1
	}
	return uint64(ticks)
}

// SetITimer implements setitimer(2) for ITIMER_REAL: it stops any
// timer already running and, if value's initial expiration is
// nonzero, starts a fresh one that posts SIGALRM to p when it fires
// (process_set_itimer / process_itimer). old, if non-nil, is always
// set to the zero ITimerValue; the previous timer's remaining time and
// interval are not reported.
func (p *Process) SetITimer(which int, value ITimerValue, old *ITimerValue) kerr.Err {
	if which != ITIMERReal {
		return kerr.EINVAL
	}

	cpu := 0
	if c := p.task.CurrentCPU(); c != nil {
		cpu = c.ID
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.realTimer != nil {
		p.realTimer.Destroy(cpu)
		p.realTimer = nil
	}
	if old != nil {
		*old = ITimerValue{}
	}

	if value.Value <= 0 {
		return kerr.None
	}

	hz := p.kernel.tickHz
	delay := ticksFor(hz, value.Value)
	period := ticksFor(hz, value.Interval)
	if value.Interval <= 0 {
		period = 0
	}

	pid := p.PID
	kernel := p.kernel
	p.realTimer = ksync.NewTimer(func() {
		kernel.SignalGenerate(0, nil, pid, SIGALRM, 0)
	}, delay, period)
	p.realTimer.Start(cpu)

	return kerr.None
}

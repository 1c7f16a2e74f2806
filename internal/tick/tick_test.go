package tick

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argentum/internal/kerr"
	"argentum/internal/ksync"
	"argentum/internal/mem"
	"argentum/internal/sched"
)

func newTickTestAlloc(t *testing.T, frames int) *mem.Allocator {
	t.Helper()
	a := mem.New(frames)
	a.SeedRegion(0, mem.Frame(frames))
	return a
}

func TestNew_PanicsOnNonPositiveHz(t *testing.T) {
	s := sched.New(1)
	assert.Panics(t, func() { New(s, 0) })
	assert.Panics(t, func() { New(s, -1) })
}

func TestDriver_TicksAdvanceOnlyFromCPU0(t *testing.T) {
	s := sched.New(1)
	d := New(s, 1000)
	defer d.Stop()

	go d.Run(0)
	time.Sleep(30 * time.Millisecond)

	assert.Greater(t, d.Ticks(), uint64(0), "CPU 0's ticker must advance the global tick counter")
}

func TestDriver_NonZeroCPUNeverAdvancesGlobalTicks(t *testing.T) {
	s := sched.New(2)
	d := New(s, 1000)
	defer d.Stop()

	go d.Run(1)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, uint64(0), d.Ticks(), "only CPU 0's ticker bumps the global tick counter")
}

func TestDriver_MarksRunningTaskForReschedule(t *testing.T) {
	s := sched.New(1)
	d := New(s, 1000)
	defer d.Stop()
	alloc := newTickTestAlloc(t, 16)

	release := make(chan struct{})
	task := s.CreateTask(alloc, func(tk *sched.Task) {
		<-release
	}, 10)

	require.Equal(t, kerr.None, s.Resume(0, task))
	go s.Run(0)
	go d.Run(0)

	time.Sleep(30 * time.Millisecond)
	s.Lock(0)
	flags := task.Flags
	s.Unlock(0)
	assert.NotZero(t, flags&sched.FlagReschedule, "the tick driver must mark a running task for reschedule")

	close(release)
}

func TestDriver_StopHaltsAllGoroutines(t *testing.T) {
	s := sched.New(1)
	d := New(s, 1000)

	go d.Run(0)
	time.Sleep(10 * time.Millisecond)
	d.Stop()

	before := d.Ticks()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, d.Ticks(), "Stop must halt the ticking goroutine for good")
}

func TestDriver_FireAdvancesKsyncTimerQueue(t *testing.T) {
	s := sched.New(1)
	d := New(s, 1000)
	defer d.Stop()

	fired := make(chan struct{})
	timer := ksync.NewTimer(func() { close(fired) }, 1, 0)
	require.Equal(t, kerr.None, timer.Start(90))

	go d.Run(0)

	select {
	case <-fired:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("the tick driver's CPU 0 goroutine must advance ksync's timer queue every period")
	}
}

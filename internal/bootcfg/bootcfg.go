// Package bootcfg collects the kernel's boot-time sizing knobs into a
// single struct, mirroring biscuit/src/limits's MkSysLimit pattern: a
// constructor returning a pointer to defaulted tunables rather than a
// flag or environment parser, since the kernel core itself has no
// outer CLI surface. cmd/vkernel is the one place these values are
// actually overridden, via its own flag/cobra layer.
package bootcfg

// Config holds every value the kernel's bring-up path needs to size
// its subsystems before the first task runs.
type Config struct {
	// NCPU is the number of simulated processors the scheduler and
	// tick driver run.
	NCPU int

	// NFrames is the number of physical page frames the buddy
	// allocator manages.
	NFrames int

	// TickHz is the simulated per-CPU timer frequency driving
	// preemption and the timer delta queue; spec §4.J specifies 100.
	TickHz int

	// FSWorkerCount is the number of goroutines each filesystem
	// service (devfs, memfs) runs to drain its IpcRequest mailbox,
	// spec §4.I's "pool of worker goroutines".
	FSWorkerCount int

	// MailboxTimeoutTicks is carried in the configuration and set by a
	// flag, but no subsystem reads it: mailbox sends/receives and
	// filesystem requests wait without a time limit and never return
	// -ETIMEDOUT.
	MailboxTimeoutTicks int
}

// Default returns the kernel's standard configuration.
func Default() *Config {
	return &Config{
		NCPU:                 4,
		NFrames:              1 << 16, // 256 MiB at 4 KiB pages
		TickHz:               100,
		FSWorkerCount:        20,
		MailboxTimeoutTicks:  500, // 5s at 100Hz
	}
}

package main

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"argentum/internal/bootcfg"
	"argentum/internal/budget"
	"argentum/internal/chardev"
	"argentum/internal/kerr"
	"argentum/internal/klog"
	"argentum/internal/mem"
	"argentum/internal/pagemap"
	"argentum/internal/pool"
	"argentum/internal/proc"
	"argentum/internal/sched"
	"argentum/internal/swpagemap"
	"argentum/internal/tick"
	"argentum/internal/vfs"
)

// Root inode numbers for the two filesystems cmd/vkernel mounts.
// Matching the constants each FSOps plugin picks for its own root
// (memfs.go's memFSRootIno, devfs.go's devfsRootIno) since neither is
// exported.
const (
	memRootIno = 1
	devRootIno = 2
)

// specialDevice dispatches devfs's single major-2 registration between
// /dev/zero (minor 2) and /dev/null (minor 3), mirroring devfs.c's
// special_read/special_write, which both live behind one
// dev_register_char(0x02, ...) call and switch on minor internally.
type specialDevice struct {
	zero chardev.ZeroDevice
	null chardev.NullDevice
}

func (s specialDevice) pick(rdev uint32) chardev.Device {
	if chardev.Minor(rdev) == 2 {
		return s.zero
	}
	return s.null
}

func (s specialDevice) Open(rdev uint32, flags int) kerr.Err { return s.pick(rdev).Open(rdev, flags) }
func (s specialDevice) Ioctl(rdev uint32, req, arg int) (int, kerr.Err) {
	return s.pick(rdev).Ioctl(rdev, req, arg)
}
func (s specialDevice) Read(rdev uint32, buf []byte) (int, kerr.Err) {
	return s.pick(rdev).Read(rdev, buf)
}
func (s specialDevice) Write(rdev uint32, buf []byte) (int, kerr.Err) {
	return s.pick(rdev).Write(rdev, buf)
}
func (s specialDevice) Select(rdev uint32) (bool, kerr.Err) { return s.pick(rdev).Select(rdev) }

// system is the fully assembled kernel: every subsystem the boot
// sequence wires together, kept as an explicit value (rather than
// package globals) so selftest can build more than one in a single
// process run if a future check needs it.
type system struct {
	cfg *bootcfg.Config

	alloc   *mem.Allocator
	general *pool.General
	budg    *budget.Pool
	sched   *sched.Scheduler
	tickDrv *tick.Driver
	kernel  *proc.Kernel

	vfs     *vfs.VFS
	chars   *chardev.Registry
	console *chardev.ConsoleDevice
}

// newSystem performs the boot sequence: memory, slab pools, the
// scheduler and its clock, the process table, and the mounted
// namespace, in the dependency order each constructor requires.
func newSystem(cfg *bootcfg.Config) (*system, kerr.Err) {
	alloc := mem.New(cfg.NFrames)
	alloc.SeedRegion(0, mem.Frame(cfg.NFrames))

	general := pool.NewGeneral(alloc)
	budg := budget.NewPool(cfg.NFrames)

	s := sched.New(cfg.NCPU)
	tickDrv := tick.New(s, cfg.TickHz)

	newPort := func() pagemap.Port { return swpagemap.New(alloc) }
	kernel := proc.NewKernel(s, alloc, budg, newPort, cfg.TickHz)

	chars := chardev.NewRegistry()
	console := chardev.NewConsoleDevice()
	chars.Register(1, console)        // tty0..5
	chars.Register(2, specialDevice{}) // zero, null
	chars.Register(3, console)        // /dev/tty (controlling terminal)

	memFS := vfs.NewMemFS()
	memOps := vfs.NewFS("memfs", 0, memFS, cfg.FSWorkerCount)
	v := vfs.NewVFS(memRootIno, memOps)

	if err := v.Mkdir(nil, "/dev", 0o755, 0, 0); err != kerr.None {
		return nil, err
	}
	devFS := vfs.NewDevFS(chars)
	devOps := vfs.NewFS("devfs", 1, devFS, cfg.FSWorkerCount)
	if err := v.Mount(nil, "/dev", devOps, devRootIno); err != kerr.None {
		return nil, err
	}

	sys := &system{
		cfg: cfg, alloc: alloc, general: general, budg: budg,
		sched: s, tickDrv: tickDrv, kernel: kernel,
		vfs: v, chars: chars, console: console,
	}
	return sys, kerr.None
}

// launchCPUs starts one dispatch goroutine and one clock goroutine per
// simulated CPU under g, so a panic on any one of them (sched.Run and
// tick.Driver.Run both run forever and never return on their own)
// propagates to the process instead of silently leaking a goroutine.
func (s *system) launchCPUs(g *errgroup.Group) {
	for cpu := 0; cpu < s.cfg.NCPU; cpu++ {
		cpu := cpu
		g.Go(func() error { s.sched.Run(cpu); return nil })
		g.Go(func() error { s.tickDrv.Run(cpu); return nil })
	}
}

// spawnInit creates pid 1 (process_init's bootstrap), whose body reaps
// orphaned zombies reparented to it for as long as the kernel runs
// (spec §6 "Init").
func (s *system) spawnInit() *proc.Process {
	return s.kernel.Spawn(func(p *proc.Process) {
		for {
			_, _, err := p.Wait(-1, 0)
			if err == kerr.ECHILD {
				time.Sleep(time.Duration(1000/s.cfg.TickHz) * time.Millisecond)
			}
		}
	}, 0)
}

// stop halts the clock goroutines; sched's per-CPU Run loops have no
// equivalent stop (a real CPU's dispatch loop doesn't either) and are
// left to exit with the process.
func (s *system) stop() {
	s.tickDrv.Stop()
}

func runBoot(ctx context.Context, cfg *bootcfg.Config) error {
	sys, err := newSystem(cfg)
	if err != kerr.None {
		return err
	}
	klog.Printf("boot: %d cpus, %d frames, %d Hz tick", cfg.NCPU, cfg.NFrames, cfg.TickHz)

	g, gctx := errgroup.WithContext(ctx)
	sys.launchCPUs(g)
	sys.spawnInit()

	<-gctx.Done()
	sys.stop()
	return g.Wait()
}

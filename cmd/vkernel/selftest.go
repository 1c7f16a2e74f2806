package main

import (
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"argentum/internal/bootcfg"
	"argentum/internal/kerr"
	"argentum/internal/klog"
	"argentum/internal/kstat"
	"argentum/internal/vfs"
)

// check is one named selftest assertion, reported pass/fail rather
// than aborting the run, so a single bad subsystem doesn't hide
// failures elsewhere.
type check struct {
	name string
	err  error
}

func runSelftest(cfg *bootcfg.Config, profilePath string) error {
	sys, err := newSystem(cfg)
	if err != kerr.None {
		return err
	}

	var g errgroup.Group
	sys.launchCPUs(&g)
	sys.spawnInit()
	defer sys.stop()

	checks := []check{
		{"general pool malloc/free", checkGeneralPool(sys)},
		{"memfs create/write/read/stat", checkMemFSRoundtrip(sys)},
		{"memfs mkdir/readdir", checkMemFSDir(sys)},
		{"memfs symlink resolution", checkSymlink(sys)},
		{"devfs device directory", checkDevfsDir(sys)},
		{"/dev/zero and /dev/null", checkSpecialDevices(sys)},
		{"/dev/tty0 console loopback", checkConsole(sys)},
	}

	failed := 0
	for _, c := range checks {
		status := "ok"
		if c.err != nil {
			status = "FAIL: " + c.err.Error()
			failed++
		}
		fmt.Printf("%-36s %s\n", c.name, status)
	}

	samples := []kstat.Snapshot{
		{Name: "mem.frames_total", Value: int64(sys.alloc.NFrames())},
		{Name: "sched.cpus", Value: int64(cfg.NCPU)},
		{Name: "tick.hz", Value: int64(cfg.TickHz)},
		{Name: "tick.count", Value: int64(sys.tickDrv.Ticks())},
		{Name: "selftest.checks_run", Value: int64(len(checks))},
		{Name: "selftest.checks_failed", Value: int64(failed)},
	}
	samples = append(samples, sys.general.Stats()...)

	if profilePath != "" {
		f, ferr := os.Create(profilePath)
		if ferr != nil {
			return ferr
		}
		defer f.Close()
		if werr := kstat.Profile(samples).Write(f); werr != nil {
			return werr
		}
		klog.Printf("wrote profile to %s", profilePath)
	} else {
		fmt.Print(kstat.Describe(samples))
	}

	if failed > 0 {
		return fmt.Errorf("%d/%d selftest checks failed", failed, len(checks))
	}
	return nil
}

func checkGeneralPool(sys *system) error {
	b := sys.general.Malloc(40)
	if len(b) != 40 {
		return fmt.Errorf("malloc(40) returned %d bytes", len(b))
	}
	b[0] = 0xAB
	sys.general.Free(b)
	return nil
}

func checkMemFSRoundtrip(sys *system) error {
	ch, err := sys.vfs.Open(nil, "/hello.txt", vfs.OCreat|vfs.OWrOnly, 0o644, 0, 0)
	if err != kerr.None {
		return err
	}
	if _, err := ch.Write([]byte("hello, kernel")); err != kerr.None {
		ch.Close()
		return err
	}
	ch.Close()

	ch, err = sys.vfs.Open(nil, "/hello.txt", vfs.ORdOnly, 0, 0, 0)
	if err != kerr.None {
		return err
	}
	defer ch.Close()
	buf := make([]byte, 32)
	n, err := ch.Read(buf)
	if err != kerr.None {
		return err
	}
	if string(buf[:n]) != "hello, kernel" {
		return fmt.Errorf("read back %q", buf[:n])
	}

	st, err := sys.vfs.Stat(nil, "/hello.txt", true)
	if err != kerr.None {
		return err
	}
	if st.Size != int64(len("hello, kernel")) {
		return fmt.Errorf("stat size = %d", st.Size)
	}
	return nil
}

func checkMemFSDir(sys *system) error {
	if err := sys.vfs.Mkdir(nil, "/etc", 0o755, 0, 0); err != kerr.None {
		return err
	}
	ch, err := sys.vfs.Open(nil, "/etc/hosts", vfs.OCreat|vfs.OWrOnly, 0o644, 0, 0)
	if err != kerr.None {
		return err
	}
	ch.Close()

	dir, err := sys.vfs.Open(nil, "/etc", vfs.ORdOnly, 0, 0, 0)
	if err != kerr.None {
		return err
	}
	defer dir.Close()
	found := false
	if err := dir.Readdir(func(e vfs.DirEntry) bool {
		if e.Name == "hosts" {
			found = true
		}
		return true
	}); err != kerr.None {
		return err
	}
	if !found {
		return fmt.Errorf("/etc/hosts missing from readdir")
	}
	return nil
}

func checkSymlink(sys *system) error {
	if err := sys.vfs.Symlink(nil, "/etc/hosts.link", "hosts", 0, 0); err != kerr.None {
		return err
	}
	target, err := sys.vfs.Readlink(nil, "/etc/hosts.link")
	if err != kerr.None {
		return err
	}
	if target != "hosts" {
		return fmt.Errorf("readlink = %q", target)
	}
	if _, err := sys.vfs.Stat(nil, "/etc/hosts.link", true); err != kerr.None {
		return fmt.Errorf("follow through symlink: %v", err)
	}
	return nil
}

func checkDevfsDir(sys *system) error {
	st, err := sys.vfs.Stat(nil, "/dev/zero", true)
	if err != kerr.None {
		return err
	}
	if st.Mode&vfs.ModeChr == 0 {
		return fmt.Errorf("/dev/zero mode = %o, not a char device", st.Mode)
	}
	return nil
}

func checkSpecialDevices(sys *system) error {
	zero, err := sys.vfs.Open(nil, "/dev/zero", vfs.ORdOnly, 0, 0, 0)
	if err != kerr.None {
		return err
	}
	defer zero.Close()
	buf := make([]byte, 8)
	for i := range buf {
		buf[i] = 0xFF
	}
	n, err := zero.Read(buf)
	if err != kerr.None || n != len(buf) {
		return fmt.Errorf("read /dev/zero: n=%d err=%v", n, err)
	}
	for _, b := range buf {
		if b != 0 {
			return fmt.Errorf("/dev/zero returned non-zero byte %x", b)
		}
	}

	null, err := sys.vfs.Open(nil, "/dev/null", vfs.OWrOnly, 0, 0, 0)
	if err != kerr.None {
		return err
	}
	defer null.Close()
	n, err = null.Write([]byte("discarded"))
	if err != kerr.None || n != len("discarded") {
		return fmt.Errorf("write /dev/null: n=%d err=%v", n, err)
	}
	return nil
}

func checkConsole(sys *system) error {
	sys.console.Feed(0x0100, []byte("ping\n"))
	tty, err := sys.vfs.Open(nil, "/dev/tty0", vfs.ORdWr, 0, 0, 0)
	if err != kerr.None {
		return err
	}
	defer tty.Close()
	buf := make([]byte, 16)
	n, err := tty.Read(buf)
	if err != kerr.None {
		return err
	}
	if string(buf[:n]) != "ping\n" {
		return fmt.Errorf("console read = %q", buf[:n])
	}
	if _, err := tty.Write([]byte("pong\n")); err != kerr.None {
		return err
	}
	if out := string(sys.console.Output(0x0100)); out != "pong\n" {
		return fmt.Errorf("console output = %q", out)
	}
	return nil
}

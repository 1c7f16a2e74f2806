// Command vkernel assembles and drives the simulated kernel: boot
// starts every simulated CPU's dispatch/clock loop and blocks until
// interrupted, selftest runs a fixed battery of smoke checks against
// a freshly booted system and exits with their result.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"argentum/internal/bootcfg"
)

func main() {
	cfg := bootcfg.Default()

	root := &cobra.Command{
		Use:   "vkernel",
		Short: "Simulated Unix-like kernel: scheduler, VM, VFS, process table",
	}
	root.PersistentFlags().IntVar(&cfg.NCPU, "cpus", cfg.NCPU, "number of simulated CPUs")
	root.PersistentFlags().IntVar(&cfg.NFrames, "frames", cfg.NFrames, "number of simulated physical page frames")
	root.PersistentFlags().IntVar(&cfg.TickHz, "tick-hz", cfg.TickHz, "simulated clock rate")
	root.PersistentFlags().IntVar(&cfg.FSWorkerCount, "fs-workers", cfg.FSWorkerCount, "worker goroutines per mounted filesystem")
	root.PersistentFlags().IntVar(&cfg.MailboxTimeoutTicks, "mailbox-timeout-ticks", cfg.MailboxTimeoutTicks, "not read by any subsystem; filesystem requests do not time out")

	bootCmd := &cobra.Command{
		Use:   "boot",
		Short: "Boot the kernel and run until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runBoot(ctx, cfg)
		},
	}

	var profilePath string
	selftestCmd := &cobra.Command{
		Use:   "selftest",
		Short: "Boot the kernel and run a battery of smoke checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSelftest(cfg, profilePath)
		},
	}
	selftestCmd.Flags().StringVar(&profilePath, "profile", "", "write a pprof profile of kernel counters to this path")

	root.AddCommand(bootCmd, selftestCmd)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "vkernel:", err)
		os.Exit(1)
	}
}

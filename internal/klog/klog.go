// Package klog is the kernel's boot/diagnostic logger. It stays as
// bare as biscuit's own boot banners (plain fmt.Printf in
// mem.Phys_init) — no example repo in the retrieval pack imports a
// structured logging library, so there is nothing in-pack to wire
// here beyond the standard log package.
package klog

import (
	"log"
	"os"
)

var std = log.New(os.Stderr, "", log.LstdFlags)

// Printf logs an informational boot/diagnostic message.
func Printf(format string, args ...interface{}) {
	std.Printf(format, args...)
}

// Warn logs a recoverable anomaly (e.g. a budget near exhaustion).
func Warn(format string, args ...interface{}) {
	std.Printf("warn: "+format, args...)
}

// Fatal logs a kernel invariant violation and panics, matching spec
// §7's "Corruption (fatal)" class: the system logs and enters a
// recovery/monitor loop. This simulator has no CLI monitor (spec §1
// places it out of scope), so the closest equivalent is an
// unrecoverable panic of the offending goroutine.
func Fatal(format string, args ...interface{}) {
	std.Printf("FATAL: "+format, args...)
	panic(std.Prefix() + "kernel corruption: " + format)
}

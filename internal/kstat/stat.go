// Package kstat provides the POSIX metadata structure returned by
// stat/fstat (adapted from biscuit's stat.Stat_t) plus kernel-wide
// counters exported as a pprof profile (adapted from biscuit's
// stats package, extended per SPEC_FULL.md's domain-stack table).
package kstat

// Stat mirrors a file's POSIX metadata, as returned by stat/fstat and
// filled in by a filesystem's FSOps.InodeRead (spec §4.I).
type Stat struct {
	Dev     uint64
	Ino     uint64
	Mode    uint32
	Nlink   uint32
	Uid     uint32
	Gid     uint32
	Rdev    uint64
	Size    int64
	Blocks  int64
	Atime   int64
	Mtime   int64
	Ctime   int64
}

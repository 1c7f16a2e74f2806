// Package pagemap defines the architecture-independent "pagemap port"
// (spec §6, External Interfaces): the narrow set of primitives the vm
// package needs from a page-table implementation, without ever
// encoding ARMv7 page-table formats or TLB maintenance opcodes, both
// of which spec §1 places out of scope.
//
// Grounded on biscuit/src/mem/mem.go's Pa_t/Pmap_t/PTE_* constants and
// biscuit/src/vm/as.go's direct pmap-slot manipulation (Page_insert,
// the PTE_COW/PTE_WASCOW/PTE_W dance in Sys_pgfault): this package
// extracts that same PTE-bit vocabulary into a Port interface so vm
// can be written once against an abstraction, with
// internal/swpagemap supplying the only implementation (a simulated,
// software-walked map, since no real ARM MMU exists in this process).
package pagemap

import "argentum/internal/mem"

// Perm is a page permission/state bitmask, named after biscuit's PTE_*
// constants but kept architecture-neutral (no ARM short/long-descriptor
// bit positions).
type Perm uint32

const (
	Present Perm = 1 << iota
	Writable
	User
	Global
	NoCache
	COW     // copy-on-write: read-only now, will fault on write
	WasCOW  // this mapping was resolved from a COW fault (spec §4.D)
	Dirty
)

// VA is a virtual address within some address space's map.
type VA uintptr

// PageSize is the base page size in bytes, matching mem.PGSIZE.
const PageSize = mem.PGSIZE

// Port is the abstract interface vm uses to manipulate an address
// space's page table, implemented by internal/swpagemap in software.
// A real ARMv7 backend would translate these calls to short-descriptor
// page tables and issue the corresponding TLB maintenance operations;
// spec §1 places that translation out of scope.
type Port interface {
	// Walk returns the current physical frame and permission bits
	// mapped at va, or ok=false if unmapped. If create is true and no
	// mapping exists, an (unmapped, zeroed) slot is allocated so a
	// subsequent Map can fill it without walking the tree twice.
	Walk(va VA, create bool) (frame mem.Frame, perm Perm, ok bool)

	// Map installs or overwrites the mapping at va.
	Map(va VA, frame mem.Frame, perm Perm)

	// Unmap clears the mapping at va, if any, returning the frame it
	// held and whether one was present.
	Unmap(va VA) (frame mem.Frame, ok bool)

	// SetPerm rewrites only the permission bits at an existing mapping,
	// without changing the underlying frame.
	SetPerm(va VA, perm Perm)

	// Clone produces an independent copy of the whole map, sharing
	// page-table-page frames only where the allocator reference-counts
	// them (used for vm_user_clone's page-table duplication, spec §4.D).
	Clone() Port

	// Destroy releases every page-table-page frame owned by this map.
	// It does not touch the data frames the map points to — vm owns
	// decrementing those refcounts as it unwinds its region list.
	Destroy()

	// Shootdown invalidates va on every CPU that may have cached it,
	// per the Testable Properties' cross-CPU shootdown requirement
	// (spec §8). In this software simulator there is no real TLB;
	// swpagemap's Shootdown bumps the map's generation counter and, only
	// when its Acks hook is set, blocks until every CPU that had loaded
	// the map acknowledges. With Acks nil (the default) it does not block.
	Shootdown(va VA)
}

// Root identifies which CPUs currently have a Port loaded as their
// active address space, the software analogue of biscuit's
// Physpg_t.Cpumask bit-per-CPU TLB-load tracking.
type Root interface {
	Port
	LoadedOn() uint64 // bitmask of CPU ids with this map active

	// NoteLoaded and NoteUnloaded are called by the scheduler around
	// every context switch, marking and clearing cpu's bit in the
	// loaded mask Shootdown consults.
	NoteLoaded(cpu int)
	NoteUnloaded(cpu int)
}

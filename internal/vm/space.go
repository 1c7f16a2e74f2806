// Package vm implements per-process virtual address spaces: region
// tracking, copy-on-write fork, page-fault resolution, and the
// user/kernel copy primitives syscalls build on (spec §4.D).
//
// Grounded almost line-for-line on biscuit/src/vm/as.go's Vm_t:
// Lock_pmap/Unlock_pmap/Lockassert_pmap become Space's embedded
// sync.Mutex plus an assertion flag; Userdmap8_inner/Userreadn/
// Userwriten/Userstr become translate/CopyIn/CopyOut/CopyInString;
// Sys_pgfault's COW decision tree (single-owner fast path vs. copy)
// becomes Space.resolveFault. Where biscuit walks its own PTE bits
// directly, this package goes through the pagemap.Port abstraction
// instead, since the real bit layout is architecture-specific and out
// of scope (spec §1). The single-owner COW fast path is cross-checked
// against the same pattern in gopher-os's vmm.pageFaultHandler and
// gvisor's sentry mm package (replace-frame-and-flush-on-write).
package vm

import (
	"sync"

	"argentum/internal/budget"
	"argentum/internal/kerr"
	"argentum/internal/mem"
	"argentum/internal/pagemap"
)

// USERMIN is the lowest virtual address user mappings may occupy;
// everything below is reserved, mirroring biscuit's mem.USERMIN.
const USERMIN pagemap.VA = 0x1000

// Space is one process's address space: a pagemap port plus the
// region list describing what each mapped range means.
type Space struct {
	mu sync.Mutex

	port  pagemap.Port
	alloc *mem.Allocator
	budg  *budget.Pool

	regions regionList

	heapStart pagemap.VA // first byte of the brk-managed anon region
	heapBrk   pagemap.VA // current program break

	faultHeld bool
}

// New creates an empty address space over a freshly allocated
// software pagemap.
func New(alloc *mem.Allocator, budg *budget.Pool, newPort func() pagemap.Port) *Space {
	return &Space{
		port:  newPort(),
		alloc: alloc,
		budg:  budg,
	}
}

func (s *Space) lock() {
	s.mu.Lock()
	s.faultHeld = true
}

func (s *Space) unlock() {
	s.faultHeld = false
	s.mu.Unlock()
}

func (s *Space) assertLocked() {
	if !s.faultHeld {
		panic("vm: pagemap lock must be held")
	}
}

// Port exposes the underlying pagemap for scheduler context-switch
// bookkeeping (NoteLoaded/NoteUnloaded on a *swpagemap.Map).
func (s *Space) Port() pagemap.Port { return s.port }

// AddAnon installs a private anonymous mapping of the given page
// range with perm, analogous to Vmadd_anon. No physical pages are
// allocated until the first fault.
func (s *Space) AddAnon(base pagemap.VA, pages int, perm pagemap.Perm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions.insert(&Region{Mtype: Anon, Base: base, Pages: pages, Perm: perm})
}

// AddSharedAnon installs a shared anonymous mapping, always present
// and never COW (Vmadd_shareanon): every page is backed by a zeroed
// frame mapped with perm up front. It panics if the allocator runs out
// of frames.
func (s *Space) AddSharedAnon(base pagemap.VA, pages int, perm pagemap.Perm) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions.insert(&Region{Mtype: SharedAnon, Base: base, Pages: pages, Perm: perm, Shared: true})
	for i := 0; i < pages; i++ {
		f, ok := s.alloc.AllocBlock(0, mem.TagUserAnon)
		if !ok {
			panic("vm: out of frames for shared anon mapping")
		}
		clear(s.alloc.Data(f))
		s.alloc.Refup(f)
		s.port.Map(base+pagemap.VA(i)*pagemap.PageSize, f, perm|pagemap.Present)
	}
}

// AddFile installs a file-backed mapping, private or shared, served
// by fops (Vmadd_file/Vmadd_sharefile).
func (s *Space) AddFile(base pagemap.VA, pages int, perm pagemap.Perm, fops FileOps, foff int64, shared bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regions.insert(&Region{Mtype: File, Base: base, Pages: pages, Perm: perm, Shared: shared, file: fops, foff: foff})
}

// Unmap removes the region exactly matching [base, base+pages) and
// releases any mapped frames in it.
func (s *Space) Unmap(base pagemap.VA, pages int) kerr.Err {
	s.lock()
	defer s.unlock()
	r, ok := s.regions.lookup(base)
	if !ok || r.Base != base || r.Pages != pages {
		return kerr.EINVAL
	}
	s.releaseRange(r.Base, r.Pages)
	s.regions.remove(r)
	return kerr.None
}

func (s *Space) releaseRange(base pagemap.VA, pages int) {
	for i := 0; i < pages; i++ {
		va := base + pagemap.VA(i)*pagemap.PageSize
		if f, ok := s.port.Unmap(va); ok {
			if s.alloc.Refdown(f) {
				s.alloc.FreeBlock(f, 0)
			}
		}
	}
}

// Unusedva finds the lowest free address at or above start with room
// for pages pages, mirroring Unusedva_inner (used to place mmap
// regions and to grow the heap without colliding with mmap'd files).
func (s *Space) Unusedva(start pagemap.VA, pages int) pagemap.VA {
	s.mu.Lock()
	defer s.mu.Unlock()
	if start < USERMIN {
		start = USERMIN
	}
	return s.regions.empty(start, pages)
}

// SetHeap designates [start, start) as the initial (empty) brk-managed
// heap region, called once during exec/fork setup.
func (s *Space) SetHeap(start pagemap.VA) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.heapStart = start
	s.heapBrk = start
}

// Sbrk grows or shrinks the heap by delta bytes (may be negative) and
// returns the heap's previous break, the Go-native flavor of the
// sbrk/process_grow open question resolved in DESIGN.md: this
// simulator keeps sbrk as a first-class vm operation rather than
// dropping it, since user processes have no other way to grow the
// anonymous heap without a general mmap syscall.
func (s *Space) Sbrk(delta int) (pagemap.VA, kerr.Err) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.heapBrk
	newBrk := old + pagemap.VA(delta)
	if newBrk < s.heapStart {
		return 0, kerr.EINVAL
	}

	startPage := roundUp(s.heapStart)
	newPage := roundUp(newBrk)

	heap, ok := s.regions.lookup(s.heapStart)
	if !ok && newPage > startPage {
		heap = &Region{Mtype: Anon, Base: startPage, Perm: pagemap.User | pagemap.Writable}
		s.regions.insert(heap)
	}
	if heap != nil {
		if newPage > heap.end() {
			heap.Pages = int((newPage - heap.Base) / pagemap.PageSize)
		} else if newPage < heap.end() {
			s.releaseRange(newPage, int((heap.end()-newPage)/pagemap.PageSize))
			heap.Pages = int((newPage - heap.Base) / pagemap.PageSize)
			if heap.Pages == 0 {
				s.regions.remove(heap)
			}
		}
	}
	s.heapBrk = newBrk
	return old, kerr.None
}

func roundUp(va pagemap.VA) pagemap.VA {
	const mask = pagemap.VA(pagemap.PageSize - 1)
	return (va + mask) &^ mask
}

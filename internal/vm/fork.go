package vm

import (
	"argentum/internal/kerr"
	"argentum/internal/mem"
	"argentum/internal/pagemap"
)

// Fork creates a new address space sharing this one's mapped pages:
// shared regions keep their pages mapped present in both spaces,
// private regions are marked copy-on-write in both (each page's
// writable bit is cleared and replaced with COW before the second
// mapping is installed), following
// original_source/kernel/mm/vm.c's vm_user_clone almost exactly —
// the "share" flag there becomes Region.Shared here, and
// vm_page_lookup_cow's "look up, strip write, mark COW if absent" is
// Fault's and here the same stripping happens eagerly for every
// already-mapped page instead of only at next fault.
func (s *Space) Fork(newPort func() pagemap.Port) *Space {
	s.lock()
	defer s.unlock()

	child := &Space{
		port:      newPort(),
		alloc:     s.alloc,
		budg:      s.budg,
		regions:   *s.regions.clone(),
		heapStart: s.heapStart,
		heapBrk:   s.heapBrk,
	}

	for _, r := range s.regions.regions {
		s.cloneRegion(child, r)
	}
	return child
}

func (s *Space) cloneRegion(child *Space, r *Region) {
	for i := 0; i < r.Pages; i++ {
		va := r.Base + pagemap.VA(i)*pagemap.PageSize
		frame, perm, present := s.port.Walk(va, false)
		if !present {
			continue
		}

		if r.Shared {
			s.alloc.Refup(frame)
			child.port.Map(va, frame, perm)
			continue
		}

		if perm&pagemap.Writable != 0 {
			perm = (perm &^ pagemap.Writable) | pagemap.COW
			s.port.SetPerm(va, perm)
		}
		s.alloc.Refup(frame)
		child.port.Map(va, frame, perm)
	}
}

// CloneFrames releases the parent's claim on a page a child space
// never ends up using (e.g. an exec() that immediately replaces the
// address space). Nothing in proc calls it.
func (s *Space) CloneFrames(f mem.Frame) {
	if s.alloc.Refdown(f) {
		s.alloc.FreeBlock(f, 0)
	}
}

// Destroy releases every mapped page and the pagemap itself
// (Uvmfree). Process exit in proc does not call it.
func (s *Space) Destroy() {
	s.lock()
	defer s.unlock()
	for _, r := range s.regions.regions {
		s.releaseRange(r.Base, r.Pages)
	}
	s.regions.clear()
	s.port.Destroy()
}

// CheckPtr reports whether the user range [va, va+n) is entirely
// covered by mappings satisfying want (vm_user_check_ptr), without
// faulting anything in — used by syscalls that validate a buffer
// before committing to a multi-page copy.
func (s *Space) CheckPtr(va pagemap.VA, n int, want pagemap.Perm) kerr.Err {
	s.mu.Lock()
	defer s.mu.Unlock()
	if va < USERMIN {
		return kerr.EFAULT
	}
	end := va + pagemap.VA(n)
	for cur := va &^ pagemap.VA(pagemap.PageSize-1); cur < end; cur += pagemap.PageSize {
		r, ok := s.regions.lookup(cur)
		if !ok || r.Perm&want != want {
			return kerr.EFAULT
		}
	}
	return kerr.None
}

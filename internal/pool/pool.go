// Package pool implements the slab-style fixed-size object allocator
// and the general-purpose k_malloc/k_free layer built on top of it
// (spec §4.B).
//
// Semantics are grounded on original_source/kernel/mm/object_pool.c
// (the richer of the original's two slab implementations, "object
// pool" terminology, off-slab descriptors for large objects, slab
// coloring, page-descriptor back-pointers) since biscuit has no slab
// allocator of its own. Locking and naming idiom follow
// biscuit/src/mem/mem.go's struct-embedded-mutex style, and the
// free/partial/full list bookkeeping follows the same three-list
// shape as kmem.c's sibling implementation.
package pool

import (
	"sync"
	"unsafe"

	"argentum/internal/kstat"
	"argentum/internal/mem"
)

// offSlabThreshold: objects bigger than a page/8 get their slab
// descriptor carved from an anonymous pool instead of living at the
// tail of the slab's own page block (object_pool.c's K_OBJECT_POOL_OFF_SLAB).
const offSlabThreshold = mem.PGSIZE / 8

// tag is a free-list entry for one object slot within a slab.
type tag struct {
	next int32 // index of next free tag, or -1
}

// Slab is one contiguous block of pages carved into fixed-size
// objects, all belonging to a single Pool.
type Slab struct {
	pool  *Pool
	data  []byte
	tags  []tag
	free  int32 // index of first free tag, or -1
	used  int
	frame mem.Frame
}

// Pool is an object pool serving fixed-size, fixed-alignment objects,
// analogous to a struct KObjectPool / KMemCache.
type Pool struct {
	mu    sync.Mutex
	name  string
	alloc *mem.Allocator

	objSize  int
	blockSz  int
	align    int
	order    int // slab_page_order
	capacity int // objects per slab
	offSlab  bool

	ctor func([]byte)
	dtor func([]byte)

	// empty/full name the intuitive sense (zero objects in use / every
	// object in use) — the reverse of slabs_full/slabs_empty in the
	// original's wording for these same two states.
	empty   []*Slab // zero objects in use, free list full
	partial []*Slab
	full    []*Slab // every object in use, free list empty

	// wastage is the internal-fragmentation budget computed at New
	// time; slab coloring (object_pool.c's color_next/color_max, used
	// to stagger slab start addresses across cache lines) has no
	// counterpart here since this simulator models no cache hierarchy.
	wastage int
}

func roundup(n, align int) int {
	return (n + align - 1) / align * align
}

// New creates a pool of objects of the given size and alignment (0
// meaning natural machine alignment), backed by alloc. ctor/dtor run
// once per object at slab-creation/destruction time, not per
// Get/Put, matching spec §4.B's "constructed state is reused across
// allocations."
func New(alloc *mem.Allocator, name string, size, align int, ctor, dtor func([]byte)) *Pool {
	if align == 0 {
		align = 8
	}
	p := &Pool{
		name:    name,
		alloc:   alloc,
		objSize: size,
		align:   align,
		ctor:    ctor,
		dtor:    dtor,
	}
	p.blockSz = roundup(size, align)
	// Slab descriptors live in a Go struct, not inline page bytes, so
	// there is no on-slab/off-slab layout split to compute here; the
	// flag is kept only to mark large objects for diagnostics, matching
	// object_pool.c's K_OBJECT_POOL_OFF_SLAB threshold.
	p.offSlab = size > offSlabThreshold

	for order := 0; ; order++ {
		total := mem.PGSIZE << uint(order)
		cap := total / p.blockSz
		if cap == 0 {
			continue
		}
		wastage := total - cap*p.blockSz
		if wastage*8 <= total || order >= mem.MaxOrder {
			p.order = order
			p.capacity = cap
			p.wastage = wastage
			break
		}
	}
	return p
}

func (p *Pool) slabCreate() *Slab {
	f, ok := p.alloc.AllocBlock(p.order, mem.TagSlab)
	if !ok {
		return nil
	}
	s := &Slab{
		pool:  p,
		data:  p.alloc.DataBlock(f, p.order),
		tags:  make([]tag, p.capacity),
		free:  -1,
		frame: f,
	}
	p.alloc.SetSlabOwner(f, s)
	p.alloc.Refup(f)

	for i := p.capacity - 1; i >= 0; i-- {
		s.tags[i] = tag{next: s.free}
		s.free = int32(i)
		if p.ctor != nil {
			p.ctor(s.objBytes(i))
		}
	}
	p.empty = append(p.empty, s)
	return s
}

func (s *Slab) objBytes(i int) []byte {
	off := i * s.pool.blockSz
	return s.data[off : off+s.pool.objSize]
}

func removeSlab(list []*Slab, s *Slab) []*Slab {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Get allocates one zero-or-constructed object from the pool,
// growing the pool by one slab if every existing slab is full. It
// panics only if the underlying page allocator is exhausted and no
// slab can be created, mirroring object_pool.c's k_panic("out of
// memory") policy for in-kernel pools.
func (p *Pool) Get() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s *Slab
	if len(p.partial) > 0 {
		s = p.partial[len(p.partial)-1]
	} else if len(p.empty) > 0 {
		s = p.empty[len(p.empty)-1]
		p.empty = p.empty[:len(p.empty)-1]
		p.partial = append(p.partial, s)
	} else {
		s = p.slabCreate()
		if s == nil {
			panic("pool: " + p.name + ": out of memory")
		}
		p.empty = removeSlab(p.empty, s)
		p.partial = append(p.partial, s)
	}

	idx := s.free
	s.free = s.tags[idx].next
	s.used++

	if s.used == p.capacity {
		p.partial = removeSlab(p.partial, s)
		p.full = append(p.full, s)
	}
	return s.objBytes(int(idx))
}

// Put returns obj, previously obtained from Get, to its owning slab.
// It panics (as object_pool.c's k_free does on a bad pointer) if the
// byte slice did not originate from this allocator's memory, since
// that is a kernel-internal corruption condition, not a user error.
func (p *Pool) Put(obj []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.slabOf(obj)
	if s == nil {
		panic("pool: " + p.name + ": object does not belong to this pool")
	}

	idx := p.indexOf(s, obj)
	s.tags[idx] = tag{next: s.free}
	s.free = int32(idx)
	wasFull := s.used == p.capacity
	s.used--

	if s.used == 0 {
		p.full = removeSlab(p.full, s)
		p.partial = removeSlab(p.partial, s)
		p.empty = append(p.empty, s)
		return
	}
	if wasFull {
		p.full = removeSlab(p.full, s)
		p.partial = append(p.partial, s)
	}
}

// addrOf returns the address of b's first byte, or 0 for an empty slice.
func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// offsetWithin returns obj's byte offset into data's backing array, or
// -1 if obj does not fall within data's bounds.
func offsetWithin(data, obj []byte) int {
	if len(obj) == 0 || len(data) == 0 {
		return -1
	}
	base, addr := addrOf(data), addrOf(obj)
	if addr < base || addr >= base+uintptr(len(data)) {
		return -1
	}
	return int(addr - base)
}

// Owns reports whether obj's storage belongs to one of this pool's
// slabs, without mutating any free list.
func (p *Pool) Owns(obj []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slabOf(obj) != nil
}

// slabOf locates obj's owning slab in O(1) via the allocator's
// page-descriptor back-pointer, the object_pool.c virt_to_page +
// struct page.slab equivalent, rather than scanning every live slab.
// obj may land on any page of a multi-page slab, so the frame FrameOf
// resolves is masked down to its block's head frame — the only one
// SetSlabOwner stamped — before consulting SlabOwner.
func (p *Pool) slabOf(obj []byte) *Slab {
	f, ok := p.alloc.FrameOf(obj)
	if !ok {
		return nil
	}
	head := f &^ mem.Frame(1<<uint(p.order)-1)
	s, ok := p.alloc.SlabOwner(head).(*Slab)
	if !ok || s.pool != p {
		return nil
	}
	return s
}

func (p *Pool) indexOf(s *Slab, obj []byte) int {
	off := offsetWithin(s.data, obj)
	return off / p.blockSz
}

// Shrink releases every wholly-unused (empty) slab back to the page
// allocator, the pool equivalent of object_pool.c's reclaim path run
// from k_object_pool_destroy. It never touches partial or full slabs,
// since those still have live objects checked out.
func (p *Pool) Shrink() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.empty)
	for _, s := range p.empty {
		p.destroySlab(s)
	}
	p.empty = nil
	return n
}

func (p *Pool) destroySlab(s *Slab) {
	if p.dtor != nil {
		for i := 0; i < p.capacity; i++ {
			p.dtor(s.objBytes(i))
		}
	}
	p.alloc.SetSlabOwner(s.frame, nil)
	if p.alloc.Refdown(s.frame) {
		p.alloc.FreeBlock(s.frame, p.order)
	}
}

// Name returns the pool's diagnostic name.
func (p *Pool) Name() string { return p.name }

// ObjSize returns the object size the pool was created with.
func (p *Pool) ObjSize() int { return p.objSize }

// Stats reports the pool's full/partial/empty slab-list lengths as
// kstat.Snapshots, named "<pool name>.<list>", for kstat.Profile/
// Describe export. Not a distillation of new bookkeeping: every pool
// already tracks these three lists to serve Get/Put.
func (p *Pool) Stats() []kstat.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return []kstat.Snapshot{
		{Name: p.name + ".full", Value: int64(len(p.full))},
		{Name: p.name + ".partial", Value: int64(len(p.partial))},
		{Name: p.name + ".empty", Value: int64(len(p.empty))},
	}
}

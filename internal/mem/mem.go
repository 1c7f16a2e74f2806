// Package mem implements the physical page allocator: a binary buddy
// system over a fixed pool of simulated physical frames (spec §4.A).
//
// Grounded on biscuit/src/mem/mem.go's Physmem_t (per-order free
// lists, a Physpg_t page-descriptor array indexed by frame number, a
// single struct-embedded lock, boot-time seeding) but reworked from
// biscuit's flat single-page free list into the power-of-two buddy
// orders spec.md §4.A calls for.
package mem

import (
	"sync"
	"unsafe"
)

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE = 1 << PGSHIFT

// MaxOrder is the highest buddy order this allocator serves: order 10
// covers a 4 MiB block (spec §4.A).
const MaxOrder = 10

// Tag names the owner of a physical frame (spec §3, "Page descriptor").
type Tag int

const (
	TagFree Tag = iota
	TagKernelVM
	TagUserAnon
	TagSlab
	TagPageTable
	TagKernelStack
	TagIOBuffer
)

func (t Tag) String() string {
	switch t {
	case TagFree:
		return "free"
	case TagKernelVM:
		return "kernel-vm"
	case TagUserAnon:
		return "user-anon"
	case TagSlab:
		return "slab"
	case TagPageTable:
		return "page-table"
	case TagKernelStack:
		return "kernel-stack"
	case TagIOBuffer:
		return "io-buffer"
	default:
		return "unknown"
	}
}

// Frame is a physical frame number (a page-aligned physical address
// shifted right by PGSHIFT).
type Frame uint32

// pageDesc is the per-frame descriptor (spec §3). order and buddyLink
// are only meaningful while the frame heads a free block.
type pageDesc struct {
	refcount int32
	tag      Tag
	slab     unsafe_ptr // owning slab, non-nil iff tag == TagSlab
	order    int8        // order of the free block this frame heads, or -1
	prev     Frame
	next     Frame
	free     bool
}

// unsafe_ptr avoids importing "unsafe" at this layer: pool attaches its
// own back-pointer via SetSlabOwner/SlabOwner below, typed as
// interface{} so mem does not depend on pool (which depends on mem).
type unsafe_ptr = interface{}

// Allocator is the buddy page allocator over a fixed span of frames.
// One global instance, Default, serves the whole kernel; additional
// instances exist only in tests that want an isolated arena.
type Allocator struct {
	mu       sync.Mutex
	pages    []pageDesc
	freeList [MaxOrder + 1]Frame // head frame of each order's free list, or noFrame
	nframes   Frame
	store     []byte // simulated physical memory content, one PGSIZE slot per frame
	zeroFrame Frame
}

const noFrame Frame = ^Frame(0)

// New creates an Allocator over nframes contiguous frames, all initially
// unmanaged (use Free or SeedRegion to hand frames to it).
func New(nframes int) *Allocator {
	a := &Allocator{
		pages:     make([]pageDesc, nframes),
		nframes:   Frame(nframes),
		store:     make([]byte, nframes*PGSIZE),
		zeroFrame: noFrame,
	}
	for i := range a.freeList {
		a.freeList[i] = noFrame
	}
	for i := range a.pages {
		a.pages[i].tag = TagFree
		a.pages[i].order = -1
	}
	return a
}

// NFrames returns the total number of frames this allocator manages.
func (a *Allocator) NFrames() int { return int(a.nframes) }

func buddyOf(f Frame, order int) Frame {
	return f ^ (1 << uint(order))
}

func (a *Allocator) listPush(order int, f Frame) {
	a.pages[f].order = int8(order)
	a.pages[f].free = true
	a.pages[f].prev = noFrame
	a.pages[f].next = a.freeList[order]
	if a.freeList[order] != noFrame {
		a.pages[a.freeList[order]].prev = f
	}
	a.freeList[order] = f
}

func (a *Allocator) listRemove(order int, f Frame) {
	p := a.pages[f]
	if p.prev != noFrame {
		a.pages[p.prev].next = p.next
	} else {
		a.freeList[order] = p.next
	}
	if p.next != noFrame {
		a.pages[p.next].prev = p.prev
	}
	a.pages[f].free = false
	a.pages[f].order = -1
}

// isFree reports whether frame f, taken as a block of the given
// order, is entirely free and present on that order's free list
// (spec §8, "Buddy" invariant). Caller must hold a.mu.
func (a *Allocator) isFree(f Frame, order int) bool {
	return int(f) < len(a.pages) && a.pages[f].free && int(a.pages[f].order) == order
}

// AllocBlock serves a 2^order run of frames tagged with tag. It never
// blocks and returns (^Frame(0), false) on exhaustion. Higher orders are split
// downward as needed; the freed buddy halves are placed back on their
// own order's free list (spec §4.A).
func (a *Allocator) AllocBlock(order int, tag Tag) (Frame, bool) {
	if order < 0 || order > MaxOrder {
		panic("mem: bad order")
	}
	a.mu.Lock()
	f, ok := a.allocLocked(order)
	if ok {
		a.pages[f].tag = tag
		a.pages[f].refcount = 0
	}
	a.mu.Unlock()
	return f, ok
}

func (a *Allocator) allocLocked(order int) (Frame, bool) {
	k := order
	for k <= MaxOrder && a.freeList[k] == noFrame {
		k++
	}
	if k > MaxOrder {
		return noFrame, false
	}
	f := a.freeList[k]
	a.listRemove(k, f)
	// split downward, pushing each displaced buddy onto its own list
	for k > order {
		k--
		buddy := f + (1 << uint(k))
		a.listPush(k, buddy)
	}
	return f, true
}

// FreeBlock returns a 2^order block to the allocator. frame.refcount
// must be zero. It merges upward while the buddy at the current order
// is free and tagged the same slab-class (slab frames never merge
// into non-slab space, per spec §4.A).
func (a *Allocator) FreeBlock(f Frame, order int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pages[f].refcount != 0 {
		panic("mem: freeing a frame with nonzero refcount")
	}
	if a.pages[f].free {
		panic("mem: double free")
	}
	isSlab := a.pages[f].tag == TagSlab
	a.pages[f].tag = TagFree
	a.pages[f].slab = nil

	for order < MaxOrder {
		buddy := buddyOf(f, order)
		if !a.isFree(buddy, order) {
			break
		}
		if (a.pages[buddy].tag == TagSlab) != isSlab {
			break
		}
		a.listRemove(order, buddy)
		if buddy < f {
			f = buddy
		}
		order++
	}
	a.listPush(order, f)
}

// SeedRegion hands a physical range [start, end) of frame numbers to
// the allocator at boot, greedily picking the largest aligned block
// that fits at each step (spec §4.A, page_free_region).
func (a *Allocator) SeedRegion(start, end Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for start < end {
		order := MaxOrder
		for order > 0 {
			sz := Frame(1 << uint(order))
			if start%sz == 0 && start+sz <= end {
				break
			}
			order--
		}
		a.listPush(order, start)
		start += 1 << uint(order)
	}
}

// Data returns the PGSIZE-byte content slice for frame f, the
// software analogue of biscuit's Dmap/Pg2bytes direct-map helpers
// that turn a physical address into a slice over the kernel's direct
// map. Since this simulator has no real physical address space, the
// backing store is just a big Go byte slice indexed by frame number.
func (a *Allocator) Data(f Frame) []byte {
	return a.DataBlock(f, 0)
}

// DataBlock is Data generalized to a 2^order run of frames starting at
// f, for callers (pool's slabs) whose allocation spans more than one
// page.
func (a *Allocator) DataBlock(f Frame, order int) []byte {
	off := int(f) * PGSIZE
	size := PGSIZE << uint(order)
	return a.store[off : off+size]
}

// FrameOf returns the frame number backing b's first byte, and whether
// b falls within this allocator's backing store at all — the inverse
// of Data/DataBlock, letting a caller holding only an object pointer
// recover its owning frame in O(1) instead of scanning every live
// allocation (object_pool.c's virt_to_page).
func (a *Allocator) FrameOf(b []byte) (Frame, bool) {
	if len(b) == 0 {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(&a.store[0]))
	addr := uintptr(unsafe.Pointer(&b[0]))
	if addr < base || addr >= base+uintptr(len(a.store)) {
		return 0, false
	}
	return Frame((addr - base) / PGSIZE), true
}

// Refcount returns the reference count of the frame.
func (a *Allocator) Refcount(f Frame) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.pages[f].refcount)
}

// Refup increments the frame's reference count.
func (a *Allocator) Refup(f Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pages[f].refcount++
}

// Refdown decrements the frame's reference count, returning true if it
// reached zero. It does not free the frame: buddy frees happen at a
// known order via FreeBlock, always called by the owner (pool or vm)
// that knows the block's order.
func (a *Allocator) Refdown(f Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pages[f].refcount <= 0 {
		panic("mem: refdown of unreferenced frame")
	}
	a.pages[f].refcount--
	return a.pages[f].refcount == 0
}

// Tag returns the frame's current ownership tag.
func (a *Allocator) Tag(f Frame) Tag {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pages[f].tag
}

// SetSlabOwner stamps f as slab-owned with the given back-pointer
// (opaque to mem; pool supplies a *pool.Slab). Frame must already be
// tagged TagSlab.
func (a *Allocator) SetSlabOwner(f Frame, owner interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pages[f].tag != TagSlab {
		panic("mem: SetSlabOwner on non-slab frame")
	}
	a.pages[f].slab = owner
}

// SlabOwner returns the back-pointer stashed by SetSlabOwner.
func (a *Allocator) SlabOwner(f Frame) interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pages[f].slab
}

// BootAlloc is a one-shot bump allocator used only before an Allocator
// exists, carving frames from the region just after the kernel image
// (spec §4.A, boot_alloc). It panics if the region is exhausted.
type BootAlloc struct {
	next  Frame
	limit Frame
}

// NewBootAlloc creates a bump allocator over [start, limit) frames.
func NewBootAlloc(start, limit Frame) *BootAlloc {
	return &BootAlloc{next: start, limit: limit}
}

// Alloc carves n contiguous frames, panicking if the region is
// exhausted.
func (b *BootAlloc) Alloc(n int) Frame {
	f := b.next
	if f+Frame(n) > b.limit {
		panic("mem: boot_alloc region exhausted")
	}
	b.next += Frame(n)
	return f
}

// Default is the global physical memory allocator instance, created
// during boot by CPU 0 before other CPUs start (spec §9).
var Default *Allocator

// Init creates the Default allocator over nframes frames and seeds it
// with one contiguous free region, analogous to biscuit's Phys_init.
func Init(nframes int) *Allocator {
	a := New(nframes)
	a.SeedRegion(0, Frame(nframes))
	Default = a
	return a
}

// ZeroFrame returns a) permanently zero-filled, shared, read-only
// frame to back newly-faulted anonymous pages before their first
// write, the software equivalent of biscuit's mem.Zeropg/P_zeropg. It
// is pinned with an extra reference so Refdown never drives it to
// zero and frees it; vm checks for this exact frame before taking the
// COW-claim fast path in a page fault (spec §4.D).
func (a *Allocator) ZeroFrame() Frame {
	a.mu.Lock()
	if a.zeroFrame != noFrame {
		f := a.zeroFrame
		a.mu.Unlock()
		return f
	}
	a.mu.Unlock()

	f, ok := a.AllocBlock(0, TagKernelVM)
	if !ok {
		panic("mem: cannot reserve zero frame")
	}
	a.Refup(f) // pinned: never reaches refcount 0
	a.mu.Lock()
	a.zeroFrame = f
	a.mu.Unlock()
	return f
}

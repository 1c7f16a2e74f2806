// Package swpagemap is the one implementation of pagemap.Port this
// kernel simulator ships: a software-walked map entirely in Go memory,
// standing in for a real ARMv7 page table. No device has a hardware
// MMU in this process, so every "page-table walk" is a Go map lookup
// and every "TLB shootdown" is a cross-goroutine invalidation barrier
// instead of an IPI plus `tlbi` instruction.
//
// Grounded on biscuit/src/mem/mem.go's Pa_t/Pmap_t page-table-page
// model (a pmap is itself built from physical frames, so building one
// consumes the page allocator) and biscuit/src/vm/as.go's Tlbshoot,
// which loops over Cpumask bits calling runtime.Condflush per CPU;
// this package replaces that runtime hook with a per-map generation
// counter bumped by every Shootdown (see Acks for the optional wait).
package swpagemap

import (
	"sync"
	"sync/atomic"

	"argentum/internal/mem"
	"argentum/internal/pagemap"
)

// NumCPU bounds the simulated CPU count; the scheduler package pins
// each goroutine-CPU to one bit of the load/generation masks below.
const NumCPU = 64

// entry is one mapped page-table slot.
type entry struct {
	frame mem.Frame
	perm  pagemap.Perm
}

// Map is the software pagemap: one per address space. Its entries live
// in a Go map; no page-table-page frames are taken from the buddy
// allocator, so a pagemap costs no simulated physical memory.
type Map struct {
	mu    sync.RWMutex
	pages map[pagemap.VA]entry
	alloc *mem.Allocator

	loaded uint64 // bitmask of CPUs with this map active, atomic

	// generation is bumped on every Shootdown and read through
	// Generation; the scheduler and irq layers keep no per-CPU
	// last-seen value to compare it against.
	generation uint64
}

// New creates an empty software pagemap. alloc is stored on the map;
// no frames are allocated from it.
func New(alloc *mem.Allocator) *Map {
	return &Map{
		pages: make(map[pagemap.VA]entry),
		alloc: alloc,
	}
}

var _ pagemap.Port = (*Map)(nil)
var _ pagemap.Root = (*Map)(nil)

// Walk implements pagemap.Port.
func (m *Map) Walk(va pagemap.VA, create bool) (mem.Frame, pagemap.Perm, bool) {
	m.mu.RLock()
	e, ok := m.pages[va]
	m.mu.RUnlock()
	if ok {
		return e.frame, e.perm, true
	}
	if !create {
		return 0, 0, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.pages[va]; ok {
		return e.frame, e.perm, true
	}
	m.pages[va] = entry{}
	return 0, 0, false
}

// Map implements pagemap.Port.
func (m *Map) Map(va pagemap.VA, frame mem.Frame, perm pagemap.Perm) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages[va] = entry{frame: frame, perm: perm | pagemap.Present}
}

// Unmap implements pagemap.Port.
func (m *Map) Unmap(va pagemap.VA) (mem.Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pages[va]
	if !ok {
		return 0, false
	}
	delete(m.pages, va)
	return e.frame, e.perm&pagemap.Present != 0
}

// SetPerm implements pagemap.Port.
func (m *Map) SetPerm(va pagemap.VA, perm pagemap.Perm) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pages[va]
	if !ok {
		return
	}
	e.perm = perm | pagemap.Present
	m.pages[va] = e
}

// Clone implements pagemap.Port: it duplicates every mapping verbatim
// (frame reference counting across the copy is the caller's
// responsibility — vm.Space.Fork bumps mem refcounts as it decides
// COW vs. share, per spec §4.D).
func (m *Map) Clone() pagemap.Port {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := New(m.alloc)
	for va, e := range m.pages {
		n.pages[va] = e
	}
	return n
}

// Destroy implements pagemap.Port. It drops every mapping; this
// software implementation keeps no separate page-table-page frames to
// release (a real ARM backend would walk and free its L1/L2 table
// frames here instead).
func (m *Map) Destroy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pages = nil
}

// LoadedOn implements pagemap.Root.
func (m *Map) LoadedOn() uint64 {
	return atomic.LoadUint64(&m.loaded)
}

// NoteLoaded marks cpu as having this map active, called by the
// scheduler on a context switch (spec §4.C, "a pagemap tracks which
// CPUs have loaded it so shootdown can target only those CPUs").
func (m *Map) NoteLoaded(cpu int) {
	bit := uint64(1) << uint(cpu)
	for {
		old := atomic.LoadUint64(&m.loaded)
		if old&bit != 0 {
			return
		}
		if atomic.CompareAndSwapUint64(&m.loaded, old, old|bit) {
			return
		}
	}
}

// NoteUnloaded clears cpu's bit, called when the scheduler switches
// that CPU away from this address space.
func (m *Map) NoteUnloaded(cpu int) {
	bit := uint64(1) << uint(cpu)
	for {
		old := atomic.LoadUint64(&m.loaded)
		if atomic.CompareAndSwapUint64(&m.loaded, old, old&^bit) {
			return
		}
	}
}

// Generation returns the current shootdown generation.
func (m *Map) Generation() uint64 {
	return atomic.LoadUint64(&m.generation)
}

// Acks is set by the scheduler/irq layer at boot to a function that
// delivers an inter-processor "TLB flush" signal to the named CPU and
// returns a channel closed once that CPU has acknowledged it. A nil
// Acks (the default, e.g. in unit tests with a single simulated CPU)
// makes Shootdown a no-op synchronization-wise beyond bumping the
// generation counter.
var Acks func(cpu int) <-chan struct{}

// Shootdown implements pagemap.Port. It bumps the generation counter
// and, if Acks is wired, blocks until every loaded CPU has
// acknowledged observing it — the same synchronous-completion
// contract biscuit's Tlbshoot gets by spinning on runtime.Condflush.
func (m *Map) Shootdown(va pagemap.VA) {
	atomic.AddUint64(&m.generation, 1)
	if Acks == nil {
		return
	}
	mask := atomic.LoadUint64(&m.loaded)
	for cpu := 0; cpu < NumCPU; cpu++ {
		if mask&(uint64(1)<<uint(cpu)) == 0 {
			continue
		}
		<-Acks(cpu)
	}
}

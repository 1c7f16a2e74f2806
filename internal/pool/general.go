package pool

import (
	"strconv"
	"sync"

	"argentum/internal/kstat"
	"argentum/internal/mem"
)

// anonPoolsLength/anonMinSize mirror object_pool.c's ANON_POOLS_LENGTH
// (12) / ANON_POOLS_MIN_SIZE (8) geometry: a run of power-of-two pools
// from 8 bytes up to 16 KiB backs the general allocator.
const (
	anonPoolsLength = 12
	anonMinSize     = 8
)

// General is the k_malloc/k_free layer: a fixed ladder of anonymous
// pools of increasing power-of-two size, picked by smallest fit
// (object_pool.c's k_malloc).
type General struct {
	mu    sync.Mutex
	alloc *mem.Allocator
	anon  [anonPoolsLength]*Pool
}

// NewGeneral builds the anonymous pool ladder over alloc. Pools are
// created lazily on first use of a given size class so that an
// instance created only for testing one object size does not pay for
// the whole ladder.
func NewGeneral(alloc *mem.Allocator) *General {
	return &General{alloc: alloc}
}

func classOf(size int) int {
	sz := anonMinSize
	for i := 0; i < anonPoolsLength; i++ {
		if size <= sz {
			return i
		}
		sz <<= 1
	}
	return -1
}

func (g *General) poolFor(class int) *Pool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.anon[class] == nil {
		size := anonMinSize << uint(class)
		g.anon[class] = New(g.alloc, poolName(size), size, 0, nil, nil)
	}
	return g.anon[class]
}

func poolName(size int) string {
	return "anon(" + strconv.Itoa(size) + ")"
}

// Malloc allocates a block of at least size bytes from the smallest
// suitable anonymous pool. It panics if size exceeds the largest
// class, matching spec §4.B's guidance to use a dedicated pool (not
// k_malloc) for large or hot objects.
func (g *General) Malloc(size int) []byte {
	class := classOf(size)
	if class < 0 {
		panic("pool: Malloc: size exceeds general allocator's largest class")
	}
	return g.poolFor(class).Get()[:size]
}

// Free releases a block previously obtained from Malloc. Each pool's
// Owns resolves its own slab membership in O(1) via the page
// descriptor's back-pointer (Pool.slabOf), but different size classes
// use different slab orders, so which class's mask applies isn't known
// until the class is: Free still checks the (at most
// anonPoolsLength) live classes in turn. It panics if b did not come
// from this General's Malloc, mirroring object_pool.c's
// k_panic("bad pointer").
func (g *General) Free(b []byte) {
	g.mu.Lock()
	pools := make([]*Pool, 0, anonPoolsLength)
	for _, p := range g.anon {
		if p != nil {
			pools = append(pools, p)
		}
	}
	g.mu.Unlock()

	for _, p := range pools {
		if p.Owns(b) {
			p.Put(b)
			return
		}
	}
	panic("pool: Free: bad pointer")
}

// Stats reports Pool.Stats for every size class that has been created
// so far, for kstat export. Classes never touched by Malloc are
// omitted rather than reported as all-zero.
func (g *General) Stats() []kstat.Snapshot {
	g.mu.Lock()
	pools := make([]*Pool, 0, anonPoolsLength)
	for _, p := range g.anon {
		if p != nil {
			pools = append(pools, p)
		}
	}
	g.mu.Unlock()

	var out []kstat.Snapshot
	for _, p := range pools {
		out = append(out, p.Stats()...)
	}
	return out
}

package swpagemap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argentum/internal/mem"
	"argentum/internal/pagemap"
)

func newAlloc(t *testing.T) *mem.Allocator {
	t.Helper()
	a := mem.New(16)
	a.SeedRegion(0, 16)
	return a
}

func TestWalk_UnmappedThenMapped(t *testing.T) {
	m := New(newAlloc(t))

	_, _, ok := m.Walk(0x1000, false)
	assert.False(t, ok, "unmapped va without create must report ok=false")

	m.Map(0x1000, mem.Frame(3), pagemap.Writable)
	frame, perm, ok := m.Walk(0x1000, false)
	require.True(t, ok)
	assert.Equal(t, mem.Frame(3), frame)
	assert.True(t, perm&pagemap.Present != 0, "Map must set Present regardless of the requested perm bits")
	assert.True(t, perm&pagemap.Writable != 0)
}

func TestWalk_CreateAllocatesEmptySlot(t *testing.T) {
	m := New(newAlloc(t))

	frame, _, ok := m.Walk(0x2000, true)
	assert.False(t, ok, "a create=true walk on a fresh va still reports unmapped")
	assert.Equal(t, mem.Frame(0), frame)

	// The slot now exists (zeroed), so a second create=false walk
	// still reports unmapped rather than panicking or erroring.
	_, _, ok = m.Walk(0x2000, false)
	assert.False(t, ok)
}

func TestUnmap(t *testing.T) {
	m := New(newAlloc(t))
	m.Map(0x3000, mem.Frame(5), pagemap.User)

	frame, ok := m.Unmap(0x3000)
	require.True(t, ok)
	assert.Equal(t, mem.Frame(5), frame)

	_, ok = m.Unmap(0x3000)
	assert.False(t, ok, "unmapping an already-unmapped va reports ok=false")
}

func TestSetPerm(t *testing.T) {
	m := New(newAlloc(t))
	m.Map(0x4000, mem.Frame(1), pagemap.Writable)

	m.SetPerm(0x4000, pagemap.COW)
	_, perm, ok := m.Walk(0x4000, false)
	require.True(t, ok)
	assert.True(t, perm&pagemap.COW != 0)
	assert.False(t, perm&pagemap.Writable != 0, "SetPerm replaces the permission bits, it does not OR them in")

	// SetPerm on an unmapped va is a no-op, not a panic.
	m.SetPerm(0x5000, pagemap.Writable)
	_, _, ok = m.Walk(0x5000, false)
	assert.False(t, ok)
}

func TestClone_IsIndependentCopy(t *testing.T) {
	alloc := newAlloc(t)
	m := New(alloc)
	m.Map(0x1000, mem.Frame(2), pagemap.Writable)

	clone := m.Clone()
	frame, _, ok := clone.Walk(0x1000, false)
	require.True(t, ok)
	assert.Equal(t, mem.Frame(2), frame)

	clone.Unmap(0x1000)
	_, _, ok = m.Walk(0x1000, false)
	assert.True(t, ok, "mutating the clone must not affect the original map")
}

func TestDestroy_ClearsAllMappings(t *testing.T) {
	m := New(newAlloc(t))
	m.Map(0x1000, mem.Frame(1), pagemap.Writable)
	m.Destroy()

	assert.Panics(t, func() { m.Map(0x2000, mem.Frame(1), pagemap.Writable) },
		"writing to a destroyed map's nil backing store panics rather than silently reviving it")
}

func TestLoadedOn_NoteLoadedUnloaded(t *testing.T) {
	m := New(newAlloc(t))
	assert.Equal(t, uint64(0), m.LoadedOn())

	m.NoteLoaded(0)
	m.NoteLoaded(3)
	assert.Equal(t, uint64(1<<0|1<<3), m.LoadedOn())

	m.NoteLoaded(0) // idempotent
	assert.Equal(t, uint64(1<<0|1<<3), m.LoadedOn())

	m.NoteUnloaded(0)
	assert.Equal(t, uint64(1<<3), m.LoadedOn())
}

func TestShootdown_BumpsGenerationWithoutAcks(t *testing.T) {
	m := New(newAlloc(t))
	before := m.Generation()

	Acks = nil
	m.Shootdown(0x1000)

	assert.Equal(t, before+1, m.Generation(), "Shootdown must bump the generation counter even with no Acks wired")
}

func TestShootdown_WaitsForAcksOnLoadedCPUs(t *testing.T) {
	m := New(newAlloc(t))
	m.NoteLoaded(1)

	acked := make(chan int, 1)
	Acks = func(cpu int) <-chan struct{} {
		ch := make(chan struct{})
		go func() {
			acked <- cpu
			close(ch)
		}()
		return ch
	}
	defer func() { Acks = nil }()

	m.Shootdown(0x1000)
	assert.Equal(t, 1, <-acked, "Shootdown must only wait on CPUs with this map's loaded bit set")
}

package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argentum/internal/budget"
	"argentum/internal/kerr"
	"argentum/internal/mem"
	"argentum/internal/pagemap"
	"argentum/internal/swpagemap"
)

func newSpace(t *testing.T, frames int) (*Space, *mem.Allocator) {
	t.Helper()
	a := mem.New(frames)
	a.SeedRegion(0, mem.Frame(frames))
	s := New(a, budget.NewPool(0), func() pagemap.Port { return swpagemap.New(a) })
	return s, a
}

func TestCopyOutThenCopyIn_RoundTrips(t *testing.T) {
	s, _ := newSpace(t, 32)
	base := USERMIN
	s.AddAnon(base, 2, pagemap.User|pagemap.Writable)

	want := []byte("hello, user space")
	require.Equal(t, kerr.None, s.CopyOut(want, base))

	got := make([]byte, len(want))
	require.Equal(t, kerr.None, s.CopyIn(base, got))
	assert.Equal(t, want, got)
}

func TestCopyOutThenCopyIn_CrossesPageBoundary(t *testing.T) {
	s, _ := newSpace(t, 32)
	base := USERMIN
	s.AddAnon(base, 2, pagemap.User|pagemap.Writable)

	want := make([]byte, pagemap.PageSize+64)
	for i := range want {
		want[i] = byte(i)
	}
	require.Equal(t, kerr.None, s.CopyOut(want, base))

	got := make([]byte, len(want))
	require.Equal(t, kerr.None, s.CopyIn(base, got))
	assert.Equal(t, want, got)
}

func TestCopyIn_UnmappedRegionFaults(t *testing.T) {
	s, _ := newSpace(t, 32)
	got := make([]byte, 8)
	assert.Equal(t, kerr.EFAULT, s.CopyIn(USERMIN, got))
}

func TestCopyOut_ReadOnlyRegionFaults(t *testing.T) {
	s, _ := newSpace(t, 32)
	base := USERMIN
	s.AddAnon(base, 1, pagemap.User)

	assert.Equal(t, kerr.EFAULT, s.CopyOut([]byte("x"), base))
}

func TestCopyInString_StopsAtNUL(t *testing.T) {
	s, _ := newSpace(t, 32)
	base := USERMIN
	s.AddAnon(base, 1, pagemap.User|pagemap.Writable)

	buf := make([]byte, 16)
	copy(buf, "argv0\x00garbage")
	require.Equal(t, kerr.None, s.CopyOut(buf, base))

	got, err := s.CopyInString(base, 64)
	require.Equal(t, kerr.None, err)
	assert.Equal(t, "argv0", string(got))
}

func TestCopyInString_ExceedsCapReturnsENAMETOOLONG(t *testing.T) {
	s, _ := newSpace(t, 32)
	base := USERMIN
	s.AddAnon(base, 1, pagemap.User|pagemap.Writable)

	buf := make([]byte, pagemap.PageSize)
	for i := range buf {
		buf[i] = 'a'
	}
	require.Equal(t, kerr.None, s.CopyOut(buf, base))

	_, err := s.CopyInString(base, 8)
	assert.Equal(t, kerr.ENAMETOOLONG, err)
}

func TestCheckPtr(t *testing.T) {
	s, _ := newSpace(t, 32)
	base := USERMIN
	s.AddAnon(base, 2, pagemap.User|pagemap.Writable)

	assert.Equal(t, kerr.None, s.CheckPtr(base, int(pagemap.PageSize), pagemap.Writable))
	assert.Equal(t, kerr.EFAULT, s.CheckPtr(base-pagemap.VA(pagemap.PageSize), 8, pagemap.Writable),
		"a range starting below any region must fault")
	assert.Equal(t, kerr.EFAULT, s.CheckPtr(base, int(2*pagemap.PageSize)+1, pagemap.Writable),
		"a range extending past the mapped region must fault")

	readOnly := base + pagemap.VA(4*pagemap.PageSize)
	s.AddAnon(readOnly, 1, pagemap.User)
	assert.Equal(t, kerr.EFAULT, s.CheckPtr(readOnly, 1, pagemap.Writable),
		"CheckPtr must honor the region's own permission bits, not just presence")
}

func TestSbrk_GrowsAndShrinksHeap(t *testing.T) {
	s, _ := newSpace(t, 32)
	heapStart := USERMIN
	s.SetHeap(heapStart)

	old, err := s.Sbrk(int(pagemap.PageSize))
	require.Equal(t, kerr.None, err)
	assert.Equal(t, heapStart, old)

	// The new heap range must actually be usable.
	require.Equal(t, kerr.None, s.CopyOut([]byte("x"), heapStart))

	old, err = s.Sbrk(-int(pagemap.PageSize))
	require.Equal(t, kerr.None, err)
	assert.Equal(t, heapStart+pagemap.VA(pagemap.PageSize), old)

	// Shrinking below heapStart is rejected.
	_, err = s.Sbrk(-int(pagemap.PageSize))
	assert.Equal(t, kerr.EINVAL, err)
}

func TestUnusedva_SkipsExistingRegions(t *testing.T) {
	s, _ := newSpace(t, 32)
	s.AddAnon(USERMIN, 2, pagemap.User|pagemap.Writable)

	va := s.Unusedva(USERMIN, 1)
	assert.GreaterOrEqual(t, va, USERMIN+pagemap.VA(2*pagemap.PageSize))
}

func TestUnmap_ReleasesFramesAndRegion(t *testing.T) {
	s, a := newSpace(t, 32)
	base := USERMIN
	s.AddAnon(base, 1, pagemap.User|pagemap.Writable)
	require.Equal(t, kerr.None, s.CopyOut([]byte("x"), base))

	frame, _, present := s.Port().Walk(base, false)
	require.True(t, present)
	require.Equal(t, 1, a.Refcount(frame))

	require.Equal(t, kerr.None, s.Unmap(base, 1))
	assert.Equal(t, kerr.EFAULT, s.CopyIn(base, make([]byte, 1)), "the region must be gone after Unmap")
}

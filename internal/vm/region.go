package vm

import (
	"sort"

	"argentum/internal/pagemap"
)

// MType classifies what backs a mapped region (spec §4.D).
type MType int

const (
	// Anon is a private anonymous mapping (heap, stack, bss): COW on
	// fork, demand-zero on first fault.
	Anon MType = iota
	// SharedAnon is an anonymous mapping shared verbatim across the
	// processes that map it (e.g. mmap MAP_ANONYMOUS|MAP_SHARED);
	// always present, never COW.
	SharedAnon
	// File is backed by a FileOps-provided page source, private or
	// shared depending on Shared.
	File
)

// FileOps is the minimal page-source contract a vfs-layer mapping
// must satisfy, analogous to biscuit's fdops.Fdops_i used from
// Vminfo_t.Filepage.
type FileOps interface {
	// Page returns the data for the page at byte offset off,
	// allocating a fresh kernel page if none is cached.
	Page(off int64) ([]byte, error)
}

// Region describes one mapped extent of an address space's virtual
// range, the fields of biscuit's Vminfo_t reworked to use page
// counts in the pagemap.VA domain instead of raw pmap entries.
type Region struct {
	Mtype  MType
	Base   pagemap.VA // page-aligned
	Pages  int        // length in pages
	Perm   pagemap.Perm
	Shared bool

	file   FileOps
	foff   int64
}

func (r *Region) end() pagemap.VA { return r.Base + pagemap.VA(r.Pages)*pagemap.PageSize }

func (r *Region) contains(va pagemap.VA) bool {
	return va >= r.Base && va < r.end()
}

// regionList is a sorted-by-base list of non-overlapping regions, the
// counterpart of biscuit's Vmregion_t.
type regionList struct {
	regions []*Region
}

func (rl *regionList) lookup(va pagemap.VA) (*Region, bool) {
	i := sort.Search(len(rl.regions), func(i int) bool {
		return rl.regions[i].end() > va
	})
	if i < len(rl.regions) && rl.regions[i].contains(va) {
		return rl.regions[i], true
	}
	return nil, false
}

func (rl *regionList) insert(r *Region) {
	i := sort.Search(len(rl.regions), func(i int) bool {
		return rl.regions[i].Base >= r.Base
	})
	rl.regions = append(rl.regions, nil)
	copy(rl.regions[i+1:], rl.regions[i:])
	rl.regions[i] = r
}

func (rl *regionList) remove(r *Region) {
	for i, v := range rl.regions {
		if v == r {
			rl.regions = append(rl.regions[:i], rl.regions[i+1:]...)
			return
		}
	}
}

func (rl *regionList) clear() { rl.regions = nil }

// empty finds the lowest address >= start, outside any existing
// region, with at least need free pages following it, mirroring
// biscuit's Vmregion_t.empty used by Unusedva_inner for mmap/sbrk
// placement.
func (rl *regionList) empty(start pagemap.VA, need int) pagemap.VA {
	need64 := pagemap.VA(need) * pagemap.PageSize
	cur := start
	for _, r := range rl.regions {
		if r.Base >= cur+need64 {
			break
		}
		if r.end() > cur {
			cur = r.end()
		}
	}
	return cur
}

func (rl *regionList) clone() *regionList {
	n := &regionList{regions: make([]*Region, len(rl.regions))}
	for i, r := range rl.regions {
		cp := *r
		n.regions[i] = &cp
	}
	return n
}

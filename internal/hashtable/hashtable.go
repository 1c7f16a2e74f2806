// Package hashtable implements a bucketed hash table with a lock-free
// Get, used by proc's pid hash.
package hashtable

import (
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"unsafe"

	"argentum/internal/ustr"
)

type elem_t struct {
	key     interface{}
	value   interface{}
	keyHash uint32
	next    *elem_t
}

type bucket_t struct {
	sync.RWMutex
	first *elem_t
}

func (b *bucket_t) len() int {
	b.RLock()
	defer b.RUnlock()
	l := 0
	for e := b.first; e != nil; e = e.next {
		l++
	}
	return l
}

func (b *bucket_t) elems() []Pair_t {
	b.RLock()
	defer b.RUnlock()
	p := make([]Pair_t, 0)
	for e := b.first; e != nil; e = e.next {
		p = append(p, Pair_t{Key: e.key, Value: e.value})
	}
	return p
}

func (b *bucket_t) iter(f func(interface{}, interface{}) bool) bool {
	for e := b.first; e != nil; e = loadptr(&e.next) {
		if f(e.key, e.value) {
			return true
		}
	}
	return false
}

// Hashtable is a fixed-bucket-count hash table. Reads (Get) never take
// a lock; writes (Set/Del) lock only the affected bucket.
type Hashtable struct {
	table    []*bucket_t
	maxchain int
}

// New allocates a Hashtable with the given number of buckets.
func New(size int) *Hashtable {
	ht := &Hashtable{
		table:    make([]*bucket_t, size),
		maxchain: 1,
	}
	for i := range ht.table {
		ht.table[i] = &bucket_t{}
	}
	return ht
}

// String formats the table's contents for debugging.
func (ht *Hashtable) String() string {
	s := ""
	for i, b := range ht.table {
		if b.first != nil {
			s += fmt.Sprintf("b %d:\n", i)
			for e := b.first; e != nil; e = loadptr(&e.next) {
				s += fmt.Sprintf("(%v, %v), ", e.keyHash, e.key)
			}
			s += "\n"
		}
	}
	return s
}

// Size returns the total number of elements stored.
func (ht *Hashtable) Size() int {
	n := 0
	for _, b := range ht.table {
		n += b.len()
	}
	return n
}

// Pair_t is a key/value tuple returned by Elems.
type Pair_t struct {
	Key   interface{}
	Value interface{}
}

// Elems returns every key/value pair currently stored.
func (ht *Hashtable) Elems() []Pair_t {
	p := make([]Pair_t, 0)
	for _, b := range ht.table {
		p = append(p, b.elems()...)
	}
	return p
}

// Get looks up key without taking any lock.
func (ht *Hashtable) Get(key interface{}) (interface{}, bool) {
	kh := khash(key)
	b := ht.table[ht.bucketOf(kh)]
	n := 0
	for e := loadptr(&b.first); e != nil; e = loadptr(&e.next) {
		if e.keyHash == kh && equal(e.key, key) {
			return e.value, true
		}
		n++
		if n > ht.maxchain {
			ht.maxchain = n
		}
	}
	return nil, false
}

// Set inserts key/value, keeping each bucket's chain sorted by hash.
// It returns (existing value, false) without modifying the table if
// key is already present.
func (ht *Hashtable) Set(key interface{}, value interface{}) (interface{}, bool) {
	kh := khash(key)
	b := ht.table[ht.bucketOf(kh)]
	b.Lock()
	defer b.Unlock()

	add := func(last *elem_t) {
		if last == nil {
			storeptr(&b.first, &elem_t{key: key, value: value, keyHash: kh, next: b.first})
		} else {
			storeptr(&last.next, &elem_t{key: key, value: value, keyHash: kh, next: last.next})
		}
	}

	var last *elem_t
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && equal(e.key, key) {
			return e.value, false
		}
		if kh < e.keyHash {
			add(last)
			return value, true
		}
		last = e
	}
	add(last)
	return value, true
}

// Del removes key from the table. It panics if key is absent, matching
// the callers' invariant that they never delete what they did not
// insert (the pid hash).
func (ht *Hashtable) Del(key interface{}) {
	kh := khash(key)
	b := ht.table[ht.bucketOf(kh)]
	b.Lock()
	defer b.Unlock()

	var last *elem_t
	for e := b.first; e != nil; e = e.next {
		if e.keyHash == kh && equal(e.key, key) {
			if last == nil {
				storeptr(&b.first, e.next)
			} else {
				storeptr(&last.next, e.next)
			}
			return
		}
		if kh < e.keyHash {
			panic("hashtable: delete of non-existing key")
		}
		last = e
	}
	panic("hashtable: delete of non-existing key")
}

// Iter applies f to every key/value pair, stopping early if f returns
// true.
func (ht *Hashtable) Iter(f func(interface{}, interface{}) bool) bool {
	for _, b := range ht.table {
		if b.iter(f) {
			return true
		}
	}
	return false
}

func (ht *Hashtable) bucketOf(keyHash uint32) int {
	return int(keyHash % uint32(len(ht.table)))
}

// Loads/stores go through atomic.[Load|Store]Pointer so Get can walk
// chains without a lock while Set/Del mutate them under the bucket
// lock; there is no explicit memory fence beyond what the atomic
// package guarantees.
func loadptr(e **elem_t) *elem_t {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(e))
	return (*elem_t)(atomic.LoadPointer(ptr))
}

func storeptr(p **elem_t, n *elem_t) {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(p))
	atomic.StorePointer(ptr, unsafe.Pointer(n))
}

func hashUstr(s ustr.Ustr) uint32 {
	h := fnv.New32a()
	h.Write(s)
	return h.Sum32()
}

func hashString(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

func khash(key interface{}) uint32 {
	return uint32(2654435761) * hash(key)
}

func hash(key interface{}) uint32 {
	switch x := key.(type) {
	case ustr.Ustr:
		return hashUstr(x)
	case int:
		return uint32(x)
	case int32:
		return uint32(x)
	case uint64:
		return uint32(x) ^ uint32(x>>32)
	case string:
		return hashString(x)
	default:
		panic(fmt.Errorf("hashtable: unsupported key type %T", key))
	}
}

func equal(key1, key2 interface{}) bool {
	switch x := key1.(type) {
	case ustr.Ustr:
		return x.Eq(key2.(ustr.Ustr))
	case int32:
		return x == key2.(int32)
	case int:
		return x == key2.(int)
	case uint64:
		return x == key2.(uint64)
	case string:
		return x == key2.(string)
	default:
		panic(fmt.Errorf("hashtable: unsupported key type %T", key1))
	}
}

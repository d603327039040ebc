// Package hashtable implements a lock-striped hash table whose read path
// never blocks a writer: Get walks its bucket's chain through atomic
// pointer loads while Set/Del publish under the bucket lock. Keys are
// generic, so handle.Table can key directly on a Handle value without a
// type switch.
package hashtable

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

type elem[K comparable, V any] struct {
	key   K
	value V
	hash  uint32
	next  *elem[K, V]
}

type bucket[K comparable, V any] struct {
	sync.RWMutex
	first *elem[K, V]
}

func (b *bucket[K, V]) len() int {
	b.RLock()
	defer b.RUnlock()
	n := 0
	for e := b.first; e != nil; e = e.next {
		n++
	}
	return n
}

// Table is a fixed-bucket-count hash table. Get is lock-free against
// concurrent Set/Del on other keys; Set/Del take the owning bucket's lock.
type Table[K comparable, V any] struct {
	buckets []*bucket[K, V]
	hashFn  func(K) uint32
}

// New allocates a table with size buckets, hashing keys with hashFn.
func New[K comparable, V any](size int, hashFn func(K) uint32) *Table[K, V] {
	t := &Table[K, V]{
		buckets: make([]*bucket[K, V], size),
		hashFn:  hashFn,
	}
	for i := range t.buckets {
		t.buckets[i] = &bucket[K, V]{}
	}
	return t
}

func (t *Table[K, V]) idx(h uint32) int {
	return int(h % uint32(len(t.buckets)))
}

func (t *Table[K, V]) Get(key K) (V, bool) {
	h := t.hashFn(key)
	b := t.buckets[t.idx(h)]
	for e := loadptr(&b.first); e != nil; e = loadptr(&e.next) {
		if e.hash == h && e.key == key {
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

// Set inserts key/value, returning false without modifying the table if the
// key already exists.
func (t *Table[K, V]) Set(key K, value V) bool {
	h := t.hashFn(key)
	b := t.buckets[t.idx(h)]
	b.Lock()
	defer b.Unlock()

	for e := b.first; e != nil; e = e.next {
		if e.hash == h && e.key == key {
			return false
		}
	}
	n := &elem[K, V]{key: key, value: value, hash: h, next: b.first}
	storeptr(&b.first, n)
	return true
}

// Del removes key; it is a no-op if key is absent.
func (t *Table[K, V]) Del(key K) {
	h := t.hashFn(key)
	b := t.buckets[t.idx(h)]
	b.Lock()
	defer b.Unlock()

	var prev *elem[K, V]
	for e := b.first; e != nil; e = e.next {
		if e.hash == h && e.key == key {
			if prev == nil {
				storeptr(&b.first, e.next)
			} else {
				storeptr(&prev.next, e.next)
			}
			return
		}
		prev = e
	}
}

func (t *Table[K, V]) Size() int {
	n := 0
	for _, b := range t.buckets {
		n += b.len()
	}
	return n
}

func (t *Table[K, V]) String() string {
	s := ""
	for i, b := range t.buckets {
		b.RLock()
		if b.first != nil {
			s += fmt.Sprintf("bucket %d:\n", i)
			for e := b.first; e != nil; e = e.next {
				s += fmt.Sprintf("  (%v => %v)\n", e.key, e.value)
			}
		}
		b.RUnlock()
	}
	return s
}

func loadptr[K comparable, V any](p **elem[K, V]) *elem[K, V] {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(p))
	return (*elem[K, V])(atomic.LoadPointer(ptr))
}

func storeptr[K comparable, V any](p **elem[K, V], n *elem[K, V]) {
	ptr := (*unsafe.Pointer)(unsafe.Pointer(p))
	atomic.StorePointer(ptr, unsafe.Pointer(n))
}

// HashInt is a ready-made hash function for int keys, using the Knuth
// multiplicative scramble.
func HashInt(k int) uint32 {
	return uint32(2654435761) * uint32(k)
}

// Package allocator provides byte-slice allocators, including a
// persistent allocator that recycles freed allocations instead of
// returning them to its base allocator.
package allocator

import "sort"

// ByteAllocator allocates and frees raw byte slices.
type ByteAllocator interface {
	Alloc(n int) []byte
	Free(b []byte)
}

// Heap is a ByteAllocator backed directly by the Go runtime allocator.
// Free is a no-op: the slice is reclaimed by the garbage collector.
type Heap struct{}

// Alloc returns a freshly made slice of length n.
func (Heap) Alloc(n int) []byte {
	return make([]byte, n)
}

// Free does nothing; Heap relies on garbage collection.
func (Heap) Free([]byte) {}

type entry struct {
	size int
	buf  []byte
}

// Persistent is a ByteAllocator that never returns memory to its base
// allocator. Freed allocations are kept and reused for the smallest
// free block that is large enough for a subsequent request.
type Persistent struct {
	base ByteAllocator
	// free is sorted ascending by size for smallest-fit reuse.
	free []entry
	used map[*byte]entry
}

// NewPersistent wraps base in a persistent, reuse-on-free allocator.
func NewPersistent(base ByteAllocator) *Persistent {
	return &Persistent{
		base: base,
		used: make(map[*byte]entry),
	}
}

// Alloc returns a slice of length n, reusing the smallest free block
// that is at least n bytes if one exists, or allocating a new one from
// the base allocator otherwise.
func (p *Persistent) Alloc(n int) []byte {
	idx := sort.Search(len(p.free), func(i int) bool { return p.free[i].size >= n })
	if idx < len(p.free) {
		e := p.free[idx]
		p.free = append(p.free[:idx], p.free[idx+1:]...)
		buf := e.buf[:n]
		p.used[key(buf)] = entry{size: e.size, buf: e.buf}
		return buf
	}

	buf := p.base.Alloc(n)
	p.used[key(buf)] = entry{size: n, buf: buf}
	return buf
}

// Free retires b into the free list for reuse by a later Alloc. It does
// not release b to the base allocator. Freeing a slice not currently
// tracked as used is a no-op.
func (p *Persistent) Free(b []byte) {
	k := key(b)
	e, ok := p.used[k]
	if !ok {
		return
	}
	delete(p.used, k)

	idx := sort.Search(len(p.free), func(i int) bool { return p.free[i].size >= e.size })
	p.free = append(p.free, entry{})
	copy(p.free[idx+1:], p.free[idx:])
	p.free[idx] = e
}

// Outstanding returns the number of allocations currently in use.
func (p *Persistent) Outstanding() int {
	return len(p.used)
}

// Cached returns the number of retired allocations available for reuse.
func (p *Persistent) Cached() int {
	return len(p.free)
}

// Close releases every cached allocation, and every allocation still in
// use, to the base allocator, if it supports release, and drops all
// bookkeeping. Persistent must not be
// used after Close.
func (p *Persistent) Close() {
	for _, e := range p.free {
		p.base.Free(e.buf)
	}
	for _, e := range p.used {
		p.base.Free(e.buf)
	}
	p.free = nil
	p.used = nil
}

func key(b []byte) *byte {
	if cap(b) == 0 {
		return nil
	}
	return &b[:1][0]
}

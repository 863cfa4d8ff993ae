// Package buffer provides a move-only byte buffer whose growth does not
// preserve prior contents, trading the cost of a copy-on-grow for a
// pluggable allocator.
package buffer

import "github.com/ghex-go/ghex/allocator"

// Buffer is a move-only buffer of bytes. Its capacity is the size of the
// current allocation, while its size is the portion in use. Reserve and
// Resize do not preserve existing contents: growth always starts from a
// fresh allocation, matching the allocator's own reuse semantics.
//
// Buffer is move-only: copying a Buffer by value and using both copies
// concurrently corrupts bookkeeping. Use Take to transfer ownership and
// Swap to exchange contents in place.
type Buffer struct {
	alloc allocator.ByteAllocator
	data  []byte
	size  int
}

// New constructs an empty Buffer backed by alloc.
func New(alloc allocator.ByteAllocator) *Buffer {
	return &Buffer{alloc: alloc}
}

// NewSize constructs a Buffer of the given size, backed by alloc.
func NewSize(alloc allocator.ByteAllocator, size int) *Buffer {
	b := New(alloc)
	b.Resize(size)
	return b
}

// Size returns the number of bytes in use.
func (b *Buffer) Size() int {
	return b.size
}

// Capacity returns the size of the current allocation.
func (b *Buffer) Capacity() int {
	return cap(b.data)
}

// Data returns a slice view of the bytes in use.
func (b *Buffer) Data() []byte {
	if b.size == 0 {
		return nil
	}
	return b.data[:b.size]
}

// Reserve ensures the buffer's capacity is at least n, allocating a fresh
// block and discarding the previous one if it is too small. Existing
// contents are not copied.
func (b *Buffer) Reserve(n int) {
	if cap(b.data) >= n {
		return
	}
	if b.data != nil {
		b.alloc.Free(b.data)
	}
	b.data = b.alloc.Alloc(n)
}

// Resize sets the buffer's size to n, reserving capacity as needed.
// Contents are not preserved across a reallocating resize.
func (b *Buffer) Resize(n int) {
	b.Reserve(n)
	b.size = n
}

// Clear sets the buffer's size to zero without releasing its allocation.
func (b *Buffer) Clear() {
	b.size = 0
}

// Swap exchanges the contents of b and other in place.
func (b *Buffer) Swap(other *Buffer) {
	b.alloc, other.alloc = other.alloc, b.alloc
	b.data, other.data = other.data, b.data
	b.size, other.size = other.size, b.size
}

// Take transfers ownership of b's allocation to the caller and resets b
// to empty. The returned Buffer is independent of b.
func (b *Buffer) Take() *Buffer {
	out := &Buffer{alloc: b.alloc, data: b.data, size: b.size}
	b.alloc = nil
	b.data = nil
	b.size = 0
	return out
}

// Release frees the buffer's allocation through its allocator and resets
// it to empty. The buffer may be reused after Release.
func (b *Buffer) Release() {
	if b.data != nil {
		b.alloc.Free(b.data)
	}
	b.data = nil
	b.size = 0
}

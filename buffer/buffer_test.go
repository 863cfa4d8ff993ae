package buffer

import (
	"testing"

	"github.com/ghex-go/ghex/allocator"
)

func TestResizeGrowsCapacity(t *testing.T) {
	b := New(allocator.Heap{})
	b.Resize(16)
	if b.Size() != 16 {
		t.Fatalf("Size() = %d, want 16", b.Size())
	}
	if b.Capacity() < 16 {
		t.Fatalf("Capacity() = %d, want >= 16", b.Capacity())
	}
}

func TestReserveDoesNotShrink(t *testing.T) {
	b := New(allocator.Heap{})
	b.Reserve(64)
	cap1 := b.Capacity()
	b.Reserve(8)
	if b.Capacity() != cap1 {
		t.Fatalf("Reserve(8) after Reserve(64) shrank capacity: %d -> %d", cap1, b.Capacity())
	}
}

func TestClearKeepsCapacity(t *testing.T) {
	b := NewSize(allocator.Heap{}, 32)
	cap1 := b.Capacity()
	b.Clear()
	if b.Size() != 0 {
		t.Fatalf("Size() after Clear() = %d, want 0", b.Size())
	}
	if b.Capacity() != cap1 {
		t.Fatalf("Clear() changed capacity: %d -> %d", cap1, b.Capacity())
	}
}

func TestSwap(t *testing.T) {
	a := NewSize(allocator.Heap{}, 4)
	b := NewSize(allocator.Heap{}, 8)
	copy(a.Data(), []byte{1, 2, 3, 4})
	copy(b.Data(), []byte{5, 6, 7, 8, 9, 10, 11, 12})

	a.Swap(b)

	if a.Size() != 8 || b.Size() != 4 {
		t.Fatalf("Swap() did not exchange sizes: a=%d b=%d", a.Size(), b.Size())
	}
	if a.Data()[0] != 5 || b.Data()[0] != 1 {
		t.Fatalf("Swap() did not exchange contents")
	}
}

func TestTakeResetsOriginal(t *testing.T) {
	a := NewSize(allocator.Heap{}, 4)
	copy(a.Data(), []byte{9, 9, 9, 9})

	taken := a.Take()

	if a.Size() != 0 || a.Capacity() != 0 {
		t.Fatalf("Take() did not reset original: size=%d cap=%d", a.Size(), a.Capacity())
	}
	if taken.Size() != 4 || taken.Data()[0] != 9 {
		t.Fatalf("Take() did not transfer contents")
	}
}

func TestReleaseReturnsToAllocatorForReuse(t *testing.T) {
	alloc := allocator.NewPersistent(allocator.Heap{})
	b := NewSize(alloc, 16)
	b.Release()

	if alloc.Cached() != 1 {
		t.Fatalf("Cached() after Release() = %d, want 1", alloc.Cached())
	}
	if b.Size() != 0 {
		t.Fatalf("Size() after Release() = %d, want 0", b.Size())
	}
}

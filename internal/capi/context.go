//go:build cgo

package capi

import (
	"sync"
	"unsafe"
)

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
*/
import "C"

// contextFreeList recycles released context blocks. Halo exchanges post
// the same steady-state number of operations every step, so released
// blocks are reused rather than returned to the C allocator; the list
// only grows to the high-water mark of in-flight operations.
var contextFreeList struct {
	mu   sync.Mutex
	ptrs []unsafe.Pointer
}

// CompletionContextAlloc returns an opaque context pointer for use with
// libfabric operations, reusing a previously released block when one is
// available. Call CompletionContextFree to release it after the
// completion has been processed.
func CompletionContextAlloc() unsafe.Pointer {
	contextFreeList.mu.Lock()
	if n := len(contextFreeList.ptrs); n > 0 {
		ptr := contextFreeList.ptrs[n-1]
		contextFreeList.ptrs = contextFreeList.ptrs[:n-1]
		contextFreeList.mu.Unlock()
		return ptr
	}
	contextFreeList.mu.Unlock()
	return C.malloc(C.size_t(1))
}

// CompletionContextFree retires a context previously handed out by
// CompletionContextAlloc onto the free list for reuse.
func CompletionContextFree(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	contextFreeList.mu.Lock()
	contextFreeList.ptrs = append(contextFreeList.ptrs, ptr)
	contextFreeList.mu.Unlock()
}

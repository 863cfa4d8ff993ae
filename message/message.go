// Package message provides shared, reference-counted message buffers
// built on top of buffer.Buffer.
package message

import (
	"sync/atomic"

	"github.com/ghex-go/ghex/allocator"
	"github.com/ghex-go/ghex/buffer"
	"github.com/ghex-go/ghex/transport"
)

type shared struct {
	buf   *buffer.Buffer
	count int64
}

// SharedMessage is a reference-counted handle to a buffer.Buffer. Unlike
// Buffer, SharedMessage may be freely copied by value: copies refer to
// the same underlying storage and the storage is released only when the
// last handle is Released.
type SharedMessage struct {
	s *shared
}

// New constructs a SharedMessage wrapping a buffer of the given capacity
// and size, allocated through alloc.
func New(alloc allocator.ByteAllocator, capacity, size int) SharedMessage {
	buf := buffer.NewSize(alloc, capacity)
	buf.Resize(size)
	return SharedMessage{s: &shared{buf: buf, count: 1}}
}

// FromBuffer adopts buf into a new SharedMessage with a use count of one.
// Callers must not use buf directly after this call.
func FromBuffer(buf *buffer.Buffer) SharedMessage {
	return SharedMessage{s: &shared{buf: buf, count: 1}}
}

// IsValid reports whether the message still refers to live storage.
func (m SharedMessage) IsValid() bool {
	return m.s != nil
}

// IsShared reports whether more than one handle refers to this message.
func (m SharedMessage) IsShared() bool {
	return m.UseCount() > 1
}

// UseCount returns the number of live handles sharing this message's
// storage.
func (m SharedMessage) UseCount() int64 {
	if m.s == nil {
		return 0
	}
	return atomic.LoadInt64(&m.s.count)
}

// Clone returns a new handle sharing the same storage, incrementing the
// use count.
func (m SharedMessage) Clone() SharedMessage {
	if m.s == nil {
		return SharedMessage{}
	}
	atomic.AddInt64(&m.s.count, 1)
	return SharedMessage{s: m.s}
}

// CloneMessage is Clone exposed through transport.Message, so a
// SharedMessage satisfies the callback dispatcher's shareable contract
// for SendMulti fan-out: each destination gets its own handle, releasing
// independently of the original.
func (m *SharedMessage) CloneMessage() transport.Message {
	clone := m.Clone()
	return &clone
}

// Release decrements the use count and, if this was the last handle,
// releases the underlying buffer back to its allocator. Any further use
// of this handle is invalid.
func (m *SharedMessage) Release() {
	if m.s == nil {
		return
	}
	if atomic.AddInt64(&m.s.count, -1) == 0 {
		m.s.buf.Release()
	}
	m.s = nil
}

// Data returns the portion of the buffer in use.
func (m SharedMessage) Data() []byte {
	if m.s == nil {
		return nil
	}
	return m.s.buf.Data()
}

// Size returns the number of bytes in use.
func (m SharedMessage) Size() int {
	if m.s == nil {
		return 0
	}
	return m.s.buf.Size()
}

// Capacity returns the size of the underlying allocation.
func (m SharedMessage) Capacity() int {
	if m.s == nil {
		return 0
	}
	return m.s.buf.Capacity()
}

// Resize sets the message's size, reserving capacity as needed. Resizing
// a shared message (UseCount > 1) affects every handle, since they share
// the same storage.
func (m SharedMessage) Resize(n int) {
	if m.s == nil {
		return
	}
	m.s.buf.Resize(n)
}

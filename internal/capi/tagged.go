//go:build cgo

package capi

import (
	"unsafe"
)

/*
#cgo pkg-config: libfabric
#include <rdma/fi_tagged.h>
*/
import "C"

// Operation flags accepted by TRecvMsg, mirrored from <rdma/fabric.h>.
const (
	FlagPeek    = uint64(C.FI_PEEK)
	FlagClaim   = uint64(C.FI_CLAIM)
	FlagDiscard = uint64(C.FI_DISCARD)
)

// TSend posts a tagged send operation.
func (e *Endpoint) TSend(buffer unsafe.Pointer, length uintptr, desc unsafe.Pointer, dest FIAddr, tag uint64, context unsafe.Pointer) error {
	if e == nil || e.ptr == nil {
		return ErrUnavailable.WithOp("fi_tsend")
	}
	status := C.fi_tsend(e.ptr, buffer, C.size_t(length), desc, C.fi_addr_t(dest), C.uint64_t(tag), context)
	return ErrorFromStatus(int(status), "fi_tsend")
}

// TRecv posts a tagged receive operation.
func (e *Endpoint) TRecv(buffer unsafe.Pointer, length uintptr, desc unsafe.Pointer, src FIAddr, tag uint64, ignore uint64, context unsafe.Pointer) error {
	if e == nil || e.ptr == nil {
		return ErrUnavailable.WithOp("fi_trecv")
	}
	status := C.fi_trecv(e.ptr, buffer, C.size_t(length), desc, C.fi_addr_t(src), C.uint64_t(tag), C.uint64_t(ignore), context)
	return ErrorFromStatus(int(status), "fi_trecv")
}

// TRecvMsg posts a tagged receive described by a full fi_msg_tagged
// struct, honouring operation flags such as FI_PEEK. A zero-length
// buffer with FlagPeek probes for an unexpected message without
// consuming it.
func (e *Endpoint) TRecvMsg(buffer unsafe.Pointer, length uintptr, src FIAddr, tag uint64, ignore uint64, context unsafe.Pointer, flags uint64) error {
	if e == nil || e.ptr == nil {
		return ErrUnavailable.WithOp("fi_trecvmsg")
	}
	var iov C.struct_iovec
	var msg C.struct_fi_msg_tagged
	if length > 0 {
		iov.iov_base = buffer
		iov.iov_len = C.size_t(length)
		msg.msg_iov = &iov
		msg.iov_count = 1
	}
	msg.addr = C.fi_addr_t(src)
	msg.tag = C.uint64_t(tag)
	msg.ignore = C.uint64_t(ignore)
	msg.context = context
	status := C.fi_trecvmsg(e.ptr, &msg, C.uint64_t(flags))
	return ErrorFromStatus(int(status), "fi_trecvmsg")
}

// TInject sends a tagged message using the inject fast-path.
func (e *Endpoint) TInject(buffer unsafe.Pointer, length uintptr, dest FIAddr, tag uint64) error {
	if e == nil || e.ptr == nil {
		return ErrUnavailable.WithOp("fi_tinject")
	}
	status := C.fi_tinject(e.ptr, buffer, C.size_t(length), C.fi_addr_t(dest), C.uint64_t(tag))
	return ErrorFromStatus(int(status), "fi_tinject")
}

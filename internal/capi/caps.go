//go:build cgo

package capi

/*
#cgo pkg-config: libfabric
#include <rdma/fabric.h>
*/
import "C"

// CapTagged is the only capability bit this module matches on: every
// endpoint it opens is a tag-matched RDM worker.
const CapTagged = uint64(C.FI_TAGGED)

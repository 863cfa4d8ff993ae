package fi

import (
	"errors"

	"github.com/ghex-go/ghex/internal/capi"
)

var (
	// ErrNoCompletion indicates that no completion entries were available.
	ErrNoCompletion = errors.New("libfabric: no completion available")
	// ErrTimeout indicates that a wait operation timed out.
	ErrTimeout = errors.New("libfabric: wait timed out")
	// ErrContextUnknown indicates that a completion context was not found.
	ErrContextUnknown = errors.New("libfabric: completion context not found")
	// ErrCapabilityUnsupported indicates that the provider does not support the requested capability.
	ErrCapabilityUnsupported = errors.New("libfabric: capability not supported")
)

// Errno re-exports the libfabric errno type for consumers of the fi package.
type Errno = capi.Errno

// ErrnoNoMessage is the errno a peek's error completion carries when no
// unexpected message is waiting.
const ErrnoNoMessage = capi.ErrNoMessage
